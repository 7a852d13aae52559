package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

const testConfig = `service:
  log_level: error
mqtt:
  broker: localhost
state:
  path: %DB%
topics:
  test/echo:
    params:
      hello: [/bin/echo, world]
    default: [/bin/echo, "got @!@"]
  test/fail:
    params:
      go: [/bin/false]
`

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "launcher.db")
	path := filepath.Join(dir, "launcher.yaml")
	body := strings.ReplaceAll(testConfig, "%DB%", dbPath)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dbPath
}

func TestVersionJSON(t *testing.T) {
	code, stdout, _ := runCLIForTest(t, "version", "--json")
	require.Equal(t, exitOK, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.NotEmpty(t, info.Version)
}

func TestHelpAndUnknownCommand(t *testing.T) {
	code, stdout, _ := runCLIForTest(t, "help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "config check")

	code, _, stderr := runCLIForTest(t, "bogus")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, _, _ = runCLIForTest(t)
	assert.Equal(t, exitError, code)
}

func TestConfigCheck(t *testing.T) {
	path, _ := writeConfig(t)

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", path)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Configuration valid")
	assert.Contains(t, stdout, "topics: 2")
}

func TestConfigCheckWithoutTopicsExitsTwo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "launcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  broker: localhost\n"), 0o600))

	code, _, stderr := runCLIForTest(t, "config", "check", "--config", path)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "No topic list in")
	assert.Contains(t, stderr, "Aborting")
}

func TestConfigCheckUsesEnvVar(t *testing.T) {
	path, _ := writeConfig(t)
	t.Setenv("MQTTLAUNCHERCONFIG", path)

	code, _, stderr := runCLIForTest(t, "config", "check")
	assert.Equal(t, exitOK, code, stderr)
}

func TestConfigShowMasksSecrets(t *testing.T) {
	path, _ := writeConfig(t)
	t.Setenv("MQTTLAUNCHER_PASSWORD", "hunter2")

	code, stdout, stderr := runCLIForTest(t, "config", "show", "--config", path)
	require.Equal(t, exitOK, code, stderr)
	assert.NotContains(t, stdout, "hunter2")
	assert.Contains(t, stdout, "********")
}

func TestConfigLockThenTamper(t *testing.T) {
	path, _ := writeConfig(t)

	code, stdout, _ := runCLIForTest(t, "config", "lock", "--dry-run", "--config", path)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Would lock")
	_, err := os.Stat(filepath.Join(filepath.Dir(path), ".checksums"))
	assert.True(t, os.IsNotExist(err))

	code, stdout, _ = runCLIForTest(t, "config", "lock", "--config", path)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Locked")

	code, stdout, _ = runCLIForTest(t, "config", "check", "--config", path)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "integrity: locked")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr := runCLIForTest(t, "config", "check", "--config", path)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "verification failed")
}

func TestTopicList(t *testing.T) {
	path, _ := writeConfig(t)

	code, stdout, _ := runCLIForTest(t, "topic", "list", "--config", path)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "test/echo")
	assert.Contains(t, stdout, "(default)")

	code, stdout, _ = runCLIForTest(t, "topic", "list", "--json", "--config", path)
	require.Equal(t, exitOK, code)
	var views []topicView
	require.NoError(t, json.Unmarshal([]byte(stdout), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "test/echo", views[0].Topic)
	assert.Equal(t, "test/echo/report", views[0].ReportTopic)
	assert.Equal(t, []string{"/bin/echo", "world"}, views[0].Params["hello"])
}

func TestRunDryRun(t *testing.T) {
	path, _ := writeConfig(t)

	code, stdout, _ := runCLIForTest(t, "run", "--dry-run", "--config", path, "test/echo", "x y")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "match: fallback")
	assert.Contains(t, stdout, `"got x y"`)
}

func TestRunExecutesAndPrintsReport(t *testing.T) {
	path, _ := writeConfig(t)

	code, stdout, stderr := runCLIForTest(t, "run", "--config", path, "test/echo", "hello")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "test/echo/report world\n", stdout)
}

func TestRunFailurePublishesErrorText(t *testing.T) {
	path, _ := writeConfig(t)

	code, stdout, _ := runCLIForTest(t, "run", "--config", path, "test/fail", "go")
	assert.Equal(t, exitError, code)
	assert.True(t, strings.HasPrefix(stdout, "test/fail/report *****> "), stdout)
}

func TestRunRejectsUnknownTopicAndNoMatch(t *testing.T) {
	path, _ := writeConfig(t)

	code, stdout, stderr := runCLIForTest(t, "run", "--config", path, "nope", "x")
	assert.Equal(t, exitError, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Rejected")

	code, stdout, _ = runCLIForTest(t, "run", "--config", path, "test/fail", "other")
	assert.Equal(t, exitError, code)
	assert.Empty(t, stdout)
}

func TestHistoryRecordsRuns(t *testing.T) {
	path, _ := writeConfig(t)

	code, stdout, _ := runCLIForTest(t, "history", "--config", path)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "No runs recorded.")

	code, _, stderr := runCLIForTest(t, "run", "--record", "--config", path, "test/echo", "hello")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, "recorded run")

	code, stdout, _ = runCLIForTest(t, "history", "--json", "--config", path)
	require.Equal(t, exitOK, code)

	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "test/echo", runs[0]["topic"])
	assert.Equal(t, "succeeded", runs[0]["status"])
	assert.Equal(t, "world", runs[0]["output"])
}

func TestWatchRequiresAPIKey(t *testing.T) {
	path, _ := writeConfig(t)

	code, _, stderr := runCLIForTest(t, "watch", "--config", path)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "API key is required")
}

func TestSubcommandHelp(t *testing.T) {
	for _, args := range [][]string{
		{"start", "--help"},
		{"run", "-h"},
		{"history", "--help"},
		{"watch", "--help"},
		{"config", "help"},
		{"topic", "--help"},
	} {
		code, stdout, _ := runCLIForTest(t, args...)
		assert.Equal(t, exitOK, code, args)
		assert.Contains(t, stdout, "Usage: mqtt-launcher", args)
	}
}
