package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mqtt-launcher/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func TestRunCapturesOutput(t *testing.T) {
	e := New(Options{})

	res := e.Run(context.Background(), []string{"/bin/echo", "ok"})
	require.NoError(t, res.Err)
	assert.Equal(t, "ok\n", res.Output)
	assert.Equal(t, "ok\n", res.Text())
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Failed())
}

func TestRunMergesStderr(t *testing.T) {
	e := New(Options{})

	res := e.Run(context.Background(), []string{"/bin/sh", "-c", "echo out; echo err 1>&2"})
	require.NoError(t, res.Err)
	assert.Contains(t, res.Output, "out\n")
	assert.Contains(t, res.Output, "err\n")
}

func TestRunUsesWorkDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	e := New(Options{WorkDir: dir})

	res := e.Run(context.Background(), []string{"/bin/pwd"})
	require.NoError(t, res.Err)
	assert.Equal(t, dir, strings.TrimSpace(res.Output))
}

func TestRunDefaultsToTempDir(t *testing.T) {
	e := New(Options{})
	assert.Equal(t, os.TempDir(), e.workDir)
}

func TestRunDoesNotUseShell(t *testing.T) {
	e := New(Options{})

	res := e.Run(context.Background(), []string{"/bin/echo", "$(id); `id` && rm -rf /"})
	require.NoError(t, res.Err)
	assert.Equal(t, "$(id); `id` && rm -rf /\n", res.Output)
}

func TestRunStdinIsEmpty(t *testing.T) {
	e := New(Options{})

	res := e.Run(context.Background(), []string{"/bin/cat"})
	require.NoError(t, res.Err)
	assert.Equal(t, "", res.Output)
}

func TestRunNonZeroExit(t *testing.T) {
	e := New(Options{})

	res := e.Run(context.Background(), []string{"/bin/false"})
	require.Error(t, res.Err)
	assert.True(t, res.Failed())
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, strings.HasPrefix(res.Text(), ErrorPrefix), res.Text())
	assert.Contains(t, res.Text(), "returned non-zero exit status 1")
}

func TestRunMissingExecutable(t *testing.T) {
	e := New(Options{})

	res := e.Run(context.Background(), []string{"/nonexistent/launcher-test-binary", "x"})
	require.Error(t, res.Err)
	assert.Equal(t, -1, res.ExitCode)
	assert.True(t, strings.HasPrefix(res.Text(), "*****> "))
	assert.Contains(t, res.Text(), "cannot run")
}

func TestRunEmptyCommand(t *testing.T) {
	e := New(Options{})

	res := e.Run(context.Background(), nil)
	require.Error(t, res.Err)
	assert.Equal(t, ErrorPrefix+"empty command", res.Text())
}

func TestRunTimeout(t *testing.T) {
	e := New(Options{Timeout: 100 * time.Millisecond})

	start := time.Now()
	res := e.Run(context.Background(), []string{"sleep", "10"})
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrTimedOut)
	assert.True(t, res.TimedOut)
	assert.True(t, strings.HasPrefix(res.Text(), ErrorPrefix))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunContextCancelled(t *testing.T) {
	e := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := e.Run(ctx, []string{"sleep", "10"})
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, res.TimedOut)
}

func TestRunTruncatesOutput(t *testing.T) {
	e := New(Options{MaxOutput: 8})

	res := e.Run(context.Background(), []string{"/bin/echo", "0123456789abcdef"})
	require.NoError(t, res.Err)
	assert.Equal(t, "01234567", res.Output)
	assert.True(t, res.Truncated)
}

func TestExecuteReturnsText(t *testing.T) {
	e := New(Options{})
	assert.Equal(t, "hi\n", e.Execute(context.Background(), []string{"/bin/echo", "hi"}))
	assert.True(t, strings.HasPrefix(e.Execute(context.Background(), []string{"/bin/false"}), ErrorPrefix))
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}

	n, err := b.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Write([]byte("cdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = b.Write([]byte("g"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, truncated := b.snapshot()
	assert.Equal(t, "abcd", s)
	assert.True(t, truncated)
}

func TestQuoteArgv(t *testing.T) {
	assert.Equal(t, "['/bin/false']", quoteArgv([]string{"/bin/false"}))
	assert.Equal(t, "['a', 'b c']", quoteArgv([]string{"a", "b c"}))
}
