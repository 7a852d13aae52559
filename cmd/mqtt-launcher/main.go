package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/mqtt-launcher/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return exitError
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "config":
		return runConfigNoun(args)
	case "topic":
		return runTopicNoun(args)

	// --- VERBS ---
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return exitOK
		}
		return runStart(args)
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return exitOK
		}
		return runRun(args)
	case "history":
		if hasHelpFlag(args) {
			printHistoryHelp()
			return exitOK
		}
		return runHistory(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return exitOK
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return exitError
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: mqtt-launcher version [--json]")
		return exitError
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("mqtt-launcher %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// loadConfig resolves and loads the configuration for a command. Errors are
// printed; the returned code is exitConfig.
func loadConfig(flagValue string) (*config.Config, int) {
	path := config.ResolvePath(flagValue)
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, config.ErrNoTopics) {
			fmt.Fprintf(os.Stderr, "No topic list in %s. Aborting\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		}
		return nil, exitConfig
	}
	return cfg, exitOK
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `mqtt-launcher - run configured commands on MQTT messages

Usage:
  mqtt-launcher <command> [flags]
  mqtt-launcher <noun> <action> [flags]

Service:
  start             Connect to the broker and dispatch messages (foreground)
  watch             Live monitor of a running launcher (needs api.enabled)

Config Commands:
  config check      Validate configuration and integrity
  config show       Print the effective configuration (secrets masked)
  config lock       Record the config file hash in .checksums

Topic Commands:
  topic list        Show subscribed topics and their commands

Operations:
  run <topic> [payload]   Dispatch one message locally and print the report
  history                 Show recent runs from the history database

General:
  version           Show version information
  help              Show this help message

The config file is taken from --config, then $MQTTLAUNCHERCONFIG, then
./launcher.yaml. Use 'mqtt-launcher <command> --help' for flags.
`)
}

func printStartHelp() {
	fmt.Print(`Usage: mqtt-launcher start [--config PATH]

Loads the configuration, connects to the broker, subscribes every configured
topic at QoS 2 and dispatches messages until SIGINT or SIGTERM.
`)
}

func printRunHelp() {
	fmt.Print(`Usage: mqtt-launcher run [--config PATH] [--dry-run] [--record] <topic> [payload]

Dispatches one message through the same gates and resolution as the service,
runs the command and prints what would be published to <topic>/report.
Omitting payload dispatches without one. Nothing is sent to the broker.

  --dry-run   Resolve the command and print it without running it
  --record    Store the run in the history database
`)
}

func printHistoryHelp() {
	fmt.Print(`Usage: mqtt-launcher history [--config PATH] [--limit N] [--topic T] [--json]
`)
}

func printWatchHelp() {
	fmt.Print(`Usage: mqtt-launcher watch [--config PATH] [--api URL] [--api-key KEY]

Opens a terminal monitor fed by the launcher's HTTP API. The URL and key
default to api.listen and api.api_key from the configuration.
`)
}
