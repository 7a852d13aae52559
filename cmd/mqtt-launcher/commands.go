package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/mqtt-launcher/internal/config"
	"github.com/mattjoyce/mqtt-launcher/internal/dispatch"
	"github.com/mattjoyce/mqtt-launcher/internal/executor"
	"github.com/mattjoyce/mqtt-launcher/internal/history"
	"github.com/mattjoyce/mqtt-launcher/internal/log"
	"github.com/mattjoyce/mqtt-launcher/internal/registry"
	"github.com/mattjoyce/mqtt-launcher/internal/storage"
	"github.com/mattjoyce/mqtt-launcher/internal/tui"
)

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", action)
		printConfigNounHelp(os.Stderr)
		return exitError
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, code := loadConfig(*configPath)
	if cfg == nil {
		return code
	}
	if _, err := registry.FromConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid topic table: %v\n", err)
		return exitConfig
	}

	fmt.Printf("Configuration valid: %s\n", cfg.SourcePath)
	fmt.Printf("  broker: %s:%d (%s)\n", cfg.MQTT.Broker, cfg.MQTT.Port, cfg.MQTT.Transport)
	fmt.Printf("  topics: %d\n", len(cfg.Topics))
	if manifest, err := config.LoadChecksums(filepath.Dir(cfg.SourcePath)); err == nil {
		if _, ok := manifest.Hashes[filepath.Base(cfg.SourcePath)]; ok {
			fmt.Println("  integrity: locked")
		}
	}
	return exitOK
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, code := loadConfig(*configPath)
	if cfg == nil {
		return code
	}
	redacted := cfg.Redacted()

	if *jsonOut {
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}

	data, err := yaml.Marshal(redacted)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return exitError
	}
	fmt.Print(string(data))
	return exitOK
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Print the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	// Locking must work on an edited file, so the config is not loaded
	// (loading would fail the old hash check).
	path := config.ResolvePath(*configPath)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, config.DefaultPath)
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return exitError
	}

	if report.Written {
		fmt.Printf("Locked %s\n", report.ConfigPath)
	} else {
		fmt.Printf("Would lock %s\n", report.ConfigPath)
	}
	fmt.Printf("  blake3: %s\n", report.Hash)
	fmt.Printf("  manifest: %s\n", report.ChecksumPath)
	return exitOK
}

// --- topic ---

type topicView struct {
	Topic       string              `json:"topic"`
	ReportTopic string              `json:"report_topic"`
	Params      map[string][]string `json:"params,omitempty"`
	Default     []string            `json:"default,omitempty"`
}

func runTopicNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		w := os.Stdout
		if len(args) < 1 {
			w = os.Stderr
		}
		fmt.Fprintln(w, "Usage: mqtt-launcher topic list [--config PATH] [--json]")
		if len(args) < 1 {
			return exitError
		}
		return exitOK
	}
	if args[0] != "list" {
		fmt.Fprintf(os.Stderr, "Unknown topic action: %s\n", args[0])
		return exitError
	}

	fs := flag.NewFlagSet("topic list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, code := loadConfig(*configPath)
	if cfg == nil {
		return code
	}
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid topic table: %v\n", err)
		return exitConfig
	}

	views := make([]topicView, 0, reg.Len())
	for _, name := range reg.Topics() {
		entry, _ := reg.Lookup(name)
		v := topicView{
			Topic:       name,
			ReportTopic: dispatch.ReportTopic(name),
			Params:      make(map[string][]string),
			Default:     entry.Fallback(),
		}
		for _, p := range entry.Params() {
			v.Params[p], _ = entry.Command(p)
		}
		views = append(views, v)
	}

	if *jsonOut {
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render topics: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC\tPARAM\tCOMMAND")
	for _, v := range views {
		for _, p := range sortedKeys(v.Params) {
			fmt.Fprintf(tw, "%s\t%q\t%s\n", v.Topic, p, strings.Join(v.Params[p], " "))
		}
		if v.Default != nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Topic, "(default)", strings.Join(v.Default, " "))
		}
	}
	_ = tw.Flush()
	return exitOK
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- run ---

// stdoutPublisher prints reports instead of sending them to a broker.
type stdoutPublisher struct {
	w io.Writer
}

func (p stdoutPublisher) Publish(topic, payload string) {
	fmt.Fprintf(p.w, "%s %s\n", topic, payload)
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Resolve the command without running it")
	record := fs.Bool("record", false, "Store the run in the history database")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "Usage: mqtt-launcher run [--config PATH] [--dry-run] [--record] <topic> [payload]")
		return exitError
	}

	topic := fs.Arg(0)
	var payload *string
	if fs.NArg() == 2 {
		p := fs.Arg(1)
		payload = &p
	}

	cfg, code := loadConfig(*configPath)
	if cfg == nil {
		return code
	}
	log.SetupWith(cfg.Service.LogLevel, "text", os.Stderr)

	reg, err := registry.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid topic table: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *dryRun {
		if payload != nil && !dispatch.Printable(*payload) {
			fmt.Fprintf(os.Stderr, "Rejected: %v\n", dispatch.ErrNotPrintable)
			return exitError
		}
		argv, match, err := reg.Resolve(topic, payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Rejected: %v\n", err)
			return exitError
		}
		fmt.Printf("topic: %s\n", topic)
		fmt.Printf("report_topic: %s\n", dispatch.ReportTopic(topic))
		fmt.Printf("match: %s\n", match)
		fmt.Printf("argv: %q\n", argv)
		return exitOK
	}

	var recorder dispatch.Recorder
	if *record {
		if cfg.State.Path == "" {
			fmt.Fprintln(os.Stderr, "--record needs state.path to be set")
			return exitConfig
		}
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
			return exitError
		}
		defer db.Close()
		recorder = history.NewStore(db)
	}

	exec := executor.New(executor.Options{
		WorkDir:   cfg.Service.WorkDir,
		Timeout:   cfg.Service.ExecTimeout,
		MaxOutput: cfg.Service.MaxOutputBytes,
	})
	disp := dispatch.New(reg, exec, stdoutPublisher{w: os.Stdout}, recorder, nil)

	rep := disp.Dispatch(ctx, topic, payload)
	if rep.Rejected() {
		fmt.Fprintf(os.Stderr, "Rejected: %v\n", rep.Err)
		return exitError
	}
	if rep.RunID != "" {
		fmt.Fprintf(os.Stderr, "recorded run %s\n", rep.RunID)
	}
	if rep.Status != history.StatusSucceeded {
		return exitError
	}
	return exitOK
}

// --- history ---

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of runs to show")
	topic := fs.String("topic", "", "Only show runs for this topic")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, code := loadConfig(*configPath)
	if cfg == nil {
		return code
	}
	if cfg.State.Path == "" {
		fmt.Fprintln(os.Stderr, "Run history is disabled (state.path is empty)")
		return exitConfig
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return exitError
	}
	defer db.Close()

	runs, err := history.NewStore(db).Recent(ctx, *limit, *topic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return exitError
	}

	if *jsonOut {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render history: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return exitOK
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTOPIC\tPAYLOAD\tSTATUS\tEXIT\tDURATION\tID")
	for _, r := range runs {
		payload := "-"
		if r.Payload != nil {
			payload = fmt.Sprintf("%q", *r.Payload)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Topic,
			payload,
			r.Status,
			r.ExitCode,
			time.Duration(r.DurationMS)*time.Millisecond,
			r.ID,
		)
	}
	_ = tw.Flush()
	return exitOK
}

// --- watch ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api", "", "Launcher API base URL")
	apiKey := fs.String("api-key", "", "Launcher API key")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	url, key := *apiURL, *apiKey
	if url == "" || key == "" {
		cfg, code := loadConfig(*configPath)
		if cfg == nil {
			return code
		}
		if url == "" {
			url = "http://" + cfg.API.Listen
		}
		if key == "" {
			key = cfg.API.APIKey
		}
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "An API key is required (--api-key or api.api_key)")
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(tui.NewMonitor(ctx, url, key))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return exitError
	}
	return exitOK
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: mqtt-launcher config <action> [--config PATH]

Actions:
  check             Load and validate the configuration
  show [--json]     Print the effective configuration with secrets masked
  lock [--dry-run]  Record the BLAKE3 hash of the config file in .checksums
`)
}
