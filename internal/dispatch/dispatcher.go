package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/mqtt-launcher/internal/events"
	"github.com/mattjoyce/mqtt-launcher/internal/executor"
	"github.com/mattjoyce/mqtt-launcher/internal/history"
	"github.com/mattjoyce/mqtt-launcher/internal/log"
	"github.com/mattjoyce/mqtt-launcher/internal/registry"
)

const (
	// ReportSuffix is appended to a topic to form its report topic.
	ReportSuffix = "/report"

	// ReportQoS is the quality of service used for every report.
	ReportQoS byte = 2
)

// ErrNotPrintable rejects payloads carrying control or non-ASCII characters.
var ErrNotPrintable = errors.New("payload contains non-printable characters")

// ReportTopic derives the report topic for topic.
func ReportTopic(topic string) string {
	return topic + ReportSuffix
}

// Printable reports whether every character of s is ASCII printable: letters,
// digits, punctuation, space, \t, \n, \r, \v or \f.
func Printable(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 0x20 && c <= 0x7e:
		case c == '\t', c == '\n', c == '\r', c == '\v', c == '\f':
		default:
			return false
		}
	}
	return true
}

// Report describes one dispatch. Err is set when a gate rejected the message;
// in that case nothing was run or published.
type Report struct {
	RunID       string          `json:"run_id,omitempty"`
	Topic       string          `json:"topic"`
	ReportTopic string          `json:"report_topic"`
	Payload     *string         `json:"payload,omitempty"`
	Match       registry.Match  `json:"match,omitempty"`
	Argv        []string        `json:"argv,omitempty"`
	Text        string          `json:"text"`
	Status      history.Status  `json:"status,omitempty"`
	ExitCode    int             `json:"exit_code"`
	Published   bool            `json:"published"`
	StartedAt   time.Time       `json:"started_at"`
	DurationMS  int64           `json:"duration_ms"`
	Duration    time.Duration   `json:"-"`
	Err         error           `json:"-"`
	Result      executor.Result `json:"-"`
}

// Rejected reports whether a gate short-circuited the dispatch.
func (r *Report) Rejected() bool { return r.Err != nil }

// Dispatcher resolves, runs and reports. It holds no mutable state of its own
// and must be driven from a single goroutine (see Loop).
type Dispatcher struct {
	registry  *registry.Registry
	runner    Runner
	publisher Publisher
	recorder  Recorder
	hub       *events.Hub
	logger    *slog.Logger
}

// New creates a Dispatcher. recorder and hub may be nil.
func New(reg *registry.Registry, runner Runner, pub Publisher, rec Recorder, hub *events.Hub) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		runner:    runner,
		publisher: pub,
		recorder:  rec,
		hub:       hub,
		logger:    log.WithComponent("dispatch"),
	}
}

// Resolve applies the gates and returns the command that Dispatch would run,
// without running it.
func (d *Dispatcher) Resolve(topic string, payload *string) ([]string, registry.Match, error) {
	if payload != nil && !Printable(*payload) {
		return nil, "", ErrNotPrintable
	}
	return d.registry.Resolve(topic, payload)
}

// Dispatch handles one message. It never returns an error: gate rejections
// are reported through Report.Err and command failures through Report.Text.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, payload *string) *Report {
	rep := &Report{
		Topic:       topic,
		ReportTopic: ReportTopic(topic),
		Payload:     payload,
		StartedAt:   time.Now(),
	}
	logger := log.WithTopic(topic)

	argv, match, err := d.Resolve(topic, payload)
	if err != nil {
		rep.Err = err
		d.reject(logger, rep)
		return rep
	}
	rep.Argv = argv
	rep.Match = match
	rep.RunID = uuid.NewString()

	logger = logger.With("run_id", rep.RunID)
	logger.Info("running command", "argv", argv, "match", match)
	d.hub.Publish(events.DispatchStarted, map[string]any{
		"run_id": rep.RunID,
		"topic":  topic,
		"argv":   argv,
		"match":  match,
	})

	res := d.runner.Run(ctx, argv)
	rep.Result = res
	rep.Duration = res.Duration
	rep.DurationMS = res.Duration.Milliseconds()
	rep.ExitCode = res.ExitCode
	rep.Text = strings.TrimSuffix(res.Text(), "\n")
	rep.Status = statusOf(res)

	if res.Failed() {
		logger.Warn("command failed", "error", res.Err, "exit_code", res.ExitCode)
	}

	d.publisher.Publish(rep.ReportTopic, rep.Text)
	rep.Published = true
	logger.Debug("report published", "report_topic", rep.ReportTopic, "bytes", len(rep.Text))

	d.record(ctx, logger, rep)

	d.hub.Publish(events.DispatchCompleted, map[string]any{
		"run_id":      rep.RunID,
		"topic":       topic,
		"status":      rep.Status,
		"exit_code":   rep.ExitCode,
		"duration_ms": rep.DurationMS,
		"truncated":   res.Truncated,
	})
	return rep
}

func (d *Dispatcher) reject(logger *slog.Logger, rep *Report) {
	reason := "rejected"
	switch {
	case errors.Is(rep.Err, ErrNotPrintable):
		reason = "not_printable"
		logger.Debug("payload contains non-printable characters, ignoring")
	case errors.Is(rep.Err, registry.ErrTopicNotFound):
		reason = "unknown_topic"
		logger.Info("topic not configured, ignoring")
	case errors.Is(rep.Err, registry.ErrNoMatch):
		reason = "no_match"
		logger.Info("no matching param", "payload", rep.Payload)
	default:
		logger.Warn("dispatch rejected", "error", rep.Err)
	}
	d.hub.Publish(events.DispatchRejected, map[string]any{
		"topic":  rep.Topic,
		"reason": reason,
	})
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, rep *Report) {
	if d.recorder == nil {
		return
	}
	_, err := d.recorder.Record(ctx, history.Run{
		ID:          rep.RunID,
		Topic:       rep.Topic,
		ReportTopic: rep.ReportTopic,
		Payload:     rep.Payload,
		Match:       string(rep.Match),
		Argv:        rep.Argv,
		Status:      rep.Status,
		ExitCode:    rep.ExitCode,
		Output:      rep.Text,
		Truncated:   rep.Result.Truncated,
		StartedAt:   rep.StartedAt,
		CompletedAt: rep.StartedAt.Add(rep.Duration),
		DurationMS:  rep.DurationMS,
	})
	if err != nil {
		logger.Error("failed to record run", "error", err)
	}
}

func statusOf(res executor.Result) history.Status {
	switch {
	case res.TimedOut:
		return history.StatusTimedOut
	case res.Failed():
		return history.StatusFailed
	default:
		return history.StatusSucceeded
	}
}

// String renders a rejected report's reason or the run id.
func (r *Report) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Topic, r.Err)
	}
	return fmt.Sprintf("%s: run %s %s", r.Topic, r.RunID, r.Status)
}
