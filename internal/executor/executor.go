package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/mqtt-launcher/internal/log"
)

const (
	// ErrorPrefix marks a result text that describes a failure.
	ErrorPrefix = "*****> "

	// DefaultMaxOutput caps captured output when no limit is configured.
	DefaultMaxOutput = 256 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrTimedOut is wrapped by Result.Err when the timeout expired.
var ErrTimedOut = errors.New("command timed out")

// Options configure an Executor.
type Options struct {
	WorkDir   string
	Timeout   time.Duration
	MaxOutput int
}

// Result is the outcome of one run.
type Result struct {
	Output    string
	Err       error
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Failed reports whether the run did not succeed.
func (r Result) Failed() bool { return r.Err != nil }

// Text is the report text: the captured output on success, otherwise
// ErrorPrefix followed by the failure description.
func (r Result) Text() string {
	if r.Err != nil {
		return ErrorPrefix + r.Err.Error()
	}
	return r.Output
}

// Executor spawns commands.
type Executor struct {
	workDir   string
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
}

// New creates an Executor. An empty WorkDir means os.TempDir().
func New(opts Options) *Executor {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	return &Executor{
		workDir:   opts.WorkDir,
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutput,
		logger:    log.WithComponent("executor"),
	}
}

// Execute runs argv and returns the report text.
func (e *Executor) Execute(ctx context.Context, argv []string) string {
	return e.Run(ctx, argv).Text()
}

// Run executes argv and waits for it to finish.
func (e *Executor) Run(ctx context.Context, argv []string) Result {
	start := time.Now()
	res := e.run(ctx, argv)
	res.Duration = time.Since(start)
	return res
}

func (e *Executor) run(ctx context.Context, argv []string) Result {
	if len(argv) == 0 {
		return Result{Err: errors.New("empty command"), ExitCode: -1}
	}

	// Don't use CommandContext - termination is managed below.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.workDir
	cmd.Stdin = nil
	// Background children that keep the output pipe open must not hold Wait.
	cmd.WaitDelay = terminationGracePeriod

	out := &cappedBuffer{limit: e.maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	e.logger.Debug("spawning command", "argv", argv, "dir", e.workDir, "timeout", e.timeout)

	if err := cmd.Start(); err != nil {
		return Result{
			Err:      fmt.Errorf("cannot run %s: %w", quoteArgv(argv), err),
			ExitCode: -1,
		}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-waitErr:
		return e.finish(argv, out, err)

	case <-timeoutC:
		e.logger.Warn("command timed out, sending SIGTERM", "argv", argv, "timeout", e.timeout)
		e.terminate(cmd, waitErr)
		output, truncated := out.snapshot()
		return Result{
			Output:    output,
			Err:       fmt.Errorf("%w after %v: %s", ErrTimedOut, e.timeout, quoteArgv(argv)),
			ExitCode:  -1,
			TimedOut:  true,
			Truncated: truncated,
		}

	case <-ctx.Done():
		e.logger.Warn("command cancelled, sending SIGTERM", "argv", argv)
		e.terminate(cmd, waitErr)
		output, truncated := out.snapshot()
		return Result{
			Output:    output,
			Err:       fmt.Errorf("command %s cancelled: %w", quoteArgv(argv), ctx.Err()),
			ExitCode:  -1,
			Truncated: truncated,
		}
	}
}

func (e *Executor) finish(argv []string, out *cappedBuffer, err error) Result {
	output, truncated := out.snapshot()
	res := Result{Output: output, Truncated: truncated}
	if err == nil {
		return res
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		e.logger.Warn("command exited but left its output open", "argv", argv)
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode >= 0 {
			res.Err = fmt.Errorf("command %s returned non-zero exit status %d", quoteArgv(argv), res.ExitCode)
		} else {
			res.Err = fmt.Errorf("command %s %s", quoteArgv(argv), exitErr.ProcessState.String())
		}
		e.logger.Warn("command exited with non-zero status", "argv", argv, "exit_code", res.ExitCode)
		return res
	}

	res.ExitCode = -1
	res.Err = fmt.Errorf("command %s failed: %w", quoteArgv(argv), err)
	return res
}

// terminate sends SIGTERM, waits the grace period, then SIGKILL.
func (e *Executor) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		e.logger.Info("command exited after SIGTERM")
	case <-grace.C:
		e.logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			e.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// quoteArgv renders argv as ['a', 'b'] for error text.
func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + a + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// while still reporting full writes, so the child never sees EPIPE.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}
