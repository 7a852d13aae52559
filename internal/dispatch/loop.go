package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mattjoyce/mqtt-launcher/internal/log"
)

// DefaultQueueSize is the number of messages that may wait for the loop.
const DefaultQueueSize = 64

// ErrLoopStopped is returned by Submit after the loop has exited.
var ErrLoopStopped = errors.New("dispatch loop stopped")

type message struct {
	topic   string
	payload *string
	done    chan *Report
}

// Loop feeds a Dispatcher from a single goroutine so that messages are handled
// strictly one at a time in the order they were submitted.
type Loop struct {
	d       *Dispatcher
	queue   chan message
	stopped chan struct{}
	logger  *slog.Logger
}

// NewLoop creates a loop with a bounded queue of size messages.
func NewLoop(d *Dispatcher, size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		d:       d,
		queue:   make(chan message, size),
		stopped: make(chan struct{}),
		logger:  log.WithComponent("dispatch-loop"),
	}
}

// Start runs the loop. This is a blocking call that runs until ctx is cancelled.
// A dispatch in progress receives the same ctx, so cancellation also stops
// its command.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("dispatch loop started")
	defer l.logger.Info("dispatch loop stopped")
	defer close(l.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-l.queue:
			rep := l.d.Dispatch(ctx, msg.topic, msg.payload)
			if msg.done != nil {
				msg.done <- rep
			}
		}
	}
}

// Submit enqueues a message. It blocks while the queue is full, which holds
// back the caller's delivery loop.
func (l *Loop) Submit(ctx context.Context, topic string, payload *string) error {
	return l.enqueue(ctx, message{topic: topic, payload: payload})
}

// SubmitWait enqueues a message and waits for its report.
func (l *Loop) SubmitWait(ctx context.Context, topic string, payload *string) (*Report, error) {
	done := make(chan *Report, 1)
	if err := l.enqueue(ctx, message{topic: topic, payload: payload, done: done}); err != nil {
		return nil, err
	}
	select {
	case rep := <-done:
		return rep, nil
	case <-l.stopped:
		// The loop may have finished our message just before stopping.
		select {
		case rep := <-done:
			return rep, nil
		default:
			return nil, ErrLoopStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of queued messages.
func (l *Loop) Pending() int { return len(l.queue) }

func (l *Loop) enqueue(ctx context.Context, msg message) error {
	select {
	case <-l.stopped:
		return ErrLoopStopped
	default:
	}
	select {
	case l.queue <- msg:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
