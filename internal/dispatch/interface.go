package dispatch

import (
	"context"

	"github.com/mattjoyce/mqtt-launcher/internal/executor"
	"github.com/mattjoyce/mqtt-launcher/internal/history"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/mqtt-launcher/internal/dispatch Publisher,Runner,Recorder

// Publisher sends a report. Publishing is fire-and-forget: delivery errors are
// the publisher's to log.
type Publisher interface {
	Publish(topic, payload string)
}

// Runner executes a resolved command.
type Runner interface {
	Run(ctx context.Context, argv []string) executor.Result
}

// Recorder persists a finished dispatch.
type Recorder interface {
	Record(ctx context.Context, r history.Run) (string, error)
}
