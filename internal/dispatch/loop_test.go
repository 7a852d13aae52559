package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mqtt-launcher/internal/dispatch/mocks"
	"github.com/mattjoyce/mqtt-launcher/internal/executor"
)

func TestLoopPreservesOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	run := mocks.NewMockRunner(ctrl)
	d := New(testRegistry(t), run, pub, nil, nil)
	loop := NewLoop(d, 8)

	var (
		mu        sync.Mutex
		published []string
		active    int
	)
	run.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, argv []string) executor.Result {
		mu.Lock()
		active++
		assert.Equal(t, 1, active, "dispatches must not overlap")
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return executor.Result{Output: argv[1] + "\n"}
	}).Times(5)
	pub.EXPECT().Publish("prog/echo/report", gomock.Any()).Do(func(_ string, payload string) {
		mu.Lock()
		published = append(published, payload)
		mu.Unlock()
	}).Times(5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Start(ctx) }()

	for _, p := range []string{"1", "2", "3", "4"} {
		require.NoError(t, loop.Submit(ctx, "prog/echo", strPtr(p)))
	}
	rep, err := loop.SubmitWait(ctx, "prog/echo", strPtr("5"))
	require.NoError(t, err)
	assert.Equal(t, "5", rep.Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, published)
}

func TestLoopSubmitWaitReturnsRejection(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := New(testRegistry(t), mocks.NewMockRunner(ctrl), mocks.NewMockPublisher(ctrl), nil, nil)
	loop := NewLoop(d, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Start(ctx) }()

	rep, err := loop.SubmitWait(ctx, "nope", nil)
	require.NoError(t, err)
	assert.True(t, rep.Rejected())
}

func TestLoopSubmitAfterStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := New(testRegistry(t), mocks.NewMockRunner(ctrl), mocks.NewMockPublisher(ctrl), nil, nil)
	loop := NewLoop(d, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Start(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	err := loop.Submit(context.Background(), "prog/echo", nil)
	assert.True(t, errors.Is(err, ErrLoopStopped))
}

func TestLoopSubmitRespectsContextWhenFull(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := New(testRegistry(t), mocks.NewMockRunner(ctrl), mocks.NewMockPublisher(ctrl), nil, nil)
	loop := NewLoop(d, 1)

	require.NoError(t, loop.Submit(context.Background(), "nope", nil))
	assert.Equal(t, 1, loop.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, loop.Submit(ctx, "nope", nil), context.DeadlineExceeded)
}
