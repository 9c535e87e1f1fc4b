package microservice_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/clima-dataflow/pkg/microservice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu           sync.Mutex
	startErr     error
	stopErr      error
	started      bool
	stopped      bool
	startCtxErr  error
	stopDeadline bool
}

func (f *fakeService) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.startCtxErr = ctx.Err()
	return f.startErr
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	_, f.stopDeadline = ctx.Deadline()
	return f.stopErr
}

func (f *fakeService) state() (started, stopped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

func TestRunner_StopsOnCancel(t *testing.T) {
	svc := &fakeService{}
	runner := microservice.NewRunner(zerolog.Nop(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	errChan := make(chan error, 1)
	go func() { errChan <- runner.Run(ctx, svc) }()

	require.Eventually(t, func() bool {
		started, _ := svc.state()
		return started
	}, time.Second, 5*time.Millisecond)
	_, stopped := svc.state()
	assert.False(t, stopped, "service should keep running until cancelled")

	cancel()

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, stopped = svc.state()
	assert.True(t, stopped)
	assert.True(t, svc.stopDeadline, "Stop should be given a deadline")
	assert.NoError(t, svc.startCtxErr)
}

func TestRunner_StartFailure(t *testing.T) {
	svc := &fakeService{startErr: errors.New("unable to initialize")}
	runner := microservice.NewRunner(zerolog.Nop(), 0)

	err := runner.Run(context.Background(), svc)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to initialize")
	_, stopped := svc.state()
	assert.True(t, stopped, "a failed start should still release resources")
	assert.Equal(t, microservice.DefaultStopTimeout, runner.StopTimeout)
}

func TestRunner_StartSeesShutdownSignal(t *testing.T) {
	svc := &fakeService{}
	runner := microservice.NewRunner(zerolog.Nop(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, runner.Run(ctx, svc))

	assert.ErrorIs(t, svc.startCtxErr, context.Canceled, "a signal during start-up should reach Start")
	_, stopped := svc.state()
	assert.True(t, stopped)
}

func TestRunner_StopFailure(t *testing.T) {
	svc := &fakeService{stopErr: errors.New("deadline exceeded")}
	runner := microservice.NewRunner(zerolog.Nop(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runner.Run(ctx, svc)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stop service")
}

func TestRunner_NilService(t *testing.T) {
	runner := microservice.NewRunner(zerolog.Nop(), time.Second)
	assert.Error(t, runner.Run(context.Background(), nil))
}
