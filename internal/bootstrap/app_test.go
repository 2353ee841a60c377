package bootstrap

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskfleet/internal/core"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestRunStopsAllWhenOneFinishes(t *testing.T) {
	app := &App{Logger: &mockLogger{}}

	var stopped atomic.Bool
	finished := runnerFunc(func(ctx context.Context) error {
		return nil
	})
	follower := runnerFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			stopped.Store(true)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("never released")
		}
	})

	require.NoError(t, app.Run(finished, follower))
	assert.True(t, stopped.Load(), "remaining runners should be cancelled")
}

func TestRunPropagatesRunnerError(t *testing.T) {
	app := &App{Logger: &mockLogger{}}

	boom := errors.New("listener failed")
	failing := runnerFunc(func(ctx context.Context) error {
		return boom
	})
	follower := runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	err := app.Run(failing, follower)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

type mockLogger struct{}

func (l *mockLogger) Debug(msg string, fields ...interface{})               {}
func (l *mockLogger) Info(msg string, fields ...interface{})                {}
func (l *mockLogger) Warn(msg string, fields ...interface{})                {}
func (l *mockLogger) Error(msg string, fields ...interface{})               {}
func (l *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (l *mockLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }
