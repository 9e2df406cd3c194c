package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTickRecoversAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New("test", time.Second, func(context.Context) error {
		panic("boom")
	}, zap.New(core))

	err := l.Tick(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, logs.FilterMessage("tick panicked").Len())
}

func TestFailedTickDoesNotStopLoop(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var calls atomic.Int32
	l := New("test", 5*time.Millisecond, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first tick fails")
		}
		return nil
	}, zap.New(core))

	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, l.Running())
	assert.Equal(t, 1, logs.FilterMessage("tick failed").Len())
}

func TestResetRestartsOnlyWhenRunning(t *testing.T) {
	var calls atomic.Int32
	l := New("test", time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	assert.False(t, l.Reset(2*time.Hour), "stopped loop just records the interval")
	assert.Equal(t, 2*time.Hour, l.Interval())

	l.Start(context.Background())
	defer l.Stop()
	assert.False(t, l.Reset(2*time.Hour), "same interval is not a restart")

	assert.True(t, l.Reset(5*time.Millisecond))
	assert.True(t, l.Running())
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestStopAndParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New("test", time.Millisecond, func(context.Context) error { return nil }, nil)

	l.Start(ctx)
	assert.True(t, l.Running())
	cancel()
	require.Eventually(t, func() bool { return !l.Running() }, time.Second, time.Millisecond)

	l.Stop()
	assert.False(t, l.Running())
}
