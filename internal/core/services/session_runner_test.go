package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamadapt/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSessionRunner_TicksAndStops(t *testing.T) {
	runner := NewSessionRunner(5*time.Millisecond, nil, zaptest.NewLogger(t).Sugar())
	s := registrySession(t, "a", 2_000_000, "")

	var ticks atomic.Int64
	runner.Start(s, func(*StreamSession, domain.Decision, bool, time.Time) {
		ticks.Add(1)
	})
	runner.Start(s, nil) // already running

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	runner.Stop("a")
	assert.False(t, runner.Running("a"))

	stopped := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, ticks.Load(), "no ticks after Stop returns")

	runner.Stop("a")
}

func TestSessionRunner_ExitsWhenSessionEnds(t *testing.T) {
	runner := NewSessionRunner(5*time.Millisecond, nil, zaptest.NewLogger(t).Sugar())
	s := registrySession(t, "a", 2_000_000, "")

	var once sync.Once
	runner.Start(s, func(session *StreamSession, _ domain.Decision, _ bool, now time.Time) {
		once.Do(func() { _ = session.Stop(now) })
	})

	require.Eventually(t, func() bool { return !runner.Running("a") }, time.Second, 5*time.Millisecond)
}

func TestSessionRunner_RecoversFromPanic(t *testing.T) {
	runner := NewSessionRunner(5*time.Millisecond, nil, zaptest.NewLogger(t).Sugar())
	s := registrySession(t, "a", 2_000_000, "")

	var calls atomic.Int64
	runner.Start(s, func(*StreamSession, domain.Decision, bool, time.Time) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	runner.StopAll()
	assert.False(t, runner.Running("a"))
}

func TestSessionRunner_StopAll(t *testing.T) {
	runner := NewSessionRunner(5*time.Millisecond, nil, zaptest.NewLogger(t).Sugar())
	for _, id := range []domain.SessionID{"a", "b", "c"} {
		runner.Start(registrySession(t, id, 2_000_000, ""), nil)
	}

	runner.StopAll()
	for _, id := range []domain.SessionID{"a", "b", "c"} {
		assert.False(t, runner.Running(id))
	}
}
