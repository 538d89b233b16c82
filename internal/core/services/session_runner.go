package services

import (
	"context"
	"sync"
	"time"

	"streamadapt/internal/core/domain"

	"go.uber.org/zap"
)

const DefaultTickInterval = time.Second

// TickFunc is invoked after every session tick on the runner goroutine.
type TickFunc func(session *StreamSession, decision domain.Decision, evaluated bool, now time.Time)

type runnerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionRunner drives one ticker goroutine per session. A session's ticks
// never overlap; the goroutine exits once the session has ended.
type SessionRunner struct {
	interval time.Duration
	now      func() time.Time
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	handles map[domain.SessionID]*runnerHandle
}

// NewSessionRunner creates a new runner ticking every interval.
func NewSessionRunner(interval time.Duration, now func() time.Time, logger *zap.SugaredLogger) *SessionRunner {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SessionRunner{
		interval: interval,
		now:      now,
		logger:   logger,
		handles:  make(map[domain.SessionID]*runnerHandle),
	}
}

// Start is a no-op if the session already has a running loop.
func (r *SessionRunner) Start(session *StreamSession, onTick TickFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[session.ID()]; exists {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &runnerHandle{cancel: cancel, done: make(chan struct{})}
	r.handles[session.ID()] = h

	go r.run(ctx, h, session, onTick)
}

func (r *SessionRunner) run(ctx context.Context, h *runnerHandle, session *StreamSession, onTick TickFunc) {
	ticker := time.NewTicker(r.interval)
	defer func() {
		ticker.Stop()
		r.mu.Lock()
		if r.handles[session.ID()] == h {
			delete(r.handles, session.ID())
		}
		r.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.tick(session, onTick) {
				return
			}
		}
	}
}

// tick reports whether the loop should keep going.
func (r *SessionRunner) tick(session *StreamSession, onTick TickFunc) (keep bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("session tick panicked",
				"session_id", session.ID(),
				"panic", rec,
			)
			keep = true
		}
	}()

	now := r.now()
	decision, evaluated := session.Tick(now)
	if onTick != nil {
		onTick(session, decision, evaluated, now)
	}
	return !session.Status().Terminal()
}

// Stop halts the session's loop and waits for the goroutine to exit.
func (r *SessionRunner) Stop(id domain.SessionID) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
}

// StopAll halts every loop and waits for them.
func (r *SessionRunner) StopAll() {
	r.mu.Lock()
	handles := make([]*runnerHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// Running reports whether the session has a live loop.
func (r *SessionRunner) Running(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}
