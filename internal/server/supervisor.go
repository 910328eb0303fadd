package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/browser"
	"github.com/JakeFAU/llm-reader/internal/events"
)

const (
	minRestartBackoff = time.Second
	maxRestartBackoff = 30 * time.Second
)

type restarter interface {
	Restart(ctx context.Context) error
}

type failer interface {
	FailAll(reason error) int
	Recover()
}

// supervisor relaunches Chrome after the DevTools connection drops. While it
// works the pool stays crippled and requests fail fast.
type supervisor struct {
	ctx     context.Context
	browser restarter
	pool    failer
	emitter events.Emitter
	logger  *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	mu         sync.Mutex
	restarting bool
	done       chan struct{}
}

func newSupervisor(ctx context.Context, b restarter, pool failer, emitter events.Emitter, logger *zap.Logger) *supervisor {
	return &supervisor{
		ctx:        ctx,
		browser:    b,
		pool:       pool,
		emitter:    emitter,
		logger:     logger.Named("supervisor"),
		minBackoff: minRestartBackoff,
		maxBackoff: maxRestartBackoff,
	}
}

// onDisconnect is registered with Browser.OnDisconnect.
func (s *supervisor) onDisconnect(cause error) {
	rejected := s.pool.FailAll(cause)
	evt := events.New(events.KindCrippled)
	evt.Note = fmt.Sprintf("%v; rejected %d queued requests", cause, rejected)
	s.emitter.Emit(evt)
	s.logger.Error("browser lost, pool crippled", zap.Int("rejected", rejected), zap.Error(cause))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restarting {
		return
	}
	s.restarting = true
	s.done = make(chan struct{})
	go s.restartLoop(s.done)
}

func (s *supervisor) restartLoop(done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
		close(done)
	}()

	delay := s.minBackoff
	for attempt := 1; ; attempt++ {
		err := s.browser.Restart(s.ctx)
		if err == nil {
			s.pool.Recover()
			evt := events.New(events.KindRecovered)
			evt.Note = fmt.Sprintf("relaunched after %d attempt(s)", attempt)
			s.emitter.Emit(evt)
			s.logger.Info("browser relaunched", zap.Int("attempt", attempt))
			return
		}
		if errors.Is(err, browser.ErrClosed) || s.ctx.Err() != nil {
			s.logger.Info("browser restart abandoned", zap.Error(err))
			return
		}
		s.logger.Warn("browser restart failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, s.maxBackoff)
	}
}

// wait blocks until the current restart loop, if any, finishes.
func (s *supervisor) wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
