package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/config"
	apperrors "github.com/cc-executor/cc-executor/internal/common/errors"
	"github.com/cc-executor/cc-executor/internal/common/logger"
	"github.com/cc-executor/cc-executor/internal/events"
	"github.com/cc-executor/cc-executor/internal/events/bus"
	"github.com/cc-executor/cc-executor/internal/hooks"
	"github.com/cc-executor/cc-executor/internal/timing"
)

// minSweepInterval floors the idle sweeper period.
const minSweepInterval = 10 * time.Second

// Registry is the process-wide session table. It enforces the admission cap
// and evicts idle sessions.
type Registry struct {
	cfg    *config.Config
	hooks  *hooks.Runner
	timing *timing.Store
	bus    bus.EventBus
	log    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopSweep chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}
}

// NewRegistry creates the registry and starts the idle sweeper.
func NewRegistry(cfg *config.Config, runner *hooks.Runner, store *timing.Store, eventBus bus.EventBus, log *logger.Logger) *Registry {
	r := &Registry{
		cfg:       cfg,
		hooks:     runner,
		timing:    store,
		bus:       eventBus,
		log:       log.WithFields(zap.String("component", "session-registry")),
		sessions:  make(map[string]*Session),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Open admits a new session for a connected client, or rejects it when the
// session cap is reached. Admission and insertion are atomic, so the cap
// holds under concurrent connects.
func (r *Registry) Open(notifier Notifier) (*Session, *apperrors.AppError) {
	r.mu.Lock()
	if len(r.sessions) >= r.cfg.Session.MaxSessions {
		count := len(r.sessions)
		r.mu.Unlock()
		r.log.Warn("session rejected, capacity reached", zap.Int("sessions", count))
		return nil, apperrors.Newf(apperrors.ErrCodeAdmission,
			"session capacity reached (%d)", r.cfg.Session.MaxSessions)
	}
	s := New(r.cfg, r.hooks, r.timing, r.bus, notifier, r.log)
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	event := bus.NewEvent(events.TypeSessionOpened, events.Source, map[string]interface{}{
		"session_id": s.ID,
	})
	if err := r.bus.Publish(context.Background(), events.SubjectSessionOpened, event); err != nil {
		r.log.Warn("event publish failed", zap.Error(err))
	}

	r.log.Info("session opened",
		zap.String("session_id", s.ID),
		zap.Int("sessions", count))
	return s, nil
}

// Remove closes the session and drops it from the table. Called from the
// socket teardown path; safe to call more than once.
func (r *Registry) Remove(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Close(reason)
}

// Count returns the number of admitted sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweep periodically evicts sessions that have been idle past the configured
// timeout. Eviction asks the client to shut down; the socket-close path then
// performs the normal teardown, so there is a single teardown route.
func (r *Registry) sweep() {
	defer close(r.sweepDone)

	interval := r.cfg.Session.IdleTimeout() / 10
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case now := <-ticker.C:
			for _, s := range r.snapshot() {
				if s.Busy() {
					continue
				}
				idle := now.Sub(s.LastActivity())
				if idle < r.cfg.Session.IdleTimeout() {
					continue
				}
				r.log.Info("evicting idle session",
					zap.String("session_id", s.ID),
					zap.Duration("idle", idle))
				s.notifier.Shutdown("idle_timeout")
			}
		}
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown stops the sweeper and closes every session, waiting until the
// table drains or the context expires. Running executions are cancelled via
// each client's shutdown path.
func (r *Registry) Shutdown(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopSweep) })
	<-r.sweepDone

	for _, s := range r.snapshot() {
		s.notifier.Shutdown("server_shutdown")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			r.log.Warn("shutdown deadline reached with sessions remaining",
				zap.Int("sessions", r.Count()))
			return
		case <-ticker.C:
		}
	}
}
