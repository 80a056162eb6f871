//go:build unix

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cc-executor/cc-executor/internal/common/errors"
	"github.com/cc-executor/cc-executor/internal/common/logger"
	"github.com/cc-executor/cc-executor/internal/events/bus"
	"github.com/cc-executor/cc-executor/internal/hooks"
	"github.com/cc-executor/cc-executor/internal/timing"
)

func newTestRegistry(t *testing.T, maxSessions int) *Registry {
	t.Helper()
	cfg := testSessionConfig()
	cfg.Session.MaxSessions = maxSessions

	log := logger.Default()
	hookCfg, err := hooks.LoadFile("", 10*time.Second, log)
	require.NoError(t, err)
	runner := hooks.NewRunner(hookCfg, nil, log)
	store, err := timing.New(cfg.Timing, 0.5, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := NewRegistry(cfg, runner, store, bus.NewMemoryEventBus(log), log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func TestRegistryAdmissionCap(t *testing.T) {
	r := newTestRegistry(t, 2)

	s1, appErr := r.Open(&fakeNotifier{})
	require.Nil(t, appErr)
	_, appErr = r.Open(&fakeNotifier{})
	require.Nil(t, appErr)
	assert.Equal(t, 2, r.Count())

	_, appErr = r.Open(&fakeNotifier{})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeAdmission, appErr.Code)

	// Freeing a slot re-opens admission.
	r.Remove(s1.ID, "test")
	_, appErr = r.Open(&fakeNotifier{})
	assert.Nil(t, appErr)
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := newTestRegistry(t, 5)

	s, appErr := r.Open(&fakeNotifier{})
	require.Nil(t, appErr)
	r.Remove(s.ID, "test")
	r.Remove(s.ID, "test")
	assert.Equal(t, 0, r.Count())
}

func TestRegistryShutdownNotifiesClients(t *testing.T) {
	r := newTestRegistry(t, 5)

	n1 := &fakeNotifier{}
	n2 := &fakeNotifier{}
	s1, appErr := r.Open(n1)
	require.Nil(t, appErr)
	s2, appErr := r.Open(n2)
	require.Nil(t, appErr)

	// The socket teardown path normally removes sessions; emulate it once the
	// shutdown request arrives.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			n1.mu.Lock()
			asked1 := len(n1.shutdowns) > 0
			n1.mu.Unlock()
			n2.mu.Lock()
			asked2 := len(n2.shutdowns) > 0
			n2.mu.Unlock()
			if asked1 && asked2 {
				r.Remove(s1.ID, "server_shutdown")
				r.Remove(s2.ID, "server_shutdown")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.Shutdown(ctx)

	assert.Equal(t, 0, r.Count())
	n1.mu.Lock()
	defer n1.mu.Unlock()
	assert.Equal(t, []string{"server_shutdown"}, n1.shutdowns)
}
