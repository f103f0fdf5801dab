// Package subs owns the set of live realtime subscriptions: one per open
// room plus one for the user's room list. It is the sole holder of live
// feed handles; other components receive data through their callbacks and
// never a handle. A central registry (rather than closures over per-call
// snapshots of the handle map) closes the stale-listener defect class.
package subs

import (
	"context"
	"errors"
	"sync"
	"time"

	"dmsync/pkg/logger"
	"dmsync/pkg/remote"
	"dmsync/pkg/retry"
	"dmsync/pkg/telemetry"
)

// RoomListKey identifies the room-list feed in the registry.
const RoomListKey = "roomlist"

// RoomKey builds the registry key for a room's message feed.
func RoomKey(roomID string) string { return "room:" + roomID }

// healthyUptime is how long a feed must stay up before a later failure
// resets the reattach budget.
const healthyUptime = time.Minute

// ErrStreamClosed is reported when a feed ends without a stream error and
// without being detached; it is treated like any transient stream failure.
var ErrStreamClosed = errors.New("subscription stream closed")

// StartFunc establishes one live feed and blocks consuming it until ctx
// is done or the stream fails. Implementations must check ctx before
// applying any update so a detach synchronously silences the feed.
type StartFunc func(ctx context.Context) error

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Manager struct {
	policy retry.Policy
	// onDegraded fires after reattachment gives up on a key; the owner
	// decides the user-visible consequence (stale-data indicator).
	onDegraded func(key string, err error)

	mu   sync.Mutex
	subs map[string]*handle
}

func NewManager(policy retry.Policy, onDegraded func(key string, err error)) *Manager {
	return &Manager{
		policy:     policy,
		onDegraded: onDegraded,
		subs:       map[string]*handle{},
	}
}

// Attach establishes the feed for key. Attaching an already-attached key
// is a no-op. The manager keeps the feed alive across failures with a
// bounded reattach schedule; when that budget is exhausted the key is
// released and onDegraded fires.
func (m *Manager) Attach(key string, start StartFunc) {
	m.mu.Lock()
	if _, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.subs[key] = h
	m.mu.Unlock()

	telemetry.LiveSubscriptions.Inc()
	logger.Info("subscription_attached", "key", key)
	go m.run(ctx, key, h, start)
}

func (m *Manager) run(ctx context.Context, key string, h *handle, start StartFunc) {
	defer close(h.done)
	defer telemetry.LiveSubscriptions.Dec()

	attempt := 0
	for {
		began := time.Now()
		err := start(ctx)
		if ctx.Err() != nil {
			return // detached
		}
		if err == nil {
			err = ErrStreamClosed
		}
		if time.Since(began) >= healthyUptime {
			attempt = 0
		}
		attempt++
		if attempt >= m.policy.Attempts || !remote.Retryable(err) {
			logger.Error("subscription_degraded", "key", key, "attempts", attempt, "error", err)
			m.release(key, h)
			if m.onDegraded != nil {
				m.onDegraded(key, err)
			}
			return
		}
		logger.Warn("subscription_reattach_scheduled", "key", key, "attempt", attempt, "delay", m.policy.Delay(attempt).String(), "error", err)
		select {
		case <-time.After(m.policy.Delay(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// Detach cancels and removes the handle for key. The cancellation is
// synchronous: after Detach returns, the feed's context is done and no
// further callback from it may mutate state. Unknown keys are a no-op.
func (m *Manager) Detach(key string) {
	m.mu.Lock()
	h, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	logger.Info("subscription_detached", "key", key)
}

// release drops the registry entry for a feed that gave up on its own,
// but only if it has not been replaced by a newer attach.
func (m *Manager) release(key string, h *handle) {
	m.mu.Lock()
	if cur, ok := m.subs[key]; ok && cur == h {
		delete(m.subs, key)
	}
	m.mu.Unlock()
}

// Attached reports whether a live handle exists for key.
func (m *Manager) Attached(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key]
	return ok
}

// Keys returns the currently registered subscription keys.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for k := range m.subs {
		out = append(out, k)
	}
	return out
}

// ReconcileInterest aligns the live set with the set of keys currently of
// interest: feeds for keys outside want are detached, missing ones are
// attached via mkStart. Run whenever the interest set changes (room-list
// update, screen navigation) so stale subscriptions never accumulate.
func (m *Manager) ReconcileInterest(want map[string]struct{}, mkStart func(key string) StartFunc) {
	for _, k := range m.Keys() {
		if _, ok := want[k]; !ok {
			m.Detach(k)
		}
	}
	for k := range want {
		if !m.Attached(k) {
			m.Attach(k, mkStart(k))
		}
	}
}

// Close detaches every subscription and waits for their loops to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make(map[string]*handle, len(m.subs))
	for k, h := range m.subs {
		handles[k] = h
		delete(m.subs, k)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}
