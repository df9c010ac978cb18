package session

import (
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/watchdog"
)

// Registry maps peripheral addresses to their sessions. Construct one per radio
// and share it by reference; it never holds two sessions for one address.
type Registry struct {
	radio     device.Radio
	queue     *dispatch.Queue
	watchdogs *watchdog.Registry
	policy    Policy
	logger    *logrus.Logger

	mu       sync.Mutex // serializes get-or-create
	sessions *hashmap.Map[string, *Session]
}

// NewRegistry creates a registry whose sessions run on queue and drive radio.
func NewRegistry(radio device.Radio, queue *dispatch.Queue, policy Policy, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if policy.DisconnectOnTimeout == nil {
		policy.DisconnectOnTimeout = DefaultPolicy().DisconnectOnTimeout
	}
	return &Registry{
		radio:     radio,
		queue:     queue,
		watchdogs: watchdog.NewRegistry(queue, logger),
		policy:    policy,
		logger:    logger,
		sessions:  hashmap.New[string, *Session](),
	}
}

// Watchdogs exposes the timer registry shared by all sessions.
func (r *Registry) Watchdogs() *watchdog.Registry {
	return r.watchdogs
}

// Queue returns the main queue sessions run on.
func (r *Registry) Queue() *dispatch.Queue {
	return r.queue
}

// Get returns the session for p, creating it on first use.
func (r *Registry) Get(p *device.Peripheral) *Session {
	key := normalizeAddress(p.Address())
	if s, ok := r.sessions.Get(key); ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions.Get(key); ok {
		return s
	}
	s := newSession(p, r.radio, r.queue, r.watchdogs, r.policy, r.logger)
	r.sessions.Set(key, s)

	r.logger.WithField("address", p.Address()).Debug("Created session")
	return s
}

// GetAddress returns the session for address, creating a bare peripheral for it if needed.
func (r *Registry) GetAddress(address string) *Session {
	if s, ok := r.Lookup(address); ok {
		return s
	}
	return r.Get(device.NewPeripheral(address))
}

// Lookup returns the session for address without creating one.
func (r *Registry) Lookup(address string) (*Session, bool) {
	return r.sessions.Get(normalizeAddress(address))
}

// Remove drops an idle or disconnected session. Live sessions are kept and
// Remove reports false.
func (r *Registry) Remove(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeAddress(address)
	s, ok := r.sessions.Get(key)
	if !ok {
		return false
	}
	if st := s.State(); st != StateIdle && st != StateDisconnected {
		return false
	}
	return r.sessions.Del(key)
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// Range calls fn for every session until fn returns false.
func (r *Registry) Range(fn func(*Session) bool) {
	r.sessions.Range(func(_ string, s *Session) bool {
		return fn(s)
	})
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
