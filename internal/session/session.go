// Package session defines the Session Object: the owner of one runner
// registry and one scoped service container, identified by an external
// session id.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terrpan/runnerhost/internal/registry"
	"github.com/terrpan/runnerhost/internal/scope"
)

// Session groups the runners and services of one client session.  A
// session is created by the store on first access and torn down when
// its cache entry is evicted.
type Session struct {
	id       string
	instance string
	created  time.Time
	registry *registry.Registry
	scope    *scope.Scope

	// ctx is the session's completion signal.  Runners use it as a
	// secondary cancellation source.
	ctx    context.Context
	cancel context.CancelFunc

	// creationMu serializes runner creation within the session.
	creationMu sync.Mutex

	propsMu sync.RWMutex
	props   map[string]any
}

// New creates a live session around an already built registry and
// scope.
func New(id string, reg *registry.Registry, sc *scope.Scope) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		instance: uuid.NewString(),
		created:  time.Now(),
		registry: reg,
		scope:    sc,
		ctx:      ctx,
		cancel:   cancel,
		props:    make(map[string]any),
	}
}

// ID returns the external session id.
func (s *Session) ID() string { return s.id }

// InstanceID distinguishes this session from earlier sessions that
// used the same id.
func (s *Session) InstanceID() string { return s.instance }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.created }

// Registry returns the session's runner registry.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Scope returns the session's service scope.
func (s *Session) Scope() *scope.Scope { return s.scope }

// Context is cancelled when the session terminates.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Terminate cancels the completion signal.  It is idempotent.
func (s *Session) Terminate() { s.cancel() }

// Terminated reports whether Terminate has been called.
func (s *Session) Terminated() bool { return s.ctx.Err() != nil }

// CreationLock returns the lock serializing runner creation.
func (s *Session) CreationLock() sync.Locker { return &s.creationMu }

// CleanupDone is closed once the registry has disposed every runner.
func (s *Session) CleanupDone() <-chan struct{} { return s.registry.CleanupDone() }

// SetProperty stores value under key.
func (s *Session) SetProperty(key string, value any) {
	s.propsMu.Lock()
	defer s.propsMu.Unlock()
	s.props[key] = value
}

// Property returns the value stored under key.
func (s *Session) Property(key string) (any, bool) {
	s.propsMu.RLock()
	defer s.propsMu.RUnlock()
	v, ok := s.props[key]
	return v, ok
}

// DeleteProperty removes key.
func (s *Session) DeleteProperty(key string) {
	s.propsMu.Lock()
	defer s.propsMu.Unlock()
	delete(s.props, key)
}
