// Package scope provides a small per-session service container.  A
// Provider holds named constructors; each session gets its own Scope
// that builds services lazily on first use and closes them when the
// session is torn down.
package scope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
)

var (
	ErrClosed         = errors.New("scope: closed")
	ErrUnknownService = errors.New("scope: unknown service")
)

// Constructor builds a service for one session.  Services implementing
// io.Closer are closed together with their scope.
type Constructor func(ctx context.Context, sessionID string) (any, error)

// Provider is the root container shared by all sessions.
type Provider struct {
	logger *slog.Logger

	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewProvider creates an empty Provider.
func NewProvider(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provider{
		logger: logger,
		ctors:  make(map[string]Constructor),
	}
}

// Register adds or replaces the constructor for name.
func (p *Provider) Register(name string, ctor Constructor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctors[name] = ctor
}

// Has reports whether a constructor is registered for name.
func (p *Provider) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ctors[name]
	return ok
}

// NewScope creates the scope of one session.
func (p *Provider) NewScope(sessionID string) (*Scope, error) {
	return &Scope{
		provider:  p,
		sessionID: sessionID,
		instances: make(map[string]any),
	}, nil
}

func (p *Provider) constructor(name string) (Constructor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ctor, ok := p.ctors[name]
	return ctor, ok
}

// Scope holds the services built for one session.
type Scope struct {
	provider  *Provider
	sessionID string

	mu        sync.Mutex
	instances map[string]any
	order     []string
	closed    bool
}

// SessionID returns the id of the owning session.
func (s *Scope) SessionID() string { return s.sessionID }

// Get returns the service registered under name, building it on first
// use.  Construction happens under the scope lock, so each service is
// built at most once per scope.
func (s *Scope) Get(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if v, ok := s.instances[name]; ok {
		return v, nil
	}

	ctor, ok := s.provider.constructor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	v, err := ctor(ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("building %s for session %s: %w", name, s.sessionID, err)
	}
	s.instances[name] = v
	s.order = append(s.order, name)
	return v, nil
}

// Resolve is a typed Get.
func Resolve[T any](ctx context.Context, s *Scope, name string) (T, error) {
	var zero T
	v, err := s.Get(ctx, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("scope: service %s is %T, not %T", name, v, zero)
	}
	return t, nil
}

// Close closes every built service in reverse construction order.  It
// is idempotent; later calls return nil.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	order := slices.Clone(s.order)
	instances := s.instances
	s.instances = nil
	s.order = nil
	s.mu.Unlock()

	var errs []error
	for _, name := range slices.Backward(order) {
		c, ok := instances[name].(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			s.provider.logger.Warn("closing scoped service failed",
				slog.String("session", s.sessionID),
				slog.String("service", name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
