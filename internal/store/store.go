// Package store maps external session ids to live Session Objects and
// hands out runners within them.  Sessions and runners live in a
// bounded cache; whenever the cache evicts an entry, for whatever
// reason, the store tears down what the entry owned.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerhost/internal/cache"
	"github.com/terrpan/runnerhost/internal/registry"
	"github.com/terrpan/runnerhost/internal/runner"
	"github.com/terrpan/runnerhost/internal/scope"
	"github.com/terrpan/runnerhost/internal/session"
)

var (
	ErrClosed               = errors.New("store: closed")
	ErrEmptySessionID       = errors.New("store: empty session id")
	ErrSessionCreation      = errors.New("store: session creation failed")
	ErrSessionTerminated    = errors.New("store: session terminated")
	ErrUnknownResultType    = errors.New("store: unknown result type")
	ErrRunnerCreationFailed = errors.New("store: runner creation failed")
	ErrRunnerNotFound       = errors.New("store: runner not found")
	ErrInvalidRef           = errors.New("store: invalid runner reference")
	ErrRemoteUnsupported    = errors.New("store: remote runners are not supported")
)

// Request asks for a runner of a registered result type.
type Request struct {
	ResultType string
	Params     map[string]string
	// QueueSize overrides the runner's queue capacity when positive.
	QueueSize int
}

// Param returns the named parameter or def when it is unset.
func (r Request) Param(key, def string) string {
	if v, ok := r.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Env is what a Factory gets from the store besides the request.
type Env struct {
	SessionID string
	Number    int
	Scope     *scope.Scope
	// Parent is the session's completion signal.
	Parent context.Context
	Logger *slog.Logger
}

// Options returns the runner options every Buffered runner built for
// this environment should carry.
func (e Env) Options(req Request) []runner.Option {
	opts := []runner.Option{
		runner.WithName(fmt.Sprintf("%s/%d", e.SessionID, e.Number)),
		runner.WithParent(e.Parent),
		runner.WithLogger(e.Logger),
	}
	if req.QueueSize > 0 {
		opts = append(opts, runner.WithQueueSize(req.QueueSize))
	}
	return opts
}

// Factory builds a runner for one result type.  Returning a nil runner
// without an error counts as a creation failure.
type Factory func(ctx context.Context, req Request, env Env) (runner.Runner, error)

// Config holds the store's collaborators and policies.
type Config struct {
	// Cache holds sessions and runners.  The store closes it on Close.
	Cache cache.Cache
	// Scopes builds the service scope of each session.
	Scopes *scope.Provider
	// Factories maps result types to runner factories.
	Factories map[string]Factory
	// Registry is the configuration of every session's registry.
	Registry registry.Config

	// SessionInit runs on each new session before it is published.  A
	// failure tears the session down again.
	SessionInit func(ctx context.Context, sess *session.Session) error

	SessionSize        int64
	RunnerSize         int64
	SessionIdleTimeout time.Duration
	SessionMaxLifetime time.Duration
	RunnerIdleTimeout  time.Duration

	// WaitForCleanup makes session eviction block until every runner
	// has been disposed and the scope closed.
	WaitForCleanup bool
	// CleanupObserveTimeout logs a warning when a session's cleanup
	// takes longer than this.  Zero disables the observer.
	CleanupObserveTimeout time.Duration

	TrackStatistics bool

	// HostID qualifies runner references.  Default: "local".
	HostID string
	Logger *slog.Logger
}

// Statistics is a snapshot of the store's counters.
type Statistics struct {
	Sessions        int64 `json:"sessions"`
	Runners         int64 `json:"runners"`
	Size            int64 `json:"size"`
	SessionsCreated int64 `json:"sessionsCreated"`
	SessionsEvicted int64 `json:"sessionsEvicted"`
	RunnersCreated  int64 `json:"runnersCreated"`
	RunnersEvicted  int64 `json:"runnersEvicted"`
}

// Store is the cache-backed session object store.
type Store struct {
	cache       cache.Cache
	scopes      *scope.Provider
	factories   map[string]Factory
	regCfg      registry.Config
	sessionInit func(ctx context.Context, sess *session.Session) error

	sessionSize        int64
	runnerSize         int64
	sessionIdleTimeout time.Duration
	sessionMaxLifetime time.Duration
	runnerIdleTimeout  time.Duration
	waitForCleanup     bool
	observeTimeout     time.Duration
	trackStats         bool
	hostID             string
	logger             *slog.Logger

	// createMu serializes session creation across the store.
	createMu sync.Mutex
	closed   atomic.Bool

	// live maps every session not yet torn down to a channel closed
	// once its teardown has finished.
	liveMu sync.Mutex
	live   map[*session.Session]chan struct{}

	stats struct {
		sessions        atomic.Int64
		runners         atomic.Int64
		sessionsCreated atomic.Int64
		sessionsEvicted atomic.Int64
		runnersCreated  atomic.Int64
		runnersEvicted  atomic.Int64
	}

	tracer  trace.Tracer
	metrics *metrics
}

// sessionEviction is the cache state of a session entry.  It carries
// everything teardown needs so the evicted value is never required.
type sessionEviction struct {
	session  *session.Session
	registry *registry.Registry
	scope    *scope.Scope
}

// runnerEviction is the cache state of a runner entry.
type runnerEviction struct {
	sessionID string
	registry  *registry.Registry
	number    int
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Cache == nil {
		return nil, errors.New("store: cache is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Scopes == nil {
		cfg.Scopes = scope.NewProvider(cfg.Logger)
	}
	if cfg.HostID == "" {
		cfg.HostID = "local"
	}
	if strings.Contains(cfg.HostID, "/") {
		return nil, fmt.Errorf("store: host id %q must not contain '/'", cfg.HostID)
	}
	if cfg.Registry.Logger == nil {
		cfg.Registry.Logger = cfg.Logger.WithGroup("registry")
	}

	s := &Store{
		cache:              cfg.Cache,
		scopes:             cfg.Scopes,
		factories:          cfg.Factories,
		regCfg:             cfg.Registry,
		sessionInit:        cfg.SessionInit,
		sessionSize:        cfg.SessionSize,
		runnerSize:         cfg.RunnerSize,
		sessionIdleTimeout: cfg.SessionIdleTimeout,
		sessionMaxLifetime: cfg.SessionMaxLifetime,
		runnerIdleTimeout:  cfg.RunnerIdleTimeout,
		waitForCleanup:     cfg.WaitForCleanup,
		observeTimeout:     cfg.CleanupObserveTimeout,
		trackStats:         cfg.TrackStatistics,
		hostID:             cfg.HostID,
		logger:             cfg.Logger,
		live:               make(map[*session.Session]chan struct{}),
		tracer:             otel.Tracer("runnerhost/store"),
	}
	s.metrics = newMetrics(s, cfg.Logger)
	return s, nil
}

// HostID returns the host id used in runner references.
func (s *Store) HostID() string { return s.hostID }

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// FetchOrCreate returns the live session for id, creating it on first
// access.  Concurrent calls for the same id observe a single session.
func (s *Store) FetchOrCreate(ctx context.Context, id, traceID string) (*session.Session, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, ErrEmptySessionID
	}
	if sess, ok := s.lookupSession(id); ok {
		return sess, nil
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if sess, ok := s.lookupSession(id); ok {
		return sess, nil
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.createSession(ctx, id, traceID)
}

// Lookup returns the live session for id without creating one.
func (s *Store) Lookup(id string) (*session.Session, bool) {
	return s.lookupSession(id)
}

// TerminateSession ends sess.  Its cache entry is evicted through the
// session's expiration token, which starts the teardown.
func (s *Store) TerminateSession(sess *session.Session) {
	sess.Terminate()
}

// AwaitTeardown waits until sess has been torn down: every runner
// disposed and the scope closed.
func (s *Store) AwaitTeardown(ctx context.Context, sess *session.Session) error {
	s.liveMu.Lock()
	torn, ok := s.live[sess]
	s.liveMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-torn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) lookupSession(id string) (*session.Session, bool) {
	v, ok := s.cache.TryGet(sessionKey(id))
	if !ok {
		return nil, false
	}
	sess, ok := v.(*session.Session)
	if !ok || sess.Terminated() {
		// A terminated session is on its way out of the cache.
		return nil, false
	}
	return sess, true
}

func (s *Store) createSession(ctx context.Context, id, traceID string) (*session.Session, error) {
	ctx, span := s.tracer.Start(ctx, "store.CreateSession",
		trace.WithAttributes(attribute.String("runnerhost.session_id", id)),
	)
	defer span.End()

	if traceID == "" {
		traceID = uuid.NewString()
	}
	logger := s.logger.With(slog.String("session", id), slog.String("traceId", traceID))

	sc, err := s.scopes.NewScope(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scope creation failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrSessionCreation, id, err)
	}
	reg := registry.New(id, s.regCfg)
	sess := session.New(id, reg, sc)

	if s.sessionInit != nil {
		if err := s.sessionInit(ctx, sess); err != nil {
			sess.Terminate()
			reg.StartCleanup()
			if cerr := sc.Close(); cerr != nil {
				logger.Warn("closing scope of failed session", slog.String("error", cerr.Error()))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "session init failed")
			return nil, fmt.Errorf("%w: %s: %w", ErrSessionCreation, id, err)
		}
	}

	s.liveMu.Lock()
	s.live[sess] = make(chan struct{})
	s.liveMu.Unlock()

	s.stats.sessions.Add(1)
	s.stats.sessionsCreated.Add(1)
	s.metrics.sessionCreated(ctx)

	s.cache.Set(sessionKey(id), sess, cache.EntryOptions{
		Size:               s.sessionSize,
		SlidingExpiration:  s.sessionIdleTimeout,
		AbsoluteExpiration: s.sessionMaxLifetime,
		ExpirationToken:    sess.Done(),
		OnEvicted:          s.onEvicted,
		State: sessionEviction{
			session:  sess,
			registry: reg,
			scope:    sc,
		},
	})

	logger.Info("session created", slog.String("instance", sess.InstanceID()))
	return sess, nil
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

// CreateRunner builds a runner for req inside sess and returns it with
// its number.  A number consumed by a failed creation is not reused.
func (s *Store) CreateRunner(ctx context.Context, sess *session.Session, req Request, traceID string) (runner.Runner, int, error) {
	ctx, span := s.tracer.Start(ctx, "store.CreateRunner",
		trace.WithAttributes(
			attribute.String("runnerhost.session_id", sess.ID()),
			attribute.String("runnerhost.result_type", req.ResultType),
		),
	)
	defer span.End()

	rn, number, err := s.createRunner(ctx, sess, req, traceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "runner creation failed")
		s.metrics.runnerCreationFailed(ctx, req.ResultType)
		return nil, 0, err
	}
	span.SetAttributes(attribute.Int("runnerhost.runner_number", number))
	return rn, number, nil
}

func (s *Store) createRunner(ctx context.Context, sess *session.Session, req Request, traceID string) (runner.Runner, int, error) {
	if s.closed.Load() {
		return nil, 0, ErrClosed
	}
	if sess.Terminated() {
		return nil, 0, fmt.Errorf("%w: %s", ErrSessionTerminated, sess.ID())
	}
	factory, ok := s.factories[req.ResultType]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownResultType, req.ResultType)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}

	lock := sess.CreationLock()
	lock.Lock()
	defer lock.Unlock()

	reg := sess.Registry()
	if err := reg.CheckOwner(sess.ID()); err != nil {
		return nil, 0, err
	}
	number, err := reg.AllocateNumber()
	if err != nil {
		return nil, 0, err
	}
	logger := s.logger.With(
		slog.String("session", sess.ID()),
		slog.Int("number", number),
		slog.String("resultType", req.ResultType),
		slog.String("traceId", traceID),
	)

	env := Env{
		SessionID: sess.ID(),
		Number:    number,
		Scope:     sess.Scope(),
		Parent:    sess.Context(),
		Logger:    logger,
	}
	rn, err := buildRunner(ctx, factory, req, env)
	if err != nil {
		logger.Warn("runner factory failed", slog.String("error", err.Error()))
		if rn != nil {
			s.discard(rn, logger)
		}
		return nil, 0, fmt.Errorf("%w: %s #%d: %w", ErrRunnerCreationFailed, req.ResultType, number, err)
	}
	if rn == nil {
		logger.Warn("runner factory returned no runner")
		return nil, 0, fmt.Errorf("%w: %s #%d: factory returned no runner", ErrRunnerCreationFailed, req.ResultType, number)
	}

	// Registration precedes the cache entry: an entry whose token fires
	// straight away must find the runner registered.
	if err := reg.Register(number, rn, req.ResultType); err != nil {
		s.discard(rn, logger)
		return nil, 0, err
	}

	s.stats.runners.Add(1)
	s.stats.runnersCreated.Add(1)
	s.metrics.runnerCreated(ctx, req.ResultType)

	s.cache.Set(runnerKey(sess, number), rn, cache.EntryOptions{
		Size:              s.runnerSize,
		SlidingExpiration: s.runnerIdleTimeout,
		// Runner entries leave with their session.  A runner that
		// completes stays fetchable until it idles out.
		ExpirationToken:   sess.Done(),
		OnEvicted:         s.onEvicted,
		State: runnerEviction{
			sessionID: sess.ID(),
			registry:  reg,
			number:    number,
		},
	})

	logger.Info("runner created")
	return rn, number, nil
}

// RemoveRunner evicts the runner with the given number, which aborts
// and disposes it.  It reports whether the runner was live.
func (s *Store) RemoveRunner(sess *session.Session, number int) bool {
	key := runnerKey(sess, number)
	if _, ok := s.cache.TryGet(key); !ok {
		return false
	}
	s.cache.Remove(key)
	return true
}

// GetRunner returns the live runner with the given number, refreshing
// its idle timeout.
func (s *Store) GetRunner(sess *session.Session, number int) (runner.Runner, bool) {
	v, ok := s.cache.TryGet(runnerKey(sess, number))
	if !ok {
		return nil, false
	}
	rn, ok := v.(runner.Runner)
	return rn, ok
}

// RequireRunner is GetRunner for callers that treat absence as an
// error.
func (s *Store) RequireRunner(sess *session.Session, number int) (runner.Runner, error) {
	rn, ok := s.GetRunner(sess, number)
	if !ok {
		return nil, fmt.Errorf("%w: session %s #%d", ErrRunnerNotFound, sess.ID(), number)
	}
	return rn, nil
}

// Ref returns the host-qualified reference of a runner number.
func (s *Store) Ref(number int) string {
	return s.hostID + "/" + strconv.Itoa(number)
}

// ResolveRef returns the runner named by ref, either a bare number or
// "<host>/<number>".  References to other hosts are not supported.
func (s *Store) ResolveRef(sess *session.Session, ref string) (runner.Runner, error) {
	host, number, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if host != "" && host != s.hostID {
		return nil, fmt.Errorf("%w: %s", ErrRemoteUnsupported, ref)
	}
	return s.RequireRunner(sess, number)
}

// ParseRef splits a runner reference into host and number.  The host
// is empty for bare numbers.
func ParseRef(ref string) (host string, number int, err error) {
	num := ref
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		host, num = ref[:i], ref[i+1:]
		if host == "" {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
	}
	number, err = strconv.Atoi(num)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return host, number, nil
}

// ---------------------------------------------------------------------------
// Statistics and shutdown
// ---------------------------------------------------------------------------

// Statistics returns the current counters.  The second result is false
// when tracking is disabled.
func (s *Store) Statistics() (Statistics, bool) {
	if !s.trackStats {
		return Statistics{}, false
	}
	return Statistics{
		Sessions:        s.stats.sessions.Load(),
		Runners:         s.stats.runners.Load(),
		Size:            s.cache.Size(),
		SessionsCreated: s.stats.sessionsCreated.Load(),
		SessionsEvicted: s.stats.sessionsEvicted.Load(),
		RunnersCreated:  s.stats.runnersCreated.Load(),
		RunnersEvicted:  s.stats.runnersEvicted.Load(),
	}, true
}

// Close evicts every session and waits, bounded by ctx, until all of
// them have been torn down.
func (s *Store) Close(ctx context.Context) error {
	// Holding createMu orders the flag against session creation: a
	// session is either published before the snapshot below or refused.
	s.createMu.Lock()
	closing := s.closed.CompareAndSwap(false, true)
	s.createMu.Unlock()
	if !closing {
		return nil
	}

	s.liveMu.Lock()
	pending := make([]chan struct{}, 0, len(s.live))
	for _, torn := range s.live {
		pending = append(pending, torn)
	}
	s.liveMu.Unlock()

	s.logger.Info("closing store", slog.Int("sessions", len(pending)))
	s.cache.Close()

	for _, torn := range pending {
		select {
		case <-torn:
		case <-ctx.Done():
			return fmt.Errorf("waiting for session teardown: %w", ctx.Err())
		}
	}
	s.logger.Info("store closed")
	return nil
}

// ---------------------------------------------------------------------------
// Eviction
// ---------------------------------------------------------------------------

// onEvicted is the post-eviction callback of every entry.  It runs on
// the cache's goroutines, so it contains its own failures.
func (s *Store) onEvicted(key string, reason cache.EvictionReason, state any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("eviction handler panicked",
				slog.String("key", key),
				slog.Any("panic", r),
			)
		}
	}()

	switch st := state.(type) {
	case sessionEviction:
		s.evictSession(st, reason)
	case runnerEviction:
		s.evictRunner(st, reason)
	default:
		s.logger.Warn("eviction with unknown state",
			slog.String("key", key),
			slog.String("type", fmt.Sprintf("%T", state)),
		)
	}
}

func (s *Store) evictSession(st sessionEviction, reason cache.EvictionReason) {
	id := st.session.ID()
	logger := s.logger.With(slog.String("session", id), slog.String("reason", reason.String()))

	// Terminating fires the expiration token of every runner entry of
	// the session; their evictions unregister the runners, which lets
	// the cleanup below complete.
	st.session.Terminate()
	aborted := st.registry.AbortAll()
	done := st.registry.StartCleanup()
	logger.Info("session evicted", slog.Int("runners", aborted))

	s.stats.sessions.Add(-1)
	s.stats.sessionsEvicted.Add(1)
	s.metrics.sessionEvicted(reason)

	finish := func() {
		<-done
		if err := st.scope.Close(); err != nil {
			logger.Warn("closing session scope failed", slog.String("error", err.Error()))
		}

		s.liveMu.Lock()
		torn, ok := s.live[st.session]
		delete(s.live, st.session)
		s.liveMu.Unlock()
		if ok {
			close(torn)
		}
		logger.Debug("session torn down")
	}

	if s.waitForCleanup {
		finish()
		return
	}
	go finish()

	if s.observeTimeout > 0 {
		go func() {
			timer := time.NewTimer(s.observeTimeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				logger.Warn("session cleanup still running",
					slog.Duration("after", s.observeTimeout),
					slog.Int("runners", st.registry.Len()),
				)
			}
		}()
	}
}

func (s *Store) evictRunner(st runnerEviction, reason cache.EvictionReason) {
	if !st.registry.Unregister(st.number) {
		return
	}
	s.stats.runners.Add(-1)
	s.stats.runnersEvicted.Add(1)
	s.metrics.runnerEvicted(reason)
	s.logger.Debug("runner evicted",
		slog.String("session", st.sessionID),
		slog.Int("number", st.number),
		slog.String("reason", reason.String()),
	)
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func sessionKey(id string) string { return "session:" + id }

func runnerKey(sess *session.Session, number int) string {
	return "runner:" + sess.InstanceID() + ":" + strconv.Itoa(number)
}

// buildRunner calls factory and turns a panic into an error.
// buildRunner calls factory, turning a panic into an error.  A runner
// returned alongside an error is passed on so the caller can dispose it.
func buildRunner(ctx context.Context, factory Factory, req Request, env Env) (rn runner.Runner, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return factory(ctx, req, env)
}

// discard disposes a runner that never made it into the registry.
func (s *Store) discard(rn runner.Runner, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.disposeTimeout())
	defer cancel()
	rn.Abort()
	if err := rn.Dispose(ctx); err != nil {
		logger.Warn("disposing rejected runner failed", slog.String("error", err.Error()))
	}
}

func (s *Store) disposeTimeout() time.Duration {
	if s.regCfg.DisposeTimeout > 0 {
		return s.regCfg.DisposeTimeout
	}
	return 30 * time.Second
}
