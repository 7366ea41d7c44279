package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runnerhost/internal/cache"
	"github.com/terrpan/runnerhost/internal/registry"
	"github.com/terrpan/runnerhost/internal/runner"
	"github.com/terrpan/runnerhost/internal/scope"
	"github.com/terrpan/runnerhost/internal/session"
)

const waitFor = 2 * time.Second

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// disposals records which runners have been disposed, in order.
type disposals struct {
	mu   sync.Mutex
	seen []string
}

func (d *disposals) add(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, name)
}

func (d *disposals) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// closeRecorder is a scoped service that records when it is closed.
type closeRecorder struct {
	closed atomic.Bool
}

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return nil
}

// rangeFactory builds runners producing 1..count.  With count "inf"
// the producer never finishes on its own.
func rangeFactory(d *disposals) Factory {
	return func(_ context.Context, req Request, env Env) (runner.Runner, error) {
		limit := -1
		if c := req.Param("count", "5"); c != "inf" {
			n, err := strconv.Atoi(c)
			if err != nil {
				return nil, err
			}
			limit = n
		}
		name := env.SessionID + "/" + strconv.Itoa(env.Number)
		opts := append(env.Options(req), runner.WithDisposeHook(func(context.Context) error {
			d.add(name)
			return nil
		}))
		return runner.NewBuffered(func(ctx context.Context, emit func(int) error) error {
			for i := 1; limit < 0 || i <= limit; i++ {
				if err := emit(i); err != nil {
					return err
				}
			}
			return nil
		}, opts...), nil
	}
}

type StoreSuite struct {
	suite.Suite
	cache     *cache.TTL
	scopes    *scope.Provider
	disposals *disposals
	services  []*closeRecorder
	mu        sync.Mutex
	store     *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.disposals = &disposals{}
	s.services = nil
	s.scopes = scope.NewProvider(nil)
	s.scopes.Register("recorder", func(context.Context, string) (any, error) {
		c := &closeRecorder{}
		s.mu.Lock()
		s.services = append(s.services, c)
		s.mu.Unlock()
		return c, nil
	})
	s.store = s.newStore(func(*Config) {})
}

func (s *StoreSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.Require().NoError(s.store.Close(ctx))
}

func (s *StoreSuite) newStore(mutate func(*Config)) *Store {
	s.cache = cache.NewTTL(cache.TTLConfig{})
	cfg := Config{
		Cache:  s.cache,
		Scopes: s.scopes,
		Factories: map[string]Factory{
			"range": rangeFactory(s.disposals),
		},
		Registry:        registry.Config{DisposeTimeout: time.Second},
		SessionSize:     10,
		RunnerSize:      1,
		TrackStatistics: true,
		HostID:          "node-a",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	mutate(&cfg)
	st, err := New(cfg)
	s.Require().NoError(err)
	return st
}

func (s *StoreSuite) fetch(id string) *session.Session {
	sess, err := s.store.FetchOrCreate(context.Background(), id, "trace")
	s.Require().NoError(err)
	return sess
}

func (s *StoreSuite) create(sess *session.Session, count string) (runner.Fetcher[int], int) {
	rn, n, err := s.store.CreateRunner(context.Background(), sess,
		Request{ResultType: "range", Params: map[string]string{"count": count}, QueueSize: 2}, "")
	s.Require().NoError(err)
	f, ok := rn.(runner.Fetcher[int])
	s.Require().True(ok)
	return f, n
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestFetchOrCreateReturnsSameSession() {
	a := s.fetch("s1")
	b := s.fetch("s1")
	c := s.fetch("s2")

	s.Same(a, b)
	s.NotSame(a, c)
	s.Equal("s1", a.Registry().Owner())
}

func (s *StoreSuite) TestFetchOrCreateConcurrent() {
	const n = 32
	results := make([]*session.Session, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := s.store.FetchOrCreate(context.Background(), "shared", "")
			s.NoError(err)
			results[i] = sess
		}()
	}
	wg.Wait()

	for _, r := range results {
		s.Same(results[0], r)
	}
	stats, ok := s.store.Statistics()
	s.True(ok)
	s.Equal(int64(1), stats.SessionsCreated)
}

func (s *StoreSuite) TestFetchOrCreateRejectsEmptyID() {
	_, err := s.store.FetchOrCreate(context.Background(), "", "")
	s.ErrorIs(err, ErrEmptySessionID)
}

func (s *StoreSuite) TestTerminatedSessionIsReplaced() {
	old := s.fetch("s1")
	s.store.TerminateSession(old)

	fresh := s.fetch("s1")
	s.NotSame(old, fresh)
	s.NotEqual(old.InstanceID(), fresh.InstanceID())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.NoError(s.store.AwaitTeardown(ctx, old))

	got, ok := s.store.Lookup("s1")
	s.True(ok)
	s.Same(fresh, got)
}

func (s *StoreSuite) TestSessionInitFailureTearsDown() {
	s.store = s.newStore(func(cfg *Config) {
		cfg.SessionInit = func(ctx context.Context, sess *session.Session) error {
			if _, err := sess.Scope().Get(ctx, "recorder"); err != nil {
				return err
			}
			return errors.New("quota exceeded")
		}
	})

	_, err := s.store.FetchOrCreate(context.Background(), "s1", "")
	s.ErrorIs(err, ErrSessionCreation)
	s.Contains(err.Error(), "quota exceeded")

	_, ok := s.store.Lookup("s1")
	s.False(ok)
	s.Require().Len(s.services, 1)
	s.True(s.services[0].closed.Load())
}

func (s *StoreSuite) TestSessionIdleExpiration() {
	s.store = s.newStore(func(cfg *Config) {
		cfg.SessionIdleTimeout = 50 * time.Millisecond
	})
	sess := s.fetch("s1")
	f, _ := s.create(sess, "inf")

	s.Eventually(func() bool {
		select {
		case <-sess.CleanupDone():
			return true
		default:
			return false
		}
	}, waitFor, 5*time.Millisecond)

	s.Equal(runner.StatusAborted, f.Status())
	s.Equal(1, s.disposals.count())
	_, ok := s.store.Lookup("s1")
	s.False(ok)
}

func (s *StoreSuite) TestCapacityEvictionCascades() {
	s.store.cache.Close()
	s.store = s.newStore(func(cfg *Config) {
		cfg.Cache = cache.NewTTL(cache.TTLConfig{Capacity: 1})
	})

	first := s.fetch("s1")
	s.fetch("s2")

	s.Eventually(func() bool { return first.Terminated() }, waitFor, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.NoError(s.store.AwaitTeardown(ctx, first))
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestCreateAndFetchRunner() {
	sess := s.fetch("s1")
	f, n := s.create(sess, "5")
	_, n2 := s.create(sess, "5")

	s.Equal(1, n)
	s.Equal(2, n2)

	got, ok := s.store.GetRunner(sess, n)
	s.True(ok)
	s.Same(f.(runner.Runner), got)

	res, err := f.GetRequired(context.Background(), 3, runner.CurrentPosition, "t")
	s.Require().NoError(err)
	s.Equal([]int{1, 2, 3}, res.Items)
	s.Equal(runner.StatusProgressed, res.Status)

	res, err = f.GetRequired(context.Background(), 10, 3, "t")
	s.Require().NoError(err)
	s.Equal([]int{4, 5}, res.Items)
	s.Equal(runner.StatusComplete, res.Status)

	// A completed runner stays fetchable.
	_, ok = s.store.GetRunner(sess, n)
	s.True(ok)
}

func (s *StoreSuite) TestUnknownResultType() {
	sess := s.fetch("s1")
	_, _, err := s.store.CreateRunner(context.Background(), sess, Request{ResultType: "nope"}, "")
	s.ErrorIs(err, ErrUnknownResultType)
}

func (s *StoreSuite) TestCreationFailureConsumesNumber() {
	s.store.factories["broken"] = func(context.Context, Request, Env) (runner.Runner, error) {
		return nil, errors.New("daemon unreachable")
	}
	s.store.factories["empty"] = func(context.Context, Request, Env) (runner.Runner, error) {
		return nil, nil
	}
	s.store.factories["panics"] = func(context.Context, Request, Env) (runner.Runner, error) {
		panic("bad params")
	}
	sess := s.fetch("s1")

	for _, rt := range []string{"broken", "empty", "panics"} {
		_, _, err := s.store.CreateRunner(context.Background(), sess, Request{ResultType: rt}, "")
		s.ErrorIs(err, ErrRunnerCreationFailed, rt)
	}

	_, n := s.create(sess, "1")
	s.Equal(4, n)
	s.Equal(1, sess.Registry().Len())
}

func (s *StoreSuite) TestFactoryErrorDisposesReturnedRunner() {
	var disposed atomic.Bool
	s.store.factories["half"] = func(_ context.Context, req Request, env Env) (runner.Runner, error) {
		rn := runner.NewBuffered(func(ctx context.Context, emit func(int) error) error {
			return nil
		}, append(env.Options(req), runner.WithDisposeHook(func(context.Context) error {
			disposed.Store(true)
			return nil
		}))...)
		return rn, errors.New("half-built")
	}
	sess := s.fetch("s1")

	_, _, err := s.store.CreateRunner(context.Background(), sess, Request{ResultType: "half"}, "")
	s.ErrorIs(err, ErrRunnerCreationFailed)
	s.Contains(err.Error(), "half-built")
	s.True(disposed.Load())
	s.Equal(0, sess.Registry().Len())
}

func (s *StoreSuite) TestCreateRunnerOnTerminatedSession() {
	sess := s.fetch("s1")
	sess.Terminate()

	_, _, err := s.store.CreateRunner(context.Background(), sess, Request{ResultType: "range"}, "")
	s.ErrorIs(err, ErrSessionTerminated)
}

func (s *StoreSuite) TestRemoveRunnerDisposesIt() {
	sess := s.fetch("s1")
	f, n := s.create(sess, "inf")
	observer := sess.Registry().CleanupObserver(n)

	s.True(s.store.RemoveRunner(sess, n))
	s.False(s.store.RemoveRunner(sess, n))

	select {
	case <-observer:
	case <-time.After(waitFor):
		s.FailNow("runner was not disposed")
	}
	s.Equal(runner.StatusAborted, f.Status())
	s.Equal(0, sess.Registry().Len())
	_, ok := s.store.GetRunner(sess, n)
	s.False(ok)
}

func (s *StoreSuite) TestRunnerIdleExpiration() {
	s.store = s.newStore(func(cfg *Config) {
		cfg.RunnerIdleTimeout = 50 * time.Millisecond
	})
	sess := s.fetch("s1")
	f, n := s.create(sess, "inf")

	s.Eventually(func() bool { return sess.Registry().Len() == 0 }, waitFor, 5*time.Millisecond)
	s.Eventually(func() bool { return s.disposals.count() == 1 }, waitFor, 5*time.Millisecond)
	s.True(f.Status().Terminal())
	_, ok := s.store.GetRunner(sess, n)
	s.False(ok)
	s.False(sess.Terminated())
}

func (s *StoreSuite) TestRequireAndResolveRef() {
	sess := s.fetch("s1")
	_, n := s.create(sess, "5")

	_, err := s.store.RequireRunner(sess, 99)
	s.ErrorIs(err, ErrRunnerNotFound)

	ref := s.store.Ref(n)
	s.Equal("node-a/1", ref)

	rn, err := s.store.ResolveRef(sess, ref)
	s.Require().NoError(err)
	s.NotNil(rn)

	_, err = s.store.ResolveRef(sess, "1")
	s.NoError(err)

	_, err = s.store.ResolveRef(sess, "node-b/1")
	s.ErrorIs(err, ErrRemoteUnsupported)

	for _, bad := range []string{"", "/1", "node-a/x", "abc"} {
		_, err = s.store.ResolveRef(sess, bad)
		s.ErrorIs(err, ErrInvalidRef, bad)
	}
}

// ---------------------------------------------------------------------------
// Eviction cascade
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestTerminateCascadesToEveryRunner() {
	sess := s.fetch("s1")
	if _, err := sess.Scope().Get(context.Background(), "recorder"); err != nil {
		s.FailNow(err.Error())
	}

	var fetchers []runner.Fetcher[int]
	var observers []<-chan struct{}
	for _, count := range []string{"inf", "inf", "3"} {
		f, n := s.create(sess, count)
		fetchers = append(fetchers, f)
		observers = append(observers, sess.Registry().CleanupObserver(n))
	}
	// One runner is mid-stream with a blocked producer.
	_, err := fetchers[0].GetRequired(context.Background(), 1, runner.CurrentPosition, "")
	s.Require().NoError(err)

	s.store.TerminateSession(sess)

	select {
	case <-sess.CleanupDone():
	case <-time.After(waitFor):
		s.FailNow("session cleanup did not complete")
	}
	for i, f := range fetchers {
		s.True(f.Status().Terminal(), "runner %d", i)
		select {
		case <-observers[i]:
		default:
			s.Failf("disposal not observed", "runner %d", i)
		}
	}
	s.Equal(3, s.disposals.count())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.Require().NoError(s.store.AwaitTeardown(ctx, sess))
	s.Require().Len(s.services, 1)
	s.True(s.services[0].closed.Load())

	stats, ok := s.store.Statistics()
	s.True(ok)
	s.Equal(int64(0), stats.Sessions)
	s.Equal(int64(0), stats.Runners)
	s.Equal(int64(3), stats.RunnersEvicted)
	s.Equal(int64(1), stats.SessionsEvicted)
}

func (s *StoreSuite) TestWaitForCleanupBlocksEviction() {
	s.store = s.newStore(func(cfg *Config) {
		cfg.WaitForCleanup = true
		cfg.CleanupObserveTimeout = time.Millisecond
	})
	sess := s.fetch("s1")
	s.create(sess, "inf")

	s.store.TerminateSession(sess)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.Require().NoError(s.store.AwaitTeardown(ctx, sess))
	s.Equal(1, s.disposals.count())
}

// ---------------------------------------------------------------------------
// Statistics and shutdown
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestStatisticsDisabled() {
	s.store = s.newStore(func(cfg *Config) { cfg.TrackStatistics = false })
	s.fetch("s1")

	_, ok := s.store.Statistics()
	s.False(ok)
}

func (s *StoreSuite) TestStatisticsCountSizes() {
	sess := s.fetch("s1")
	s.create(sess, "5")
	s.create(sess, "5")

	stats, ok := s.store.Statistics()
	s.True(ok)
	s.Equal(int64(1), stats.Sessions)
	s.Equal(int64(2), stats.Runners)
	s.Equal(int64(12), stats.Size)
}

func (s *StoreSuite) TestCloseTearsDownEverything() {
	a := s.fetch("s1")
	b := s.fetch("s2")
	fa, _ := s.create(a, "inf")
	fb, _ := s.create(b, "inf")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.Require().NoError(s.store.Close(ctx))

	s.True(a.Terminated())
	s.True(b.Terminated())
	s.True(fa.Status().Terminal())
	s.True(fb.Status().Terminal())
	s.Equal(2, s.disposals.count())

	_, err := s.store.FetchOrCreate(context.Background(), "s3", "")
	s.ErrorIs(err, ErrClosed)
	_, _, err = s.store.CreateRunner(context.Background(), a, Request{ResultType: "range"}, "")
	s.ErrorIs(err, ErrClosed)
}

func (s *StoreSuite) TestCloseRacingSessionCreation() {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	s.store = s.newStore(func(cfg *Config) {
		cfg.SessionInit = func(context.Context, *session.Session) error {
			entered <- struct{}{}
			<-release
			return nil
		}
	})

	type outcome struct {
		sess *session.Session
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		sess, err := s.store.FetchOrCreate(context.Background(), "s1", "")
		first <- outcome{sess, err}
	}()
	<-entered

	// s2 passes the closed check and queues behind the creation of s1,
	// as does Close.
	second := make(chan outcome, 1)
	go func() {
		sess, err := s.store.FetchOrCreate(context.Background(), "s2", "")
		second <- outcome{sess, err}
	}()
	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		closed <- s.store.Close(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	a := <-first
	s.Require().NoError(a.err)
	s.Require().NoError(<-closed)
	s.True(a.sess.Terminated())

	b := <-second
	if b.err != nil {
		s.ErrorIs(b.err, ErrClosed)
	} else {
		// Created before Close took effect, so Close tore it down.
		s.True(b.sess.Terminated())
		select {
		case <-b.sess.CleanupDone():
		default:
			s.Fail("session created before close was not cleaned up")
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without cache")
	}
	c := cache.NewTTL(cache.TTLConfig{})
	defer c.Close()
	if _, err := New(Config{Cache: c, HostID: "a/b"}); err == nil {
		t.Fatal("expected error for host id with slash")
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref    string
		host   string
		number int
	}{
		{ref: "7", number: 7},
		{ref: "node-a/12", host: "node-a", number: 12},
		{ref: "a/b/3", host: "a/b", number: 3},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			host, n, err := ParseRef(tt.ref)
			if err != nil {
				t.Fatal(err)
			}
			if host != tt.host || n != tt.number {
				t.Errorf("got (%q, %d), want (%q, %d)", host, n, tt.host, tt.number)
			}
		})
	}
}
