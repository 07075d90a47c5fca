package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/asset"
	"github.com/meigma/asset/internal/testutil"
)

const stringKind asset.Kind = "string"

var stringRecipe = asset.Of[string](stringKind)

type fixture struct {
	src       *testutil.MapSource
	strings   *testutil.CountingDecoder[string]
	resources *testutil.CountingDecoder[*testutil.Resource]
	res       *Resolver
}

func newFixture(t *testing.T, files map[string][]byte, extra func(*asset.Registry)) *fixture {
	t.Helper()

	f := &fixture{
		src:       testutil.NewMapSource(files),
		strings:   testutil.StringDecoder(),
		resources: testutil.ResourceDecoder(nil),
	}
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, stringKind, f.strings)
	asset.MustRegister[*testutil.Resource](reg, testutil.ResourceKind, f.resources)
	if extra != nil {
		extra(reg)
	}
	f.res = New(asset.NewLoader(f.src, reg))
	t.Cleanup(func() { _ = f.res.Close() })
	return f
}

func TestResolverIdempotentLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a": []byte("alpha")}, nil)
	ctx := context.Background()

	c1, err := asset.Load(ctx, f.res, "a", stringRecipe)
	require.NoError(t, err)
	c2, err := asset.Load(ctx, f.res, "a", stringRecipe)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, "alpha", c1.Value())
	assert.Equal(t, int64(1), f.strings.Calls())
	assert.Equal(t, 1, f.src.Opens("a"), "cache hit must not reopen the stream")

	stats := f.res.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Builds)
	assert.Equal(t, 1, stats.Entries)
}

func TestResolverSameNameDifferentKinds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a": []byte("alpha")}, nil)
	ctx := context.Background()

	s, err := asset.Get(ctx, f.res, "a", stringRecipe)
	require.NoError(t, err)
	r, err := asset.Get(ctx, f.res, "a", testutil.ResourceRecipe{})
	require.NoError(t, err)

	assert.Equal(t, "alpha", s)
	assert.Equal(t, []byte("alpha"), r.Data)
	assert.Equal(t, 2, f.res.Len())
	assert.Equal(t, []asset.Key{
		{Name: "a", Kind: stringKind},
		{Name: "a", Kind: testutil.ResourceKind},
	}, f.res.Keys())
}

func TestResolverReleaseOnClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"ac": []byte("closable")}, nil)
	ctx := context.Background()

	c, err := asset.Load(ctx, f.res, "ac", testutil.ResourceRecipe{})
	require.NoError(t, err)
	res := c.Value()

	// Consumer releases its own reference first
	require.NoError(t, c.Release())
	assert.Equal(t, int64(1), res.Closes())

	require.NoError(t, f.res.Close())
	assert.GreaterOrEqual(t, res.Closes(), int64(1))
	assert.True(t, c.Released())
	assert.Zero(t, f.res.Len())
}

func TestResolverReleaseUntouchedOnClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a": []byte("a"), "b": []byte("b")}, nil)
	ctx := context.Background()

	a, err := asset.Get(ctx, f.res, "a", testutil.ResourceRecipe{})
	require.NoError(t, err)
	b, err := asset.Get(ctx, f.res, "b", testutil.ResourceRecipe{})
	require.NoError(t, err)

	require.NoError(t, f.res.Close())
	assert.Equal(t, int64(1), a.Closes())
	assert.Equal(t, int64(1), b.Closes())

	// Close is effective once
	require.NoError(t, f.res.Close())
	assert.Equal(t, int64(1), a.Closes())
}

func TestResolverCloseAggregatesReleaseErrors(t *testing.T) {
	t.Parallel()

	errRelease := errors.New("release failed")
	failing := testutil.ResourceDecoder(errRelease)
	okRes := testutil.NewResource("ok", nil, nil)

	src := testutil.NewMapSource(map[string][]byte{"x": []byte("x"), "y": []byte("y"), "ok": []byte("ok")})
	reg := asset.NewRegistry()
	asset.MustRegister[*testutil.Resource](reg, testutil.ResourceKind, failing)
	asset.MustRegister[*testutil.Resource](reg, "fine", asset.DecoderFunc[*testutil.Resource](
		func(context.Context, io.Reader, asset.Recipe[*testutil.Resource], asset.Resolver) (*asset.Capsule[*testutil.Resource], error) {
			return asset.Closing(okRes), nil
		}))
	res := New(asset.NewLoader(src, reg))
	ctx := context.Background()

	_, err := asset.Get(ctx, res, "x", testutil.ResourceRecipe{})
	require.NoError(t, err)
	_, err = asset.Get(ctx, res, "ok", asset.Of[*testutil.Resource]("fine"))
	require.NoError(t, err)
	_, err = asset.Get(ctx, res, "y", testutil.ResourceRecipe{})
	require.NoError(t, err)

	err = res.Close()
	require.ErrorIs(t, err, errRelease)
	assert.Contains(t, err.Error(), "test-resource:x")
	assert.Contains(t, err.Error(), "test-resource:y")
	assert.Equal(t, int64(1), okRes.Closes(), "a failing release must not skip the others")
}

func TestResolverReleaseOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var released []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			released = append(released, name)
			return nil
		}
	}

	src := testutil.NewMapSource(map[string][]byte{"parent": []byte("child"), "child": []byte("")})
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, "tree", asset.DecoderFunc[string](
		func(ctx context.Context, r io.Reader, recipe asset.Recipe[string], res asset.Resolver) (*asset.Capsule[string], error) {
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			name := "child"
			if len(data) > 0 {
				name = "parent"
				if _, err := asset.Load(ctx, res, string(data), recipe); err != nil {
					return nil, err
				}
			}
			return asset.NewCapsule(name, record(name)), nil
		}))
	res := New(asset.NewLoader(src, reg))

	_, err := asset.Get(context.Background(), res, "parent", asset.Of[string]("tree"))
	require.NoError(t, err)
	require.NoError(t, res.Close())

	assert.Equal(t, []string{"parent", "child"}, released)
}

func TestResolverConcurrentDedup(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var calls atomic.Int64
	src := testutil.NewMapSource(map[string][]byte{"shared": []byte("payload")})
	reg := asset.NewRegistry()
	asset.MustRegister[*testutil.Resource](reg, testutil.ResourceKind, asset.DecoderFunc[*testutil.Resource](
		func(_ context.Context, r io.Reader, _ asset.Recipe[*testutil.Resource], _ asset.Resolver) (*asset.Capsule[*testutil.Resource], error) {
			calls.Add(1)
			<-gate
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			return asset.Closing(testutil.NewResource("shared", data, nil)), nil
		}))
	res := New(asset.NewLoader(src, reg))
	defer res.Close()

	const numGoroutines = 10
	results := make(chan *testutil.Resource, numGoroutines)
	errs := make(chan error, numGoroutines)

	// Use a barrier to ensure all goroutines start at the same time
	start := make(chan struct{})
	for range numGoroutines {
		go func() {
			<-start
			v, err := asset.Get(context.Background(), res, "shared", testutil.ResourceRecipe{})
			if err != nil {
				errs <- err
				return
			}
			results <- v
		}()
	}
	close(start)

	// Let every caller reach the in-flight build before it completes
	require.Eventually(t, func() bool {
		return res.Stats().Misses+res.Stats().Hits == numGoroutines
	}, 5*time.Second, time.Millisecond)
	close(gate)

	var first *testutil.Resource
	for range numGoroutines {
		select {
		case v := <-results:
			if first == nil {
				first = v
			}
			assert.Same(t, first, v)
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, src.Opens("shared"))
}

func TestResolverIndependentKeysBuildInParallel(t *testing.T) {
	t.Parallel()

	aStarted := make(chan struct{})
	releaseA := make(chan struct{})
	src := testutil.NewMapSource(map[string][]byte{"a": []byte("a"), "b": []byte("b")})
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, stringKind, asset.DecoderFunc[string](
		func(_ context.Context, r io.Reader, _ asset.Recipe[string], _ asset.Resolver) (*asset.Capsule[string], error) {
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			if string(data) == "a" {
				close(aStarted)
				<-releaseA
			}
			return asset.Keep(string(data)), nil
		}))
	res := New(asset.NewLoader(src, reg))
	defer res.Close()

	aDone := make(chan error, 1)
	go func() {
		_, err := asset.Get(context.Background(), res, "a", stringRecipe)
		aDone <- err
	}()
	<-aStarted

	// b must complete while a is still in flight
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := asset.Get(ctx, res, "b", stringRecipe)
	require.NoError(t, err)
	assert.Equal(t, "b", b)

	close(releaseA)
	require.NoError(t, <-aDone)
}

func TestResolverConcurrentFailureShared(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	gate := make(chan struct{})
	dec := testutil.NewCountingDecoder(func(context.Context, io.Reader, asset.Recipe[string], asset.Resolver) (*asset.Capsule[string], error) {
		<-gate
		return nil, boom
	})
	src := testutil.NewMapSource(map[string][]byte{"shared": []byte("payload")})
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, stringKind, dec)
	res := New(asset.NewLoader(src, reg))
	defer res.Close()

	const numGoroutines = 8
	errs := make(chan error, numGoroutines)

	start := make(chan struct{})
	for range numGoroutines {
		go func() {
			<-start
			_, err := asset.Load(context.Background(), res, "shared", stringRecipe)
			errs <- err
		}()
	}
	close(start)

	// Let every caller join the in-flight build before it fails
	require.Eventually(t, func() bool {
		return res.Stats().Misses == numGoroutines
	}, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for range numGoroutines {
		err := <-errs
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, err, asset.ErrDecode)
	}
	assert.Equal(t, int64(1), dec.Calls(), "waiters share one failed build")
	assert.Equal(t, int64(1), res.Stats().Failures)
	assert.Zero(t, res.Len())
}

func TestResolverFailureNotCached(t *testing.T) {
	t.Parallel()

	errTransient := errors.New("file locked")
	var fail atomic.Bool
	fail.Store(true)
	dec := testutil.NewCountingDecoder(func(_ context.Context, r io.Reader, _ asset.Recipe[string], _ asset.Resolver) (*asset.Capsule[string], error) {
		if fail.Load() {
			return nil, errTransient
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return asset.Keep(string(data)), nil
	})
	src := testutil.NewMapSource(map[string][]byte{"a": []byte("alpha")})
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, stringKind, dec)
	res := New(asset.NewLoader(src, reg))
	defer res.Close()
	ctx := context.Background()

	_, err := asset.Load(ctx, res, "a", stringRecipe)
	require.ErrorIs(t, err, errTransient)
	require.ErrorIs(t, err, asset.ErrDecode)
	_, err = asset.Load(ctx, res, "a", stringRecipe)
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, int64(2), dec.Calls())
	assert.Zero(t, res.Len())
	assert.Equal(t, int64(2), res.Stats().Failures)

	// Condition clears; retry succeeds
	fail.Store(false)
	v, err := asset.Get(ctx, res, "a", stringRecipe)
	require.NoError(t, err)
	assert.Equal(t, "alpha", v)
	assert.Equal(t, int64(3), dec.Calls())
}

func TestResolverNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()

	c, ok, err := asset.TryLoad(ctx, f.res, "missing", stringRecipe)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, c)

	_, err = asset.Load(ctx, f.res, "missing", stringRecipe)
	require.ErrorIs(t, err, asset.ErrNotFound)

	// Absence is not cached either
	f.src.Put("missing", []byte("now here"))
	v, err := asset.Get(ctx, f.res, "missing", stringRecipe)
	require.NoError(t, err)
	assert.Equal(t, "now here", v)
}

func TestResolverClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]byte{"a": []byte("a")}, nil)
	ctx := context.Background()

	_, err := asset.Get(ctx, f.res, "a", stringRecipe)
	require.NoError(t, err)
	require.NoError(t, f.res.Close())

	_, err = asset.Get(ctx, f.res, "a", stringRecipe)
	require.ErrorIs(t, err, asset.ErrClosed)
	_, _, err = asset.TryLoad(ctx, f.res, "b", stringRecipe)
	require.ErrorIs(t, err, asset.ErrClosed)
	require.ErrorIs(t, f.res.Preload(ctx, Request{Name: "a", Recipe: stringRecipe}), asset.ErrClosed)
}

func TestResolverCloseAwaitsInFlightBuild(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	finish := make(chan struct{})
	built := testutil.NewResource("slow", nil, nil)
	src := testutil.NewMapSource(map[string][]byte{"slow": []byte("slow")})
	reg := asset.NewRegistry()
	asset.MustRegister[*testutil.Resource](reg, testutil.ResourceKind, asset.DecoderFunc[*testutil.Resource](
		func(context.Context, io.Reader, asset.Recipe[*testutil.Resource], asset.Resolver) (*asset.Capsule[*testutil.Resource], error) {
			close(started)
			<-finish
			return asset.Closing(built), nil
		}))
	res := New(asset.NewLoader(src, reg))

	loadDone := make(chan error, 1)
	go func() {
		_, err := asset.Get(context.Background(), res, "slow", testutil.ResourceRecipe{})
		loadDone <- err
	}()
	<-started

	closeDone := make(chan error, 1)
	go func() { closeDone <- res.Close() }()

	// New loads are rejected as soon as Close begins
	require.Eventually(t, func() bool {
		_, _, err := res.TryLoadAny(context.Background(), "other", stringRecipe)
		return errors.Is(err, asset.ErrClosed)
	}, 5*time.Second, time.Millisecond)

	select {
	case <-closeDone:
		t.Fatal("Close returned while a build was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(finish)
	require.NoError(t, <-loadDone)
	require.NoError(t, <-closeDone)
	assert.Equal(t, int64(1), built.Closes(), "result of the in-flight build must be released")
}

func TestResolverCloseServesDependenciesOfInFlightBuild(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	finish := make(chan struct{})
	src := testutil.NewMapSource(map[string][]byte{
		"leaf":  []byte("leaf"),
		"fresh": []byte("fresh"),
		"top":   []byte("top"),
	})
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, stringKind, testutil.StringDecoder())
	asset.MustRegister[*testutil.Resource](reg, testutil.ResourceKind, asset.DecoderFunc[*testutil.Resource](
		func(ctx context.Context, r io.Reader, _ asset.Recipe[*testutil.Resource], res asset.Resolver) (*asset.Capsule[*testutil.Resource], error) {
			close(started)
			<-finish
			leaf, err := asset.Get(ctx, res, "leaf", stringRecipe)
			if err != nil {
				return nil, err
			}
			fresh, err := asset.Get(ctx, res, "fresh", stringRecipe)
			if err != nil {
				return nil, err
			}
			return asset.Closing(testutil.NewResource("top", []byte(leaf+"+"+fresh), nil)), nil
		}))
	res := New(asset.NewLoader(src, reg))

	_, err := asset.Get(context.Background(), res, "leaf", stringRecipe)
	require.NoError(t, err)

	loadDone := make(chan error, 1)
	var top *testutil.Resource
	go func() {
		var err error
		top, err = asset.Get(context.Background(), res, "top", testutil.ResourceRecipe{})
		loadDone <- err
	}()
	<-started

	closeDone := make(chan error, 1)
	go func() { closeDone <- res.Close() }()
	require.Eventually(t, func() bool {
		_, _, err := res.TryLoadAny(context.Background(), "leaf", stringRecipe)
		return errors.Is(err, asset.ErrClosed)
	}, 5*time.Second, time.Millisecond)

	close(finish)
	require.NoError(t, <-loadDone, "ready and new dependencies are served to a running build")
	require.NoError(t, <-closeDone)
	assert.Equal(t, []byte("leaf+fresh"), top.Data)
	assert.Equal(t, int64(1), top.Closes())
	assert.Zero(t, res.Len())
}

func TestResolverRecursiveLoad(t *testing.T) {
	t.Parallel()

	src := testutil.NewMapSource(map[string][]byte{
		"model":   []byte("texture"),
		"model2":  []byte("texture"),
		"texture": []byte(""),
	})
	var builds atomic.Int64
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, "dep", asset.DecoderFunc[string](
		func(ctx context.Context, r io.Reader, recipe asset.Recipe[string], res asset.Resolver) (*asset.Capsule[string], error) {
			builds.Add(1)
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			if len(data) == 0 {
				return asset.Keep("leaf"), nil
			}
			dep, err := asset.Get(ctx, res, string(data), recipe)
			if err != nil {
				return nil, err
			}
			return asset.Keep("uses " + dep), nil
		}))
	res := New(asset.NewLoader(src, reg))
	defer res.Close()
	ctx := context.Background()

	v, err := asset.Get(ctx, res, "model", asset.Of[string]("dep"))
	require.NoError(t, err)
	assert.Equal(t, "uses leaf", v)
	v, err = asset.Get(ctx, res, "model2", asset.Of[string]("dep"))
	require.NoError(t, err)
	assert.Equal(t, "uses leaf", v)

	// texture is shared between both models
	assert.Equal(t, int64(3), builds.Load())
	assert.Equal(t, 3, res.Len())
}

func TestResolverCycle(t *testing.T) {
	t.Parallel()

	src := testutil.NewMapSource(map[string][]byte{
		"a": []byte("b"),
		"b": []byte("a"),
		"s": []byte("s"),
	})
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, "ref", asset.DecoderFunc[string](
		func(ctx context.Context, r io.Reader, recipe asset.Recipe[string], res asset.Resolver) (*asset.Capsule[string], error) {
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			dep, err := asset.Get(ctx, res, string(data), recipe)
			if err != nil {
				return nil, err
			}
			return asset.Keep(dep), nil
		}))
	res := New(asset.NewLoader(src, reg))
	defer res.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := asset.Get(ctx, res, "s", asset.Of[string]("ref"))
	require.ErrorIs(t, err, asset.ErrCycle)

	_, err = asset.Get(ctx, res, "a", asset.Of[string]("ref"))
	require.ErrorIs(t, err, asset.ErrCycle)
	assert.Contains(t, err.Error(), "ref:a -> ref:b -> ref:a")
	assert.Zero(t, res.Len())
}

func TestResolverWaiterContextCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	finish := make(chan struct{})
	src := testutil.NewMapSource(map[string][]byte{"slow": []byte("slow")})
	reg := asset.NewRegistry()
	asset.MustRegister[string](reg, stringKind, asset.DecoderFunc[string](
		func(context.Context, io.Reader, asset.Recipe[string], asset.Resolver) (*asset.Capsule[string], error) {
			close(started)
			<-finish
			return asset.Keep("done"), nil
		}))
	res := New(asset.NewLoader(src, reg))
	defer res.Close()

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := make(chan error, 1)
	go func() {
		_, err := asset.Get(ctx, res, "slow", stringRecipe)
		waitErr <- err
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-waitErr, context.Canceled)

	// The build carries on for later callers
	close(finish)
	v, err := asset.Get(context.Background(), res, "slow", stringRecipe)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestResolverPreload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		workers int
	}{
		{name: "serial", workers: -1},
		{name: "default", workers: 0},
		{name: "fixed", workers: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := testutil.NewMapSource(map[string][]byte{"a": []byte("a"), "b": []byte("b"), "c": []byte("c")})
			dec := testutil.StringDecoder()
			reg := asset.NewRegistry()
			asset.MustRegister[string](reg, stringKind, dec)
			res := New(asset.NewLoader(src, reg), WithPreloadConcurrency(tt.workers))
			defer res.Close()

			err := res.Preload(context.Background(),
				Request{Name: "a", Recipe: stringRecipe},
				Request{Name: "b", Recipe: stringRecipe},
				Request{Name: "c", Recipe: stringRecipe},
			)
			require.NoError(t, err)
			assert.Equal(t, 3, res.Len())
			assert.Equal(t, int64(3), dec.Calls())

			err = res.Preload(context.Background(), Request{Name: "missing", Recipe: stringRecipe})
			require.ErrorIs(t, err, asset.ErrNotFound)
		})
	}
}
