package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/asset"
)

// Resolver wraps a Backend with a per-key cache.
//
// Resolver uses singleflight to deduplicate concurrent loads of the same
// key: the first caller starts the build and later callers wait for its
// outcome. Builds of different keys never wait on each other; the only
// lock guards the ready map and is never held while decoding.
//
// Decoders receive a scoped resolver that tracks the chain of keys being
// built. A decoder that transitively requests its own key gets
// asset.ErrCycle instead of waiting on itself. Two goroutines entering the
// same cycle from different keys are not detected; they block until their
// contexts are cancelled.
//
// Close must not be called from inside a decoder.
type Resolver struct {
	base           Backend
	logger         *slog.Logger
	preloadWorkers int
	buildGroup     singleflight.Group

	mu       sync.RWMutex
	ready    map[asset.Key]asset.Handle
	order    []asset.Key // publication order
	closed   bool
	inflight sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	hits     atomic.Int64
	misses   atomic.Int64
	builds   atomic.Int64
	failures atomic.Int64
}

// Interface compliance.
var _ asset.Resolver = (*Resolver)(nil)

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for cache events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithPreloadConcurrency sets the number of workers used by Preload.
// Values < 0 force serial execution. Zero uses GOMAXPROCS.
// Values > 0 force a fixed worker count.
func WithPreloadConcurrency(workers int) Option {
	return func(r *Resolver) {
		r.preloadWorkers = workers
	}
}

// New wraps base with caching.
func New(base Backend, opts ...Option) *Resolver {
	r := &Resolver{
		base:  base,
		ready: make(map[asset.Key]asset.Handle),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	return r
}

// outcome is the shared result of one build.
type outcome struct {
	h     asset.Handle
	found bool
}

// TryLoadAny implements asset.Resolver.
//
// A ready entry is returned without touching the backend. Otherwise the
// caller joins the build for the key, starting one if none is running.
// Cancelling ctx abandons the wait but not the build, which completes for
// the benefit of other callers.
func (r *Resolver) TryLoadAny(ctx context.Context, name string, recipe asset.AnyRecipe) (asset.Handle, bool, error) {
	return r.tryLoad(ctx, nil, name, recipe)
}

func (r *Resolver) tryLoad(ctx context.Context, chain []asset.Key, name string, recipe asset.AnyRecipe) (asset.Handle, bool, error) {
	if recipe == nil {
		return nil, false, fmt.Errorf("%w: nil recipe", asset.ErrUnsupportedRecipe)
	}
	key := asset.KeyOf(name, recipe)
	if slices.Contains(chain, key) {
		return nil, false, fmt.Errorf("%w: %s", asset.ErrCycle, formatChain(chain, key))
	}

	// Check ready entries first (fast path, avoids singleflight overhead).
	// Dependency loads from a running build are served after Close begins;
	// the parent build holds an in-flight slot until they finish.
	nested := len(chain) > 0
	r.mu.RLock()
	closed := r.closed
	h, ok := r.ready[key]
	r.mu.RUnlock()
	if closed && !nested {
		return nil, false, asset.ErrClosed
	}
	if ok {
		r.hits.Add(1)
		r.log().Debug("asset cache hit", "key", key.String())
		return h, true, nil
	}

	r.misses.Add(1)
	r.log().Debug("asset cache miss", "key", key.String())

	buildCtx := context.WithoutCancel(ctx)
	ch := r.buildGroup.DoChan(flightKey(key), func() (any, error) {
		return r.build(buildCtx, chain, key, name, recipe)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		out, _ := res.Val.(outcome) //nolint:errcheck // type assertion always succeeds when err is nil
		return out.h, out.found, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// build performs the backend load for key and publishes a successful
// result. Not-found and failed outcomes leave no entry behind.
func (r *Resolver) build(ctx context.Context, chain []asset.Key, key asset.Key, name string, recipe asset.AnyRecipe) (outcome, error) {
	r.mu.Lock()
	if r.closed && len(chain) == 0 {
		r.mu.Unlock()
		return outcome{}, asset.ErrClosed
	}
	// Double-check: a build for this key may have just published between
	// our fast-path check and acquiring the singleflight slot.
	if h, ok := r.ready[key]; ok {
		r.mu.Unlock()
		return outcome{h: h, found: true}, nil
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	r.builds.Add(1)
	start := time.Now()
	sc := &scope{r: r, chain: append(slices.Clip(chain), key)}
	h, ok, err := r.base.TryLoadWith(ctx, name, recipe, sc)
	if err != nil {
		r.failures.Add(1)
		r.log().Debug("asset build failed", "key", key.String(), "error", err)
		return outcome{}, err
	}
	if !ok {
		return outcome{}, nil
	}

	r.mu.Lock()
	r.ready[key] = h
	r.order = append(r.order, key)
	r.mu.Unlock()

	r.log().Debug("asset built", "key", key.String(), "duration", time.Since(start))
	return outcome{h: h, found: true}, nil
}

// Preload loads every request, failing on the first error or missing name.
//
// Requests run in parallel up to the configured preload concurrency.
func (r *Resolver) Preload(ctx context.Context, reqs ...Request) error {
	if len(reqs) == 0 {
		return nil
	}

	workers := r.preloadWorkers
	switch {
	case workers < 0:
		workers = 1
	case workers == 0:
		workers = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, req := range reqs {
		g.Go(func() error {
			if req.Recipe == nil {
				return fmt.Errorf("%w: nil recipe for %q", asset.ErrUnsupportedRecipe, req.Name)
			}
			_, ok, err := r.TryLoadAny(gctx, req.Name, req.Recipe)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %q as %s", asset.ErrNotFound, req.Name, req.Recipe.Kind())
			}
			return nil
		})
	}
	return g.Wait()
}

// Close releases every cached value and rejects further loads with
// asset.ErrClosed.
//
// Builds already running are allowed to finish, including the dependency
// loads they make; their results are published and then released along
// with everything else. Entries are
// released in reverse publication order, so values are released before
// the dependencies they were built from. Release failures do not stop the
// remaining releases and are returned joined.
//
// Close is effective once; later calls return the first call's result.
func (r *Resolver) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.shutdown()
	})
	return r.closeErr
}

func (r *Resolver) shutdown() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.inflight.Wait()

	r.mu.Lock()
	ready, order := r.ready, r.order
	r.ready, r.order = nil, nil
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		if err := ready[key].Release(); err != nil {
			r.log().Warn("asset release failed", "key", key.String(), "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
		}
	}

	r.log().Info("asset cache closed", "released", len(order), "release_failures", len(errs))
	return errors.Join(errs...)
}

// Len returns the number of ready entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ready)
}

// Keys returns the ready keys in publication order.
func (r *Resolver) Keys() []asset.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Stats returns a snapshot of cache counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:     r.hits.Load(),
		Misses:   r.misses.Load(),
		Builds:   r.builds.Load(),
		Failures: r.failures.Load(),
		Entries:  r.Len(),
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Resolver) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// scope is the resolver handed to decoders. It carries the chain of keys
// under construction so self-requests fail instead of deadlocking.
type scope struct {
	r     *Resolver
	chain []asset.Key
}

func (s *scope) TryLoadAny(ctx context.Context, name string, recipe asset.AnyRecipe) (asset.Handle, bool, error) {
	return s.r.tryLoad(ctx, s.chain, name, recipe)
}

func flightKey(key asset.Key) string {
	return string(key.Kind) + "\x00" + key.Name
}

func formatChain(chain []asset.Key, last asset.Key) string {
	parts := make([]string, 0, len(chain)+1)
	for _, k := range chain {
		parts = append(parts, k.String())
	}
	parts = append(parts, last.String())
	return strings.Join(parts, " -> ")
}
