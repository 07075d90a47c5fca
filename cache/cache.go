// Package cache provides a caching asset resolver.
//
// This package is designed as the standard front for an asset.Loader,
// adding deduplication and lifetime management on top of it. Each
// (name, kind) key is decoded at most once while the cache is open, no
// matter how many goroutines ask for it at the same time, and every cached
// value is released when the cache is closed.
//
// Failures are never cached: a failed or missing load is retried by the
// next request for the same key.
package cache

import (
	"context"

	"github.com/meigma/asset"
)

// Backend performs uncached loads.
//
// TryLoadWith must hand res to the decoder for dependency loads, so that
// dependencies come back through the cache. *asset.Loader implements
// Backend.
type Backend interface {
	TryLoadWith(ctx context.Context, name string, recipe asset.AnyRecipe, res asset.Resolver) (asset.Handle, bool, error)
}

// Request names one asset for Preload.
type Request struct {
	Name   string
	Recipe asset.AnyRecipe
}

// Stats is a snapshot of cache activity.
type Stats struct {
	// Hits counts loads served from a ready entry.
	Hits int64
	// Misses counts loads that had to join or start a build.
	Misses int64
	// Builds counts backend loads actually performed.
	Builds int64
	// Failures counts builds that returned an error.
	Failures int64
	// Entries is the number of ready entries.
	Entries int
}
