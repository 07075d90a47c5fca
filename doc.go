// Package asset turns named byte streams into typed, ready-to-use values.
//
// A [Source] opens streams by name. A [Recipe] says what type to produce and
// selects the [Decoder] registered for its [Kind]. A [Loader] ties the two
// together, and every decoded value comes back wrapped in a [Capsule] that
// carries the operation releasing it.
//
// # Quick Start
//
// Register decoders and build a loader:
//
//	reg := asset.NewRegistry()
//	if err := decode.Register(reg); err != nil { ... }
//
//	dir, err := source.OpenDir("./assets")
//	if err != nil { ... }
//	defer dir.Close()
//
//	loader := asset.NewLoader(source.NewChain(dir, source.NewFS(embedded)), reg)
//
// Wrap it in a cache so each asset is decoded once and released on Close:
//
//	res := cache.New(loader)
//	defer res.Close()
//
//	text, err := asset.Get(ctx, res, "motd.txt", decode.Text)
//
// # Ownership
//
// With a plain Loader the caller owns every capsule it receives and must
// call Release. With the cache package the cache owns the release
// obligation; callers may still call Release, which is harmless because a
// capsule releases its value at most once.
//
// # Dependencies
//
// Decoders receive a [Resolver] and may load other assets through it, for
// example a bundle that references named sub-resources. When the resolver
// is a cache, dependencies are shared with every other consumer.
package asset
