// assetctl loads, locates and packs assets from the command line.
//
// Usage:
//
//	assetctl get [--kind KIND] [source flags] NAME...
//	assetctl which [source flags] NAME
//	assetctl pack -o OUT [--compress] DIR
//
// Sources are searched in order: --dir, --pack, --stargz, --http, --oci.
// A YAML --config file may list the same sources; flags are appended.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/asset"
	"github.com/meigma/asset/cache"
	"github.com/meigma/asset/decode"
	"github.com/meigma/asset/pack"
	"github.com/meigma/asset/source"
)

// errUsage marks command-line mistakes; they exit with status 2.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "assetctl: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "get":
		return runGet(ctx, rest, stdout, stderr)
	case "which":
		return runWhich(ctx, rest, stdout, stderr)
	case "pack":
		return runPack(ctx, rest, stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `assetctl loads, locates and packs assets.

Usage:
  assetctl get [--kind bytes|text|yaml|jsonc|cbor|bundle] [source flags] NAME...
  assetctl which [source flags] NAME
  assetctl pack -o OUT [--compress] DIR

Run "assetctl COMMAND --help" for the flags of a command.
`)
}

// parse parses flags, mapping help and parse failures onto errUsage.
func parse(flagSet *pflag.FlagSet, args []string) (help bool, err error) {
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, fmt.Errorf("%w: %w", errUsage, err)
	}
	return false, nil
}

func newLogger(cfg config, stderr io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl})), nil
}

var recipes = map[asset.Kind]asset.AnyRecipe{
	decode.KindBytes:  decode.Bytes,
	decode.KindText:   decode.Text,
	decode.KindYAML:   decode.YAML,
	decode.KindJSONC:  decode.JSONC,
	decode.KindCBOR:   decode.CBOR,
	decode.KindBundle: decode.Bundle,
}

func runGet(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var flags sourceFlags
	var kind string
	var preload bool

	flagSet := pflag.NewFlagSet("get", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&kind, "kind", "k", string(decode.KindBytes), "decoder kind: bytes, text, yaml, jsonc, cbor, bundle")
	flagSet.BoolVar(&preload, "preload", false, "load every name in parallel before printing")
	flags.addFlags(flagSet)

	if help, err := parse(flagSet, args); help || err != nil {
		return err
	}
	names := flagSet.Args()
	if len(names) == 0 {
		return fmt.Errorf("%w: get needs at least one NAME", errUsage)
	}
	recipe, ok := recipes[asset.Kind(kind)]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", errUsage, kind)
	}

	cfg, err := flags.resolve()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	srcs, err := openSources(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srcs.Close() //nolint:errcheck // read-only handles

	reg := asset.NewRegistry()
	if err := decode.Register(reg); err != nil {
		return err
	}
	res := cache.New(
		asset.NewLoader(source.NewDecompressed(srcs.chain), reg, asset.WithLogger(logger)),
		cache.WithLogger(logger),
	)
	defer res.Close() //nolint:errcheck // release failures are logged by the cache

	if preload {
		reqs := make([]cache.Request, 0, len(names))
		for _, name := range names {
			reqs = append(reqs, cache.Request{Name: name, Recipe: recipe})
		}
		if err := res.Preload(ctx, reqs...); err != nil {
			return err
		}
	}

	var failed bool
	for _, name := range names {
		h, found, err := res.TryLoadAny(ctx, name, recipe)
		switch {
		case err != nil:
			fmt.Fprintf(stderr, "%s: %v\n", name, err)
			failed = true
		case !found:
			fmt.Fprintf(stderr, "%s: not found\n", name)
			failed = true
		default:
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", name, recipe.Kind(), summarize(h))
		}
	}
	if failed {
		return errors.New("some assets could not be loaded")
	}
	return nil
}

// summarize describes a loaded value in one line.
func summarize(h asset.Handle) string {
	switch c := h.(type) {
	case *asset.Capsule[*decode.Blob]:
		return fmt.Sprintf("%d bytes %s", len(c.Value().Data), c.Value().Digest)
	case *asset.Capsule[string]:
		text := c.Value()
		first, _, _ := strings.Cut(text, "\n")
		if len(first) > 60 {
			first = first[:60] + "..."
		}
		return fmt.Sprintf("%d bytes %q", len(text), first)
	case *asset.Capsule[*decode.Tree]:
		return summarizeTree(c.Value())
	case *asset.Capsule[*decode.Manifest]:
		m := c.Value()
		loaded := 0
		for _, member := range m.Members {
			if member.Handle != nil {
				loaded++
			}
		}
		return fmt.Sprintf("%d members, %d loaded", len(m.Members), loaded)
	default:
		return fmt.Sprintf("%T", h)
	}
}

func summarizeTree(t *decode.Tree) string {
	switch root := t.Root().(type) {
	case nil:
		return "empty document"
	case map[string]any:
		keys := make([]string, 0, len(root))
		for k := range root {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("map keys=[%s]", strings.Join(keys, " "))
	case []any:
		return fmt.Sprintf("list len=%d", len(root))
	default:
		return fmt.Sprintf("scalar %v", root)
	}
}

func runWhich(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var flags sourceFlags

	flagSet := pflag.NewFlagSet("which", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flags.addFlags(flagSet)

	if help, err := parse(flagSet, args); help || err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("%w: which needs exactly one NAME", errUsage)
	}
	name := flagSet.Arg(0)

	cfg, err := flags.resolve()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	srcs, err := openSources(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srcs.Close() //nolint:errcheck // read-only handles

	matches := 0
	for rc, err := range srcs.chain.OpenAll(ctx, name) {
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", name, err)
			continue
		}
		n, err := io.Copy(io.Discard, rc)
		_ = rc.Close() //nolint:errcheck // read-only stream
		label := "?"
		if lr, ok := rc.(labeledReader); ok {
			label = lr.label
		}
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s: %v\n", name, label, err)
			continue
		}
		matches++
		fmt.Fprintf(stdout, "%s\t%d bytes\n", label, n)
	}
	if matches == 0 {
		return fmt.Errorf("%s: %w", name, asset.ErrNotFound)
	}
	return nil
}

func runPack(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var out string
	var compress bool
	var minSize int64
	var logLevel string

	flagSet := pflag.NewFlagSet("pack", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&out, "output", "o", "", "pack file to write")
	flagSet.BoolVar(&compress, "compress", true, "compress entries with zstd")
	flagSet.Int64Var(&minSize, "min-compress-size", 512, "store files smaller than this uncompressed")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default warn)")

	if help, err := parse(flagSet, args); help || err != nil {
		return err
	}
	if out == "" || flagSet.NArg() != 1 {
		return fmt.Errorf("%w: pack needs -o OUT and exactly one DIR", errUsage)
	}
	logger, err := newLogger(config{LogLevel: logLevel}, stderr)
	if err != nil {
		return err
	}

	opts := []pack.WriteOption{pack.WithLogger(logger)}
	if compress {
		opts = append(opts,
			pack.WithCompression(pack.CompressionZstd),
			pack.WithSkipCompression(pack.DefaultSkipCompression(minSize)),
		)
	}

	f, err := os.CreateTemp(filepath.Dir(out), ".assetctl-pack-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp) //nolint:errcheck // gone after a successful rename

	if err := pack.Create(ctx, flagSet.Arg(0), f, opts...); err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", out)
	return nil
}
