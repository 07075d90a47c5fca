package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/asset"
	"github.com/meigma/asset/pack"
	"github.com/meigma/asset/source"
	"github.com/meigma/asset/source/disk"
	"github.com/meigma/asset/source/oci"
	"github.com/meigma/asset/source/stargz"
)

// sources is the opened source chain plus what must be closed after use.
type sources struct {
	chain   *source.Chain
	closers []io.Closer
}

func (s *sources) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// labeled tags every stream it opens with the location it came from.
type labeled struct {
	label string
	src   asset.Source
}

type labeledReader struct {
	io.ReadCloser
	label string
}

func (l labeled) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := l.src.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return labeledReader{ReadCloser: rc, label: l.label}, nil
}

// openSources opens every source cfg names, in chain order.
//
//nolint:gocognit // one block per source type
func openSources(ctx context.Context, cfg config, logger *slog.Logger) (_ *sources, err error) {
	if cfg.empty() {
		return nil, errors.New("no sources: use --dir, --pack, --stargz, --http, --oci or --config")
	}

	s := &sources{}
	defer func() {
		if err != nil {
			_ = s.Close() //nolint:errcheck // already failing
		}
	}()

	var list []asset.Source
	add := func(label string, src asset.Source) {
		logger.Debug("source added", "source", label)
		list = append(list, labeled{label: label, src: src})
	}

	for _, dir := range cfg.Dirs {
		d, err := source.OpenDir(dir)
		if err != nil {
			return nil, fmt.Errorf("open dir: %w", err)
		}
		s.closers = append(s.closers, d)
		add("dir:"+dir, d)
	}

	headers, err := cfg.headers()
	if err != nil {
		return nil, err
	}
	httpOpts := make([]source.HTTPOption, 0, len(headers))
	for k, v := range headers {
		httpOpts = append(httpOpts, source.WithHeader(k, v))
	}

	for _, p := range cfg.Packs {
		ra, size, closer, err := openRandomAccess(ctx, p, httpOpts)
		if err != nil {
			return nil, fmt.Errorf("open pack: %w", err)
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
		r, err := pack.Open(ra, size)
		if err != nil {
			return nil, fmt.Errorf("open pack %s: %w", p, err)
		}
		add("pack:"+p, r)
	}

	for _, p := range cfg.Stargz {
		ra, size, closer, err := openRandomAccess(ctx, p, httpOpts)
		if err != nil {
			return nil, fmt.Errorf("open stargz: %w", err)
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
		sz, err := stargz.Open(ra, size)
		if err != nil {
			return nil, fmt.Errorf("open stargz %s: %w", p, err)
		}
		add("stargz:"+p, sz)
	}

	for _, base := range cfg.HTTP {
		h, err := source.NewHTTP(base, httpOpts...)
		if err != nil {
			return nil, err
		}
		label := "http:" + base
		remote, err := mirrored(cfg, label, h)
		if err != nil {
			return nil, err
		}
		add(label, remote)
	}

	for _, ref := range cfg.OCI {
		o, err := oci.NewRemote(ref,
			oci.WithLogger(logger),
			oci.WithPlainHTTP(cfg.PlainHTTP),
			oci.WithDockerConfig(),
		)
		if err != nil {
			return nil, err
		}
		label := "oci:" + ref
		remote, err := mirrored(cfg, label, o)
		if err != nil {
			return nil, err
		}
		add(label, remote)
	}

	s.chain = source.NewChain(list...)
	return s, nil
}

// mirrored wraps a remote source with a disk mirror when one is configured.
// Each remote gets its own store below the mirror directory.
func mirrored(cfg config, label string, src asset.Source) (asset.Source, error) {
	if cfg.MirrorDir == "" {
		return src, nil
	}
	dir := filepath.Join(cfg.MirrorDir, hex.EncodeToString(source.MirrorKey(label)[:8]))
	var opts []disk.Option
	if cfg.MirrorMax > 0 {
		opts = append(opts, disk.WithMaxBytes(cfg.MirrorMax))
	}
	store, err := disk.New(dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	return source.NewMirror(src, store), nil
}

// openRandomAccess opens a local file, or a remote one through range
// requests when location is an http(s) URL.
func openRandomAccess(ctx context.Context, location string, opts []source.HTTPOption) (io.ReaderAt, int64, io.Closer, error) {
	if strings.HasPrefix(location, "https://") || strings.HasPrefix(location, "http://") {
		f, err := source.OpenHTTPFile(ctx, location, opts...)
		if err != nil {
			return nil, 0, nil, err
		}
		return f, f.Size(), nil, nil
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, 0, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return nil, 0, nil, err
	}
	return f, info.Size(), f, nil
}
