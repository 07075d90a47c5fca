// Package oci serves assets stored as layers of an OCI artifact.
//
// Each layer is one asset, addressed by its org.opencontainers.image.title
// annotation, which is how oras and most OCI tooling record file names.
// Layers without a title are ignored. Streams are verified against the
// layer digest as they are read.
package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// ArtifactType is the artifact type used by asset bundles pushed with
// this package's conventions. Any artifact type is accepted on read.
const ArtifactType = "application/vnd.meigma.asset.v1"

var (
	// ErrDigestMismatch indicates a layer's content does not match its digest.
	ErrDigestMismatch = errors.New("oci: digest mismatch")

	// ErrManifestInvalid indicates the reference does not resolve to an
	// image manifest.
	ErrManifestInvalid = errors.New("oci: invalid manifest")
)

// maxManifestSize bounds manifest reads.
const maxManifestSize = 4 << 20

// Source reads assets from the layers of one artifact.
//
// The manifest is fetched on first use and kept for the life of the
// source. A failed fetch is retried on the next Open. A missing artifact
// is an error, not an absent asset.
type Source struct {
	target oras.ReadOnlyTarget
	ref    string
	logger *slog.Logger

	mu     sync.Mutex
	layers map[string]ocispec.Descriptor
}

// Option configures a Source.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	plainHTTP bool
	userAgent string
	cred      auth.CredentialFunc
}

// WithLogger sets the logger for manifest and fetch events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithPlainHTTP enables plain HTTP (no TLS) for remote registries.
// This is useful for local development registries.
func WithPlainHTTP(enabled bool) Option {
	return func(c *config) {
		c.plainHTTP = enabled
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) Option {
	return func(c *config) {
		c.userAgent = ua
	}
}

// WithCredentials sets static username/password credentials for the
// registry host of the reference.
func WithCredentials(username, password string) Option {
	return func(c *config) {
		c.cred = func(context.Context, string) (auth.Credential, error) {
			return auth.Credential{Username: username, Password: password}, nil
		}
	}
}

// WithDockerConfig reads credentials from the docker config file.
// If the config cannot be loaded the source falls back to anonymous access.
func WithDockerConfig() Option {
	return func(c *config) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		c.cred = credentials.Credential(store)
	}
}

func newConfig(opts []Option) config {
	c := config{userAgent: "assetctl/1.0"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&c)
	}
	return c
}

// New returns a source over the artifact that ref resolves to in target.
// ref is a tag or digest.
func New(target oras.ReadOnlyTarget, ref string, opts ...Option) *Source {
	c := newConfig(opts)
	return &Source{target: target, ref: ref, logger: c.logger}
}

// NewRemote returns a source over a registry artifact such as
// "registry.example.com/team/assets:v1".
func NewRemote(ref string, opts ...Option) (*Source, error) {
	repo, err := Repository(ref, opts...)
	if err != nil {
		return nil, err
	}
	if repo.Reference.Reference == "" {
		return nil, fmt.Errorf("oci: reference %q has no tag or digest", ref)
	}
	return New(repo, repo.Reference.Reference, opts...), nil
}

// Repository returns an authenticated client for the repository named by
// ref. The tag or digest part of ref, if any, is kept in
// repo.Reference.Reference.
func Repository(ref string, opts ...Option) (*remote.Repository, error) {
	c := newConfig(opts)

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("oci: parse reference %q: %w", ref, err)
	}
	cred := c.cred
	if cred == nil {
		cred = func(context.Context, string) (auth.Credential, error) {
			return auth.EmptyCredential, nil
		}
	}
	repo.PlainHTTP = c.plainHTTP
	repo.Client = &auth.Client{
		Client:     retry.DefaultClient,
		Cache:      auth.NewCache(),
		Credential: cred,
		Header: http.Header{
			"User-Agent": []string{c.userAgent},
		},
	}
	return repo, nil
}

// Open implements asset.Source.
func (s *Source) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	layers, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	desc, ok := layers[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if err := desc.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: layer %s: %v", ErrManifestInvalid, name, err)
	}

	rc, err := s.target.Fetch(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("oci: fetch %s: %w", name, err)
	}
	s.log().Debug("oci layer fetched", "name", name, "digest", desc.Digest.String(), "size", desc.Size)
	return newVerifyingReader(rc, desc), nil
}

// Names returns the titles of all layers, sorted.
func (s *Source) Names(ctx context.Context) ([]string, error) {
	layers, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(layers))
	for name := range layers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Source) index(ctx context.Context) (map[string]ocispec.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layers != nil {
		return s.layers, nil
	}

	desc, err := s.target.Resolve(ctx, s.ref)
	if err != nil {
		return nil, fmt.Errorf("oci: resolve %s: %w", s.ref, err)
	}
	if desc.MediaType != ocispec.MediaTypeImageManifest {
		return nil, fmt.Errorf("%w: unsupported media type %s", ErrManifestInvalid, desc.MediaType)
	}
	if desc.Size > maxManifestSize {
		return nil, fmt.Errorf("%w: manifest too large (%d bytes)", ErrManifestInvalid, desc.Size)
	}
	raw, err := content.FetchAll(ctx, s.target, desc)
	if err != nil {
		return nil, fmt.Errorf("oci: fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}

	layers := make(map[string]ocispec.Descriptor, len(manifest.Layers))
	for _, layer := range manifest.Layers {
		title := layer.Annotations[ocispec.AnnotationTitle]
		if title == "" {
			continue
		}
		if _, dup := layers[title]; dup {
			continue
		}
		layers[title] = layer
	}
	s.layers = layers
	s.log().Info("oci manifest loaded", "ref", s.ref, "digest", desc.Digest.String(), "layers", len(layers))
	return layers, nil
}

func (s *Source) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// verifyingReader checks size and digest when the stream reaches EOF.
type verifyingReader struct {
	rc     io.ReadCloser
	hasher hash.Hash
	want   digest.Digest
	size   int64
	read   int64
	err    error
}

func newVerifyingReader(rc io.ReadCloser, desc ocispec.Descriptor) *verifyingReader {
	return &verifyingReader{
		rc:     rc,
		hasher: desc.Digest.Algorithm().Hash(),
		want:   desc.Digest,
		size:   desc.Size,
	}
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.rc.Read(p)
	if n > 0 {
		r.read += int64(n)
		r.hasher.Write(p[:n])
		if r.read > r.size {
			r.err = fmt.Errorf("%w: %s exceeds %d bytes", ErrDigestMismatch, r.want, r.size)
			return n, r.err
		}
	}
	if errors.Is(err, io.EOF) {
		got := digest.NewDigest(r.want.Algorithm(), r.hasher)
		if r.read != r.size || got != r.want {
			r.err = fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, r.want, got)
			return n, r.err
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.rc.Close()
}
