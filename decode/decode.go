// Package decode provides ready-made decoders for common asset formats.
//
// [Register] installs decoders for raw bytes, UTF-8 text, structured trees
// parsed from YAML, JSON with comments and CBOR, and bundles that load
// other assets. [RegisterConfig] adds a kind that decodes a structured
// document straight into a Go struct:
//
//	reg := asset.NewRegistry()
//	if err := decode.Register(reg); err != nil { ... }
//	if err := decode.RegisterConfig[ServerConfig](reg, "server-config"); err != nil { ... }
//
//	serverCfg := decode.NewConfig[ServerConfig]("server-config", decode.YAML)
//	cfg, err := asset.Get(ctx, resolver, "config/server.yaml", serverCfg)
package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/asset"
)

// Built-in kinds.
const (
	KindBytes  asset.Kind = "bytes"
	KindText   asset.Kind = "text"
	KindYAML   asset.Kind = "yaml"
	KindJSONC  asset.Kind = "jsonc"
	KindCBOR   asset.Kind = "cbor"
	KindBundle asset.Kind = "bundle"
)

// Built-in recipes.
var (
	// Bytes loads raw content.
	Bytes = asset.Of[*Blob](KindBytes)
	// Text loads UTF-8 text.
	Text = asset.Of[string](KindText)
	// YAML parses a YAML document into a Tree.
	YAML = asset.Of[*Tree](KindYAML)
	// JSONC parses JSON with comments and trailing commas into a Tree.
	JSONC = asset.Of[*Tree](KindJSONC)
	// CBOR parses a CBOR item into a Tree. Map keys must be strings.
	CBOR = asset.Of[*Tree](KindCBOR)
	// Bundle loads a manifest and every asset it lists.
	Bundle = BundleRecipe{}
)

// ErrInvalidText indicates text content is not valid UTF-8.
var ErrInvalidText = errors.New("decode: invalid UTF-8 text")

// Blob is raw asset content with its digest.
type Blob struct {
	Data   []byte
	Digest digest.Digest
}

// Register installs the built-in decoders in reg.
func Register(reg *asset.Registry) error {
	return errors.Join(
		asset.Register(reg, KindBytes, asset.DecoderFunc[*Blob](decodeBytes)),
		asset.Register(reg, KindText, asset.DecoderFunc[string](decodeText)),
		asset.Register(reg, KindYAML, treeDecoder(KindYAML)),
		asset.Register(reg, KindJSONC, treeDecoder(KindJSONC)),
		asset.Register(reg, KindCBOR, treeDecoder(KindCBOR)),
		asset.Register(reg, KindBundle, asset.DecoderFunc[*Manifest](decodeBundle)),
	)
}

func decodeBytes(_ context.Context, r io.Reader, _ asset.Recipe[*Blob], _ asset.Resolver) (*asset.Capsule[*Blob], error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return asset.Keep(&Blob{Data: data, Digest: digest.FromBytes(data)}), nil
}

func decodeText(_ context.Context, r io.Reader, _ asset.Recipe[string], _ asset.Resolver) (*asset.Capsule[string], error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, ErrInvalidText
	}
	return asset.Keep(string(data)), nil
}

func treeDecoder(kind asset.Kind) asset.DecoderFunc[*Tree] {
	parse := parsers[kind]
	return func(_ context.Context, r io.Reader, _ asset.Recipe[*Tree], _ asset.Resolver) (*asset.Capsule[*Tree], error) {
		t, err := parse(r)
		if err != nil {
			return nil, err
		}
		return asset.Keep(t), nil
	}
}

// parserFor returns the tree parser for a carrier recipe.
func parserFor(carrier asset.Recipe[*Tree]) (func(io.Reader) (*Tree, error), error) {
	if carrier == nil {
		return parseYAML, nil
	}
	parse, ok := parsers[carrier.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: no tree parser for carrier kind %s", asset.ErrUnsupportedRecipe, carrier.Kind())
	}
	return parse, nil
}
