package decode

import (
	"context"
	"fmt"
	"io"

	"github.com/meigma/asset"
)

// Config is a recipe producing *O from a structured document.
//
// The carrier recipe names the document format (YAML, JSONC or CBOR); the
// parsed tree is then decoded into O with Tree.Decode. If *O has a
// Validate() error method it is called before the value is published.
type Config[O any] struct {
	asset.Produces[*O]
	kind asset.Kind

	// Carrier selects the document format. Nil means YAML.
	Carrier asset.Recipe[*Tree]
}

// NewConfig returns a config recipe of the given kind, which must have
// been registered with RegisterConfig[O].
func NewConfig[O any](kind asset.Kind, carrier asset.Recipe[*Tree]) Config[O] {
	return Config[O]{kind: kind, Carrier: carrier}
}

// Kind implements asset.Recipe.
func (c Config[O]) Kind() asset.Kind {
	return c.kind
}

type validator interface {
	Validate() error
}

// RegisterConfig registers a decoder producing *O under kind.
func RegisterConfig[O any](reg *asset.Registry, kind asset.Kind) error {
	return asset.Register(reg, kind, asset.DecoderFunc[*O](decodeConfig[O]))
}

func decodeConfig[O any](_ context.Context, r io.Reader, recipe asset.Recipe[*O], _ asset.Resolver) (*asset.Capsule[*O], error) {
	var carrier asset.Recipe[*Tree]
	if c, ok := recipe.(Config[O]); ok {
		carrier = c.Carrier
	}
	parse, err := parserFor(carrier)
	if err != nil {
		return nil, err
	}
	tree, err := parse(r)
	if err != nil {
		return nil, err
	}

	out := new(O)
	if err := tree.Decode(out); err != nil {
		return nil, err
	}
	if v, ok := any(out).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("validate: %w", err)
		}
	}
	return asset.Keep(out), nil
}
