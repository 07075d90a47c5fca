package decode

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/meigma/asset"
)

// BundleRecipe loads a manifest listing other assets and loads each of
// them through the resolver the bundle itself is loaded with.
//
// The manifest is YAML:
//
//	assets:
//	  - name: config/app.yaml
//	    kind: yaml
//	  - name: textures/logo.png
//	    kind: bytes
//	    optional: true
//
// Members are loaded in order. Kinds resolve to the built-in recipes, plus
// any listed in Recipes. A missing member fails the bundle unless it is
// optional.
//
// Loaded through a plain *asset.Loader, the manifest owns its members and
// releasing it releases them in reverse load order. Any other resolver,
// such as a cache, keeps ownership of the members it returned.
type BundleRecipe struct {
	asset.Produces[*Manifest]

	// Recipes adds or overrides recipes by kind.
	Recipes map[asset.Kind]asset.AnyRecipe
}

// Kind implements asset.Recipe.
func (BundleRecipe) Kind() asset.Kind { return KindBundle }

func (b BundleRecipe) recipe(kind asset.Kind) (asset.AnyRecipe, bool) {
	if r, ok := b.Recipes[kind]; ok {
		return r, true
	}
	r, ok := builtinRecipes[kind]
	return r, ok
}

var builtinRecipes = map[asset.Kind]asset.AnyRecipe{
	KindBytes:  Bytes,
	KindText:   Text,
	KindYAML:   YAML,
	KindJSONC:  JSONC,
	KindCBOR:   CBOR,
	KindBundle: Bundle,
}

// ErrMissingMember indicates a required bundle member was not found.
var ErrMissingMember = errors.New("decode: bundle member not found")

// Manifest is a loaded bundle.
type Manifest struct {
	Members []Member
}

// Member is one loaded bundle entry. Handle is nil for an optional member
// that was not found.
type Member struct {
	Name   string
	Kind   asset.Kind
	Handle asset.Handle
}

// Lookup returns the member loaded for name.
func (m *Manifest) Lookup(name string) (Member, bool) {
	for _, member := range m.Members {
		if member.Name == name {
			return member, true
		}
	}
	return Member{}, false
}

// MemberValue returns the value of the member name if it was loaded with
// a recipe producing T.
func MemberValue[T any](m *Manifest, name string) (T, bool) {
	var zero T
	member, ok := m.Lookup(name)
	if !ok || member.Handle == nil {
		return zero, false
	}
	c, ok := member.Handle.(*asset.Capsule[T])
	if !ok {
		return zero, false
	}
	return c.Value(), true
}

type manifestFile struct {
	Assets []struct {
		Name     string     `yaml:"name"`
		Kind     asset.Kind `yaml:"kind"`
		Optional bool       `yaml:"optional"`
	} `yaml:"assets"`
}

func decodeBundle(ctx context.Context, r io.Reader, recipe asset.Recipe[*Manifest], res asset.Resolver) (*asset.Capsule[*Manifest], error) {
	b, _ := recipe.(BundleRecipe) //nolint:errcheck // other recipes of this kind get the built-ins only

	var file manifestFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("bundle manifest: %w", err)
	}

	_, owned := res.(*asset.Loader)
	m := &Manifest{Members: make([]Member, 0, len(file.Assets))}
	fail := func(err error) (*asset.Capsule[*Manifest], error) {
		if owned {
			_ = m.release() //nolint:errcheck // already failing
		}
		return nil, err
	}
	for _, entry := range file.Assets {
		if entry.Name == "" {
			return fail(errors.New("bundle manifest: member without name"))
		}
		kind := entry.Kind
		if kind == "" {
			kind = KindBytes
		}
		memberRecipe, ok := b.recipe(kind)
		if !ok {
			return fail(fmt.Errorf("%w: bundle member %q has unknown kind %s", asset.ErrUnsupportedRecipe, entry.Name, kind))
		}

		h, found, err := res.TryLoadAny(ctx, entry.Name, memberRecipe)
		if err != nil {
			return fail(fmt.Errorf("bundle member %q: %w", entry.Name, err))
		}
		if !found && !entry.Optional {
			return fail(fmt.Errorf("%w: %s:%s", ErrMissingMember, kind, entry.Name))
		}
		m.Members = append(m.Members, Member{Name: entry.Name, Kind: kind, Handle: h})
	}
	if owned {
		return asset.NewCapsule(m, m.release), nil
	}
	return asset.Keep(m), nil
}

// release releases every loaded member, last loaded first.
func (m *Manifest) release() error {
	var errs []error
	for i := len(m.Members) - 1; i >= 0; i-- {
		if h := m.Members[i].Handle; h != nil {
			if err := h.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", m.Members[i].Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
