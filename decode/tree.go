package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/meigma/asset"
)

// Tree is a parsed structured document: nested map[string]any, []any and
// scalar values, whatever the source format.
type Tree struct {
	root any
}

// NewTree wraps an already-parsed value.
func NewTree(root any) *Tree {
	return &Tree{root: root}
}

// Root returns the top-level value. It is nil for an empty document.
func (t *Tree) Root() any {
	return t.root
}

// Lookup walks path through nested maps and lists. List elements are
// addressed by their decimal index.
func (t *Tree) Lookup(path ...string) (any, bool) {
	cur := t.root
	for _, p := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = next
		case map[any]any:
			next, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Sub returns the subtree at path.
func (t *Tree) Sub(path ...string) (*Tree, bool) {
	v, ok := t.Lookup(path...)
	if !ok {
		return nil, false
	}
	return NewTree(v), true
}

// Decode maps the tree onto v, which must be a pointer. Struct fields are
// matched by their yaml tags, or by lowercased field name when untagged.
func (t *Tree) Decode(v any) error {
	var node yaml.Node
	if err := node.Encode(t.root); err != nil {
		return fmt.Errorf("decode: encode tree: %w", err)
	}
	if err := node.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

var parsers = map[asset.Kind]func(io.Reader) (*Tree, error){
	KindYAML:  parseYAML,
	KindJSONC: parseJSONC,
	KindCBOR:  parseCBOR,
}

func parseYAML(r io.Reader) (*Tree, error) {
	var root any
	if err := yaml.NewDecoder(r).Decode(&root); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return NewTree(root), nil
}

func parseJSONC(r io.Reader) (*Tree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = jsonc.ToJSON(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return NewTree(nil), nil
	}
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("jsonc: %w", err)
	}
	return NewTree(root), nil
}

var cborMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func parseCBOR(r io.Reader) (*Tree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return NewTree(nil), nil
	}
	var root any
	if err := cborMode.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("cbor: %w", err)
	}
	return NewTree(root), nil
}
