package asset

// Kind discriminates recipes. It selects the decoder and is the type tag
// half of a cache key: each registered kind produces exactly one Go type.
type Kind string

func (k Kind) String() string { return string(k) }

// AnyRecipe is the type-erased view of a Recipe.
type AnyRecipe interface {
	Kind() Kind
}

// Recipe describes what to produce (T) and how (the recipe's own fields).
//
// Recipes are pure descriptions: they never hold streams or decoded state
// and can be shared freely. Types outside this package implement Recipe by
// embedding Produces:
//
//	type MeshRecipe struct {
//		asset.Produces[*Mesh]
//		Format string
//	}
//
//	func (MeshRecipe) Kind() asset.Kind { return "mesh" }
type Recipe[T any] interface {
	AnyRecipe
	produces(T)
}

// Produces binds a recipe to its output type. Embed it in recipe structs.
type Produces[T any] struct{}

func (Produces[T]) produces(T) {}

// Of returns a parameterless recipe of the given kind producing T.
func Of[T any](kind Kind) Recipe[T] {
	return simple[T]{kind: kind}
}

type simple[T any] struct {
	Produces[T]
	kind Kind
}

func (r simple[T]) Kind() Kind { return r.kind }

// Key identifies a cache slot: a name decoded as a kind. The same name
// under two kinds is two independent keys.
type Key struct {
	Name string
	Kind Kind
}

// KeyOf returns the key for loading name with recipe.
func KeyOf(name string, recipe AnyRecipe) Key {
	return Key{Name: name, Kind: recipe.Kind()}
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Name
}
