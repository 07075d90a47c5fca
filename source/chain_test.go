package source_test

import (
	"context"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/asset"
	"github.com/meigma/asset/internal/testutil"
	"github.com/meigma/asset/source"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestChain_OpenFirstMatch(t *testing.T) {
	t.Parallel()

	first := testutil.NewMapSource(map[string][]byte{"a.txt": []byte("first")})
	second := testutil.NewMapSource(map[string][]byte{
		"a.txt": []byte("second"),
		"b.txt": []byte("only second"),
	})
	chain := source.NewChain(first, nil, second)
	assert.Equal(t, 2, chain.Len())

	rc, err := chain.Open(t.Context(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "first", readAll(t, rc))
	assert.Equal(t, 0, second.Opens("a.txt"))

	rc, err = chain.Open(t.Context(), "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "only second", readAll(t, rc))
}

func TestChain_OpenMissing(t *testing.T) {
	t.Parallel()

	chain := source.NewChain(testutil.NewMapSource(nil))
	_, err := chain.Open(t.Context(), "missing")
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = source.NewChain().Open(t.Context(), "missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestChain_OpenStopsOnFailure(t *testing.T) {
	t.Parallel()

	broken := testutil.NewMapSource(nil)
	broken.Fail("a.txt", testutil.ErrSourceDown)
	fallback := testutil.NewMapSource(map[string][]byte{"a.txt": []byte("fallback")})

	_, err := source.NewChain(broken, fallback).Open(t.Context(), "a.txt")
	require.ErrorIs(t, err, testutil.ErrSourceDown)
	assert.Equal(t, 0, fallback.Opens("a.txt"))
}

func TestChain_OpenAll(t *testing.T) {
	t.Parallel()

	a := testutil.NewMapSource(map[string][]byte{"x": []byte("a")})
	b := testutil.NewMapSource(nil)
	c := testutil.NewMapSource(map[string][]byte{"x": []byte("c")})
	d := testutil.NewMapSource(map[string][]byte{"x": []byte("d")})
	broken := testutil.NewMapSource(nil)
	broken.Fail("x", testutil.ErrSourceDown)

	chain := source.NewChain(a, b, testutil.MultiMapSource{c, d}, broken)

	var got []string
	var errs []error
	for rc, err := range chain.OpenAll(t.Context(), "x") {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, readAll(t, rc))
	}
	assert.Equal(t, []string{"a", "c", "d"}, got)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], testutil.ErrSourceDown)
}

func TestChain_OpenAllStopsEarly(t *testing.T) {
	t.Parallel()

	a := testutil.NewMapSource(map[string][]byte{"x": []byte("a")})
	b := testutil.NewMapSource(map[string][]byte{"x": []byte("b")})
	chain := source.NewChain(a, b)

	for rc, err := range chain.OpenAll(t.Context(), "x") {
		require.NoError(t, err)
		rc.Close()
		break
	}
	assert.Equal(t, 1, a.Opens("x"))
	assert.Equal(t, 0, b.Opens("x"))
}

func TestChain_NestedChainIsMultiSource(t *testing.T) {
	t.Parallel()

	inner := source.NewChain(
		testutil.NewMapSource(map[string][]byte{"x": []byte("1")}),
		testutil.NewMapSource(map[string][]byte{"x": []byte("2")}),
	)
	outer := source.NewChain(inner, testutil.NewMapSource(map[string][]byte{"x": []byte("3")}))

	var got []string
	for rc, err := range outer.OpenAll(t.Context(), "x") {
		require.NoError(t, err)
		got = append(got, readAll(t, rc))
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestSourceFunc(t *testing.T) {
	t.Parallel()

	var seen string
	src := asset.SourceFunc(func(_ context.Context, name string) (io.ReadCloser, error) {
		seen = name
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	})
	_, err := source.NewChain(src).Open(t.Context(), "probe")
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, "probe", seen)
}
