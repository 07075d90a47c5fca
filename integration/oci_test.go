//go:build integration

package integration

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/asset"
	"github.com/meigma/asset/cache"
	"github.com/meigma/asset/decode"
	"github.com/meigma/asset/source"
	"github.com/meigma/asset/source/disk"
	"github.com/meigma/asset/source/oci"
)

func newResolver(tb testing.TB, src asset.Source) *cache.Resolver {
	tb.Helper()

	reg := asset.NewRegistry()
	require.NoError(tb, decode.Register(reg))
	res := cache.New(asset.NewLoader(src, reg))
	tb.Cleanup(func() { _ = res.Close() })
	return res
}

func TestOCI_LoadThroughCache(t *testing.T) {
	t.Parallel()

	ref := testRef(getRegistry(t), "load", "v1")
	pushAssets(t, ref,
		oci.File{Name: "motd.txt", Data: []byte("hello registry")},
		oci.File{Name: "config/app.yaml", Data: []byte("name: app\nport: 8080\n")},
		oci.File{Name: "bundle.yaml", Data: []byte("assets:\n  - name: motd.txt\n    kind: text\n  - name: config/app.yaml\n    kind: yaml\n")},
	)

	src, err := oci.NewRemote(ref, oci.WithPlainHTTP(true))
	require.NoError(t, err)

	names, err := src.Names(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"bundle.yaml", "config/app.yaml", "motd.txt"}, names)

	res := newResolver(t, src)
	ctx := t.Context()

	motd, err := asset.Get(ctx, res, "motd.txt", decode.Text)
	require.NoError(t, err)
	assert.Equal(t, "hello registry", motd)

	tree, err := asset.Get(ctx, res, "config/app.yaml", decode.YAML)
	require.NoError(t, err)
	port, ok := tree.Lookup("port")
	require.True(t, ok)
	assert.Equal(t, 8080, port)

	m, err := asset.Get(ctx, res, "bundle.yaml", decode.Bundle)
	require.NoError(t, err)
	require.Len(t, m.Members, 2)

	_, found, err := asset.TryLoad(ctx, res, "missing.txt", decode.Text)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 3, res.Len())
}

func TestOCI_MissingArtifactIsAnError(t *testing.T) {
	t.Parallel()

	src, err := oci.NewRemote(testRef(getRegistry(t), "absent", "v1"), oci.WithPlainHTTP(true))
	require.NoError(t, err)

	_, err = src.Open(t.Context(), "motd.txt")
	require.Error(t, err)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
}

func TestOCI_ChainFallsBackToRegistry(t *testing.T) {
	t.Parallel()

	ref := testRef(getRegistry(t), "chain", "v1")
	pushAssets(t, ref, oci.File{Name: "remote.txt", Data: []byte("from registry")})

	remote, err := oci.NewRemote(ref, oci.WithPlainHTTP(true))
	require.NoError(t, err)

	local := source.NewFS(fstest.MapFS{"local.txt": {Data: []byte("from disk")}})
	store, err := disk.New(t.TempDir())
	require.NoError(t, err)
	res := newResolver(t, source.NewChain(local, source.NewMirror(remote, store)))

	for name, want := range map[string]string{"local.txt": "from disk", "remote.txt": "from registry"} {
		got, err := asset.Get(t.Context(), res, name, decode.Text)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}
	assert.True(t, store.Has(source.MirrorKey("remote.txt")))
	assert.False(t, store.Has(source.MirrorKey("local.txt")))
}
