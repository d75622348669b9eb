package module

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/internal/testkernels"
	"github.com/chazu/kernelize/pkg/codegen"
)

func openStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCache_Memory(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil)
	_, err := c.Lookup(ctx, "nope")
	require.ErrorIs(t, err, ErrNotCached)

	var p Packager
	m, err := p.Translate(ctx, testkernels.Reader(t, "basic"), emulated(codegen.CUDA))
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "k", m))

	got, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Same(t, m, got)
	got, err = c.Get(ctx, m.ChecksumHex())
	require.NoError(t, err)
	assert.Same(t, m, got)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "basic", recs[0].Name)

	require.NoError(t, c.Invalidate(ctx, m.ChecksumHex()))
	_, err = c.Lookup(ctx, "k")
	require.ErrorIs(t, err, ErrNotCached)
}

func TestCache_SQLitePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "modules.db")

	var p Packager
	m, err := p.Translate(ctx, testkernels.Reader(t, "shared"), emulated(codegen.OpenCL))
	require.NoError(t, err)

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	first := NewCache(s)
	require.NoError(t, first.Put(ctx, "shared-key", m))
	require.NoError(t, first.Close())

	second := NewCache(openStore(t, path))
	got, err := second.Lookup(ctx, "shared-key")
	require.NoError(t, err)
	assert.Equal(t, m.Checksum, got.Checksum)
	assert.Equal(t, m.Source, got.Source)

	recs, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, m.ChecksumHex(), recs[0].Checksum)
	assert.Equal(t, "opencl", recs[0].Dialect)

	require.NoError(t, second.Clear(ctx))
	_, err = second.Lookup(ctx, "shared-key")
	require.ErrorIs(t, err, ErrNotCached)
}

func TestObtain_ReusesAndRetranslates(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "modules.db"))
	p := Packager{Cache: NewCache(store)}
	req := emulated(codegen.CUDA)

	first, err := p.Obtain(ctx, testkernels.Reader(t, "basic"), req)
	require.NoError(t, err)
	again, err := p.Obtain(ctx, testkernels.Reader(t, "basic"), req)
	require.NoError(t, err)
	assert.Same(t, first, again)

	changed, err := p.Obtain(ctx, mutatedBasic(t), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Checksum, changed.Checksum)

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1, "stale module dropped")
	assert.Equal(t, changed.ChecksumHex(), recs[0].Checksum)

	// A fresh cache over the same store serves the rebuilt module.
	p2 := Packager{Cache: NewCache(store)}
	got, err := p2.Obtain(ctx, mutatedBasic(t), req)
	require.NoError(t, err)
	assert.Equal(t, changed.Checksum, got.Checksum)
}
