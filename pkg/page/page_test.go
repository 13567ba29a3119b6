package page_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/malloc/pkg/page"
)

func TestSize(t *testing.T) {
	t.Parallel()

	sz := page.Size()
	assert.Greater(t, sz, 0)
	assert.Zero(t, sz&(sz-1), "page size must be a power of two")
}

func TestAlignUp(t *testing.T) {
	t.Parallel()

	sz := uintptr(page.Size())
	assert.Equal(t, sz, page.AlignUp(1))
	assert.Equal(t, sz, page.AlignUp(sz))
	assert.Equal(t, 2*sz, page.AlignUp(sz+1))
	assert.Equal(t, uintptr(0), page.AlignUp(0))
}

func TestMapUnmap(t *testing.T) {
	t.Parallel()

	r, err := page.Map(1)
	require.NoError(t, err)
	assert.True(t, page.Aligned(r.Len()))
	assert.True(t, page.Aligned(r.Addr()))
	assert.GreaterOrEqual(t, r.Len(), uintptr(1))

	b := r.Bytes()
	for _, c := range b {
		assert.Zero(t, c)
	}

	b[0] = 0xFF
	b[len(b)-1] = 0xFF

	assert.NoError(t, r.Unmap())
}

func TestMapMultiplePages(t *testing.T) {
	t.Parallel()

	sz := uintptr(page.Size())
	r, err := page.Map(sz + 1)
	require.NoError(t, err)
	defer func() { assert.NoError(t, r.Unmap()) }()

	assert.Equal(t, 2*sz, r.Len())
}

func TestUnmapSuffix(t *testing.T) {
	t.Parallel()

	sz := uintptr(page.Size())
	r, err := page.Map(4 * sz)
	require.NoError(t, err)

	require.NoError(t, r.UnmapSuffix(2*sz))
	r = r.Shrink(2 * sz)
	assert.Equal(t, 2*sz, r.Len())

	assert.NoError(t, r.Unmap())
}
