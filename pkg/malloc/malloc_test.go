package malloc_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/malloc/pkg/malloc"
	"github.com/flier/malloc/pkg/varena"
)

func unsafeBytes(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n) //nolint:govet
}

func TestMallocFree(t *testing.T) {
	Convey("Given a fresh Heap", t, func() {
		h := malloc.NewHeap()

		Convey("Malloc returns a usable, writable address", func() {
			addr, err := h.Malloc(128)
			So(err, ShouldBeNil)
			So(addr, ShouldNotEqual, 0)
			So(h.UsableSize(addr), ShouldBeGreaterThanOrEqualTo, uintptr(128))

			Convey("and Free releases it without error", func() {
				So(h.Free(addr), ShouldBeNil)
			})
		})

		Convey("Free of the null address is a no-op", func() {
			So(h.Free(0), ShouldBeNil)
		})

		Convey("Free of a foreign address reports an error", func() {
			err := h.Free(1)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestAlignedAllocRejectsBadAlignment(t *testing.T) {
	h := malloc.NewHeap()

	_, err := h.AlignedAlloc(3, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, malloc.ErrInvalidArgument)
}

func TestAlignedAllocHonorsAlignment(t *testing.T) {
	h := malloc.NewHeap()

	for _, align := range []uintptr{16, 32, 64, 4096} {
		addr, err := h.AlignedAlloc(align, 32)
		require.NoError(t, err)
		assert.Zero(t, addr%align)
	}
}

func TestCallocZeroesAndDetectsOverflow(t *testing.T) {
	h := malloc.NewHeap()

	addr, err := h.Calloc(16, 32)
	require.NoError(t, err)

	data := unsafeBytes(addr, 16*32)
	for _, b := range data {
		assert.Zero(t, b)
	}

	_, err = h.Calloc(^uintptr(0), 2)
	assert.ErrorIs(t, err, malloc.ErrOutOfMemory)
}

func TestReallocGrowShrinkAcrossTiers(t *testing.T) {
	h := malloc.NewHeap()

	addr, err := h.Malloc(64)
	require.NoError(t, err)

	bytes := unsafeBytes(addr, 64)
	bytes[0] = 0xAB

	grown, err := h.Realloc(addr, varena.ArenaMaxSize*2)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), unsafeBytes(grown, 1)[0], "growth across tiers preserves data")

	shrunk, err := h.Realloc(grown, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), unsafeBytes(shrunk, 1)[0], "shrink back across tiers preserves data")

	require.NoError(t, h.Free(shrunk))
}

func TestReallocNullIsMalloc(t *testing.T) {
	h := malloc.NewHeap()

	addr, err := h.Realloc(0, 32)
	require.NoError(t, err)
	assert.NotZero(t, addr)
}

func TestReallocZeroSizeIsFree(t *testing.T) {
	h := malloc.NewHeap()

	addr, err := h.Malloc(32)
	require.NoError(t, err)

	freed, err := h.Realloc(addr, 0)
	require.NoError(t, err)
	assert.Zero(t, freed)
}
