package varena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSmallGrowsArenaOnDemand(t *testing.T) {
	var list smallList

	addr, err := allocateSmall(&list, Align, 64)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.NotNil(t, list.head)
	assert.Equal(t, list.head, list.tail)

	t.Cleanup(func() { _ = list.head.region.Unmap() })
}

func TestAllocateSmallReusesFreedSpace(t *testing.T) {
	var list smallList

	a1, err := allocateSmall(&list, Align, 64)
	require.NoError(t, err)
	a2, err := allocateSmall(&list, Align, 64)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)

	arena := list.Find(a1)
	require.NotNil(t, arena)
	require.NoError(t, deallocateSmall(&list, arena, a1, false))

	a3, err := allocateSmall(&list, Align, 64)
	require.NoError(t, err)
	assert.Equal(t, a1, a3, "first-fit should reuse the freed block")

	t.Cleanup(func() { _ = list.head.region.Unmap() })
}

func TestDeallocateSmallReclaimsEmptyArena(t *testing.T) {
	var list smallList

	addr, err := allocateSmall(&list, Align, 64)
	require.NoError(t, err)

	arena := list.Find(addr)
	require.NotNil(t, arena)

	require.NoError(t, deallocateSmall(&list, arena, addr, true))
	assert.Nil(t, list.head, "the now-empty arena should have been unmapped and unlinked")
}

func TestDeallocateSmallKeepsArenaByDefault(t *testing.T) {
	var list smallList

	addr, err := allocateSmall(&list, Align, 64)
	require.NoError(t, err)

	arena := list.Find(addr)
	require.NotNil(t, arena)

	require.NoError(t, deallocateSmall(&list, arena, addr, false))
	assert.NotNil(t, list.head, "arenas stay mapped unless reclaim is enabled")

	t.Cleanup(func() { _ = list.head.region.Unmap() })
}
