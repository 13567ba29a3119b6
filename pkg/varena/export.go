package varena

import "unsafe"

// SmallList is the exported name for a heap's collection of small arenas.
// Its zero value is an empty list ready to use.
type SmallList = smallList

// BigList is the exported name for a heap's collection of big arenas. Its
// zero value is an empty list ready to use.
type BigList = bigList

// RequiredSize returns the total bytes a block needs to hold payload
// bytes, tags included.
func RequiredSize(payload uintptr) uintptr { return requiredSize(payload) }

// ArenaMaxFreeFirstBlockSize returns the largest payload a single block can
// ever have in a freshly mapped small arena, used by tier selection to
// decide whether a request belongs in the small or big tier.
func ArenaMaxFreeFirstBlockSize() uintptr { return arenaMaxFreeFirstBlockSize }

// Find returns the small arena owning addr, or nil.
func (l *smallList) Find(addr uintptr) *Small { return l.find(addr) }

// Find returns the big arena owning addr, or nil.
func (l *bigList) Find(addr uintptr) *Big { return l.find(addr) }

// TotalFreeSize sums free payload bytes across every arena in the list.
func (l *smallList) TotalFreeSize() uintptr { return l.totalFreeSize() }

// DataAddr returns the address of b's data.
func (b *Big) DataAddr() uintptr { return b.dataAddr }

// DataSize returns the current usable size of b's data.
func (b *Big) DataSize() uintptr { return b.dataSize }

// AllocateSmall satisfies a small-tier request. See the unexported
// allocateSmall for the mechanics.
func AllocateSmall(small *SmallList, align, payload uintptr) (uintptr, error) {
	return allocateSmall(small, align, payload)
}

// DeallocateSmall frees the block owning addr. See deallocateSmall.
func DeallocateSmall(small *SmallList, arena *Small, addr uintptr, reclaim bool) error {
	return deallocateSmall(small, arena, addr, reclaim)
}

// ShrinkSmall truncates the block owning addr to newPayload bytes.
func ShrinkSmall(arena *Small, addr, newPayload uintptr) { shrinkSmall(arena, addr, newPayload) }

// ExpandSmall grows the block owning addr to newPayload bytes in place.
func ExpandSmall(arena *Small, addr, newPayload uintptr) bool { return expandSmall(arena, addr, newPayload) }

// UsableSizeSmall returns the usable payload size of the block owning addr.
func UsableSizeSmall(addr uintptr) uintptr { return usableSizeSmall(addr) }

// AllocateBig maps a fresh dedicated region. See allocateBig.
func AllocateBig(big *BigList, align, payload uintptr) (uintptr, error) {
	return allocateBig(big, align, payload)
}

// DeallocateBig unmaps and unlinks arena.
func DeallocateBig(big *BigList, arena *Big) error { return deallocateBig(big, arena) }

// ReallocBig resizes arena to newPayload bytes. See reallocBig.
func ReallocBig(big *BigList, arena *Big, newPayload uintptr) (*Big, error) {
	return reallocBig(big, arena, newPayload)
}

// Zero zeroes n bytes starting at addr.
func Zero(addr, n uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n) //nolint:govet
	clear(b)
}

// CopyOut copies exactly n bytes from src to dst, where both are raw
// addresses previously handed out by this package.
func CopyOut(dst, src, n uintptr) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n) //nolint:govet
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n) //nolint:govet
	copy(d, s)
}
