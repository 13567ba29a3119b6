package varena

import (
	"unsafe"

	"github.com/flier/malloc/pkg/xunsafe"
)

// allocateBig maps a fresh region dedicated to a single payload-byte
// allocation aligned to align, and links it into big.
func allocateBig(big *bigList, align, payload uintptr) (uintptr, error) {
	arena, err := newBig(align, payload)
	if err != nil {
		return 0, err
	}

	big.pushBack(arena)

	return arena.dataAddr, nil
}

// deallocateBig unmaps and unlinks arena. The caller must already have
// located arena via the heap's pointer lookup.
func deallocateBig(big *bigList, arena *Big) error {
	big.remove(arena)
	return arena.unmap()
}

// reallocBig resizes arena to newPayload bytes, returning the (possibly
// different) arena backing the data afterwards. On growth a new region is
// mapped, the live bytes copied over, and the old region unmapped; the
// caller must replace its bookkeeping with the returned arena rather than
// reusing the old pointer.
func reallocBig(big *bigList, arena *Big, newPayload uintptr) (*Big, error) {
	switch {
	case newPayload > arena.dataSize:
		grown, err := newBig(Align, newPayload)
		if err != nil {
			return nil, err
		}

		xunsafe.Copy(
			(*byte)(unsafe.Pointer(grown.dataAddr)), //nolint:govet
			(*byte)(unsafe.Pointer(arena.dataAddr)),  //nolint:govet
			arena.dataSize,
		)

		big.remove(arena)
		if err := arena.unmap(); err != nil {
			return nil, err
		}
		big.pushBack(grown)

		return grown, nil

	case newPayload == arena.dataSize:
		return arena, nil

	default:
		base := arena.region.Addr()
		cutAddr := pageAlignUpAddr(arena.dataAddr + newPayload)
		offset := cutAddr - base

		if offset < arena.region.Len() {
			if err := arena.region.UnmapSuffix(offset); err != nil {
				return nil, err
			}
			arena.region = arena.region.Shrink(offset)
		}

		// Unlike the buggy original, datasize is always kept in sync with
		// the shrunk region so UsableSize reflects reality.
		arena.dataSize = newPayload

		return arena, nil
	}
}

func pageAlignUpAddr(addr uintptr) uintptr {
	sz := uintptr(pageSizeFn())
	return (addr + sz - 1) &^ (sz - 1)
}
