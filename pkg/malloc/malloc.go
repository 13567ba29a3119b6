// Package malloc is a general-purpose allocator built on a two-tier arena
// scheme: small requests are carved out of shared, many-block arenas with
// a first-fit free list, and large requests each get a dedicated mapping.
// See [github.com/flier/malloc/pkg/varena] for the arena mechanics.
package malloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flier/malloc/internal/debug"
	"github.com/flier/malloc/pkg/varena"
)

// ErrInvalidArgument is returned when a caller passes a malformed size or
// alignment, e.g. a non-power-of-two alignment.
var ErrInvalidArgument = errors.New("malloc: invalid argument")

// ErrOutOfMemory is returned when the operating system refuses to hand
// back more pages. Equivalent to [varena.ErrOutOfMemory].
var ErrOutOfMemory = varena.ErrOutOfMemory

// Heap is an independent allocator instance: a set of small arenas, a set
// of big arenas, and the mutex serializing access to both. The package
// functions ([Malloc], [Free], ...) operate on a shared default Heap;
// most programs need only that one, but tests and embedders that want
// isolation can construct their own.
type Heap struct {
	mu      sync.Mutex
	small   varena.SmallList
	big     varena.BigList
	reclaim bool
}

// NewHeap returns an empty Heap.
func NewHeap() *Heap { return &Heap{} }

// SetReclaimEmptyArenas controls whether a small arena left entirely free
// after a [Heap.Free] is unmapped immediately. Off by default: arenas are
// cheap to keep warm and reclaiming them eagerly just to remap them on the
// next allocation is usually a poor trade outside of long-lived,
// bursty-then-idle processes.
func (h *Heap) SetReclaimEmptyArenas(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reclaim = on
}

// tier returns which arena kind should serve a request of payload bytes
// aligned to align.
func (h *Heap) tier(align, payload uintptr) bool /* isBig */ {
	worstCase := varena.RequiredSize(payload)
	if align > varena.Align {
		worstCase += align
	}
	return worstCase > varena.ArenaMaxFreeFirstBlockSize()
}

// Malloc allocates size bytes with default alignment. Returns
// [ErrOutOfMemory] if the request cannot be satisfied.
func (h *Heap) Malloc(size uintptr) (uintptr, error) {
	return h.AlignedAlloc(varena.Align, size)
}

// AlignedAlloc allocates size bytes aligned to align, which must be a
// power of two and a multiple of the machine word size. Returns
// [ErrInvalidArgument] if align fails either check, or [ErrOutOfMemory]
// if the request cannot be satisfied.
func (h *Heap) AlignedAlloc(align, size uintptr) (uintptr, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidArgument, align)
	}
	if align%varena.WordSize != 0 {
		return 0, fmt.Errorf("%w: alignment %d is not a multiple of the machine word size", ErrInvalidArgument, align)
	}
	if size == 0 {
		return 0, nil
	}
	if align < varena.Align {
		align = varena.Align
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.allocateLocked(align, size)
}

// allocateLocked is AlignedAlloc's body, for callers that already hold h.mu.
func (h *Heap) allocateLocked(align, size uintptr) (uintptr, error) {
	if h.tier(align, size) {
		return varena.AllocateBig(&h.big, align, size)
	}
	return varena.AllocateSmall(&h.small, align, size)
}

// Calloc allocates an array of n elements of eltSize bytes each, zeroed.
// Returns [ErrOutOfMemory] if the product overflows uintptr.
func (h *Heap) Calloc(n, eltSize uintptr) (uintptr, error) {
	if eltSize != 0 && n > ^uintptr(0)/eltSize {
		return 0, fmt.Errorf("%w: %d*%d overflows", ErrOutOfMemory, n, eltSize)
	}

	size := n * eltSize

	addr, err := h.Malloc(size)
	if err != nil || addr == 0 {
		return addr, err
	}

	varena.Zero(addr, size)

	return addr, nil
}

// Free releases the block or region at addr, which must have come from
// this Heap and not already be freed. Freeing the zero address is a no-op.
func (h *Heap) Free(addr uintptr) error {
	if addr == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if arena := h.small.Find(addr); arena != nil {
		return varena.DeallocateSmall(&h.small, arena, addr, h.reclaim)
	}
	if arena := h.big.Find(addr); arena != nil {
		return varena.DeallocateBig(&h.big, arena)
	}

	debug.Log(nil, "Free", "address %#x does not belong to this heap", addr)
	return fmt.Errorf("%w: address %#x does not belong to this heap", ErrInvalidArgument, addr)
}

// Realloc resizes the allocation at addr to newSize bytes, preserving its
// contents up to the smaller of the old and new sizes, and returns the
// (possibly different) address of the resized allocation. Calling with
// addr == 0 behaves like [Heap.Malloc].
func (h *Heap) Realloc(addr, newSize uintptr) (uintptr, error) {
	if addr == 0 {
		return h.Malloc(newSize)
	}
	if newSize == 0 {
		return 0, h.Free(addr)
	}
	if newSize < varena.Align {
		// Just in case someone tried to shrink below the block minimum.
		newSize = varena.Align
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if arena := h.small.Find(addr); arena != nil {
		return h.reallocSmall(arena, addr, newSize)
	}
	if arena := h.big.Find(addr); arena != nil {
		return h.reallocBig(arena, addr, newSize)
	}

	return 0, fmt.Errorf("%w: address %#x does not belong to this heap", ErrInvalidArgument, addr)
}

func (h *Heap) reallocSmall(arena *varena.Small, addr, newSize uintptr) (uintptr, error) {
	cur := varena.UsableSizeSmall(addr)

	switch {
	case newSize <= cur:
		varena.ShrinkSmall(arena, addr, newSize)
		return addr, nil
	case varena.ExpandSmall(arena, addr, newSize):
		return addr, nil
	default:
		newAddr, err := h.allocateLocked(varena.Align, newSize)
		if err != nil {
			return 0, err
		}
		varena.CopyOut(newAddr, addr, cur)
		if err := varena.DeallocateSmall(&h.small, arena, addr, h.reclaim); err != nil {
			return 0, err
		}
		return newAddr, nil
	}
}

func (h *Heap) reallocBig(arena *varena.Big, addr, newSize uintptr) (uintptr, error) {
	if newSize <= varena.ArenaMaxFreeFirstBlockSize() {
		// Demote to the small tier: allocate small, copy, release the big
		// mapping. Avoids pinning a whole page mapping for a shrink that
		// made the allocation small-tier sized.
		cur := arena.DataSize()
		newAddr, err := varena.AllocateSmall(&h.small, varena.Align, newSize)
		if err != nil {
			return 0, err
		}
		n := cur
		if newSize < n {
			n = newSize
		}
		varena.CopyOut(newAddr, addr, n)
		if err := varena.DeallocateBig(&h.big, arena); err != nil {
			return 0, err
		}
		return newAddr, nil
	}

	grown, err := varena.ReallocBig(&h.big, arena, newSize)
	if err != nil {
		return 0, err
	}
	return grown.DataAddr(), nil
}

// UsableSize returns the number of bytes actually usable at addr, which
// may exceed the size it was allocated or last resized to.
func (h *Heap) UsableSize(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.small.Find(addr) != nil {
		return varena.UsableSizeSmall(addr)
	}
	if arena := h.big.Find(addr); arena != nil {
		return arena.DataSize()
	}

	return 0
}

var defaultHeap = NewHeap()

// SetReclaimEmptyArenas controls the default Heap's empty-arena reclaim
// policy. See [Heap.SetReclaimEmptyArenas].
func SetReclaimEmptyArenas(on bool) { defaultHeap.SetReclaimEmptyArenas(on) }

// Malloc allocates size bytes from the default Heap. See [Heap.Malloc].
func Malloc(size uintptr) (uintptr, error) { return defaultHeap.Malloc(size) }

// AlignedAlloc allocates from the default Heap. See [Heap.AlignedAlloc].
func AlignedAlloc(align, size uintptr) (uintptr, error) { return defaultHeap.AlignedAlloc(align, size) }

// Calloc allocates from the default Heap. See [Heap.Calloc].
func Calloc(n, eltSize uintptr) (uintptr, error) { return defaultHeap.Calloc(n, eltSize) }

// Free releases addr back to the default Heap. See [Heap.Free].
func Free(addr uintptr) error { return defaultHeap.Free(addr) }

// Realloc resizes addr on the default Heap. See [Heap.Realloc].
func Realloc(addr, newSize uintptr) (uintptr, error) { return defaultHeap.Realloc(addr, newSize) }

// UsableSize reports addr's usable size on the default Heap. See
// [Heap.UsableSize].
func UsableSize(addr uintptr) uintptr { return defaultHeap.UsableSize(addr) }
