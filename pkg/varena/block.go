// Package varena implements the two-tier arena allocator: small arenas
// hold many boundary-tagged blocks behind a first-fit free list, and big
// arenas each hold exactly one allocation. See [Small] and [Big].
//
// Blocks are laid out directly in mmap'd memory as a payload flanked by two
// identical signed machine-word tags: a positive tag means the block is
// free, a negative tag means it is allocated, and the magnitude is the
// payload size in bytes. A free block's payload doubles as the storage for
// its two-pointer intrusive free-list link, which is why the minimum
// payload size is [Align].
package varena

import (
	"unsafe"

	"github.com/flier/malloc/internal/debug"
	"github.com/flier/malloc/pkg/varena/invariant"
	"github.com/flier/malloc/pkg/xunsafe/layout"
)

const (
	// WordSize is the machine word size, 8 bytes on 64-bit platforms.
	WordSize = unsafe.Sizeof(uintptr(0))

	// TagSize is the size of a single boundary tag.
	TagSize = unsafe.Sizeof(int64(0))

	// Align is the alignment every block payload is placed at, and the
	// minimum payload size a block can have (its free-list link must fit
	// in it).
	Align = 2 * WordSize

	// minBlockTotal is the smallest total size (tags + payload) a block can
	// occupy.
	minBlockTotal = 2*TagSize + Align
)

func loadTag(addr uintptr) int64 {
	return *(*int64)(unsafe.Pointer(addr)) //nolint:govet
}

func storeTag(addr uintptr, v int64) {
	*(*int64)(unsafe.Pointer(addr)) = v //nolint:govet
}

func abs64(v int64) uintptr {
	if v < 0 {
		return uintptr(-v)
	}
	return uintptr(v)
}

// dataAddr returns the address of a block's payload.
func dataAddr(block uintptr) uintptr { return block + TagSize }

// payloadSize returns the (always non-negative) payload size of block.
func payloadSize(block uintptr) uintptr { return abs64(loadTag(block)) }

// isFree reports whether block is currently free.
func isFree(block uintptr) bool { return loadTag(block) > 0 }

// totalSize returns the block's footprint including both tags.
func totalSize(block uintptr) uintptr { return 2*TagSize + payloadSize(block) }

// setTag writes both boundary tags of block, encoding payload and state.
func setTag(block, payload uintptr, free bool) {
	v := int64(payload) //nolint:gosec
	if !free {
		v = -v
	}
	storeTag(block, v)
	storeTag(block+TagSize+payload, v)
}

func setAllocated(block uintptr) { setTag(block, payloadSize(block), false) }
func setFree(block uintptr)      { setTag(block, payloadSize(block), true) }

// checkFree and checkAllocated run the structural invariant checks over a
// single block. Both are no-ops outside of debug builds: the walk they
// guard is cheap (a handful of tag reads), but debug.Assert's own
// arguments are evaluated unconditionally by Go, so the invariant.* call
// itself must stay behind the debug.Enabled guard.
func checkFree(block uintptr) {
	if debug.Enabled {
		if err := invariant.FreeBlock(block); err != nil {
			debug.Assert(false, "%v", err)
		}
	}
}

func checkAllocated(block uintptr) {
	if debug.Enabled {
		if err := invariant.AllocatedBlock(block); err != nil {
			debug.Assert(false, "%v", err)
		}
	}
}

// hasPrev reports whether a block precedes block within its arena.
func hasPrev(block uintptr) bool { return loadTag(block-TagSize) != 0 }

// prevBlock returns the address of the block immediately before block.
// The caller must have checked [hasPrev] first.
func prevBlock(block uintptr) uintptr {
	tagAddr := block - TagSize
	return tagAddr - abs64(loadTag(tagAddr)) - TagSize
}

// hasNext reports whether a block follows block within its arena.
func hasNext(block uintptr) bool { return loadTag(block+totalSize(block)) != 0 }

// nextBlock returns the address of the block immediately after block. The
// caller must have checked [hasNext] first.
func nextBlock(block uintptr) uintptr { return block + totalSize(block) }

// free-list link, embedded in the first two words of a free block's payload.
func flPrev(block uintptr) uintptr { return *(*uintptr)(unsafe.Pointer(dataAddr(block))) }
func flNext(block uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(dataAddr(block) + WordSize))
}
func setFlPrev(block, v uintptr) { *(*uintptr)(unsafe.Pointer(dataAddr(block))) = v }
func setFlNext(block, v uintptr) { *(*uintptr)(unsafe.Pointer(dataAddr(block) + WordSize)) = v }

// requiredSize returns the total bytes a block needs to hold payload bytes.
func requiredSize(payload uintptr) uintptr {
	return 2*TagSize + layout.RoundUp(payload, Align)
}

// requiredPadding returns the size of the leading padding block needed so
// that, once peeled off block's front, the remainder's payload is aligned
// to align. Zero if block's payload is already aligned.
func requiredPadding(block, align uintptr) uintptr {
	if dataAddr(block)%align == 0 {
		return 0
	}

	target := layout.RoundUp(block+minBlockTotal+TagSize, align) - TagSize
	return target - block
}

// canFit reports whether a block of the given alignment and payload size
// can be carved out of block, after accounting for any leading padding
// block that alignment may require.
func canFit(block, align, payload uintptr) bool {
	debug.Assert(align >= Align, "alignment must be at least Align")

	total := totalSize(block)
	padding := requiredPadding(block, align)
	if padding > total {
		return false
	}
	remaining := total - padding

	return remaining >= 2*TagSize+payload
}

// findFreeFirstFit scans small in insertion order, and within each arena its
// free list in address order, returning the first block that can satisfy
// the request.
func findFreeFirstFit(small *smallList, align, payload uintptr) (*Small, uintptr) {
	for a := small.head; a != nil; a = a.next {
		for b := a.freeHead; b != 0; b = flNext(b) {
			if canFit(b, align, payload) {
				return a, b
			}
		}
	}
	return nil, 0
}

// splitFree splits a free block into a head of headTotal bytes and a tail
// holding the remainder, both left marked free. A headTotal of zero is a
// no-op that returns block unchanged.
func splitFree(block, headTotal uintptr) uintptr {
	debug.Assert(isFree(block), "splitFree: block must be free")
	debug.Assert(headTotal%Align == 0, "splitFree: headTotal must be Align-aligned")

	if headTotal == 0 {
		return block
	}

	total := totalSize(block)
	tail := block + headTotal

	setTag(block, headTotal-2*TagSize, true)
	setTag(tail, (total-headTotal)-2*TagSize, true)

	checkFree(block)
	checkFree(tail)

	return tail
}

// extract carves an allocation of payload bytes, aligned to align, out of
// the free block. It may split off a leading padding block and/or a
// trailing remainder, both reinserted into the arena's free list. The
// block returned still has its free bit set; the caller is responsible for
// removing it from the free list and marking it allocated.
func extract(a *Small, block, align, payload uintptr) uintptr {
	debug.Assert(isFree(block), "extract: block must be free")
	checkFree(block)

	total := totalSize(block)
	required := requiredSize(payload)
	padding := requiredPadding(block, align)
	remaining := total - padding
	trailing := remaining - required

	if padding > 0 {
		tail := splitFree(block, padding)
		a.insertAfter(block, tail)
		block = tail
	}

	if trailing >= minBlockTotal {
		tail := splitFree(block, required)
		a.insertAfter(block, tail)
	}

	return block
}

// coalesceForward merges block with its immediate successor, preserving
// block's free/allocated state. The successor must already have been
// removed from any free list it was on.
func coalesceForward(block uintptr) uintptr {
	free := isFree(block)
	next := nextBlock(block)

	newPayload := payloadSize(block) + totalSize(next)
	setTag(block, newPayload, free)

	return block
}

// deallocate marks block free and coalesces it with any free neighbors,
// leaving exactly one free block spanning the merged region in a's free
// list.
func deallocate(a *Small, block uintptr) {
	checkAllocated(block)

	setFree(block)

	var prev, next uintptr
	havePrev := hasPrev(block)
	haveNext := hasNext(block)
	if havePrev {
		prev = prevBlock(block)
	}
	if haveNext {
		next = nextBlock(block)
	}

	switch {
	case havePrev && isFree(prev):
		block = coalesceForward(prev)
		if haveNext && isFree(next) {
			a.remove(next)
			block = coalesceForward(block)
		}
	case haveNext && isFree(next):
		a.insertBefore(next, block)
		a.remove(next)
		block = coalesceForward(block)
	default:
		a.insertOrdered(block)
	}
}

// shrink truncates an allocated block to newPayload bytes in place and
// returns the reclaimed tail, marked allocated, for the caller to
// immediately deallocate. Returns ok=false if the reclaimable remainder is
// too small to form its own block, in which case block is untouched.
func shrink(block, newPayload uintptr) (tail uintptr, ok bool) {
	debug.Assert(payloadSize(block) >= newPayload, "shrink: newPayload must not grow the block")

	total := totalSize(block)
	required := requiredSize(newPayload)
	remaining := total - required

	if remaining < minBlockTotal {
		return 0, false
	}

	head := block
	tail = block + required

	setTag(head, required-2*TagSize, false)
	setTag(tail, remaining-2*TagSize, false)

	return tail, true
}

// expand grows an allocated block to newPayload bytes by consuming its
// immediate free successor, coalescing any unused remainder back into the
// arena's free list. Returns ok=false if there is no suitable free
// successor, in which case block is untouched.
func expand(a *Small, block, newPayload uintptr) (expanded uintptr, ok bool) {
	if !hasNext(block) {
		return 0, false
	}

	next := nextBlock(block)
	if !isFree(next) {
		return 0, false
	}

	total := totalSize(block) + totalSize(next)
	required := requiredSize(newPayload)
	debug.Assert(required > totalSize(block), "expand: newPayload must grow the block")

	if total < required {
		return 0, false
	}

	remaining := total - required
	diff := required - totalSize(block)

	if remaining < minBlockTotal || diff < minBlockTotal {
		a.remove(next)
		return coalesceForward(block), true
	}

	tail := splitFree(next, diff)
	a.insertAfter(next, tail)
	a.remove(next)

	return coalesceForward(block), true
}
