package varena

import "github.com/flier/malloc/internal/debug"

// allocateSmall satisfies a small-tier request of payload bytes aligned to
// align, growing small with a fresh arena if no existing one has room.
func allocateSmall(small *smallList, align, payload uintptr) (uintptr, error) {
	debug.Assert(requiredSize(payload) <= ArenaMaxSize, "allocateSmall: payload too large for the small tier")

	arena, block := findFreeFirstFit(small, align, payload)
	if arena == nil {
		var err error
		arena, err = newSmall()
		if err != nil {
			return 0, err
		}
		small.pushBack(arena)

		block = arena.firstBlock()
		debug.Assert(canFit(block, align, payload), "allocateSmall: fresh arena cannot fit its own max allocation")
	}

	block = extract(arena, block, align, payload)
	arena.remove(block)
	setAllocated(block)
	checkAllocated(block)

	return dataAddr(block), nil
}

// deallocateSmall frees the block owning addr within its arena. reclaim
// controls whether an arena left entirely free is unmapped and dropped;
// see [Heap.SetReclaimEmptyArenas].
func deallocateSmall(small *smallList, arena *Small, addr uintptr, reclaim bool) error {
	block := addr - TagSize
	deallocate(arena, block)

	if !reclaim {
		return nil
	}
	if arena.freeHead != arena.firstBlock() {
		return nil
	}
	if payloadSize(arena.freeHead) != arenaMaxFreeFirstBlockSize {
		return nil
	}

	small.remove(arena)
	return arena.region.Unmap()
}

// shrinkSmall truncates the block owning addr to newPayload bytes in
// place, deallocating the reclaimed tail back into arena's free list.
func shrinkSmall(arena *Small, addr, newPayload uintptr) {
	block := addr - TagSize
	if tail, ok := shrink(block, newPayload); ok {
		deallocate(arena, tail)
	}
}

// expandSmall grows the block owning addr to newPayload bytes in place by
// consuming a following free neighbor. Reports whether it succeeded; on
// failure the caller must fall back to allocate+copy+free.
func expandSmall(arena *Small, addr, newPayload uintptr) bool {
	block := addr - TagSize
	_, ok := expand(arena, block, newPayload)
	return ok
}

// usableSizeSmall returns the number of bytes actually available in the
// block owning addr, which may exceed the size it was allocated with.
func usableSizeSmall(addr uintptr) uintptr {
	return payloadSize(addr - TagSize)
}
