// Package invariant holds pure, read-only structural assertions over
// blocks and arenas, expressed directly over raw addresses so it has no
// dependency on [github.com/flier/malloc/pkg/varena] (which imports this
// package to run these checks under debug builds, and would otherwise form
// an import cycle). Production call sites gate them behind
// [github.com/flier/malloc/internal/debug.Enabled] so the underlying walks
// compile away to nothing outside of debug builds; tests call them
// unconditionally.
package invariant

import (
	"fmt"
	"unsafe"

	"github.com/dolthub/maphash"
)

const (
	// wordSize is the machine word size, 8 bytes on 64-bit platforms.
	wordSize = unsafe.Sizeof(uintptr(0))

	// tagSize is the size of a single boundary tag.
	tagSize = unsafe.Sizeof(int64(0))

	// align is the alignment every block payload is placed at, and the
	// minimum payload size a block can have.
	align = 2 * wordSize
)

func loadTag(addr uintptr) int64 {
	return *(*int64)(unsafe.Pointer(addr)) //nolint:govet
}

func abs64(v int64) uintptr {
	if v < 0 {
		return uintptr(-v)
	}
	return uintptr(v)
}

// dataAddr returns the address of a block's payload.
func dataAddr(block uintptr) uintptr { return block + tagSize }

// checkTags verifies a block's two boundary tags agree and encode a
// properly aligned, non-empty payload (§3.1-§3.3), without asserting
// whether the block should be free or allocated. It returns the decoded
// tag so callers can check the free/allocated sign themselves.
func checkTags(block uintptr) (tag int64, err error) {
	tag = loadTag(block)
	payload := abs64(tag)

	if payload < align || payload%align != 0 {
		return tag, fmt.Errorf("invariant: block %#x: payload %d is not a positive multiple of %d",
			block, payload, align)
	}

	if dataAddr(block)%align != 0 {
		return tag, fmt.Errorf("invariant: block %#x: data %#x is not aligned to %d",
			block, dataAddr(block), align)
	}

	trailAddr := block + tagSize + payload
	if trail := loadTag(trailAddr); trail != tag {
		return tag, fmt.Errorf("invariant: block %#x: lead tag %d does not match trail tag %d at %#x",
			block, tag, trail, trailAddr)
	}

	return tag, nil
}

// AllocatedBlock reports an error if the block at addr is not a well-formed
// allocated block: its boundary tags must agree (§3.1), its payload must be
// a positive multiple of the block alignment and properly aligned (§3.2,
// §3.3), and its tag's sign must say "allocated" (§3.9).
func AllocatedBlock(addr uintptr) error {
	tag, err := checkTags(addr)
	if err != nil {
		return err
	}
	if tag > 0 {
		return fmt.Errorf("invariant: block %#x: expected allocated, found free", addr)
	}
	return nil
}

// FreeBlock reports an error if the block at addr is not a well-formed free
// block: same structural checks as [AllocatedBlock], but the tag's sign
// must say "free".
func FreeBlock(addr uintptr) error {
	tag, err := checkTags(addr)
	if err != nil {
		return err
	}
	if tag <= 0 {
		return fmt.Errorf("invariant: block %#x: expected free, found allocated", addr)
	}
	return nil
}

// SmallArena reports an error if any of the structural invariants of a
// small arena's block region are violated. regionAddr/regionLen describe
// the arena's raw mmap'd region: a leading NUL tag, the block chain, and a
// trailing NUL tag (§3.6, §3.7).
//
// It walks the block chain forward from the first block to the last, then
// backward from the last block to the first, checking every block along
// the way (§3.1-§3.3, §3.9) and that no two adjacent blocks are both free
// (§3.4, since eager coalescing must have merged them already).
func SmallArena(regionAddr, regionLen uintptr) error {
	if regionLen < 4*tagSize+align {
		return fmt.Errorf("invariant: region %#x: length %d too small to hold a small arena",
			regionAddr, regionLen)
	}

	if lead := loadTag(regionAddr); lead != 0 {
		return fmt.Errorf("invariant: region %#x: leading tag is %d, want NUL", regionAddr, lead)
	}

	endNULAddr := regionAddr + regionLen - tagSize
	if trail := loadTag(endNULAddr); trail != 0 {
		return fmt.Errorf("invariant: region %#x: trailing tag is %d, want NUL", regionAddr, trail)
	}

	first := regionAddr + tagSize

	last, err := walkForward(first, endNULAddr)
	if err != nil {
		return err
	}

	reached, err := walkBackward(last, first)
	if err != nil {
		return err
	}
	if reached != first {
		return fmt.Errorf("invariant: region %#x: backward walk reached %#x, want first block %#x",
			regionAddr, reached, first)
	}

	return nil
}

// walkForward checks every block from first up to (but not past) the
// trailing NUL tag at endNULAddr, returning the address of the last block
// reached.
func walkForward(first, endNULAddr uintptr) (last uintptr, err error) {
	pos := first
	prevFree := false

	for {
		tag := loadTag(pos)
		free := tag > 0

		if free {
			if err := FreeBlock(pos); err != nil {
				return 0, err
			}
		} else {
			if err := AllocatedBlock(pos); err != nil {
				return 0, err
			}
		}

		if free && prevFree {
			return 0, fmt.Errorf("invariant: block %#x: adjacent to another free block", pos)
		}
		prevFree = free

		next := pos + 2*tagSize + abs64(tag)
		if next == endNULAddr {
			return pos, nil
		}
		if next > endNULAddr {
			return 0, fmt.Errorf("invariant: block %#x: forward walk overran arena end at %#x",
				pos, endNULAddr)
		}
		pos = next
	}
}

// walkBackward checks every block from last down to (but not past) first,
// returning the address of the first block reached.
func walkBackward(last, first uintptr) (reached uintptr, err error) {
	pos := last

	for pos != first {
		tagAddr := pos - tagSize
		payload := abs64(loadTag(tagAddr))
		prev := tagAddr - payload - tagSize

		if prev < first {
			return 0, fmt.Errorf("invariant: block %#x: backward walk undershot first block %#x",
				pos, first)
		}

		if tag := loadTag(prev); tag > 0 {
			if err := FreeBlock(prev); err != nil {
				return 0, err
			}
		} else {
			if err := AllocatedBlock(prev); err != nil {
				return 0, err
			}
		}

		pos = prev
	}

	return pos, nil
}

// NewSmallArena reports an error if a freshly mapped small arena is not
// correctly initialized: beyond [SmallArena]'s structural checks, a new
// arena must hold exactly one free block spanning the whole region, that
// block must be freeHead, and its payload must account for all four of the
// region's tags.
func NewSmallArena(regionAddr, regionLen, freeHead uintptr) error {
	if err := SmallArena(regionAddr, regionLen); err != nil {
		return err
	}

	first := regionAddr + tagSize

	if freeHead != first {
		return fmt.Errorf("invariant: region %#x: free-list head %#x is not the first block %#x",
			regionAddr, freeHead, first)
	}

	if err := FreeBlock(first); err != nil {
		return err
	}

	wantPayload := regionLen - 4*tagSize
	if gotPayload := abs64(loadTag(first)); gotPayload != wantPayload {
		return fmt.Errorf("invariant: region %#x: first block payload %d, want %d spanning the whole arena",
			regionAddr, gotPayload, wantPayload)
	}

	return nil
}

// BigArena reports an error if a big arena's region and data pointer are
// not correctly laid out: the region must be page-aligned, the data
// pointer aligned to the requested alignment and within the region, and
// the reported data size no smaller than what was requested (§3.8).
func BigArena(regionAddr, regionLen, pageSize, dataAddr, dataSize, alignment, requestedSize uintptr) error {
	if regionAddr%pageSize != 0 {
		return fmt.Errorf("invariant: big arena %#x: region is not page-aligned", regionAddr)
	}
	if dataAddr%alignment != 0 {
		return fmt.Errorf("invariant: big arena %#x: data %#x is not aligned to %d",
			regionAddr, dataAddr, alignment)
	}
	if dataSize < requestedSize {
		return fmt.Errorf("invariant: big arena %#x: datasize %d is less than requested %d",
			regionAddr, dataSize, requestedSize)
	}
	if dataAddr < regionAddr || dataAddr+dataSize > regionAddr+regionLen {
		return fmt.Errorf("invariant: big arena %#x: data [%#x, %#x) out of region bounds [%#x, %#x)",
			regionAddr, dataAddr, dataAddr+dataSize, regionAddr, regionAddr+regionLen)
	}
	return nil
}

// FreeListFingerprint is a cheap, order-sensitive hash of a free list
// snapshot, used to detect whether a free list mutated between two points
// in a test without keeping the full list of addresses around.
type FreeListFingerprint uint64

var freeListHasher = maphash.NewHasher[string]()

// FingerprintFreeList hashes a free list snapshot given as the ordered
// sequence of block addresses it contains.
func FingerprintFreeList(addrs []uintptr) FreeListFingerprint {
	buf := make([]byte, len(addrs)*8)
	for i, a := range addrs {
		for j := 0; j < 8; j++ {
			buf[i*8+j] = byte(a >> (8 * j))
		}
	}
	return FreeListFingerprint(freeListHasher.Hash(string(buf)))
}
