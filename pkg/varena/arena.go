package varena

import (
	"errors"
	"fmt"

	"github.com/flier/malloc/internal/debug"
	"github.com/flier/malloc/pkg/page"
	"github.com/flier/malloc/pkg/varena/invariant"
)

const (
	// ArenaMaxSize is the size of every small arena's mmap'd region: 32768
	// times the block alignment.
	ArenaMaxSize = Align * 32768

	// arenaThreshold is carried from the original design as a tuning knob:
	// allocations whose requiredSize would exceed this fraction-of-arena are
	// better served as big arenas even if they'd technically fit in a fresh
	// small arena. Unused by tier selection today; see [Heap.tier].
	arenaThreshold = ArenaMaxSize / 4

	// arenaMaxFreeFirstBlockSize bounds how large the single free block of a
	// freshly mapped small arena can be; carried for parity with the
	// original design's constant of the same meaning.
	arenaMaxFreeFirstBlockSize = ArenaMaxSize - 4*TagSize
)

// ErrOutOfMemory is returned when the operating system refuses to hand back
// more pages.
var ErrOutOfMemory = errors.New("varena: out of memory")

// Small is one mmap'd region holding many boundary-tagged blocks behind a
// first-fit, address-ordered free list. Its bookkeeping lives in ordinary
// Go memory; only block payloads and tags live in the mapped region.
type Small struct {
	region   page.Region
	freeHead uintptr
	prev     *Small
	next     *Small
}

func newSmall() (*Small, error) {
	region, err := page.Map(ArenaMaxSize)
	if err != nil {
		return nil, fmt.Errorf("varena: %w: %w", ErrOutOfMemory, err)
	}

	a := &Small{region: region}

	first := region.Addr() + TagSize
	payload := region.Len() - 4*TagSize
	setTag(first, payload, true)

	a.freeHead = first

	if debug.Enabled {
		if err := invariant.NewSmallArena(region.Addr(), region.Len(), a.freeHead); err != nil {
			debug.Assert(false, "%v", err)
		}
	}

	return a, nil
}

func (a *Small) firstBlock() uintptr { return a.region.Addr() + TagSize }

// Big is one mmap'd region holding exactly one allocation, with no free
// list: its whole lifecycle is allocate once, optionally realloc, then
// unmap.
type Big struct {
	region   page.Region
	dataAddr uintptr
	dataSize uintptr
	prev     *Big
	next     *Big
}

// bigLayout returns the page-aligned region size needed to host a
// payload-byte allocation aligned to align, and the number of slack bytes
// reserved in that region for aligning the payload (zero when align does
// not exceed the page size). The payload's actual offset from the region's
// base depends on where the region is mapped and is at most that slack.
func bigLayout(align, payload uintptr) (regionSize, offset uintptr) {
	pageSize := uintptr(pageSizeFn())

	if align <= pageSize {
		// Any mmap'd region is page-aligned, and align divides pageSize
		// because both are powers of two, so the region's base address
		// already satisfies align with no slack needed.
		return page.AlignUp(payload), 0
	}

	// align exceeds the page size: mmap gives no stronger guarantee than
	// page alignment, so reserve align extra bytes of slack and locate the
	// first aligned address by hand.
	return page.AlignUp(payload + align), align
}

// pageSizeFn is a var so tests can stub page size independent of the host.
var pageSizeFn = page.Size

func newBig(align, payload uintptr) (*Big, error) {
	regionSize, _ := bigLayout(align, payload)

	region, err := page.Map(regionSize)
	if err != nil {
		return nil, fmt.Errorf("varena: %w: %w", ErrOutOfMemory, err)
	}

	base := region.Addr()
	data := base
	if rem := data % align; rem != 0 {
		data += align - rem
	}

	debug.Assert(data%align == 0, "newBig: data must satisfy requested alignment")
	debug.Assert(data+payload <= base+region.Len(), "newBig: region too small for payload")

	if debug.Enabled {
		pageSize := uintptr(pageSizeFn())
		if err := invariant.BigArena(base, region.Len(), pageSize, data, payload, align, payload); err != nil {
			debug.Assert(false, "%v", err)
		}
	}

	return &Big{region: region, dataAddr: data, dataSize: payload}, nil
}

func (b *Big) unmap() error { return b.region.Unmap() }
