// Command mallocbench exercises the allocator with a handful of scripted
// workloads for manual smoke-testing: a calloc zero-fill sweep, an
// alignment sweep, and a realloc walk that crosses the small/big tier
// boundary in both directions.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/flier/malloc/pkg/malloc"
	"github.com/flier/malloc/pkg/varena"
)

var reclaim = flag.Bool("reclaim", false, "unmap small arenas as soon as they go fully empty")

func main() {
	flag.Parse()

	malloc.SetReclaimEmptyArenas(*reclaim)

	if err := callocSweep(); err != nil {
		fail("calloc sweep", err)
	}
	if err := alignmentSweep(); err != nil {
		fail("alignment sweep", err)
	}
	if err := reallocWalk(); err != nil {
		fail("realloc walk", err)
	}

	fmt.Println("ok")
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "mallocbench: %s: %v\n", stage, err)
	os.Exit(1)
}

// callocSweep allocates zeroed arrays across a range of element counts and
// sizes, verifying every byte comes back zero before freeing it.
func callocSweep() error {
	for _, n := range []uintptr{0, 1, 15, 17, 96} {
		for _, eltSize := range []uintptr{1, 8, 31, 4096} {
			addr, err := malloc.Calloc(n, eltSize)
			if err != nil {
				return fmt.Errorf("calloc(%d, %d): %w", n, eltSize, err)
			}

			for i := uintptr(0); i < n*eltSize; i++ {
				if byteAt(addr, i) != 0 {
					return fmt.Errorf("calloc(%d, %d): byte %d not zeroed", n, eltSize, i)
				}
			}

			if err := malloc.Free(addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// alignmentSweep requests a spread of power-of-two alignments, from the
// minimum up to 65536, across both tiers.
func alignmentSweep() error {
	for _, align := range []uintptr{16, 32, 64, 256, 4096, 65536} {
		for _, size := range []uintptr{5, 6, 31, varena.ArenaMaxSize * 2} {
			addr, err := malloc.AlignedAlloc(align, size)
			if err != nil {
				return fmt.Errorf("aligned_alloc(%d, %d): %w", align, size, err)
			}
			if addr%align != 0 {
				return fmt.Errorf("aligned_alloc(%d, %d): address %#x misaligned", align, size, addr)
			}
			if err := malloc.Free(addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// reallocWalk grows an allocation across the small/big tier boundary and
// back down, checking that the leading bytes survive every resize.
func reallocWalk() error {
	addr, err := malloc.Malloc(32)
	if err != nil {
		return err
	}
	setByteAt(addr, 0, 0x7E)

	sizes := []uintptr{64, 4096, varena.ArenaMaxSize * 3, 4096, 64, 16}
	for _, size := range sizes {
		addr, err = malloc.Realloc(addr, size)
		if err != nil {
			return fmt.Errorf("realloc(%d): %w", size, err)
		}
		if byteAt(addr, 0) != 0x7E {
			return fmt.Errorf("realloc(%d): leading byte not preserved", size)
		}
	}

	return malloc.Free(addr)
}
