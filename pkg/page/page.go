// Package page wraps the operating system's anonymous page mapping
// primitives behind a small interface, so that the allocator in
// [github.com/flier/malloc/pkg/varena] never talks to the kernel directly.
package page

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Size returns the size, in bytes, of a single page on this platform.
func Size() int {
	return unix.Getpagesize()
}

// AlignUp rounds n up to the next multiple of the page size.
func AlignUp(n uintptr) uintptr {
	sz := uintptr(Size())
	return (n + sz - 1) &^ (sz - 1)
}

// Aligned reports whether n is a multiple of the page size.
func Aligned(n uintptr) bool {
	return n%uintptr(Size()) == 0
}

// Region is a page-aligned, anonymous, read/write memory mapping.
//
// A Region must be released exactly once via [Region.Unmap].
type Region struct {
	mem []byte
}

// Len returns the size of the region in bytes.
func (r Region) Len() uintptr { return uintptr(len(r.mem)) }

// Addr returns the starting address of the region.
func (r Region) Addr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
}

// Ptr returns the starting address of the region as an unsafe.Pointer.
func (r Region) Ptr() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(r.mem))
}

// Bytes returns the region's backing memory as a byte slice.
//
// The slice is valid only until the region is unmapped.
func (r Region) Bytes() []byte { return r.mem }

// Map requests a page-aligned, zero-filled, private anonymous region of at
// least n bytes.
//
// n is rounded up to a whole number of pages. The returned region is always
// read/write and is not shared with any other process.
func Map(n uintptr) (Region, error) {
	size := int(AlignUp(n))

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Region{}, fmt.Errorf("page: mmap %d bytes: %w", size, err)
	}

	return Region{mem: mem}, nil
}

// Unmap releases the region back to the operating system.
//
// The region must not be used after Unmap returns, successfully or not.
func (r Region) Unmap() error {
	if len(r.mem) == 0 {
		return nil
	}
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("page: munmap %d bytes at %#x: %w", len(r.mem), r.Addr(), err)
	}
	return nil
}

// Shrink returns a Region describing the leading newLen bytes of r, without
// touching the mapping itself.
//
// The returned Region's slice is re-capped to newLen (not just re-sliced),
// so it once again satisfies [Region.Unmap]'s len-equals-cap requirement.
// Callers that use [Region.UnmapSuffix] to release trailing pages must
// replace their stored Region with Shrink(offset) afterwards, or a later
// Unmap will attempt to munmap already-released pages.
func (r Region) Shrink(newLen uintptr) Region {
	if newLen > r.Len() {
		newLen = r.Len()
	}
	return Region{mem: r.mem[:newLen:newLen]}
}

// UnmapSuffix releases the trailing [offset, len(r.mem)) portion of the
// region back to the operating system, without touching the leading
// portion's mapping.
//
// offset must be page-aligned. This goes straight to munmap(2) via
// unix.Syscall rather than [unix.Munmap]: the wrapper requires its slice
// argument to span a whole backing array (len == cap, starting at the
// array's first element), which a trailing suffix never does, even though
// munmap itself accepts unmapping any page-aligned sub-range of a mapping.
// The caller is responsible for updating its own bookkeeping of the
// region's size (see [Region.Shrink]); Region itself is immutable and
// continues to report its original length until replaced.
func (r Region) UnmapSuffix(offset uintptr) error {
	if offset >= r.Len() {
		return nil
	}

	addr := r.Addr() + offset
	length := r.Len() - offset

	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0); errno != 0 {
		return fmt.Errorf("page: munmap suffix of %d bytes at %#x: %w", length, addr, errno)
	}
	return nil
}
