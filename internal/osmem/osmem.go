// Package osmem is the allocator's only point of contact with the
// operating system: it implements an os_map/os_unmap collaborator
// interface with anonymous, private, read-write mmap/munmap mappings.
//
// Grounded on original_source/src/common.cpp's system_alloc /
// system_dealloc, which call mmap/munmap directly; golang.org/x/sys/unix
// is the idiomatic Go replacement for that raw syscall pair.
package osmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is measured once at package init and never changes for the
// life of the process; page_shift is derived from it once and reused
// by every tier.
var PageSize = unix.Getpagesize()

// Source maps and unmaps anonymous memory in page-aligned chunks. The
// zero value talks directly to the kernel; tests may substitute a
// fake that satisfies the same interface (see internal/objpool's
// mapper and internal/pagecache's tests).
type Source struct{}

// Map requests nbytes of fresh, zero-filled, read-write memory from
// the OS. nbytes is rounded up to a page multiple by the caller;
// Map itself rounds up defensively so a caller that forgets still gets
// a valid mapping.
func (Source) Map(nbytes uintptr) (unsafe.Pointer, error) {
	aligned := alignUp(nbytes, uintptr(PageSize))
	b, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("osmem: mmap %d bytes: %w", aligned, err)
	}
	return unsafe.Pointer(&b[0]), nil
}

// Unmap releases a range previously returned by Map. nbytes must be
// the same page-aligned length passed to (or rounded up by) Map.
func (Source) Unmap(addr unsafe.Pointer, nbytes uintptr) error {
	aligned := alignUp(nbytes, uintptr(PageSize))
	b := unsafe.Slice((*byte)(addr), aligned)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("osmem: munmap %d bytes: %w", aligned, err)
	}
	return nil
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
