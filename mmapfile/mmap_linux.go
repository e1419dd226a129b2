//go:build linux
// +build linux

package mmapfile

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmap, munmap, mremap and madvise are lifted from crwen-ckv's
// file/linux.go, which wraps the same golang.org/x/sys/unix primitives; the
// teacher itself has no mmap code at all (see DESIGN.md).

func mmap(fd *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

// mremap grows or shrinks an existing mapping in place where possible,
// letting the kernel relocate it (MREMAP_MAYMOVE) when it can't.
func mremap(data []byte, size int) ([]byte, error) {
	const mremapMaymove = 0x1

	if len(data) == 0 {
		return nil, unix.EINVAL
	}

	newAddr, _, errno := unix.Syscall6(
		unix.SYS_MREMAP,
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		uintptr(size),
		uintptr(mremapMaymove),
		0,
		0,
	)
	if errno != 0 {
		return nil, errno
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(newAddr)), size), nil
}

func madvise(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Madvise(data, unix.MADV_DONTNEED)
}
