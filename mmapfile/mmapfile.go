// Package mmapfile implements a growable, offset-addressed mmap-backed file.
// Two instances back each blob store: the data file and the chunk-metadata
// file. Construction and the raw mmap/mremap/madvise syscalls are grounded
// in crwen-ckv's file/mmap.go, file/mmap_linux.go and file/linux.go.
package mmapfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	minMapSize = 1 << 20 // 1MiB: smallest mapping we ever create.
)

// File is a growable mmap-backed file. Reads and writes are addressed by
// absolute byte offset; writes past the current logical size grow the
// mapping. Distinct, non-overlapping offset ranges may be accessed
// concurrently by separate callers without extra synchronization beyond
// what File itself provides for bookkeeping (size tracking, growth); two
// writes into the same byte range are the caller's responsibility to
// serialize, matching spec §4.2.
type File struct {
	mu   sync.RWMutex
	fd   *os.File
	data []byte // mapped region; len(data) is the current mapping capacity.
	size int64  // logical size, <= len(data).
	path string
}

// Open opens or creates the file at path and maps it. initialSize hints the
// smallest mapping to create; it has no effect when the existing file is
// already at least that large (the existing size wins).
func Open(path string, initialSize int64) (*File, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "mmapfile: open %s", path)
	}

	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "mmapfile: stat %s", path)
	}

	logicalSize := st.Size()
	mapSize := logicalSize
	if mapSize < initialSize {
		mapSize = initialSize
	}
	if mapSize < minMapSize {
		mapSize = minMapSize
	}

	f := &File{fd: fd, path: path, size: logicalSize}
	if err := f.remapTo(mapSize); err != nil {
		fd.Close()
		return nil, err
	}
	return f, nil
}

// Path returns the underlying file's path.
func (f *File) Path() string { return f.path }

// Size returns the current logical size: the high-water mark of bytes ever
// written or truncated to, not the (possibly larger) mmap capacity.
func (f *File) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// Read copies len(buf) bytes starting at offset into buf. It fails if the
// requested range extends past the logical size.
func (f *File) Read(buf []byte, offset int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if offset < 0 || offset+int64(len(buf)) > f.size {
		return 0, errors.Errorf("mmapfile: read [%d,%d) out of bounds, size=%d", offset, offset+int64(len(buf)), f.size)
	}
	n := copy(buf, f.data[offset:offset+int64(len(buf))])
	return n, nil
}

// Write copies buf into the file starting at offset, growing the mapping
// (and the underlying file) if offset+len(buf) exceeds the current capacity.
func (f *File) Write(buf []byte, offset int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	end := offset + int64(len(buf))
	if end > int64(len(f.data)) {
		newCap := int64(len(f.data))
		if newCap < minMapSize {
			newCap = minMapSize
		}
		for newCap < end {
			newCap *= 2
		}
		if err := f.remapTo(newCap); err != nil {
			return 0, err
		}
	}

	n := copy(f.data[offset:end], buf)
	if end > f.size {
		f.size = end
	}
	return n, nil
}

// Truncate shrinks or grows the logical size to size, truncating the
// backing file. A subsequent Write past the new size grows it again.
func (f *File) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fd.Truncate(size); err != nil {
		return errors.Wrapf(err, "mmapfile: truncate %s to %d", f.path, size)
	}

	mapSize := size
	if mapSize < minMapSize {
		mapSize = minMapSize
	}
	if err := f.remapTo(mapSize); err != nil {
		return err
	}
	f.size = size
	return nil
}

// Forget advises the OS that the currently mapped pages are not needed,
// letting it drop them from the page cache under memory pressure.
func (f *File) Forget() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.data) == 0 {
		return nil
	}
	return madvise(f.data)
}

// Close unmaps and closes the underlying file descriptor.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if len(f.data) > 0 {
		if uerr := munmap(f.data); uerr != nil {
			err = fmt.Errorf("mmapfile: munmap %s: %w", f.path, uerr)
		}
		f.data = nil
	}
	if cerr := f.fd.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("mmapfile: close %s: %w", f.path, cerr)
	}
	return err
}

// remapTo grows (or, from Truncate, shrinks) the file to size and remaps it.
// Caller must hold f.mu.
func (f *File) remapTo(size int64) error {
	if st, err := f.fd.Stat(); err == nil && st.Size() < size {
		if err := f.fd.Truncate(size); err != nil {
			return errors.Wrapf(err, "mmapfile: grow %s to %d", f.path, size)
		}
	}

	if f.data == nil {
		data, err := mmap(f.fd, size)
		if err != nil {
			return errors.Wrapf(err, "mmapfile: mmap %s", f.path)
		}
		f.data = data
		return nil
	}

	data, err := mremap(f.data, int(size))
	if err != nil {
		return errors.Wrapf(err, "mmapfile: mremap %s", f.path)
	}
	f.data = data
	return nil
}
