// Package blockdev abstracts the backing block device: synchronous
// sector IO plus a capability report that seeds the write-ordering
// mode, and a submit queue that turns completions into messages for
// the per-connection worker.
package blockdev

import (
	"fmt"
	"os"
)

// SectorSize is the wire sector unit. All offsets and lengths on the
// replication protocol are in 512-byte sectors.
const SectorSize = 512

// Capabilities reports what the backend supports.
type Capabilities struct {
	Flush    bool
	Barriers bool
	Discard  bool
}

// Backend is one backing device. Implementations must allow concurrent
// calls.
type Backend interface {
	// ReadSectors reads len(p) bytes starting at the given sector.
	ReadSectors(p []byte, sector uint64) error

	// WriteSectors writes p at the given sector. fua forces the write
	// through to stable storage before returning.
	WriteSectors(p []byte, sector uint64, fua bool) error

	// Flush makes all completed writes durable.
	Flush() error

	// Discard deallocates the sector range, reading back as zeroes.
	Discard(sector uint64, size uint32) error

	// Sectors returns the device size in sectors.
	Sectors() uint64

	Capabilities() Capabilities

	Close() error
}

// FileBackend implements Backend on a regular file or block device
// node.
type FileBackend struct {
	f       *os.File
	sectors uint64
}

// OpenFile opens path as a backend. A regular file is grown to size
// bytes when smaller.
func OpenFile(path string, size int64) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening backing file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat backing file: %w", err)
	}
	if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("growing backing file: %w", err)
		}
	} else if size == 0 {
		size = st.Size()
	}
	return &FileBackend{f: f, sectors: uint64(size) / SectorSize}, nil
}

func (b *FileBackend) ReadSectors(p []byte, sector uint64) error {
	if _, err := b.f.ReadAt(p, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("read %d bytes at sector %d: %w", len(p), sector, err)
	}
	return nil
}

func (b *FileBackend) WriteSectors(p []byte, sector uint64, fua bool) error {
	if _, err := b.f.WriteAt(p, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("write %d bytes at sector %d: %w", len(p), sector, err)
	}
	if fua {
		if err := b.f.Sync(); err != nil {
			return fmt.Errorf("fua sync at sector %d: %w", sector, err)
		}
	}
	return nil
}

func (b *FileBackend) Flush() error {
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (b *FileBackend) Discard(sector uint64, size uint32) error {
	// No hole punching on a plain file backend; write zeroes so reads
	// observe discarded data as zero.
	zero := make([]byte, size)
	if _, err := b.f.WriteAt(zero, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("discard %d bytes at sector %d: %w", size, sector, err)
	}
	return nil
}

func (b *FileBackend) Sectors() uint64 { return b.sectors }

func (b *FileBackend) Capabilities() Capabilities {
	// A file backend can fsync but has no ordered-write primitive.
	return Capabilities{Flush: true, Barriers: false, Discard: true}
}

func (b *FileBackend) Close() error { return b.f.Close() }
