// Package mmap provides exclusively-locked memory-mapped file I/O.
package mmap

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process already owns the file.
var ErrLocked = errors.New("file is locked by another process")

// MMap represents a memory-mapped file held under an exclusive flock.
type MMap struct {
	file *os.File
	data []byte
	size int64
}

// Open opens or creates a file, locks it and maps it into memory.
// If the file is smaller than size it is extended; a zero-length file with
// size 0 is left unmapped until the first Grow.
func Open(path string, size int64) (*MMap, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLocked, "%s", path)
		}
		return nil, errors.Wrap(err, "lock file")
	}

	info, err := file.Stat()
	if err != nil {
		unlockAndClose(file)
		return nil, errors.Wrap(err, "stat file")
	}

	currentSize := info.Size()
	if currentSize < size {
		if err := file.Truncate(size); err != nil {
			unlockAndClose(file)
			return nil, errors.Wrap(err, "extend file")
		}
		currentSize = size
	}

	m := &MMap{file: file, size: currentSize}
	if currentSize == 0 {
		return m, nil
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(currentSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unlockAndClose(file)
		return nil, errors.Wrap(err, "mmap")
	}
	m.data = data

	return m, nil
}

func unlockAndClose(file *os.File) {
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	_ = file.Close()
}

// Close unmaps, unlocks and closes the file.
func (m *MMap) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return errors.Wrap(err, "munmap")
		}
		m.data = nil
	}
	if m.file != nil {
		_ = unix.Flock(int(m.file.Fd()), unix.LOCK_UN)
		if err := m.file.Close(); err != nil {
			return errors.Wrap(err, "close file")
		}
		m.file = nil
	}
	return nil
}

// Sync flushes changes to disk.
func (m *MMap) Sync() error {
	if m.file == nil {
		return errors.New("mmap is closed")
	}
	if m.data == nil {
		return nil
	}
	return errors.Wrap(unix.Msync(m.data, unix.MS_SYNC), "msync")
}

// Size returns the current mapped size.
func (m *MMap) Size() int64 {
	return m.size
}

// Slice returns a slice of the mapped memory.
// Returns nil if the range is invalid.
// The slice is invalidated by Grow and Close.
func (m *MMap) Slice(offset, length int64) []byte {
	if m.data == nil {
		return nil
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return nil
	}
	return m.data[offset : offset+length]
}

// Grow extends the file and remaps it.
// This invalidates any previously returned slices.
func (m *MMap) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return errors.Wrap(err, "munmap during grow")
		}
		m.data = nil
	}

	if err := m.file.Truncate(newSize); err != nil {
		return errors.Wrap(err, "extend file during grow")
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "remap during grow")
	}

	m.data = data
	m.size = newSize
	return nil
}
