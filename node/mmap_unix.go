//go:build linux
// +build linux

package node

import (
	"os"

	"golang.org/x/sys/unix"
)

// MappedFile is a read-only private mapping of a whole file. Release unmaps it
// once; later calls are no-ops.
type MappedFile struct {
	data []byte
}

// MapFile maps size bytes of path. Empty files yield an empty, unmapped view.
func MapFile(path string, size int64) (*MappedFile, error) {
	if size == 0 {
		return &MappedFile{}, nil
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, &os.PathError{Op: "mmap", Path: path, Err: err}
	}
	return &MappedFile{data: data}, nil
}

func (m *MappedFile) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

func (m *MappedFile) Len() int {
	return len(m.Bytes())
}

// Release unmaps the view.
func (m *MappedFile) Release() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return os.NewSyscallError("munmap", unix.Munmap(data))
}
