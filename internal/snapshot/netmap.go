package snapshot

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedFile is a read-only memory mapping of a snapshot file. It
// stands in for the network-mapped memory a production fuzzer pulls
// master snapshot pages from on demand: here the "network" collapses
// to the local filesystem, but the access pattern — map once,
// read-only, let the OS fault pages in lazily — is the same one a
// real network-backed collaborator would present.
type MappedFile struct {
	data []byte
	f    *os.File
}

// MapReadOnly opens and maps path for reading. The returned
// MappedFile owns both the mapping and the file descriptor; Close
// releases both.
func MapReadOnly(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: stat %s: %w", path, err)
	}
	size := st.Size()
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("snapshot: %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: mmap %s: %w", path, err)
	}
	return &MappedFile{data: data, f: f}, nil
}

// Bytes returns the mapped read-only blob.
func (m *MappedFile) Bytes() []byte { return m.data }

// Close unmaps the blob and closes the underlying file.
func (m *MappedFile) Close() error {
	var firstErr error
	if err := unix.Munmap(m.data); err != nil {
		firstErr = err
	}
	if err := m.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Load is the common entry point: map path and parse it as a
// FALKDUMP image in one step.
func Load(path string) (*Snapshot, *MappedFile, error) {
	mf, err := MapReadOnly(path)
	if err != nil {
		return nil, nil, err
	}
	snap, err := Parse(mf.Bytes())
	if err != nil {
		mf.Close()
		return nil, nil, err
	}
	return snap, mf, nil
}
