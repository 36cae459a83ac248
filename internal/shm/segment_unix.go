// File: internal/shm/segment_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux || darwin

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

// Segment is one mmapped shared-memory file.
type Segment struct {
	File *os.File
	Mem  []byte
	Path string

	owner bool
}

// CreateSegment creates and maps a fresh segment file of the given size.
// The file is created exclusively; a stale file from a crashed process is
// removed first.
func CreateSegment(dir, name string, size uint64) (*Segment, error) {
	path := segmentPath(dir, name)
	_ = os.Remove(path)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize segment %s: %w", path, err)
	}
	mem, err := mmapFile(file, int(size))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap segment %s: %w", path, err)
	}
	return &Segment{File: file, Mem: mem, Path: path, owner: true}, nil
}

// OpenSegment maps an existing segment file.
func OpenSegment(dir, name string) (*Segment, error) {
	path := segmentPath(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	if info.Size() < controlSize {
		file.Close()
		return nil, fmt.Errorf("%w: segment %s is %d bytes", api.ErrSegmentLayout, path, info.Size())
	}
	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap segment %s: %w", path, err)
	}
	return &Segment{File: file, Mem: mem, Path: path}, nil
}

// Close unmaps the segment; the owner also unlinks its file.
func (s *Segment) Close() error {
	var first error
	if s.Mem != nil {
		if err := unix.Munmap(s.Mem); err != nil && first == nil {
			first = fmt.Errorf("munmap %s: %w", s.Path, err)
		}
		s.Mem = nil
	}
	if s.File != nil {
		if err := s.File.Close(); err != nil && first == nil {
			first = err
		}
		s.File = nil
	}
	if s.owner {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}

// segmentPath joins the configured directory (default: /dev/shm when
// available, else the temp dir) with a sanitized segment name.
func segmentPath(dir, name string) string {
	name = strings.TrimPrefix(name, "/")
	if dir == "" {
		dir = defaultSegmentDir()
	}
	return filepath.Join(dir, name)
}

func defaultSegmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return mem, nil
}
