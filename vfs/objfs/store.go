// Package objfs implements the object-store-backed filesystem driver
// (§4.F): an inode namespt that is a thin client of a flat key/value
// object store exposing add/get/rewrite/delete/size by opaque name.
// Grounded on gcsproxy/mutable_object.go's local-copy-then-commit shape,
// adapted from "one GCS object" to "one name in a generic ObjectStore".
package objfs

import (
	"sort"
	"sync"

	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// ObjectStore is the flat key/value backing store a Driver is a client
// of. §4.F marks the physical storage format and free-list algorithm as
// out of scope; this interface is the boundary the driver consumes.
type ObjectStore interface {
	AddObject(name string, data []byte) error
	GetObject(name string) ([]byte, error)
	RewriteObject(name string, data []byte) error
	DeleteObject(name string) error
	ObjectSize(name string) (int64, error)
}

type extent struct {
	off, size int
}

// MemStore is an in-process ObjectStore over a single growable arena,
// using first-fit placement over a sorted view of occupied ranges, as
// §4.F describes.
type MemStore struct {
	mu      sync.Mutex
	arena   []byte
	objects map[string]extent
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]extent)}
}

func (s *MemStore) sortedExtents() []extent {
	out := make([]extent, 0, len(s.objects))
	for _, e := range s.objects {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].off < out[j].off })
	return out
}

// firstFit finds the first gap (in offset order) at least size bytes
// wide, growing the arena if none exists.
func (s *MemStore) firstFit(size int) int {
	cursor := 0
	for _, e := range s.sortedExtents() {
		if e.off-cursor >= size {
			return cursor
		}
		if e.off+e.size > cursor {
			cursor = e.off + e.size
		}
	}
	if cursor+size > len(s.arena) {
		grown := make([]byte, cursor+size)
		copy(grown, s.arena)
		s.arena = grown
	}
	return cursor
}

// AddObject implements add_object, failing with EEXIST if name is
// already present.
func (s *MemStore) AddObject(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; ok {
		return verrs.New("add_object", verrs.EEXIST, name)
	}
	off := s.firstFit(len(data))
	copy(s.arena[off:off+len(data)], data)
	s.objects[name] = extent{off: off, size: len(data)}
	return nil
}

// GetObject implements get_object.
func (s *MemStore) GetObject(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[name]
	if !ok {
		return nil, verrs.New("get_object", verrs.ENOENT, name)
	}
	out := make([]byte, e.size)
	copy(out, s.arena[e.off:e.off+e.size])
	return out, nil
}

// RewriteObject implements rewrite_object: replace name's contents,
// relocating via first-fit if the new size no longer fits its current
// extent.
func (s *MemStore) RewriteObject(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[name]
	if ok && len(data) <= e.size {
		copy(s.arena[e.off:e.off+len(data)], data)
		s.objects[name] = extent{off: e.off, size: len(data)}
		return nil
	}
	delete(s.objects, name)
	off := s.firstFit(len(data))
	copy(s.arena[off:off+len(data)], data)
	s.objects[name] = extent{off: off, size: len(data)}
	return nil
}

// DeleteObject implements delete_object.
func (s *MemStore) DeleteObject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; !ok {
		return verrs.New("delete_object", verrs.ENOENT, name)
	}
	delete(s.objects, name)
	return nil
}

// ObjectSize implements object_size.
func (s *MemStore) ObjectSize(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[name]
	if !ok {
		return 0, verrs.New("object_size", verrs.ENOENT, name)
	}
	return int64(e.size), nil
}
