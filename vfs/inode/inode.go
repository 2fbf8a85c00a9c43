// Package inode implements the bounded, reference-counted, sleep-locked
// inode cache shared by every concrete filesystem driver, and the Ops
// vtable each driver supplies in place of a class hierarchy.
package inode

import (
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"

	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// Type is the cached inode's file type.
type Type int

const (
	// TypeNone marks an empty or freed on-disk inode slot.
	TypeNone Type = iota
	TypeFile
	TypeDir
	TypeDev
)

// Stat is the cached metadata an ilock load fills in; it mirrors the
// native on-disk inode fields plus the device-node major/minor pair.
type Stat struct {
	Type  Type
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
}

// Ops is the per-filesystem inode operations vtable. Every concrete driver
// (native, object, union) implements Ops itself; the VFS core dispatches
// through the interface rather than through inheritance.
type Ops interface {
	// ReadI reads up to len(buf) bytes from ip starting at off.
	ReadI(ip *Inode, buf []byte, off uint32) (int, error)
	// WriteI writes buf to ip starting at off, growing the file if needed.
	WriteI(ip *Inode, buf []byte, off uint32) (int, error)
	// StatI refreshes ip.Stat from backing storage. Called with ip's
	// sleep-lock held.
	StatI(ip *Inode) error
	// DirLookup resolves name within directory ip, returning a new ref on
	// the child inode.
	DirLookup(ip *Inode, name string) (*Inode, error)
	// DirLink creates (or, for drivers that allow it, overwrites) name
	// within directory ip pointing at child.
	DirLink(ip *Inode, name string, child *Inode) error
	// IsDirEmpty reports whether directory ip has no entries beyond "."
	// and "..".
	IsDirEmpty(ip *Inode) (bool, error)
	// Truncate frees ip's content blocks/storage. Called by iput when
	// nlink has dropped to zero.
	Truncate(ip *Inode) error
}

// SuperblockID identifies the owning superblock of an inode; it is opaque
// to this package and interpreted by vfs/super.
type SuperblockID uint64

// DeviceReleaser is implemented by the superblock/device layer so the
// cache can couple inode liveness to device liveness (§8 property 2)
// without importing vfs/device directly (which would create an import
// cycle: device -> super -> inode).
type DeviceReleaser interface {
	// DeviceGet bumps the ref of the device backing sbID. Called when a
	// fresh inode slot is populated.
	DeviceGet(sbID SuperblockID) error
	// DevicePut releases the ref taken by DeviceGet. Called when an
	// inode's ref count reaches zero.
	DevicePut(sbID SuperblockID)
}

// Inode is the in-memory, cached representation of one on-disk (or
// object-store, or union) inode. Identity is (SuperblockID, Inum);
// mutation of Stat requires the sleep-lock; mutation of ref, sbID, inum
// requires the cache's spinlock.
type Inode struct {
	sbID SuperblockID
	inum uint32

	ref   int
	valid bool

	Stat Stat
	Ops  Ops

	sleep sync.Mutex
}

// SuperblockID returns the inode's owning superblock identity.
func (ip *Inode) SuperblockID() SuperblockID { return ip.sbID }

// Inum returns the inode's number within its superblock.
func (ip *Inode) Inum() uint32 { return ip.inum }

// Lock acquires ip's sleep-lock, loading metadata from backing storage on
// first use (the classic ilock). Safe to hold across I/O.
func (ip *Inode) Lock() error {
	ip.sleep.Lock()
	if !ip.valid {
		if err := ip.Ops.StatI(ip); err != nil {
			ip.sleep.Unlock()
			return err
		}
		if ip.Stat.Type == TypeNone {
			panic(fmt.Sprintf("inode %d: type 0 after load", ip.inum))
		}
		ip.valid = true
	}
	return nil
}

// Unlock releases ip's sleep-lock without inspecting ref counts (iunlock).
func (ip *Inode) Unlock() {
	ip.sleep.Unlock()
}

// Valid reports whether ip's cached Stat has been loaded. Callers must
// hold ip's sleep-lock.
func (ip *Inode) Valid() bool { return ip.valid }

// Invalidate clears the valid flag, forcing the next Lock to reload Stat.
// Callers must hold ip's sleep-lock.
func (ip *Inode) Invalidate() { ip.valid = false }

// Cache is a bounded array of inode slots for one concrete filesystem
// driver, protected by a single spinlock (an InvariantMutex, so any
// violation of the invariants below is a panic at the point of
// detection rather than silent corruption).
type Cache struct {
	mu    syncutil.InvariantMutex
	slots []*Inode
	dev   DeviceReleaser

	metrics *metrics.Handle
	driver  string
}

// NewCache constructs a Cache with room for size inodes, coupling inode
// liveness to device liveness through dev.
func NewCache(size int, dev DeviceReleaser) *Cache {
	c := &Cache{
		slots: make([]*Inode, size),
		dev:   dev,
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

// SetMetrics wires h's inode_cache hit/miss counters to this Cache's
// subsequent Get/GetOrENOMEM calls, labeled with driver (e.g. "native",
// "objfs", "union", "proc").
func (c *Cache) SetMetrics(h *metrics.Handle, driver string) {
	c.metrics = h
	c.driver = driver
}

func (c *Cache) checkInvariants() {
	for i, ip := range c.slots {
		if ip == nil {
			continue
		}
		if ip.ref < 0 {
			panic(fmt.Sprintf("cache slot %d: negative ref %d", i, ip.ref))
		}
	}
}

// Get is the cache's iget: find a live slot matching (sbID, inum) and bump
// its ref, or recycle a ref==0 slot and take a fresh device ref, or panic
// if the cache is exhausted (§4.C/D point 3 — "spec permits a fatal
// error"; callers that want ENOMEM instead should use GetOrENOMEM).
func (c *Cache) Get(sbID SuperblockID, inum uint32, ops Ops) *Inode {
	ip, err := c.get(sbID, inum, ops, true)
	if err != nil {
		panic(err)
	}
	return ip
}

// GetOrENOMEM behaves like Get but returns verrs.ENOMEM instead of
// panicking when no slot is available to recycle.
func (c *Cache) GetOrENOMEM(sbID SuperblockID, inum uint32, ops Ops) (*Inode, error) {
	return c.get(sbID, inum, ops, false)
}

func (c *Cache) get(sbID SuperblockID, inum uint32, ops Ops, fatal bool) (*Inode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidate int = -1
	for i, ip := range c.slots {
		if ip == nil {
			if candidate == -1 {
				candidate = i
			}
			continue
		}
		if ip.ref > 0 && ip.sbID == sbID && ip.inum == inum {
			ip.ref++
			if c.metrics != nil {
				c.metrics.RecordInodeCacheHit(c.driver)
			}
			return ip, nil
		}
		if ip.ref == 0 && candidate == -1 {
			candidate = i
		}
	}

	if candidate == -1 {
		if fatal {
			panic("inode cache exhausted: no free slot to recycle")
		}
		return nil, verrs.New("iget", verrs.ENOMEM, "inode cache exhausted")
	}

	if err := c.dev.DeviceGet(sbID); err != nil {
		return nil, err
	}

	ip := &Inode{sbID: sbID, inum: inum, ref: 1, valid: false, Ops: ops}
	c.slots[candidate] = ip
	if c.metrics != nil {
		c.metrics.RecordInodeCacheMiss(c.driver)
	}
	return ip, nil
}

// Dup is idup: bump ip's ref under the cache lock and return the same
// pointer.
func (c *Cache) Dup(ip *Inode) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	ip.ref++
	return ip
}

// Put is iput: lock ip, truncate and free it on-disk if this is the last
// ref and nlink has dropped to zero, then decrement ref under the cache
// lock and, if it reached zero, release the device ref taken at Get time.
func (c *Cache) Put(ip *Inode) error {
	if err := ip.Lock(); err != nil {
		return err
	}

	c.mu.Lock()
	lastRef := ip.ref == 1
	c.mu.Unlock()

	if ip.valid && ip.Stat.Nlink == 0 && lastRef {
		if err := ip.Ops.Truncate(ip); err != nil {
			ip.Unlock()
			return err
		}
		ip.Stat.Type = TypeNone
		ip.valid = false
	}
	ip.Unlock()

	c.mu.Lock()
	ip.ref--
	ref := ip.ref
	sbID := ip.sbID
	c.mu.Unlock()

	if ref == 0 {
		c.dev.DevicePut(sbID)
	}
	return nil
}

// UnlockPut is the common iunlockput helper: unlock then Put.
func (c *Cache) UnlockPut(ip *Inode) error {
	ip.Unlock()
	return c.Put(ip)
}

// Update is iupdate: write ip's cached Stat back to its on-disk slot
// through the driver's own log-write path. The driver-specific Ops value
// is responsible for the actual write; this just re-invalidates nothing,
// since Stat is already the in-memory source of truth once valid.
func (c *Cache) Update(ip *Inode, write func(*Inode) error) error {
	return write(ip)
}

// Ref returns ip's current reference count, for tests and invariant
// checks (§8 property 1).
func (c *Cache) Ref(ip *Inode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ip.ref
}
