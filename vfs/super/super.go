// Package super implements the superblock registry (§4.C): allocation of
// VfsSuperblock slots, each bound to one device and one filesystem ops
// vtable, reference-counted across every mount and cached inode that
// points to it.
package super

import (
	"github.com/jacobsa/syncutil"

	"github.com/aviv-teaching/govfs/vfs/device"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// Ops is the per-filesystem superblock vtable (§3: SuperblockOps).
type Ops interface {
	// AllocInode claims a fresh on-disk inode of the given type and
	// returns its in-memory representation.
	AllocInode(sb *Superblock, typ inode.Type) (*inode.Inode, error)
	// GetInode returns the in-memory inode for inum, creating a cache
	// slot if necessary (this is the per-driver iget entry point).
	GetInode(sb *Superblock, inum uint32) (*inode.Inode, error)
	// PutInode releases a ref taken by GetInode or AllocInode (the
	// per-driver iput entry point). vfs/pathresolve calls this on every
	// intermediate directory it walks through, since only the owning
	// driver knows which inode.Cache a given inode lives in.
	PutInode(ip *inode.Inode) error
	// Start is called once, after the first user-context mount operation
	// on sb completes.
	Start(sb *Superblock) error
	// Destroy tears down sb's filesystem state. Called when sb's ref
	// drops to zero, with every table lock released.
	Destroy(sb *Superblock) error
}

// Superblock is one mounted filesystem instance: opaque per-driver state
// reached through Ops, plus the device it is hosted on.
type Superblock struct {
	ID     inode.SuperblockID
	Ops    Ops
	Device *device.Device

	ref       int
	started   bool
	destroyed bool

	// RootInum is the inum of this superblock's root directory, used by
	// the mount table to fetch get_mount_root_ip (§4.I step 5).
	RootInum uint32
}

// Registry allocates and reference-counts Superblock values and doubles
// as the inode.DeviceReleaser every per-driver inode.Cache is built with,
// coupling inode liveness to device liveness (§8 property 2).
type Registry struct {
	mu      syncutil.InvariantMutex
	byID    map[inode.SuperblockID]*Superblock
	devices *device.Table
	nextID  inode.SuperblockID
}

// NewRegistry constructs a Registry backed by the given device table.
func NewRegistry(devices *device.Table) *Registry {
	r := &Registry{
		byID:    make(map[inode.SuperblockID]*Superblock),
		devices: devices,
	}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *Registry) checkInvariants() {
	for id, sb := range r.byID {
		if sb.ID != id {
			panic("superblock registry: key/ID mismatch")
		}
		if sb.ref < 0 {
			panic("superblock registry: negative ref")
		}
		if sb.ref == 0 && !sb.destroyed {
			panic("superblock registry: ref==0 but destroy not yet called")
		}
	}
}

// Alloc allocates a fresh superblock slot bound to dev and ops, with an
// initial ref of 1 (held by the mount that is creating it).
func (r *Registry) Alloc(dev *device.Device, ops Ops) *Superblock {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sb := &Superblock{
		ID:     r.nextID,
		Ops:    ops,
		Device: dev,
		ref:    1,
	}
	dev.SuperblockDestroy = func() error { return r.destroy(sb) }
	r.byID[sb.ID] = sb
	return sb
}

// StartOnce calls sb.Ops.Start exactly once, the first time it's invoked
// for this superblock (§3: "start called once after the first user-context
// mount operation completes").
func (sb *Superblock) StartOnce() error {
	if sb.started {
		return nil
	}
	sb.started = true
	return sb.Ops.Start(sb)
}

// Get bumps sb's ref under the registry lock.
func (r *Registry) Get(sb *Superblock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sb.ref <= 0 {
		panic("superblock Get: ref <= 0")
	}
	sb.ref++
}

// Put decrements sb's ref. When the ref about to be dropped is the last
// one, the registry lock is released before running sb.Ops.Destroy (§8
// property 3) and only reacquired to finalize ref==0 alongside
// destroyed==true, the same drop-lock/finalize/reacquire pattern
// vfs/device.Table.Put uses: checkInvariants forbids ref==0 without
// destroyed, so the two must always change together under the lock.
func (r *Registry) Put(sb *Superblock) error {
	r.mu.Lock()
	last := sb.ref == 1
	r.mu.Unlock()

	if !last {
		r.mu.Lock()
		sb.ref--
		r.mu.Unlock()
		return nil
	}

	if err := r.destroy(sb); err != nil {
		return err
	}
	r.mu.Lock()
	sb.ref = 0
	r.mu.Unlock()
	return nil
}

// destroy is the idempotent teardown both Registry.Put (ref-counted
// path) and the device table's forced SuperblockDestroy callback (device
// removed out from under a superblock still in use, per §4.A) funnel
// through: only the first caller actually runs sb.Ops.Destroy.
func (r *Registry) destroy(sb *Superblock) error {
	r.mu.Lock()
	if sb.destroyed {
		r.mu.Unlock()
		return nil
	}
	sb.destroyed = true
	r.mu.Unlock()

	return sb.Ops.Destroy(sb)
}

// DeviceGet implements inode.DeviceReleaser: bump the ref of the device
// backing sbID.
func (r *Registry) DeviceGet(sbID inode.SuperblockID) error {
	r.mu.Lock()
	sb, ok := r.byID[sbID]
	r.mu.Unlock()
	if !ok {
		return verrs.New("device_get", verrs.EINVAL, "unknown superblock")
	}
	r.devices.Get(sb.Device)
	return nil
}

// DevicePut implements inode.DeviceReleaser: release the ref taken by
// DeviceGet.
func (r *Registry) DevicePut(sbID inode.SuperblockID) {
	r.mu.Lock()
	sb, ok := r.byID[sbID]
	r.mu.Unlock()
	if !ok {
		return
	}
	// device_put may synchronously destroy the device and, transitively,
	// this superblock (SuperblockDestroy above); errors here are fatal
	// invariant violations, not recoverable VFS errors.
	if err := r.devices.Put(sb.Device); err != nil {
		panic(err)
	}
}

// Lookup returns the superblock registered under id, if any.
func (r *Registry) Lookup(id inode.SuperblockID) (*Superblock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.byID[id]
	return sb, ok
}
