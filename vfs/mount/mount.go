// Package mount implements the per-namespace mount table (§4.H): active
// mounts, bind mounts, mount/umount/mount_lookup/pivot_root, and
// namespace clone. Grounded on original_source/kernel/mount_ns.c's
// copy_mount_ns for Clone and original_source/kernel/kmount.c for the
// mount/umount/lookup shapes the distilled spec's §4.H summarizes.
package mount

import (
	"github.com/jacobsa/syncutil"

	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/super"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// PayloadKind distinguishes a device-backed mount from a bind mount.
type PayloadKind int

const (
	PayloadDevice PayloadKind = iota
	PayloadBind
)

// Mount is one node in a namespace's mount tree (§3).
type Mount struct {
	parent     *Mount
	mountpoint *inode.Inode // nil only for a namespace root

	ref int

	Kind       PayloadKind
	Superblock *super.Superblock // PayloadDevice
	BindTarget *inode.Inode      // PayloadBind

	rootInum uint32 // device mounts: the root inode number to fetch via Superblock.Ops
}

// NewDeviceMount builds the Mount payload for a fresh device-backed
// superblock, ready to be linked into a namespace via Namespace.Mount
// (which fills in parent/mountpoint/ref). rootInum is captured from sb at
// construction time since sb.StartOnce may not have run yet.
func NewDeviceMount(sb *super.Superblock) *Mount {
	return &Mount{Kind: PayloadDevice, Superblock: sb, rootInum: sb.RootInum}
}

// NewBindMount builds the Mount payload that re-exposes target at a new
// mountpoint without a separate filesystem, ready to be linked into a
// namespace via Namespace.Mount. The caller must already hold the ref on
// target that the bind mount will own for its lifetime.
func NewBindMount(target *inode.Inode) *Mount {
	return &Mount{Kind: PayloadBind, BindTarget: target}
}

// Parent returns m's parent mount, or nil if m is a namespace root.
func (m *Mount) Parent() *Mount { return m.parent }

// Mountpoint returns the inode m is mounted on, or nil if m is a
// namespace root.
func (m *Mount) Mountpoint() *inode.Inode { return m.mountpoint }

// Namespace is a per-process mount tree: the root mount plus every
// active mount, protected by a single lock held for the duration of any
// structural change (§5: "mount-namespace lock" outranks every other
// lock in the ordering).
type Namespace struct {
	mu     syncutil.InvariantMutex
	root   *Mount
	active []*Mount
}

// NewNamespace constructs a Namespace whose root mount is backed by sb
// (§4.H invariant: root.parent == nil && root.mountpoint == nil).
func NewNamespace(sb *super.Superblock) *Namespace {
	root := &Mount{ref: 1, Kind: PayloadDevice, Superblock: sb, rootInum: sb.RootInum}
	ns := &Namespace{root: root, active: []*Mount{root}}
	ns.mu = syncutil.NewInvariantMutex(ns.checkInvariants)
	return ns
}

// mountPairKey is the (parent, mountpoint) identity that must be unique
// across a namespace's active mounts (§8 property 4); pointers are
// directly comparable in Go, so this needs no unsafe arithmetic.
type mountPairKey struct {
	parent     *Mount
	mountpoint *inode.Inode
}

func (ns *Namespace) checkInvariants() {
	if ns.root.parent != nil || ns.root.mountpoint != nil {
		panic("mount namespace: root has a parent or mountpoint")
	}
	seen := map[mountPairKey]bool{}
	for _, m := range ns.active {
		if m == ns.root {
			continue
		}
		key := mountPairKey{parent: m.parent, mountpoint: m.mountpoint}
		if seen[key] {
			panic("mount namespace: duplicate (parent, mountpoint) in active list")
		}
		seen[key] = true
	}
}

// RootMount returns the namespace's root mount.
func (ns *Namespace) RootMount() *Mount {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.root
}

// Active returns a snapshot of every mount currently linked into ns,
// root included, for callers that need to enumerate the mount table
// (the "mounts" synthetic file, the mounts CLI subcommand).
func (ns *Namespace) Active() []*Mount {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]*Mount, len(ns.active))
	copy(out, ns.active)
	return out
}

// Mount implements mount(): reject if (parent, mountpoint) is already in
// the list, link the new Mount in, and call sb.StartOnce for device
// mounts (§4.H).
func (ns *Namespace) Mount(mountpoint *inode.Inode, parent *Mount, m *Mount) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	for _, existing := range ns.active {
		if existing.parent == parent && sameInode(existing.mountpoint, mountpoint) {
			return verrs.New("mount", verrs.EEXIST, "mountpoint already active")
		}
	}

	m.parent = parent
	m.mountpoint = mountpoint
	m.ref = 1
	ns.active = append(ns.active, m)

	if m.Kind == PayloadDevice && m.Superblock != nil {
		return m.Superblock.StartOnce()
	}
	return nil
}

func sameInode(a, b *inode.Inode) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SuperblockID() == b.SuperblockID() && a.Inum() == b.Inum()
}

// Umount implements umount(): refuse with EBUSY if m.ref is greater than
// the caller's own reference (1), otherwise unlink m from the active
// list. Releasing the mountpoint, bind-target and superblock refs m holds
// is left to the caller (vfs/kernel.State.Umount).
func (ns *Namespace) Umount(m *Mount) error {
	ns.mu.Lock()
	if m.ref > 1 {
		ns.mu.Unlock()
		return verrs.New("umount", verrs.EBUSY, "references still outstanding")
	}
	idx := -1
	for i, cand := range ns.active {
		if cand == m {
			idx = i
			break
		}
	}
	if idx == -1 {
		ns.mu.Unlock()
		return verrs.New("umount", verrs.EINVAL, "not an active mount")
	}
	ns.active = append(ns.active[:idx], ns.active[idx+1:]...)
	ns.mu.Unlock()
	return nil
}

// Put releases one ref taken by Lookup (§4.I step 5 crosses a mountpoint
// on every walk that passes through it; whichever caller stops using the
// resulting Mount must Put it back, the mnt_count/mntput half of a
// lookup/put pair Linux keeps per struct path). No-op below zero so a
// caller that races a concurrent Umount never drives ref negative.
func (ns *Namespace) Put(m *Mount) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if m.ref > 0 {
		m.ref--
	}
}

// Lookup implements mount_lookup: scan for a mount anchored at
// mountpoint under parent (bind mounts match on mountpoint alone),
// returning a new ref.
func (ns *Namespace) Lookup(mountpoint *inode.Inode, parent *Mount) (*Mount, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, m := range ns.active {
		if m == ns.root {
			continue
		}
		if m.Kind == PayloadBind {
			if sameInode(m.mountpoint, mountpoint) {
				m.ref++
				return m, true
			}
			continue
		}
		if m.parent == parent && sameInode(m.mountpoint, mountpoint) {
			m.ref++
			return m, true
		}
	}
	return nil, false
}

// GetMountRoot returns the inode a path resolver should switch to after
// crossing into m: the device superblock's root inode, or the bind
// target, per §4.I step 5.
func (ns *Namespace) GetMountRoot(m *Mount) (*inode.Inode, error) {
	switch m.Kind {
	case PayloadBind:
		return m.BindTarget, nil
	default:
		return m.Superblock.Ops.GetInode(m.Superblock, m.rootInum)
	}
}

// PivotRoot implements pivot_root(): swap the namespace root to newRoot,
// reparenting the old root under putOld, under the mount lock for the
// entire swap (§4.H).
func (ns *Namespace) PivotRoot(newRoot *Mount, putOld *Mount) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	oldRoot := ns.root
	oldRoot.parent = putOld
	oldRoot.mountpoint = nil // the old root keeps no mountpoint identity of its own

	newRoot.parent = nil
	newRoot.mountpoint = nil
	ns.root = newRoot
	return nil
}

// SuperblockRefBumper and InodeRefBumper let Clone bump the shared
// superblock/inode refs it copies into the new tree without this package
// importing vfs/super's registry or vfs/inode's cache directly (both
// would create import cycles back through vfs/kernel).
type SuperblockRefBumper interface {
	Get(sb *super.Superblock)
}
type InodeRefBumper interface {
	Dup(ip *inode.Inode) *inode.Inode
}

// Clone implements clone_namespace (§4.H, §9 supplemented from
// original_source/kernel/mount_ns.c's copy_mount_ns): produce a
// structurally identical tree sharing every VfsSuperblock/VfsInode
// pointer (their refs are bumped, not re-created), with parent pointers
// re-pointed by positional correspondence into the new list.
func (ns *Namespace) Clone(sbs SuperblockRefBumper, ips InodeRefBumper) *Namespace {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	index := make(map[*Mount]*Mount, len(ns.active))
	newActive := make([]*Mount, len(ns.active))
	for i, m := range ns.active {
		nm := &Mount{
			mountpoint: m.mountpoint,
			ref:        1,
			Kind:       m.Kind,
			Superblock: m.Superblock,
			BindTarget: m.BindTarget,
			rootInum:   m.rootInum,
		}
		if nm.Superblock != nil {
			sbs.Get(nm.Superblock)
		}
		if nm.mountpoint != nil {
			nm.mountpoint = ips.Dup(nm.mountpoint)
		}
		if nm.BindTarget != nil {
			nm.BindTarget = ips.Dup(nm.BindTarget)
		}
		index[m] = nm
		newActive[i] = nm
	}
	for i, m := range ns.active {
		if m.parent != nil {
			newActive[i].parent = index[m.parent]
		}
	}

	clone := &Namespace{root: index[ns.root], active: newActive}
	clone.mu = syncutil.NewInvariantMutex(clone.checkInvariants)
	return clone
}
