package nativefs

import (
	"fmt"
	"time"

	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/ttlcache"
	"github.com/aviv-teaching/govfs/vfs/blockio"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/super"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// RootInum is the conventional inode number of a native filesystem's root
// directory.
const RootInum = 1

// dirLookupTTL bounds how long a (directory, name) -> child-inum mapping
// is trusted before DirLookup falls back to rescanning the directory's
// dirents, so a dirlink/unlink racing on another inode.Cache slot for the
// same directory is never observed stale for long.
const dirLookupTTL = 2 * time.Second

// Driver is the native filesystem implementation of both super.Ops and
// inode.Ops for one mounted instance. One Driver belongs to exactly one
// Superblock.
type Driver struct {
	layout Layout
	blocks *blockio.Cache
	cache  *inode.Cache
	sb     *super.Superblock

	// lookupCache avoids an O(n) dirent scan on every DirLookup for
	// directories that change rarely, keyed by "dirInum/name". Entries
	// are dropped on DirLink rather than updated in place, so a rename
	// or unlink never has to reason about who else may be caching the
	// old mapping.
	lookupCache *ttlcache.Cache[string, uint32]
}

// New constructs a Driver over blocks, described by the given superblock
// fields (vfs/kernel passes the values nativeGeometry computes; nothing is
// read from the device's block 1), with an inode cache of the given size
// backed by registry for device-coupled eviction.
func New(blocks *blockio.Cache, size, nblocks, ninodes, nlog, logstart, inodestart, bmapstart uint32, cacheSize int, registry *super.Registry) *Driver {
	sbFields := onDiskSuperblock{
		Size: size, NBlocks: nblocks, NInodes: ninodes, NLog: nlog,
		LogStart: logstart, InodeStart: inodestart, BmapStart: bmapstart,
	}
	d := &Driver{layout: newLayout(sbFields), blocks: blocks}
	d.cache = inode.NewCache(cacheSize, registry)
	d.lookupCache = ttlcache.New[string, uint32](dirLookupTTL, 0)
	return d
}

func lookupKey(dirInum uint32, name string) string {
	return fmt.Sprintf("%d/%s", dirInum, name)
}

// Attach records the Superblock this Driver belongs to; called once by
// the mount path right after super.Registry.Alloc.
func (d *Driver) Attach(sb *super.Superblock) { d.sb = sb }

// AttachMetrics wires h's inode_cache hit/miss counters to this Driver's
// inode cache, labeled driver.
func (d *Driver) AttachMetrics(h *metrics.Handle, driver string) { d.cache.SetMetrics(h, driver) }

// ---- super.Ops ----

// Start formats a fresh filesystem's root directory if the root inode is
// still unallocated on disk; an already formatted root is left as is.
func (d *Driver) Start(sb *super.Superblock) error {
	st, _, err := d.readDinode(RootInum)
	if err != nil {
		return err
	}
	fresh := st.Type == inode.TypeNone
	if fresh {
		// Claim the root inode on disk before the first Lock, which
		// panics on a type-0 inode.
		d.blocks.BeginOp()
		if err := d.writeDinode(RootInum, inode.Stat{Type: inode.TypeDir, Nlink: 1}, [NDirect + 1]uint32{}); err != nil {
			d.blocks.EndOp()
			return err
		}
		if err := d.blocks.EndOp(); err != nil {
			return err
		}
	}

	ip, err := d.GetInode(sb, RootInum)
	if err != nil {
		return err
	}
	if err := ip.Lock(); err != nil {
		return err
	}
	defer ip.Unlock()

	if fresh {
		if err := d.writeDirent(ip, ".", RootInum, true); err != nil {
			return err
		}
		if err := d.writeDirent(ip, "..", RootInum, true); err != nil {
			return err
		}
	}
	sb.RootInum = RootInum
	return nil
}

// Destroy is a no-op: the in-memory Store backing blocks is released by
// the garbage collector once nothing references it; there is no separate
// teardown step the driver itself must perform.
func (d *Driver) Destroy(sb *super.Superblock) error { return nil }

// AllocInode implements ialloc: scan the on-disk inode table for a
// type==0 slot, claim it by writing the desired type through the log,
// and return it via GetInode.
func (d *Driver) AllocInode(sb *super.Superblock, typ inode.Type) (*inode.Inode, error) {
	for inum := uint32(1); inum < d.layout.sb.NInodes; inum++ {
		st, addrs, err := d.readDinode(inum)
		if err != nil {
			return nil, err
		}
		if st.Type == inode.TypeNone {
			d.blocks.BeginOp()
			st.Type = typ
			if err := d.writeDinode(inum, st, addrs); err != nil {
				d.blocks.EndOp()
				return nil, err
			}
			if err := d.blocks.EndOp(); err != nil {
				return nil, err
			}
			return d.GetInode(sb, inum)
		}
	}
	return nil, verrs.New("ialloc", verrs.ENOSPC, "no free inode")
}

// GetInode implements the per-driver iget.
func (d *Driver) GetInode(sb *super.Superblock, inum uint32) (*inode.Inode, error) {
	return d.cache.GetOrENOMEM(sb.ID, inum, d)
}

// PutInode implements the per-driver iput.
func (d *Driver) PutInode(ip *inode.Inode) error {
	return d.cache.Put(ip)
}

// DupInode bumps ip's ref (idup), for callers (vfs/kernel) that need a
// second independent ref on an inode they already resolved, e.g. when
// pinning a bind-mount target or a loop device's backing file for the
// mount's own lifetime.
func (d *Driver) DupInode(ip *inode.Inode) *inode.Inode {
	return d.cache.Dup(ip)
}

// ---- inode.Ops ----

// StatI implements ilock's load-from-disk step.
func (d *Driver) StatI(ip *inode.Inode) error {
	st, _, err := d.readDinode(ip.Inum())
	if err != nil {
		return err
	}
	ip.Stat = st
	return nil
}

// Truncate frees every block addressed by ip (direct and indirect) and
// zeroes its on-disk inode, leaving type/nlink/size at zero. Called by
// inode.Cache.Put while ip's sleep-lock is held.
func (d *Driver) Truncate(ip *inode.Inode) error {
	_, addrs, err := d.readDinode(ip.Inum())
	if err != nil {
		return err
	}

	d.blocks.BeginOp()
	for i := 0; i < NDirect; i++ {
		if addrs[i] != 0 {
			if err := d.bfreeLocked(addrs[i]); err != nil {
				d.blocks.EndOp()
				return err
			}
		}
	}
	if addrs[NDirect] != 0 {
		indirect, err := d.blocks.BRead(addrs[NDirect])
		if err != nil {
			d.blocks.EndOp()
			return err
		}
		for i := 0; i < NIndirect; i++ {
			bn := decodeU32(indirect.Data[i*4 : i*4+4])
			if bn != 0 {
				if err := d.bfreeLocked(bn); err != nil {
					d.blocks.EndOp()
					return err
				}
			}
		}
		if err := d.bfreeLocked(addrs[NDirect]); err != nil {
			d.blocks.EndOp()
			return err
		}
	}

	if err := d.writeDinode(ip.Inum(), inode.Stat{}, [NDirect + 1]uint32{}); err != nil {
		d.blocks.EndOp()
		return err
	}
	return d.blocks.EndOp()
}
