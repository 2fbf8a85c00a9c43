// Package synthfs implements the synthetic proc/cgroup-style filesystem
// §9's REDESIGN FLAG calls for: a fixed, generated set of read-only text
// files exposed through the same SuperblockOps/inode.Ops vtables every
// other driver uses, so proc and cgroup mounts need no side-channel path
// string and umount needs no special case for them. Grounded on
// fs/inode/explicit_dir.go's enumerated-children shape (a directory whose
// entries are computed rather than listed from a remote backend) and on
// original_source/kernel/cgroup.h's controller/file names for the cgroup
// variant's content.
package synthfs

import (
	"encoding/binary"
	"sync"

	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/super"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// RootInum is the conventional inode number of a synthetic filesystem's
// root directory.
const RootInum = 1

const direntSize = 2 + 14

type dirent struct {
	Inum uint32
	Name string
}

func encodeDirent(d dirent) []byte {
	buf := make([]byte, direntSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(d.Inum))
	copy(buf[2:16], d.Name)
	return buf
}

func decodeDirent(buf []byte) dirent {
	inum := binary.LittleEndian.Uint16(buf[0:2])
	end := 2
	for end < direntSize && buf[end] != 0 {
		end++
	}
	return dirent{Inum: uint32(inum), Name: string(buf[2:end])}
}

// FileSpec describes one generated file in a synthetic mount's flat root
// directory. Content is called fresh on every read, so a file like
// "mounts" can reflect the live state of whatever it closes over (e.g. a
// mount.Namespace) rather than a snapshot taken at mount time.
type FileSpec struct {
	Name    string
	Content func() []byte
}

// Driver is the synthetic filesystem implementation of both super.Ops and
// inode.Ops for one mounted instance: one flat, fixed, read-only
// directory of generated files. There is no on-disk state and no
// allocator; every "block" is materialized on demand from Content.
type Driver struct {
	files []FileSpec
	cache *inode.Cache
	sb    *super.Superblock

	mu     sync.Mutex
	byName map[string]uint32 // file name -> inum, assigned at New
}

// New constructs a Driver exposing exactly files, top-level only (the
// proc/cgroup style trees §3 and §9 describe have no subdirectories), with
// an inode cache of the given size backed by registry.
func New(files []FileSpec, cacheSize int, registry *super.Registry) *Driver {
	d := &Driver{
		files:  files,
		byName: make(map[string]uint32, len(files)),
	}
	d.cache = inode.NewCache(cacheSize, registry)
	for i, f := range files {
		d.byName[f.Name] = RootInum + 1 + uint32(i)
	}
	return d
}

// Attach records the Superblock this Driver belongs to.
func (d *Driver) Attach(sb *super.Superblock) { d.sb = sb }

// AttachMetrics wires h's inode_cache hit/miss counters to this Driver's
// inode cache, labeled driver.
func (d *Driver) AttachMetrics(h *metrics.Handle, driver string) { d.cache.SetMetrics(h, driver) }

// ---- super.Ops ----

// Start has nothing to format: the root directory and every file inum are
// already fixed by New.
func (d *Driver) Start(sb *super.Superblock) error {
	sb.RootInum = RootInum
	return nil
}

// Destroy has no on-disk or in-memory state of its own to release.
func (d *Driver) Destroy(sb *super.Superblock) error { return nil }

// AllocInode is unsupported: a synthetic mount's file set is fixed at
// construction time, matching /proc and /sys/fs/cgroup's own read-only,
// kernel-generated nature.
func (d *Driver) AllocInode(sb *super.Superblock, typ inode.Type) (*inode.Inode, error) {
	return nil, verrs.New("ialloc", verrs.ENOSPC, "synthfs: fixed file set, cannot allocate")
}

// GetInode implements the per-driver iget.
func (d *Driver) GetInode(sb *super.Superblock, inum uint32) (*inode.Inode, error) {
	return d.cache.GetOrENOMEM(sb.ID, inum, d)
}

// PutInode implements the per-driver iput.
func (d *Driver) PutInode(ip *inode.Inode) error {
	return d.cache.Put(ip)
}

// DupInode bumps ip's ref (idup), for callers that need a second
// independent ref on an inode they already resolved.
func (d *Driver) DupInode(ip *inode.Inode) *inode.Inode {
	return d.cache.Dup(ip)
}

func (d *Driver) fileAt(inum uint32) (FileSpec, bool) {
	if inum == RootInum || inum < RootInum+1 || int(inum-RootInum-1) >= len(d.files) {
		return FileSpec{}, false
	}
	return d.files[inum-RootInum-1], true
}

// ---- inode.Ops ----

// StatI reports the root as a directory sized by its dirent listing, or a
// file sized by its current generated content.
func (d *Driver) StatI(ip *inode.Inode) error {
	if ip.Inum() == RootInum {
		ip.Stat = inode.Stat{Type: inode.TypeDir, Nlink: 1, Size: uint32((2 + len(d.files)) * direntSize)}
		return nil
	}
	f, ok := d.fileAt(ip.Inum())
	if !ok {
		return verrs.New("stat", verrs.ENOENT, "")
	}
	ip.Stat = inode.Stat{Type: inode.TypeFile, Nlink: 1, Size: uint32(len(f.Content()))}
	return nil
}

// ReadI serves either the root's generated dirent listing or a file's
// freshly generated content.
func (d *Driver) ReadI(ip *inode.Inode, buf []byte, off uint32) (int, error) {
	if ip.Inum() == RootInum {
		listing := d.rootListing()
		if off >= uint32(len(listing)) {
			return 0, nil
		}
		return copy(buf, listing[off:]), nil
	}
	f, ok := d.fileAt(ip.Inum())
	if !ok {
		return 0, verrs.New("read", verrs.ENOENT, "")
	}
	content := f.Content()
	if off >= uint32(len(content)) {
		return 0, nil
	}
	return copy(buf, content[off:]), nil
}

func (d *Driver) rootListing() []byte {
	entries := []dirent{{Inum: RootInum, Name: "."}, {Inum: RootInum, Name: ".."}}
	for i, f := range d.files {
		entries = append(entries, dirent{Inum: RootInum + 1 + uint32(i), Name: f.Name})
	}
	out := make([]byte, 0, len(entries)*direntSize)
	for _, e := range entries {
		out = append(out, encodeDirent(e)...)
	}
	return out
}

// WriteI always fails: synthfs trees are read-only, matching /proc and
// /sys/fs/cgroup's own kernel-generated, userspace-read-only files (a few
// real cgroup knobs like cgroup.procs accept writes; this teaching core
// does not model that).
func (d *Driver) WriteI(ip *inode.Inode, buf []byte, off uint32) (int, error) {
	return 0, verrs.New("write", verrs.EINVAL, "synthfs: read-only filesystem")
}

// Truncate is unreachable: nlink never drops for a fixed synthetic file.
func (d *Driver) Truncate(ip *inode.Inode) error { return nil }

// DirLookup resolves name against the fixed file list.
func (d *Driver) DirLookup(dp *inode.Inode, name string) (*inode.Inode, error) {
	if dp.Inum() != RootInum {
		return nil, verrs.New("dirlookup", verrs.ENOTDIR, "")
	}
	if name == "." || name == ".." {
		return d.GetInode(d.sb, RootInum)
	}
	d.mu.Lock()
	inum, ok := d.byName[name]
	d.mu.Unlock()
	if !ok {
		return nil, verrs.New("dirlookup", verrs.ENOENT, name)
	}
	return d.GetInode(d.sb, inum)
}

// DirLink always fails: synthfs's file set is fixed at mount time.
func (d *Driver) DirLink(dp *inode.Inode, name string, child *inode.Inode) error {
	return verrs.New("dirlink", verrs.EINVAL, "synthfs: read-only filesystem")
}

// IsDirEmpty is true only for a synthfs mount exposing no files at all.
func (d *Driver) IsDirEmpty(dp *inode.Inode) (bool, error) {
	return len(d.files) == 0, nil
}
