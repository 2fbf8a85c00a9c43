package objfs

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/super"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// RootInum is the conventional inode number of an object filesystem's
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

// meta is the in-memory record a Driver keeps per inode number: its
// cached Stat and the object-store key holding its content. Content
// itself (file bytes, or a directory's packed dirents) always lives in
// the ObjectStore, mirroring gcsproxy.MutableObject's split between
// locally cached metadata and remotely held bytes.
type meta struct {
	stat inode.Stat
	key  string
}

// Driver is the object-store filesystem implementation of both
// super.Ops and inode.Ops for one mounted instance.
type Driver struct {
	store ObjectStore
	cache *inode.Cache
	sb    *super.Superblock

	mu      sync.Mutex
	byInum  map[uint32]*meta
	nextInum uint32
}

// New constructs a Driver over store, with an inode cache of the given
// size backed by registry.
func New(store ObjectStore, cacheSize int, registry *super.Registry) *Driver {
	d := &Driver{
		store:    store,
		byInum:   make(map[uint32]*meta),
		nextInum: RootInum,
	}
	d.cache = inode.NewCache(cacheSize, registry)
	return d
}

// Attach records the Superblock this Driver belongs to.
func (d *Driver) Attach(sb *super.Superblock) { d.sb = sb }

// AttachMetrics wires h's inode_cache hit/miss counters to this Driver's
// inode cache, labeled driver.
func (d *Driver) AttachMetrics(h *metrics.Handle, driver string) { d.cache.SetMetrics(h, driver) }

func (d *Driver) allocInum() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextInum++
	return d.nextInum
}

// ---- super.Ops ----

// Start ensures the root directory object exists, creating an empty one
// on first use.
func (d *Driver) Start(sb *super.Superblock) error {
	d.mu.Lock()
	_, ok := d.byInum[RootInum]
	d.mu.Unlock()
	if !ok {
		key := uuid.NewString()
		if err := d.store.AddObject(key, nil); err != nil {
			return err
		}
		d.mu.Lock()
		d.byInum[RootInum] = &meta{stat: inode.Stat{Type: inode.TypeDir, Nlink: 1}, key: key}
		if d.nextInum < RootInum {
			d.nextInum = RootInum
		}
		d.mu.Unlock()
		ip, err := d.GetInode(sb, RootInum)
		if err != nil {
			return err
		}
		if err := d.writeDirent(ip, ".", RootInum); err != nil {
			return err
		}
		if err := d.writeDirent(ip, "..", RootInum); err != nil {
			return err
		}
	}
	sb.RootInum = RootInum
	return nil
}

// Destroy has nothing further to release: the ObjectStore outlives this
// Driver only if the caller kept a reference to it outside the mount.
func (d *Driver) Destroy(sb *super.Superblock) error { return nil }

// AllocInode claims a fresh inode number and a fresh backing object.
func (d *Driver) AllocInode(sb *super.Superblock, typ inode.Type) (*inode.Inode, error) {
	inum := d.allocInum()
	key := uuid.NewString()
	if err := d.store.AddObject(key, nil); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.byInum[inum] = &meta{stat: inode.Stat{Type: typ}, key: key}
	d.mu.Unlock()
	return d.GetInode(sb, inum)
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

// ---- inode.Ops ----

func (d *Driver) metaOf(ip *inode.Inode) (*meta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byInum[ip.Inum()]
	if !ok {
		return nil, verrs.New("objfs", verrs.ENOENT, "no metadata for inode")
	}
	return m, nil
}

// StatI reloads ip.Stat from the in-memory metadata table (the object
// store has no independent stat call beyond size; size is recomputed
// from the backing object's length).
func (d *Driver) StatI(ip *inode.Inode) error {
	m, err := d.metaOf(ip)
	if err != nil {
		return err
	}
	size, err := d.store.ObjectSize(m.key)
	if err != nil {
		return err
	}
	m.stat.Size = uint32(size)
	ip.Stat = m.stat
	return nil
}

// ReadI reads a slice of ip's backing object.
func (d *Driver) ReadI(ip *inode.Inode, buf []byte, off uint32) (int, error) {
	m, err := d.metaOf(ip)
	if err != nil {
		return 0, err
	}
	data, err := d.store.GetObject(m.key)
	if err != nil {
		return 0, err
	}
	if off >= uint32(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[off:])
	return n, nil
}

// WriteI rewrites ip's backing object, growing it as needed (object
// stores have no notion of block-aligned extension; the whole object is
// re-materialized through RewriteObject, matching
// gcsproxy.MutableObject.Sync's "write out the whole staged copy"
// approach).
func (d *Driver) WriteI(ip *inode.Inode, buf []byte, off uint32) (int, error) {
	m, err := d.metaOf(ip)
	if err != nil {
		return 0, err
	}
	data, err := d.store.GetObject(m.key)
	if err != nil {
		return 0, err
	}
	end := off + uint32(len(buf))
	if end > uint32(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:end], buf)
	if err := d.store.RewriteObject(m.key, data); err != nil {
		return 0, err
	}

	d.mu.Lock()
	m.stat.Size = uint32(len(data))
	d.mu.Unlock()
	ip.Stat.Size = uint32(len(data))
	return len(buf), nil
}

// Truncate deletes ip's backing object's content by rewriting it empty.
// The object itself (and its key) persists for the inode's lifetime;
// only a fresh AllocInode mints a new key.
func (d *Driver) Truncate(ip *inode.Inode) error {
	m, err := d.metaOf(ip)
	if err != nil {
		return err
	}
	if err := d.store.RewriteObject(m.key, nil); err != nil {
		return err
	}
	d.mu.Lock()
	m.stat = inode.Stat{}
	d.mu.Unlock()
	return nil
}

func (d *Driver) forEachDirent(ip *inode.Inode, visit func(de dirent) (stop bool)) error {
	n := ip.Stat.Size / direntSize
	buf := make([]byte, direntSize)
	for i := uint32(0); i < n; i++ {
		if _, err := d.ReadI(ip, buf, i*direntSize); err != nil {
			return err
		}
		de := decodeDirent(buf)
		if de.Inum == 0 {
			continue
		}
		if visit(de) {
			return nil
		}
	}
	return nil
}

// DirLookup scans dp's dirent blob for name.
func (d *Driver) DirLookup(dp *inode.Inode, name string) (*inode.Inode, error) {
	if dp.Stat.Type != inode.TypeDir {
		return nil, verrs.New("dirlookup", verrs.ENOTDIR, "")
	}
	var found uint32
	err := d.forEachDirent(dp, func(de dirent) bool {
		if de.Name == name {
			found = de.Inum
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == 0 {
		return nil, verrs.New("dirlookup", verrs.ENOENT, name)
	}
	return d.GetInode(d.sb, found)
}

func (d *Driver) writeDirent(dp *inode.Inode, name string, inum uint32) error {
	var slot uint32 = ^uint32(0)
	n := dp.Stat.Size / direntSize
	buf := make([]byte, direntSize)
	for i := uint32(0); i < n; i++ {
		if _, err := d.ReadI(dp, buf, i*direntSize); err != nil {
			return err
		}
		if decodeDirent(buf).Inum == 0 {
			slot = i
			break
		}
	}
	if slot == ^uint32(0) {
		slot = n
	}
	_, err := d.WriteI(dp, encodeDirent(dirent{Inum: inum, Name: name}), slot*direntSize)
	return err
}

// DirLink creates name in dp pointing at child, refusing duplicates.
func (d *Driver) DirLink(dp *inode.Inode, name string, child *inode.Inode) error {
	if len(name) == 0 || len(name) > 14 {
		return verrs.New("dirlink", verrs.EINVAL, "name length out of range")
	}
	existing, err := d.DirLookup(dp, name)
	if err == nil {
		if putErr := d.cache.Put(existing); putErr != nil {
			return putErr
		}
		return verrs.New("dirlink", verrs.EEXIST, name)
	}
	if ve, ok := err.(*verrs.Error); !ok || ve.Kind != verrs.ENOENT {
		return err
	}
	return d.writeDirent(dp, name, child.Inum())
}

// IsDirEmpty reports whether dp has no entries beyond "." and "..".
func (d *Driver) IsDirEmpty(dp *inode.Inode) (bool, error) {
	empty := true
	n := dp.Stat.Size / direntSize
	buf := make([]byte, direntSize)
	for i := uint32(2); i < n; i++ {
		if _, err := d.ReadI(dp, buf, i*direntSize); err != nil {
			return false, err
		}
		if decodeDirent(buf).Inum != 0 {
			empty = false
			break
		}
	}
	return empty, nil
}
