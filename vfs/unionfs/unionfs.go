// Package unionfs implements the union (overlay) filesystem driver
// (§4.G): layered directory lookup across N underlying directory inodes,
// copy-up on first write, and a merged directory stream synthesized from
// every layer (§9 REDESIGN FLAG: union_readi must not reject directories).
// Grounded on original_source/kernel/fs/unionfs.c for per-layer semantics
// and on fs/inode/dir.go's fan-out-then-merge shape for the concurrent
// per-layer scan.
package unionfs

import (
	"encoding/binary"
	"sync"

	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/super"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// TopLayer is the index of the top (writable) layer: layers[0].
const TopLayer = 0

// RootInum is the union root directory's inode number in this driver's
// own inode cache.
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

// Layer is one of the union's N_LAYERS underlying mounted directories.
// AllocFS is needed only for the top layer, where copy-up and mkdir
// create new underlying inodes. Release drops the ref New's caller took
// on Root when constructing the union (mount() takes one ref per layer,
// per §4.G).
type Layer struct {
	Root    *inode.Inode
	Super   *super.Superblock
	AllocFS super.Ops
	Release func(*inode.Inode) error
}

// meta is the per-union-inode side record: either a File (one
// underlying inode plus the layer it came from) or a Dir (one optional
// underlying inode per layer). At least one per-layer entry is non-nil
// for a Dir, per §3's UnionInode invariant.
type meta struct {
	isDir bool

	// File fields. name and dir are only meaningful while layerIndex !=
	// TopLayer: they record where this file was found so a later
	// copy-up can link the freshly allocated top-layer inode back into
	// its directory under the same name.
	underlying *inode.Inode
	layerIndex int
	name       string
	dir        *meta

	// Dir fields.
	perLayer []*inode.Inode // len == len(layers); nil entries are absent layers
	merged   []dirent       // recomputed by StatI
}

// Driver is the union filesystem implementation of both super.Ops and
// inode.Ops for one mounted instance.
type Driver struct {
	layers []Layer
	cache  *inode.Cache
	sb     *super.Superblock

	mu       sync.Mutex
	byInum   map[uint32]*meta
	nextInum uint32
}

// New constructs a Driver stacking layers (top-first, per §4.G's
// configuration), with an inode cache of the given size backed by
// registry.
func New(layers []Layer, cacheSize int, registry *super.Registry) *Driver {
	d := &Driver{
		layers:   layers,
		byInum:   make(map[uint32]*meta),
		nextInum: RootInum,
	}
	d.cache = inode.NewCache(cacheSize, registry)

	perLayer := make([]*inode.Inode, len(layers))
	for i, l := range layers {
		perLayer[i] = l.Root
	}
	d.byInum[RootInum] = &meta{isDir: true, perLayer: perLayer}
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

// Start computes the root directory's merged listing.
func (d *Driver) Start(sb *super.Superblock) error {
	sb.RootInum = RootInum
	ip, err := d.GetInode(sb, RootInum)
	if err != nil {
		return err
	}
	defer d.cache.Put(ip)
	// Lock invokes StatI, which recomputes the merged listing; on error
	// Lock has already released the sleep-lock itself.
	if err := ip.Lock(); err != nil {
		return err
	}
	ip.Unlock()
	return nil
}

// Destroy releases the ref this driver holds on every layer's root
// inode (the one ref per layer taken at mount time, per §4.G).
func (d *Driver) Destroy(sb *super.Superblock) error {
	for _, l := range d.layers {
		if l.Release == nil {
			continue
		}
		if err := l.Release(l.Root); err != nil {
			return err
		}
	}
	return nil
}

// AllocInode creates a fresh inode on the top layer's filesystem (used
// by copy-up and by mkdir/create through the union).
func (d *Driver) AllocInode(sb *super.Superblock, typ inode.Type) (*inode.Inode, error) {
	top := d.layers[TopLayer]
	return top.AllocFS.AllocInode(top.Super, typ)
}

// GetInode implements the per-driver iget for union inodes themselves
// (not the underlying layers' own inodes, which are fetched through
// their own drivers).
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

func (d *Driver) metaOf(ip *inode.Inode) (*meta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byInum[ip.Inum()]
	if !ok {
		return nil, verrs.New("unionfs", verrs.ENOENT, "no metadata for inode")
	}
	return m, nil
}

func (d *Driver) newInode(sb *super.Superblock, m *meta) (*inode.Inode, error) {
	inum := d.allocInum()
	d.mu.Lock()
	d.byInum[inum] = m
	d.mu.Unlock()
	return d.GetInode(sb, inum)
}
