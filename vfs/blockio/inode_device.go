package blockio

import (
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// InodeBlockDevice adapts a regular file inode in one mounted filesystem
// into the BlockDevice a loop device's blockio.Cache fronts, per §3's
// definition of a loop device: "a synthetic block device whose storage is
// a file (inode) in another filesystem". Reads past the backing file's
// current length return zeroed blocks; writes extend it transparently
// through the owning driver's own WriteI (so loop storage is durable for
// as long as the backing inode is).
type InodeBlockDevice struct {
	backing *inode.Inode
	nblocks uint32
}

// NewInodeBlockDevice wraps backing (already ref'd by the caller for the
// device's lifetime) as a BlockDevice exposing nblocks blocks.
func NewInodeBlockDevice(backing *inode.Inode, nblocks uint32) *InodeBlockDevice {
	return &InodeBlockDevice{backing: backing, nblocks: nblocks}
}

// ReadBlock implements BlockDevice by reading BlockSize bytes at
// blockno*BlockSize from the backing inode.
func (d *InodeBlockDevice) ReadBlock(blockno uint32) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	if blockno >= d.nblocks {
		return out, verrs.New("bread", verrs.EINVAL, "block out of range")
	}
	if err := d.backing.Lock(); err != nil {
		return out, err
	}
	defer d.backing.Unlock()
	n, err := d.backing.Ops.ReadI(d.backing, out[:], blockno*BlockSize)
	if err != nil {
		return out, err
	}
	// A short read past the backing file's current length reads as zeros,
	// the same hole-as-zero convention vfs/nativefs.ReadI uses.
	_ = n
	return out, nil
}

// WriteBlock implements BlockDevice by writing BlockSize bytes at
// blockno*BlockSize into the backing inode, extending it on demand.
func (d *InodeBlockDevice) WriteBlock(blockno uint32, data [BlockSize]byte) error {
	if blockno >= d.nblocks {
		return verrs.New("bwrite", verrs.EINVAL, "block out of range")
	}
	if err := d.backing.Lock(); err != nil {
		return err
	}
	defer d.backing.Unlock()
	_, err := d.backing.Ops.WriteI(d.backing, data[:], blockno*BlockSize)
	return err
}
