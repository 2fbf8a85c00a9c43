package nativefs

import (
	"encoding/binary"

	"github.com/aviv-teaching/govfs/vfs/blockio"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

func decodeU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func (d *Driver) readDinode(inum uint32) (inode.Stat, [NDirect + 1]uint32, error) {
	blk, err := d.blocks.BRead(d.layout.inodeBlock(inum))
	if err != nil {
		return inode.Stat{}, [NDirect + 1]uint32{}, err
	}
	off := d.layout.inodeOffset(inum)
	st, addrs := decodeDinode(blk.Data[off : off+dinodeSize])
	return st, addrs, nil
}

// writeDinode must be called within a BeginOp/EndOp pair.
func (d *Driver) writeDinode(inum uint32, st inode.Stat, addrs [NDirect + 1]uint32) error {
	blockno := d.layout.inodeBlock(inum)
	blk, err := d.blocks.BRead(blockno)
	if err != nil {
		return err
	}
	off := d.layout.inodeOffset(inum)
	copy(blk.Data[off:off+dinodeSize], encodeDinode(st, addrs))
	return d.blocks.LogWrite(blk)
}

// balloc scans the bitmap for a cleared bit, sets it, zeroes the block,
// and returns its number. Must be called within a BeginOp/EndOp pair.
func (d *Driver) balloc() (uint32, error) {
	for bn := uint32(d.layout.dataStart); bn < d.layout.sb.Size; bn++ {
		bitBlockNo := d.layout.bitmapBlock(bn)
		blk, err := d.blocks.BRead(bitBlockNo)
		if err != nil {
			return 0, err
		}
		byteIdx := (bn % (blockio.BlockSize * 8)) / 8
		bitIdx := uint(bn % 8)
		if blk.Data[byteIdx]&(1<<bitIdx) == 0 {
			blk.Data[byteIdx] |= 1 << bitIdx
			if err := d.blocks.LogWrite(blk); err != nil {
				return 0, err
			}
			zero, err := d.blocks.BRead(bn)
			if err != nil {
				return 0, err
			}
			zero.Data = [blockio.BlockSize]byte{}
			if err := d.blocks.LogWrite(zero); err != nil {
				return 0, err
			}
			return bn, nil
		}
	}
	return 0, verrs.New("balloc", verrs.ENOSPC, "no free block")
}

// bfreeLocked clears bn's bitmap bit. Must be called within a
// BeginOp/EndOp pair. Panics if the bit is already clear (§4.E: "panic if
// already clear" — a fatal double-free invariant violation).
func (d *Driver) bfreeLocked(bn uint32) error {
	bitBlockNo := d.layout.bitmapBlock(bn)
	blk, err := d.blocks.BRead(bitBlockNo)
	if err != nil {
		return err
	}
	byteIdx := (bn % (blockio.BlockSize * 8)) / 8
	bitIdx := uint(bn % 8)
	if blk.Data[byteIdx]&(1<<bitIdx) == 0 {
		panic("bfree: block already free")
	}
	blk.Data[byteIdx] &^= 1 << bitIdx
	return d.blocks.LogWrite(blk)
}

// bmap returns the disk block number holding file-relative block n of
// ip, allocating direct or indirect blocks on demand. Must be called
// within a BeginOp/EndOp pair when it may allocate.
func (d *Driver) bmap(addrs *[NDirect + 1]uint32, n uint32) (uint32, error) {
	if n < NDirect {
		if addrs[n] == 0 {
			bn, err := d.balloc()
			if err != nil {
				return 0, err
			}
			addrs[n] = bn
		}
		return addrs[n], nil
	}

	n -= NDirect
	if n >= NIndirect {
		panic("bmap: block index out of range")
	}

	if addrs[NDirect] == 0 {
		bn, err := d.balloc()
		if err != nil {
			return 0, err
		}
		addrs[NDirect] = bn
	}

	indirect, err := d.blocks.BRead(addrs[NDirect])
	if err != nil {
		return 0, err
	}
	bn := decodeU32(indirect.Data[n*4 : n*4+4])
	if bn == 0 {
		bn, err = d.balloc()
		if err != nil {
			return 0, err
		}
		copy(indirect.Data[n*4:n*4+4], encodeU32(bn))
		if err := d.blocks.LogWrite(indirect); err != nil {
			return 0, err
		}
	}
	return bn, nil
}
