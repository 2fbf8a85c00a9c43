package nativefs

import (
	"github.com/aviv-teaching/govfs/vfs/blockio"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// ReadI implements readi: clamp to file length, copy block-aligned spans
// through the buffer cache. Character devices (type DEV) are out of
// scope here (§1 excludes physical device drivers); ReadI/WriteI on a DEV
// inode report EINVAL rather than forwarding to a major-number table that
// does not exist in this module.
func (d *Driver) ReadI(ip *inode.Inode, buf []byte, off uint32) (int, error) {
	if ip.Stat.Type == inode.TypeDev {
		return 0, verrs.New("readi", verrs.EINVAL, "character devices unsupported")
	}
	if off >= ip.Stat.Size {
		return 0, nil
	}
	if uint32(len(buf)) > ip.Stat.Size-off {
		buf = buf[:ip.Stat.Size-off]
	}

	_, addrs, err := d.readDinode(ip.Inum())
	if err != nil {
		return 0, err
	}

	var n int
	for n < len(buf) {
		cur := off + uint32(n)
		blockIdx := cur / blockio.BlockSize
		blockOff := cur % blockio.BlockSize

		bn, err := d.bmapReadOnly(&addrs, blockIdx)
		if err != nil {
			return n, err
		}
		if bn == 0 {
			// Hole: treat as zeros.
			count := min32(uint32(len(buf)-n), blockio.BlockSize-blockOff)
			for i := uint32(0); i < count; i++ {
				buf[uint32(n)+i] = 0
			}
			n += int(count)
			continue
		}

		blk, err := d.blocks.BRead(bn)
		if err != nil {
			return n, err
		}
		count := min32(uint32(len(buf)-n), blockio.BlockSize-blockOff)
		copy(buf[n:uint32(n)+count], blk.Data[blockOff:blockOff+count])
		n += int(count)
	}
	return n, nil
}

// bmapReadOnly is bmap without allocation, for reads past allocated
// direct blocks (holes read as zero).
func (d *Driver) bmapReadOnly(addrs *[NDirect + 1]uint32, n uint32) (uint32, error) {
	if n < NDirect {
		return addrs[n], nil
	}
	n -= NDirect
	if n >= NIndirect {
		panic("bmap: block index out of range")
	}
	if addrs[NDirect] == 0 {
		return 0, nil
	}
	indirect, err := d.blocks.BRead(addrs[NDirect])
	if err != nil {
		return 0, err
	}
	return decodeU32(indirect.Data[n*4 : n*4+4]), nil
}

// WriteI implements writei: bound by MaxFile*BlockSize, extend the file
// and iupdate on growth, route every modified block through the log.
func (d *Driver) WriteI(ip *inode.Inode, buf []byte, off uint32) (int, error) {
	if ip.Stat.Type == inode.TypeDev {
		return 0, verrs.New("writei", verrs.EINVAL, "character devices unsupported")
	}
	if off+uint32(len(buf)) > MaxFile*blockio.BlockSize {
		return 0, verrs.New("writei", verrs.ENOSPC, "write exceeds MAXFILE")
	}

	st, addrs, err := d.readDinode(ip.Inum())
	if err != nil {
		return 0, err
	}

	d.blocks.BeginOp()
	var n int
	for n < len(buf) {
		cur := off + uint32(n)
		blockIdx := cur / blockio.BlockSize
		blockOff := cur % blockio.BlockSize

		bn, err := d.bmap(&addrs, blockIdx)
		if err != nil {
			d.blocks.EndOp()
			return n, err
		}
		blk, err := d.blocks.BRead(bn)
		if err != nil {
			d.blocks.EndOp()
			return n, err
		}
		count := min32(uint32(len(buf)-n), blockio.BlockSize-blockOff)
		copy(blk.Data[blockOff:blockOff+count], buf[n:uint32(n)+count])
		if err := d.blocks.LogWrite(blk); err != nil {
			d.blocks.EndOp()
			return n, err
		}
		n += int(count)
	}

	if off+uint32(n) > st.Size {
		st.Size = off + uint32(n)
	}
	if err := d.writeDinode(ip.Inum(), st, addrs); err != nil {
		d.blocks.EndOp()
		return n, err
	}
	if err := d.blocks.EndOp(); err != nil {
		return n, err
	}
	ip.Stat = st
	return n, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
