// Package nativefs implements the classic Unix-style on-disk filesystem
// driver (§4.E): a bitmap block allocator, direct plus single-indirect
// block addressing, packed dirents, and log-backed writes. It is grounded
// on fs/inode/dir.go's LookUpChild/CreateChildFile/CreateChildDir/
// DeleteChildFile for the Go-idiomatic shape of directory operations, and
// on original_source/kernel/fs/native_fs.c for exact on-disk semantics.
package nativefs

import (
	"encoding/binary"

	"github.com/aviv-teaching/govfs/vfs/blockio"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

const (
	// NDirect is the number of direct block addresses in a native inode.
	NDirect = 12
	// NIndirect is the number of block addresses an indirect block holds.
	NIndirect = blockio.BlockSize / 4
	// MaxFile is the largest file size, in blocks, a native inode can address.
	MaxFile = NDirect + NIndirect

	dinodeSize = 2 + 2 + 2 + 2 + 4 + (NDirect+1)*4
	direntSize = 2 + 14
)

// onDiskSuperblock mirrors §6's little-endian superblock layout at block 1.
type onDiskSuperblock struct {
	Size       uint32
	NBlocks    uint32
	NInodes    uint32
	NLog       uint32
	LogStart   uint32
	InodeStart uint32
	BmapStart  uint32
}

// Layout derives the block ranges the driver needs from an
// onDiskSuperblock: how many inodes per block (IPB) and where the data
// region begins.
type Layout struct {
	sb onDiskSuperblock
	// ipb is inodes-per-block.
	ipb uint32
	// dataStart is the first data block, right after the bitmap region.
	dataStart uint32
	// nbitmap is the number of bitmap blocks covering sb.Size blocks.
	nbitmap uint32
}

func newLayout(sb onDiskSuperblock) Layout {
	ipb := uint32(blockio.BlockSize / dinodeSize)
	nbitmap := (sb.Size + blockio.BlockSize*8 - 1) / (blockio.BlockSize * 8)
	return Layout{
		sb:        sb,
		ipb:       ipb,
		dataStart: sb.BmapStart + nbitmap,
		nbitmap:   nbitmap,
	}
}

func (l Layout) inodeBlock(inum uint32) uint32 {
	return l.sb.InodeStart + inum/l.ipb
}

func (l Layout) inodeOffset(inum uint32) uint32 {
	return (inum % l.ipb) * dinodeSize
}

func (l Layout) bitmapBlock(blockno uint32) uint32 {
	return l.sb.BmapStart + blockno/(blockio.BlockSize*8)
}

// encodeDinode writes st into a dinodeSize-byte slot.
func encodeDinode(st inode.Stat, addrs [NDirect + 1]uint32) []byte {
	buf := make([]byte, dinodeSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(st.Type))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(st.Major))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(st.Minor))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(st.Nlink))
	binary.LittleEndian.PutUint32(buf[8:12], st.Size)
	for i, a := range addrs {
		off := 12 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], a)
	}
	return buf
}

func decodeDinode(buf []byte) (inode.Stat, [NDirect + 1]uint32) {
	st := inode.Stat{
		Type:  inode.Type(binary.LittleEndian.Uint16(buf[0:2])),
		Major: int16(binary.LittleEndian.Uint16(buf[2:4])),
		Minor: int16(binary.LittleEndian.Uint16(buf[4:6])),
		Nlink: int16(binary.LittleEndian.Uint16(buf[6:8])),
		Size:  binary.LittleEndian.Uint32(buf[8:12]),
	}
	var addrs [NDirect + 1]uint32
	for i := range addrs {
		off := 12 + i*4
		addrs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return st, addrs
}

// dirent mirrors §6's on-disk directory entry: a 16-bit inum and a
// 14-byte name; inum == 0 marks a free slot.
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

func validDirentName(name string) error {
	if len(name) == 0 || len(name) > 14 {
		return verrs.New("dirlink", verrs.EINVAL, "name length out of range")
	}
	return nil
}
