package nativefs

import (
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"github.com/aviv-teaching/govfs/vfs/blockio"
	"github.com/aviv-teaching/govfs/vfs/device"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/super"
)

var testPort int

// newDriver builds a fresh Driver over an in-memory Store, started on a
// real Superblock, the same wiring vfs/kernel.buildNativeMount performs.
func newDriver(t *testing.T, nblocks uint32) (*Driver, *super.Superblock) {
	t.Helper()
	store := blockio.NewStore(int(nblocks))
	blocks := blockio.NewCache(store, timeutil.RealClock())

	devices := device.NewTable(4)
	registry := super.NewRegistry(devices)
	drv := New(blocks, nblocks, nblocks, 64, 16, 2, 18, 30, 32, registry)

	testPort++
	dev, err := devices.GetOrCreate(device.KindLoop, device.Key{Port: testPort}, func() device.Destroyer {
		return func(*device.Device) error { return nil }
	})
	require.NoError(t, err)

	sb := registry.Alloc(dev, drv)
	drv.Attach(sb)
	require.NoError(t, sb.StartOnce())
	return drv, sb
}

// mkdir allocates a directory child and links it into parent as name.
// The caller must already hold parent's lock.
func mkdir(t *testing.T, drv *Driver, sb *super.Superblock, parent *inode.Inode, name string) *inode.Inode {
	t.Helper()

	child, err := drv.AllocInode(sb, inode.TypeDir)
	require.NoError(t, err)
	require.NoError(t, child.Lock())
	child.Stat.Nlink = 1
	child.Unlock()

	require.NoError(t, drv.DirLink(parent, name, child))
	return child
}

func TestStart_FormatsFreshRootDirectory(t *testing.T) {
	drv, sb := newDriver(t, 256)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)

	require.NoError(t, root.Lock())
	defer root.Unlock()
	require.Equal(t, inode.TypeDir, root.Stat.Type)

	empty, err := drv.IsDirEmpty(root)
	require.NoError(t, err)
	require.True(t, empty, "a freshly formatted root has only . and ..")
}

func TestAllocInode_DistinctCallsClaimDistinctInodes(t *testing.T) {
	drv, sb := newDriver(t, 256)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)
	require.NoError(t, root.Lock())

	a := mkdir(t, drv, sb, root, "a")
	b := mkdir(t, drv, sb, root, "b")
	root.Unlock()

	require.NotEqual(t, a.Inum(), b.Inum())
}

func TestDirLookup_FindsLinkedChildAndMissesUnknownName(t *testing.T) {
	drv, sb := newDriver(t, 256)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)
	require.NoError(t, root.Lock())
	a := mkdir(t, drv, sb, root, "a")
	root.Unlock()

	found, err := drv.DirLookup(root, "a")
	require.NoError(t, err)
	require.Equal(t, a.Inum(), found.Inum())

	_, err = drv.DirLookup(root, "nope")
	require.Error(t, err)
}

func TestDirLink_RejectsDuplicateName(t *testing.T) {
	drv, sb := newDriver(t, 256)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)
	require.NoError(t, root.Lock())
	mkdir(t, drv, sb, root, "a")

	other, err := drv.AllocInode(sb, inode.TypeDir)
	require.NoError(t, err)
	require.NoError(t, other.Lock())
	other.Stat.Nlink = 1
	other.Unlock()

	err = drv.DirLink(root, "a", other)
	root.Unlock()
	require.Error(t, err)
}

func TestReadWriteI_RoundTripsThroughBlockBoundaries(t *testing.T) {
	drv, sb := newDriver(t, 256)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)
	require.NoError(t, root.Lock())
	file, err := drv.AllocInode(sb, inode.TypeFile)
	require.NoError(t, err)
	require.NoError(t, file.Lock())
	file.Stat.Nlink = 1
	file.Unlock()
	require.NoError(t, drv.DirLink(root, "f", file))
	root.Unlock()

	content := make([]byte, blockio.BlockSize+37)
	for i := range content {
		content[i] = byte(i)
	}

	require.NoError(t, file.Lock())
	n, err := drv.WriteI(file, content, 0)
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	file.Unlock()

	buf := make([]byte, len(content)+64)
	require.NoError(t, file.Lock())
	n, err = drv.ReadI(file, buf, 0)
	file.Unlock()
	require.NoError(t, err)
	require.Equal(t, len(content), n, "a read past file length must clamp, not zero-pad")
	require.Equal(t, content, buf[:n])
}

func TestReadI_HoleReadsAsZero(t *testing.T) {
	drv, sb := newDriver(t, 256)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)
	require.NoError(t, root.Lock())
	file, err := drv.AllocInode(sb, inode.TypeFile)
	require.NoError(t, err)
	require.NoError(t, file.Lock())
	file.Stat.Nlink = 1
	file.Unlock()
	require.NoError(t, drv.DirLink(root, "sparse", file))
	root.Unlock()

	// Grow the file by writing only at a higher offset (file block 2),
	// leaving blocks 0 and 1 a hole.
	require.NoError(t, file.Lock())
	_, err = drv.WriteI(file, []byte("end"), blockio.BlockSize*2)
	file.Unlock()
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, file.Lock())
	n, err := drv.ReadI(file, buf, 0)
	file.Unlock()
	require.NoError(t, err)
	require.Equal(t, 16, n)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestTruncate_FreesBlocksAndZeroesInode(t *testing.T) {
	drv, sb := newDriver(t, 256)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)
	require.NoError(t, root.Lock())
	file, err := drv.AllocInode(sb, inode.TypeFile)
	require.NoError(t, err)
	require.NoError(t, file.Lock())
	file.Stat.Nlink = 1
	file.Unlock()
	require.NoError(t, drv.DirLink(root, "doomed", file))
	root.Unlock()

	require.NoError(t, file.Lock())
	_, err = drv.WriteI(file, []byte("data"), 0)
	file.Unlock()
	require.NoError(t, err)

	require.NoError(t, file.Lock())
	require.NoError(t, drv.Truncate(file))
	require.NoError(t, drv.StatI(file))
	file.Unlock()
	require.Equal(t, inode.TypeNone, file.Stat.Type)
	require.Equal(t, uint32(0), file.Stat.Size)
}

func TestIsDirEmpty_FalseOnceAChildExists(t *testing.T) {
	drv, sb := newDriver(t, 256)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)
	require.NoError(t, root.Lock())

	empty, err := drv.IsDirEmpty(root)
	require.NoError(t, err)
	require.True(t, empty)

	mkdir(t, drv, sb, root, "x")
	root.Unlock()

	require.NoError(t, root.Lock())
	empty, err = drv.IsDirEmpty(root)
	root.Unlock()
	require.NoError(t, err)
	require.False(t, empty)
}
