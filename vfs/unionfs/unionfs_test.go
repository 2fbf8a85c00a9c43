package unionfs

import (
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"github.com/aviv-teaching/govfs/vfs/blockio"
	"github.com/aviv-teaching/govfs/vfs/device"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/nativefs"
	"github.com/aviv-teaching/govfs/vfs/super"
)

var testPort int

// layerFixture is one native filesystem backing a union layer, plus the
// registry/device wiring newLayer needs to tear it down like a real
// mount would.
type layerFixture struct {
	drv      *nativefs.Driver
	sb       *super.Superblock
	registry *super.Registry
}

func newLayerFixture(t *testing.T) *layerFixture {
	t.Helper()
	store := blockio.NewStore(256)
	blocks := blockio.NewCache(store, timeutil.RealClock())
	devices := device.NewTable(4)
	registry := super.NewRegistry(devices)
	drv := nativefs.New(blocks, 256, 256, 64, 16, 2, 18, 30, 32, registry)

	testPort++
	dev, err := devices.GetOrCreate(device.KindLoop, device.Key{Port: testPort}, func() device.Destroyer {
		return func(*device.Device) error { return nil }
	})
	require.NoError(t, err)

	sb := registry.Alloc(dev, drv)
	drv.Attach(sb)
	require.NoError(t, sb.StartOnce())
	return &layerFixture{drv: drv, sb: sb, registry: registry}
}

func (lf *layerFixture) root(t *testing.T) *inode.Inode {
	t.Helper()
	ip, err := lf.drv.GetInode(lf.sb, nativefs.RootInum)
	require.NoError(t, err)
	return ip
}

func (lf *layerFixture) writeFile(t *testing.T, dir *inode.Inode, name, content string) {
	t.Helper()
	require.NoError(t, dir.Lock())
	defer dir.Unlock()

	child, err := lf.drv.AllocInode(lf.sb, inode.TypeFile)
	require.NoError(t, err)
	require.NoError(t, child.Lock())
	child.Stat.Nlink = 1
	_, err = lf.drv.WriteI(child, []byte(content), 0)
	require.NoError(t, err)
	child.Unlock()

	require.NoError(t, lf.drv.DirLink(dir, name, child))
}

// newUnion builds a union Driver stacking up (top) over low (bottom), the
// same two-layer shape vfs/kernel.buildUnionMount wires up for a
// "top;bottom" mount source.
func newUnion(t *testing.T, up, low *layerFixture) (*Driver, *super.Superblock) {
	t.Helper()
	devices := device.NewTable(4)
	registry := super.NewRegistry(devices)

	layers := []Layer{
		{Root: up.root(t), Super: up.sb, AllocFS: up.drv, Release: up.drv.PutInode},
		{Root: low.root(t), Super: low.sb, AllocFS: low.drv, Release: low.drv.PutInode},
	}
	drv := New(layers, 32, registry)

	testPort++
	dev, err := devices.GetOrCreate(device.KindObj, device.Key{Port: testPort}, func() device.Destroyer {
		return func(*device.Device) error { return nil }
	})
	require.NoError(t, err)

	sb := registry.Alloc(dev, drv)
	drv.Attach(sb)
	require.NoError(t, sb.StartOnce())
	return drv, sb
}

func readWhole(t *testing.T, ip *inode.Inode) string {
	t.Helper()
	require.NoError(t, ip.Lock())
	defer ip.Unlock()
	buf := make([]byte, ip.Stat.Size)
	n, err := ip.Ops.ReadI(ip, buf, 0)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestDirLookup_LowerLayerVisibleWhenTopLayerMisses(t *testing.T) {
	up := newLayerFixture(t)
	low := newLayerFixture(t)
	low.writeFile(t, low.root(t), "file", "l0f\n")

	drv, sb := newUnion(t, up, low)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)

	found, err := drv.DirLookup(root, "file")
	require.NoError(t, err)
	require.Equal(t, "l0f\n", readWhole(t, found))
}

func TestDirLookup_TopLayerFileShadowsLowerLayer(t *testing.T) {
	up := newLayerFixture(t)
	low := newLayerFixture(t)
	low.writeFile(t, low.root(t), "file", "from-low")
	up.writeFile(t, up.root(t), "file", "from-up")

	drv, sb := newUnion(t, up, low)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)

	found, err := drv.DirLookup(root, "file")
	require.NoError(t, err)
	require.Equal(t, "from-up", readWhole(t, found))
}

func TestDirLookup_MergesDirectoriesPresentInBothLayers(t *testing.T) {
	up := newLayerFixture(t)
	low := newLayerFixture(t)

	require.NoError(t, low.root(t).Lock())
	lowSub, err := low.drv.AllocInode(low.sb, inode.TypeDir)
	require.NoError(t, err)
	require.NoError(t, lowSub.Lock())
	lowSub.Stat.Nlink = 1
	lowSub.Unlock()
	require.NoError(t, low.drv.DirLink(low.root(t), "sub", lowSub))
	low.root(t).Unlock()

	require.NoError(t, up.root(t).Lock())
	upSub, err := up.drv.AllocInode(up.sb, inode.TypeDir)
	require.NoError(t, err)
	require.NoError(t, upSub.Lock())
	upSub.Stat.Nlink = 1
	upSub.Unlock()
	require.NoError(t, up.drv.DirLink(up.root(t), "sub", upSub))
	up.root(t).Unlock()

	drv, sb := newUnion(t, up, low)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)

	merged, err := drv.DirLookup(root, "sub")
	require.NoError(t, err)
	require.NoError(t, merged.Lock())
	defer merged.Unlock()
	require.Equal(t, inode.TypeDir, merged.Stat.Type, "a directory present in both layers must merge, not shadow")
}

func TestWriteI_CopyUpLeavesLowerLayerUntouchedAndMaterializesOnTop(t *testing.T) {
	up := newLayerFixture(t)
	low := newLayerFixture(t)
	low.writeFile(t, low.root(t), "file", "l0f\n")

	drv, sb := newUnion(t, up, low)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)

	found, err := drv.DirLookup(root, "file")
	require.NoError(t, err)
	require.Equal(t, "l0f\n", readWhole(t, found))

	require.NoError(t, found.Lock())
	_, err = drv.WriteI(found, []byte("X"), 0)
	found.Unlock()
	require.NoError(t, err)
	require.Equal(t, "X0f\n", readWhole(t, found))

	// The lower layer's own copy must be untouched.
	lowFile, err := low.drv.DirLookup(low.root(t), "file")
	require.NoError(t, err)
	require.Equal(t, "l0f\n", readWhole(t, lowFile))

	// The top layer must now carry its own "file", materialized by
	// copy-up, independent of the union mount's lifetime.
	upFile, err := up.drv.DirLookup(up.root(t), "file")
	require.NoError(t, err)
	require.Equal(t, "X0f\n", readWhole(t, upFile))
}

func TestIsDirEmpty_FalseWhenAnyLayerHasAnEntry(t *testing.T) {
	up := newLayerFixture(t)
	low := newLayerFixture(t)

	drv, sb := newUnion(t, up, low)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)

	empty, err := drv.IsDirEmpty(root)
	require.NoError(t, err)
	require.True(t, empty)

	low.writeFile(t, low.root(t), "file", "x")
	empty, err = drv.IsDirEmpty(root)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestDirLink_RequiresTopLayerPresence(t *testing.T) {
	up := newLayerFixture(t)
	low := newLayerFixture(t)

	require.NoError(t, low.root(t).Lock())
	lowSub, err := low.drv.AllocInode(low.sb, inode.TypeDir)
	require.NoError(t, err)
	require.NoError(t, lowSub.Lock())
	lowSub.Stat.Nlink = 1
	lowSub.Unlock()
	require.NoError(t, low.drv.DirLink(low.root(t), "lowonly", lowSub))
	low.root(t).Unlock()

	drv, sb := newUnion(t, up, low)
	root, err := drv.GetInode(sb, RootInum)
	require.NoError(t, err)

	lowonlyDir, err := drv.DirLookup(root, "lowonly")
	require.NoError(t, err)

	child, err := drv.AllocInode(sb, inode.TypeFile)
	require.NoError(t, err)
	require.NoError(t, child.Lock())
	child.Stat.Nlink = 1
	child.Unlock()

	err = drv.DirLink(lowonlyDir, "newfile", child)
	require.Error(t, err, "a directory with no top-layer presence cannot be linked into")
}
