package inode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDeviceReleaser counts DeviceGet/DevicePut calls so tests can
// confirm inode liveness stays coupled to device liveness (§8 property
// 2) without pulling in vfs/device or vfs/super.
type fakeDeviceReleaser struct {
	gets int
	puts int
}

func (f *fakeDeviceReleaser) DeviceGet(SuperblockID) error { f.gets++; return nil }
func (f *fakeDeviceReleaser) DevicePut(SuperblockID)       { f.puts++ }

// fakeOps is a minimal Ops vtable for exercising Cache/Inode mechanics
// without a real filesystem driver behind it.
type fakeOps struct {
	statType  Type
	truncated int
}

func (o *fakeOps) ReadI(*Inode, []byte, uint32) (int, error)  { return 0, nil }
func (o *fakeOps) WriteI(*Inode, []byte, uint32) (int, error) { return 0, nil }
func (o *fakeOps) StatI(ip *Inode) error {
	ip.Stat = Stat{Type: o.statType, Nlink: 1}
	return nil
}
func (o *fakeOps) DirLookup(*Inode, string) (*Inode, error)   { return nil, nil }
func (o *fakeOps) DirLink(*Inode, string, *Inode) error       { return nil }
func (o *fakeOps) IsDirEmpty(*Inode) (bool, error)            { return true, nil }
func (o *fakeOps) Truncate(ip *Inode) error                   { o.truncated++; return nil }

func TestGet_CacheHitBumpsRefWithoutNewDeviceRef(t *testing.T) {
	dev := &fakeDeviceReleaser{}
	c := NewCache(4, dev)
	ops := &fakeOps{statType: TypeFile}

	ip1 := c.Get(1, 5, ops)
	require.Equal(t, 1, dev.gets)
	require.Equal(t, 1, c.Ref(ip1))

	ip2 := c.Get(1, 5, ops)
	require.Same(t, ip1, ip2)
	require.Equal(t, 1, dev.gets, "cache hit must not take a second device ref")
	require.Equal(t, 2, c.Ref(ip1))
}

func TestGet_DistinctIdentityGetsDistinctSlot(t *testing.T) {
	dev := &fakeDeviceReleaser{}
	c := NewCache(4, dev)
	ops := &fakeOps{statType: TypeFile}

	ip1 := c.Get(1, 5, ops)
	ip2 := c.Get(1, 6, ops)
	require.NotSame(t, ip1, ip2)
	require.Equal(t, 2, dev.gets)
}

func TestGetOrENOMEM_ExhaustedCacheReturnsError(t *testing.T) {
	dev := &fakeDeviceReleaser{}
	c := NewCache(1, dev)
	ops := &fakeOps{statType: TypeFile}

	_, err := c.GetOrENOMEM(1, 1, ops)
	require.NoError(t, err)

	_, err = c.GetOrENOMEM(1, 2, ops)
	require.Error(t, err)
}

func TestGet_ExhaustedCachePanics(t *testing.T) {
	dev := &fakeDeviceReleaser{}
	c := NewCache(1, dev)
	ops := &fakeOps{statType: TypeFile}
	c.Get(1, 1, ops)

	require.Panics(t, func() { c.Get(1, 2, ops) })
}

func TestLock_PanicsOnTypeNoneAfterLoad(t *testing.T) {
	dev := &fakeDeviceReleaser{}
	c := NewCache(4, dev)
	ops := &fakeOps{statType: TypeNone}
	ip := c.Get(1, 1, ops)

	require.Panics(t, func() { ip.Lock() })
}

func TestPut_RefConservationAndDeviceCoupling(t *testing.T) {
	dev := &fakeDeviceReleaser{}
	c := NewCache(4, dev)
	ops := &fakeOps{statType: TypeFile}

	ip := c.Get(1, 1, ops)
	c.Dup(ip)
	require.Equal(t, 2, c.Ref(ip))

	require.NoError(t, c.Put(ip))
	require.Equal(t, 1, c.Ref(ip))
	require.Equal(t, 0, dev.puts, "device ref only drops when the inode ref hits zero")

	require.NoError(t, c.Put(ip))
	require.Equal(t, 0, c.Ref(ip))
	require.Equal(t, 1, dev.puts)
}

func TestPut_TruncatesOnZeroNlinkLastRef(t *testing.T) {
	dev := &fakeDeviceReleaser{}
	c := NewCache(4, dev)
	ops := &fakeOps{statType: TypeFile}

	ip := c.Get(1, 1, ops)
	require.NoError(t, ip.Lock())
	ip.Stat.Nlink = 0
	ip.Unlock()

	require.NoError(t, c.Put(ip))
	require.Equal(t, 1, ops.truncated)
}

func TestPut_DoesNotTruncateWhileOtherRefsOutstanding(t *testing.T) {
	dev := &fakeDeviceReleaser{}
	c := NewCache(4, dev)
	ops := &fakeOps{statType: TypeFile}

	ip := c.Get(1, 1, ops)
	c.Dup(ip)
	require.NoError(t, ip.Lock())
	ip.Stat.Nlink = 0
	ip.Unlock()

	require.NoError(t, c.Put(ip))
	require.Equal(t, 0, ops.truncated, "nlink==0 alone isn't enough; ref must also be the last one")
}
