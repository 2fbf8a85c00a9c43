package super

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aviv-teaching/govfs/vfs/device"
	"github.com/aviv-teaching/govfs/vfs/inode"
)

var errBoom = errors.New("boom")

// fakeOps is a minimal super.Ops vtable for exercising Registry mechanics
// without a real filesystem driver behind it.
type fakeOps struct {
	starts     int
	startErr   error
	destroys   int
	destroyErr error
}

func (o *fakeOps) AllocInode(*Superblock, inode.Type) (*inode.Inode, error) { return nil, nil }
func (o *fakeOps) GetInode(*Superblock, uint32) (*inode.Inode, error)       { return nil, nil }
func (o *fakeOps) PutInode(*inode.Inode) error                              { return nil }
func (o *fakeOps) Start(sb *Superblock) error {
	o.starts++
	return o.startErr
}
func (o *fakeOps) Destroy(sb *Superblock) error {
	o.destroys++
	return o.destroyErr
}

var testPort int

func newDevice(t *testing.T, devices *device.Table) *device.Device {
	t.Helper()
	testPort++
	d, err := devices.GetOrCreate(device.KindObj, device.Key{Port: testPort}, func() device.Destroyer {
		return func(*device.Device) error { return nil }
	})
	require.NoError(t, err)
	return d
}

func TestStartOnce_CallsOpsStartExactlyOnce(t *testing.T) {
	devices := device.NewTable(4)
	r := NewRegistry(devices)
	ops := &fakeOps{}
	sb := r.Alloc(newDevice(t, devices), ops)

	require.NoError(t, sb.StartOnce())
	require.NoError(t, sb.StartOnce())
	require.Equal(t, 1, ops.starts)
}

func TestGet_BumpsRefAndPanicsOnDeadSuperblock(t *testing.T) {
	devices := device.NewTable(4)
	r := NewRegistry(devices)
	sb := r.Alloc(newDevice(t, devices), &fakeOps{})

	r.Get(sb)
	require.NoError(t, r.Put(sb))
	require.NoError(t, r.Put(sb))

	require.Panics(t, func() { r.Get(sb) })
}

func TestPut_RunsDestroyOnlyOnceOnLastRef(t *testing.T) {
	devices := device.NewTable(4)
	r := NewRegistry(devices)
	ops := &fakeOps{}
	sb := r.Alloc(newDevice(t, devices), ops)

	r.Get(sb)
	require.NoError(t, r.Put(sb))
	require.Equal(t, 0, ops.destroys, "destroy must not run while a ref remains outstanding")

	require.NoError(t, r.Put(sb))
	require.Equal(t, 1, ops.destroys)
}

func TestPut_PropagatesDestroyError(t *testing.T) {
	devices := device.NewTable(4)
	r := NewRegistry(devices)
	ops := &fakeOps{destroyErr: errBoom}
	sb := r.Alloc(newDevice(t, devices), ops)

	require.Equal(t, errBoom, r.Put(sb))
}

func TestLookup_FindsAllocatedSuperblock(t *testing.T) {
	devices := device.NewTable(4)
	r := NewRegistry(devices)
	sb := r.Alloc(newDevice(t, devices), &fakeOps{})

	found, ok := r.Lookup(sb.ID)
	require.True(t, ok)
	require.Same(t, sb, found)

	_, ok = r.Lookup(sb.ID + 1)
	require.False(t, ok)
}

func TestDeviceGetDevicePut_CoupleDeviceRefToSuperblockIdentity(t *testing.T) {
	devices := device.NewTable(4)
	r := NewRegistry(devices)
	dev := newDevice(t, devices)
	sb := r.Alloc(dev, &fakeOps{})

	require.NoError(t, r.DeviceGet(sb.ID))
	require.Equal(t, 2, devices.Ref(dev))

	r.DevicePut(sb.ID)
	require.Equal(t, 1, devices.Ref(dev))
}

func TestDeviceGet_UnknownSuperblockErrors(t *testing.T) {
	devices := device.NewTable(4)
	r := NewRegistry(devices)
	require.Error(t, r.DeviceGet(999))
}
