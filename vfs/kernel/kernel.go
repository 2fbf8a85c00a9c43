// Package kernel implements KernelState (§9's design note: "structure
// global state as a single KernelState context passed explicitly"): the
// object that wires the device table, superblock registry, per-FS inode
// caches, and a namespace's root mount together in the init order §9
// prescribes ("device table -> mount-namespace table -> per-FS inode
// caches -> root-mount install -> log init"), and that implements the §6
// external interface (mount/umount/pivot_root/unshare) concrete CLI
// subcommands drive. Grounded on fs.NewServer's single-constructor,
// wire-everything-in-order shape, adapted from "one GCS bucket" to "one
// fixed-size device table serving several pluggable FS drivers."
package kernel

import (
	"sync"

	"github.com/jacobsa/timeutil"

	"github.com/aviv-teaching/govfs/internal/config"
	"github.com/aviv-teaching/govfs/internal/logger"
	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/blockio"
	"github.com/aviv-teaching/govfs/vfs/device"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/mount"
	"github.com/aviv-teaching/govfs/vfs/nativefs"
	"github.com/aviv-teaching/govfs/vfs/pathresolve"
	"github.com/aviv-teaching/govfs/vfs/super"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// defaultTotalBlocks is the block count a native mount uses when its
// source string does not specify one.
const defaultTotalBlocks = 4096

// nativeGeometry derives a fixed §6 on-disk layout for a native FS sized
// at totalBlocks, with room for 200 inodes and a 30-block log -- generous
// enough for this teaching kernel's tests and CLI use, and identical
// across every native mount so two mounts of the same device agree on
// where the log, inode table, and bitmap live.
func nativeGeometry(totalBlocks uint32) (size, nblocks, ninodes, nlog, logstart, inodestart, bmapstart uint32) {
	const dinodeSize = 2 + 2 + 2 + 2 + 4 + (nativefs.NDirect+1)*4
	const ipb = blockio.BlockSize / dinodeSize

	ninodes = 200
	nlog = 30
	logstart = 2
	inodestart = logstart + nlog
	inodeBlocks := (ninodes + ipb - 1) / ipb
	bmapstart = inodestart + inodeBlocks
	size = totalBlocks
	nblocks = totalBlocks
	return
}

// State is one KernelState: the device table, superblock registry, and
// the ambient services (metrics, clock) every mount operation is built
// against. A State may host several independent mount.Namespaces (one
// per "process group" in this teaching kernel's simplified process
// model); State itself holds no namespace -- New returns the boot
// namespace alongside the State.
type State struct {
	devices *device.Table
	supers  *super.Registry
	metrics *metrics.Handle
	clock   timeutil.Clock
	cfg     config.Config

	mu        sync.Mutex
	nextMinor int

	extOnce  sync.Once
	extState *registryExt
}

// New builds a State per the init order §9 prescribes and formats a root
// native filesystem on a fresh in-memory IDE port 0 device (registering
// its block cache so a later "ide:0" mount shares it), installing it as
// the returned namespace's root mount. clk stamps blockio log commits; pass timeutil.RealClock()
// in production and a timeutil.SimulatedClock in tests.
func New(cfg config.Config, metricsHandle *metrics.Handle, clk timeutil.Clock) (*State, *mount.Namespace, error) {
	if metricsHandle == nil {
		metricsHandle = metrics.NewNoop()
	}

	slots := cfg.Devices.IdeSlots + cfg.Devices.LoopSlots + cfg.Devices.ObjSlots
	if slots <= 0 {
		slots = 1
	}
	s := &State{
		devices: device.NewTable(slots),
		metrics: metricsHandle,
		clock:   clk,
		cfg:     cfg,
	}
	s.devices.AttachMetrics(s.metrics)
	s.supers = super.NewRegistry(s.devices)

	dev, err := s.devices.GetOrCreate(device.KindIde, device.Key{Port: 0}, func() device.Destroyer {
		return func(*device.Device) error { return nil }
	})
	if err != nil {
		return nil, nil, err
	}
	size, nblocks, ninodes, nlog, logstart, inodestart, bmapstart := nativeGeometry(defaultTotalBlocks)
	store := blockio.NewStore(int(size))
	cache := blockio.NewCache(store, s.clock)
	s.ext().blockCaches[device.Key{Port: 0}] = &cacheSlot{cache: cache, nblocks: nblocks, size: size, geometry: [5]uint32{ninodes, nlog, logstart, inodestart, bmapstart}}
	driver := nativefs.New(cache, size, nblocks, ninodes, nlog, logstart, inodestart, bmapstart, s.cfg.Devices.InodeCacheSize, s.supers)
	driver.AttachMetrics(s.metrics, "native")

	sb := s.supers.Alloc(dev, driver)
	driver.Attach(sb)
	if err := sb.StartOnce(); err != nil {
		return nil, nil, err
	}

	ns := mount.NewNamespace(sb)
	logger.Infof("kernel: root filesystem ready on ide0 (%d blocks)", size)
	s.metrics.SetActiveMounts(1)
	return s, ns, nil
}

// duper is implemented by every concrete driver alongside inode.Ops, the
// same local-duck-typing trick vfs/pathresolve uses for release: it lets
// State take a second independent ref on an already-resolved inode (idup)
// without importing every driver package or creating an import cycle
// back through vfs/super.
type duper interface {
	DupInode(ip *inode.Inode) *inode.Inode
}

func dup(ip *inode.Inode) *inode.Inode {
	if d, ok := ip.Ops.(duper); ok {
		return d.DupInode(ip)
	}
	return ip
}

type releaser interface {
	PutInode(ip *inode.Inode) error
}

func release(ip *inode.Inode) error {
	if r, ok := ip.Ops.(releaser); ok {
		return r.PutInode(ip)
	}
	return nil
}

// sbOpsOf recovers the super.Ops vtable backing an already-resolved
// inode, regardless of whether the path that reached it crossed a bind
// mount (whose Mount.Superblock is nil): the concrete driver value behind
// ip.Ops always also satisfies super.Ops, since one Driver type backs
// both vtables.
func sbOpsOf(ip *inode.Inode) (super.Ops, bool) {
	ops, ok := ip.Ops.(super.Ops)
	return ops, ok
}

// NewResolver builds a pathresolve.Resolver over ns, wired to s's metrics
// handle so every Resolve call records path-resolution latency. Exported
// so cmd's one-off path lookups (umount's AtRoot check) share the same
// instrumentation as the resolvers Mount/PivotRoot build internally.
func (s *State) NewResolver(ns *mount.Namespace) *pathresolve.Resolver {
	return pathresolve.New(ns).WithMetrics(s.metrics)
}

func (s *State) newMinor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMinor++
	return s.nextMinor
}

var errBadSource = verrs.New("mount", verrs.EINVAL, "malformed device source")
