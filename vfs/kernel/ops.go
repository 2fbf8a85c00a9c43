package kernel

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aviv-teaching/govfs/vfs/blockio"
	"github.com/aviv-teaching/govfs/vfs/device"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/mount"
	"github.com/aviv-teaching/govfs/vfs/nativefs"
	"github.com/aviv-teaching/govfs/vfs/objfs"
	"github.com/aviv-teaching/govfs/vfs/pathresolve"
	"github.com/aviv-teaching/govfs/vfs/super"
	"github.com/aviv-teaching/govfs/vfs/synthfs"
	"github.com/aviv-teaching/govfs/vfs/unionfs"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// mountInfo is State's own side record for an active *mount.Mount: the
// display strings and teardown handles Umount needs that mount.Mount
// itself doesn't carry (it only knows Kind, Superblock, BindTarget).
type mountInfo struct {
	fstype string
	source string
	target string

	dev *device.Device    // nil for bind mounts
	sb  *super.Superblock // nil for bind mounts
}

// cacheSlot is the side-table entry letting two mounts of the "same"
// ide/loop device share one blockio.Cache and Store, per §4.E: the
// on-disk content must be the same regardless of how many times it is
// mounted. Its lifetime is tied 1:1 to the owning device.Device's: built
// inside device.Table's creation closure, torn down inside its Destroyer.
type cacheSlot struct {
	cache    *blockio.Cache
	nblocks  uint32
	size     uint32
	geometry [5]uint32 // ninodes, nlog, logstart, inodestart, bmapstart
}

// registryExt carries the bookkeeping New's bootstrap doesn't need but
// Mount/Umount do: the mount-info table and the native-device cache
// side-table. Folded into State via embedding-by-field rather than a
// second constructor so kernel.go's New stays focused on the boot
// sequence.
type registryExt struct {
	mu        sync.Mutex
	mounts    map[*mount.Mount]*mountInfo
	blockCaches map[device.Key]*cacheSlot
}

func (s *State) ext() *registryExt {
	s.extOnce.Do(func() {
		s.extState = &registryExt{
			mounts:      make(map[*mount.Mount]*mountInfo),
			blockCaches: make(map[device.Key]*cacheSlot),
		}
	})
	return s.extState
}

// inodeDupper adapts State's duck-typed dup helper to mount.InodeRefBumper
// for Namespace.Clone.
type inodeDupper struct{}

func (inodeDupper) Dup(ip *inode.Inode) *inode.Inode { return dup(ip) }

// Mount implements the mount(source_or_options, target_path, fstype)
// syscall (§6): resolve target_path within ns starting at cwd, build the
// fstype-appropriate Mount payload, and link it in.
//
// fstype must be one of "bind", "objfs", "union", "proc", "cgroup", or
// any other string (including ""), which selects the native on-disk
// filesystem with sourceOrOptions parsed as a device spec ("ide:<port>"
// or "loop:<path>[:<nblocks>]"); this module has no sys_mount argument
// parser to hand it raw mount(2) flags (out of scope, per the non-goal
// on argument parsing), so the device spec mini-grammar is this module's
// substitute entry point.
func (s *State) Mount(ns *mount.Namespace, cwd pathresolve.Point, sourceOrOptions, targetPath, fstype string) error {
	resolver := s.NewResolver(ns)
	target, err := resolver.Resolve(targetPath, cwd)
	if err != nil {
		return err
	}
	if err := target.Inode.Lock(); err != nil {
		pathresolve.Release(target)
		return err
	}
	isDir := target.Inode.Stat.Type == inode.TypeDir
	target.Inode.Unlock()
	if !isDir {
		pathresolve.Release(target)
		return verrs.New("mount", verrs.ENOTDIR, "target_path is not a directory")
	}

	m, info, err := s.buildMount(ns, resolver, cwd, sourceOrOptions, fstype)
	if err != nil {
		pathresolve.Release(target)
		return err
	}
	info.target = targetPath
	info.source = sourceOrOptions
	info.fstype = fstype

	// Namespace.Mount takes ownership of target's ref: it becomes the
	// mount entry's mountpoint identity for as long as the mount is
	// active, released only by the matching Umount.
	if err := ns.Mount(target.Inode, target.Mount, m); err != nil {
		s.rollbackMount(info)
		pathresolve.Release(target)
		return err
	}

	e := s.ext()
	e.mu.Lock()
	e.mounts[m] = info
	e.mu.Unlock()
	s.metrics.SetActiveMounts(len(ns.Active()))
	return nil
}

// rollbackMount releases whatever resources buildMount already acquired
// when a later step (here, only Namespace.Mount's (parent, mountpoint)
// uniqueness check) fails.
func (s *State) rollbackMount(info *mountInfo) {
	if info.sb != nil {
		_ = s.supers.Put(info.sb)
	}
	if info.dev != nil {
		_ = s.devices.Put(info.dev)
	}
}

func (s *State) buildMount(ns *mount.Namespace, resolver *pathresolve.Resolver, cwd pathresolve.Point, source, fstype string) (*mount.Mount, *mountInfo, error) {
	switch fstype {
	case "bind":
		return s.buildBindMount(resolver, cwd, source)
	case "objfs":
		return s.buildObjfsMount(source)
	case "union":
		return s.buildUnionMount(resolver, cwd, source)
	case "proc":
		return s.buildSynthMount("proc", s.procFiles(ns))
	case "cgroup":
		return s.buildSynthMount("cgroup", s.cgroupFiles())
	default:
		return s.buildNativeMount(resolver, cwd, source)
	}
}

func (s *State) buildBindMount(resolver *pathresolve.Resolver, cwd pathresolve.Point, source string) (*mount.Mount, *mountInfo, error) {
	p, err := resolver.Resolve(source, cwd)
	if err != nil {
		return nil, nil, err
	}
	// The bind mount owns an independent, permanent ref on the target,
	// distinct from whatever ref the resolve walk itself produced (a
	// bind-mount target reached by crossing another bind mount is only
	// ever borrowed by the resolver, per vfs/pathresolve's Point.owned).
	target := dup(p.Inode)
	if err := pathresolve.Release(p); err != nil {
		release(target)
		return nil, nil, err
	}
	return mount.NewBindMount(target), &mountInfo{}, nil
}

func (s *State) buildObjfsMount(source string) (*mount.Mount, *mountInfo, error) {
	key := device.Key{Port: s.newMinor()}
	dev, err := s.devices.GetOrCreate(device.KindObj, key, func() device.Destroyer {
		return func(*device.Device) error { return nil }
	})
	if err != nil {
		return nil, nil, err
	}
	store := objfs.NewMemStore()
	driver := objfs.New(store, s.cfg.Devices.InodeCacheSize, s.supers)
	driver.AttachMetrics(s.metrics, "objfs")
	sb := s.supers.Alloc(dev, driver)
	driver.Attach(sb)
	if err := sb.StartOnce(); err != nil {
		_ = s.devices.Put(dev)
		return nil, nil, err
	}
	return mount.NewDeviceMount(sb), &mountInfo{dev: dev, sb: sb}, nil
}

func (s *State) buildSynthMount(kind string, files []synthfs.FileSpec) (*mount.Mount, *mountInfo, error) {
	// proc/cgroup mounts have no real backing store, but super.Registry.Alloc
	// unconditionally wires dev.SuperblockDestroy, so they still occupy an
	// Obj-kind device slot purely for device-table bookkeeping uniformity.
	key := device.Key{Port: s.newMinor()}
	dev, err := s.devices.GetOrCreate(device.KindObj, key, func() device.Destroyer {
		return func(*device.Device) error { return nil }
	})
	if err != nil {
		return nil, nil, err
	}
	driver := synthfs.New(files, s.cfg.Devices.InodeCacheSize, s.supers)
	driver.AttachMetrics(s.metrics, kind)
	sb := s.supers.Alloc(dev, driver)
	driver.Attach(sb)
	if err := sb.StartOnce(); err != nil {
		_ = s.devices.Put(dev)
		return nil, nil, err
	}
	return mount.NewDeviceMount(sb), &mountInfo{dev: dev, sb: sb}, nil
}

func (s *State) buildUnionMount(resolver *pathresolve.Resolver, cwd pathresolve.Point, source string) (*mount.Mount, *mountInfo, error) {
	paths := strings.Split(source, ";")
	if len(paths) == 0 || len(paths) > s.cfg.Devices.UnionLayerLimit {
		return nil, nil, verrs.New("mount", verrs.EINVAL, "union: bad layer count")
	}

	layers := make([]unionfs.Layer, 0, len(paths))
	rollback := func() {
		for _, l := range layers {
			if l.Release != nil {
				l.Release(l.Root)
			}
		}
	}

	for _, raw := range paths {
		p, err := resolver.Resolve(strings.TrimSpace(raw), cwd)
		if err != nil {
			rollback()
			return nil, nil, err
		}
		root := p.Inode
		if !p.Owned() {
			root = dup(p.Inode)
			if err := pathresolve.Release(p); err != nil {
				release(root)
				rollback()
				return nil, nil, err
			}
		}
		ops, ok := sbOpsOf(root)
		if !ok {
			release(root)
			rollback()
			return nil, nil, verrs.New("mount", verrs.EINVAL, "union: layer driver missing super.Ops")
		}
		layers = append(layers, unionfs.Layer{
			Root:    root,
			Super:   p.Mount.Superblock,
			AllocFS: ops,
			Release: release,
		})
	}

	key := device.Key{Port: s.newMinor()}
	dev, err := s.devices.GetOrCreate(device.KindObj, key, func() device.Destroyer {
		return func(*device.Device) error { return nil }
	})
	if err != nil {
		rollback()
		return nil, nil, err
	}
	driver := unionfs.New(layers, s.cfg.Devices.InodeCacheSize, s.supers)
	driver.AttachMetrics(s.metrics, "union")
	sb := s.supers.Alloc(dev, driver)
	driver.Attach(sb)
	if err := sb.StartOnce(); err != nil {
		_ = s.devices.Put(dev)
		return nil, nil, err
	}
	return mount.NewDeviceMount(sb), &mountInfo{dev: dev, sb: sb}, nil
}

// buildNativeMount parses source as "ide:<port>[:<nblocks>]" or
// "loop:<path>[:<nblocks>]" and mounts a fresh native filesystem on it,
// reusing an existing blockio.Cache (and hence on-disk content) if this
// exact device is already mounted elsewhere, but always allocating a
// fresh Driver and Superblock, per §4.H's "if payload=Device(d), allocate
// a fresh VfsSuperblock."
func (s *State) buildNativeMount(resolver *pathresolve.Resolver, cwd pathresolve.Point, source string) (*mount.Mount, *mountInfo, error) {
	fields := strings.SplitN(source, ":", 3)
	if len(fields) < 2 {
		return nil, nil, errBadSource
	}
	nblocks := uint32(defaultTotalBlocks)
	if len(fields) == 3 {
		n, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, nil, errBadSource
		}
		nblocks = uint32(n)
	}

	var key device.Key
	var peek *pathresolve.Point
	kind := device.KindIde
	switch fields[0] {
	case "ide":
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, nil, errBadSource
		}
		key = device.Key{Port: port}
	case "loop":
		// Resolve the backing path to learn its identity. This walk's ref
		// is held until GetOrCreate returns, so the second lookup inside
		// mkDestroy (which runs under the device-table lock) finds the
		// inode already cached and never takes a device ref. The
		// held-for-the-device's-lifetime ref is taken inside mkDestroy,
		// which GetOrCreate invokes exactly once, only on first creation.
		p, err := resolver.Resolve(fields[1], cwd)
		if err != nil {
			return nil, nil, err
		}
		key = device.Key{BackingInum: p.Inode.Inum(), BackingSbID: p.Inode.SuperblockID()}
		kind = device.KindLoop
		peek = &p
	default:
		return nil, nil, errBadSource
	}

	e := s.ext()
	var mkErr error
	mkDestroy := func() device.Destroyer {
		// Invoked by device.Table only when claiming a brand-new slot, so
		// this is exactly "first mount of this device": build its
		// blockio.Cache once and register the teardown that undoes it.
		size, _, ninodes, nlog, logstart, inodestart, bmapstart := nativeGeometry(nblocks)

		var bd blockio.BlockDevice
		var backing *inode.Inode
		if kind == device.KindLoop {
			p, err := resolver.Resolve(fields[1], cwd)
			if err != nil {
				mkErr = err
				return func(*device.Device) error { return nil }
			}
			backing = dup(p.Inode)
			if err := pathresolve.Release(p); err != nil {
				mkErr = err
				return func(*device.Device) error { return nil }
			}
			bd = blockio.NewInodeBlockDevice(backing, nblocks)
		} else {
			bd = blockio.NewStore(int(size))
		}

		e.mu.Lock()
		slot := &cacheSlot{cache: blockio.NewCache(bd, s.clock), nblocks: nblocks, geometry: [5]uint32{ninodes, nlog, logstart, inodestart, bmapstart}, size: size}
		e.blockCaches[key] = slot
		e.mu.Unlock()

		return func(*device.Device) error {
			e.mu.Lock()
			delete(e.blockCaches, key)
			e.mu.Unlock()
			if backing != nil {
				return release(backing)
			}
			return nil
		}
	}

	dev, err := s.devices.GetOrCreate(kind, key, mkDestroy)
	if peek != nil {
		_ = pathresolve.Release(*peek)
	}
	if err != nil {
		return nil, nil, err
	}
	if mkErr != nil {
		_ = s.devices.Put(dev)
		return nil, nil, mkErr
	}

	e.mu.Lock()
	slot := e.blockCaches[key]
	e.mu.Unlock()

	g := slot.geometry
	driver := nativefs.New(slot.cache, slot.size, slot.nblocks, g[0], g[1], g[2], g[3], g[4], s.cfg.Devices.InodeCacheSize, s.supers)
	driver.AttachMetrics(s.metrics, "native")
	sb := s.supers.Alloc(dev, driver)
	driver.Attach(sb)
	if err := sb.StartOnce(); err != nil {
		_ = s.devices.Put(dev)
		return nil, nil, err
	}
	return mount.NewDeviceMount(sb), &mountInfo{dev: dev, sb: sb}, nil
}

// Umount implements umount() (§6): fails with EBUSY if the mount has
// outstanding references beyond the caller's own lookup, otherwise
// unlinks it and releases every resource the matching Mount call
// acquired.
func (s *State) Umount(ns *mount.Namespace, m *mount.Mount) error {
	e := s.ext()
	e.mu.Lock()
	info, ok := e.mounts[m]
	e.mu.Unlock()
	if !ok {
		return verrs.New("umount", verrs.EINVAL, "not tracked by this kernel.State")
	}

	mountpoint := m.Mountpoint()
	if err := ns.Umount(m); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.mounts, m)
	e.mu.Unlock()

	if mountpoint != nil {
		if err := release(mountpoint); err != nil {
			return err
		}
	}

	if m.Kind == mount.PayloadBind {
		if err := release(m.BindTarget); err != nil {
			return err
		}
	} else {
		if info.sb != nil {
			if err := s.supers.Put(info.sb); err != nil {
				return err
			}
		}
		if info.dev != nil {
			if err := s.devices.Put(info.dev); err != nil {
				return err
			}
		}
	}

	s.metrics.SetActiveMounts(len(ns.Active()))
	return nil
}

// PivotRoot implements pivot_root(new_root, put_old) (§6): both paths
// must already name the root of an active mount (AtRoot), per §4.H.
func (s *State) PivotRoot(ns *mount.Namespace, cwd pathresolve.Point, newRootPath, putOldPath string) error {
	resolver := s.NewResolver(ns)

	newRoot, err := resolver.Resolve(newRootPath, cwd)
	if err != nil {
		return err
	}
	if err := pathresolve.Release(newRoot); err != nil {
		return err
	}
	if !newRoot.AtRoot {
		return verrs.New("pivot_root", verrs.EINVAL, "new_root is not a mountpoint")
	}

	putOld, err := resolver.Resolve(putOldPath, cwd)
	if err != nil {
		return err
	}
	if err := pathresolve.Release(putOld); err != nil {
		return err
	}
	if !putOld.AtRoot {
		return verrs.New("pivot_root", verrs.EINVAL, "put_old is not a mountpoint")
	}

	return ns.PivotRoot(newRoot.Mount, putOld.Mount)
}

// Unshare implements unshare()/clone_namespace (§4.H): produce a
// structurally identical namespace sharing every mounted filesystem, with
// shared superblock and mountpoint-inode refs bumped rather than
// recreated.
//
// mount.Namespace.Clone builds its new active list by iterating the old
// one in order, so before[i] and after[i] name the same logical mount;
// this is the only way to recover that correspondence, since the clone's
// Mount values are fresh pointers distinct from the originals. Each
// cloned mount gets its own device-table ref, bumped here to match the
// superblock ref Clone already bumped via sbs.Get, so a later Umount of
// either the original or the clone can unconditionally release one of
// each without double-releasing the other's share.
func (s *State) Unshare(ns *mount.Namespace) *mount.Namespace {
	before := ns.Active()
	clone := ns.Clone(s.supers, inodeDupper{})
	after := clone.Active()

	e := s.ext()
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range before {
		if i >= len(after) {
			break
		}
		info, ok := e.mounts[m]
		if !ok {
			continue
		}
		if info.dev != nil {
			s.devices.Get(info.dev)
		}
		e.mounts[after[i]] = &mountInfo{
			fstype: info.fstype, source: info.source, target: info.target,
			dev: info.dev, sb: info.sb,
		}
	}
	return clone
}

// Mounts implements the mounts CLI/§6 "list active mounts" operation,
// formatted one line per mount as "source target fstype", mirroring
// /proc/mounts's column order.
func (s *State) Mounts(ns *mount.Namespace) string {
	e := s.ext()
	var b strings.Builder
	for _, m := range ns.Active() {
		e.mu.Lock()
		info, ok := e.mounts[m]
		e.mu.Unlock()
		if !ok {
			if m.Parent() == nil {
				fmt.Fprintf(&b, "root / native\n")
			}
			continue
		}
		fmt.Fprintf(&b, "%s %s %s\n", info.source, info.target, info.fstype)
	}
	return b.String()
}
