// Package pathresolve implements the pathname resolver (§4.I): the
// component-by-component walk that crosses mountpoints via the mount
// namespace and releases every intermediate inode ref it takes along the
// way. Grounded on original_source/kernel/fs/namei.c's path walk and on
// vfs/mount's mount_lookup/get_mount_root shapes the distilled spec's
// §4.I summarizes.
package pathresolve

import (
	"context"
	"strings"
	"time"

	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/mount"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// releaser is the per-driver iput entry point every concrete FS Driver
// implements alongside inode.Ops (nativefs.Driver, objfs.Driver,
// unionfs.Driver all satisfy both). Declaring it locally instead of
// importing vfs/super avoids a super -> pathresolve -> super cycle;
// since a single Driver value backs both vtables, ip.Ops always also
// satisfies this interface in practice.
type releaser interface {
	PutInode(ip *inode.Inode) error
}

func release(ip *inode.Inode) error {
	if r, ok := ip.Ops.(releaser); ok {
		return r.PutInode(ip)
	}
	return nil
}

// Point is a fully resolved (inode, mount) pair plus whether Inode is
// the root inode of Mount — needed to know when a subsequent ".." must
// pop out across the mountpoint rather than dirlookup within the same
// filesystem (§4.I step 3). owned reports whether the resolver itself
// holds a ref on Inode that it must release before moving on: refs
// freshly taken via dirlookup/get_mount_root are owned; the mountpoint
// inode borrowed from a Mount struct while popping across ".." is not
// (that ref belongs to the mount table entry itself, for its own
// lifetime, not to this walk).
type Point struct {
	Inode  *inode.Inode
	Mount  *mount.Mount
	AtRoot bool
	owned  bool

	// ns and mountOwned together mirror owned, but for Mount instead of
	// Inode: mountOwned is true exactly when this Point's Mount ref was
	// freshly bumped by Namespace.Lookup during the walk that produced
	// it (§4.I step 5), as opposed to one inherited from the caller's
	// own starting Point (Root's namespace-root Mount, never Put back,
	// since Lookup itself never bumps the root). ns is carried along
	// only so Release has something to call Put on.
	ns         *mount.Namespace
	mountOwned bool
}

// Root returns the owned Point naming ns's root mount's root inode, the
// starting cwd every shell session and the base case for a path beginning
// with "/".
func Root(ns *mount.Namespace) (Point, error) {
	root := ns.RootMount()
	ip, err := ns.GetMountRoot(root)
	if err != nil {
		return Point{}, err
	}
	return Point{Inode: ip, Mount: root, AtRoot: true, owned: true, ns: ns}, nil
}

// Resolver walks pathnames through one mount namespace.
type Resolver struct {
	ns      *mount.Namespace
	metrics *metrics.Handle
}

// New constructs a Resolver over ns.
func New(ns *mount.Namespace) *Resolver {
	return &Resolver{ns: ns}
}

// WithMetrics attaches h so Resolve records the path-resolution latency
// histogram, and returns r for chaining at the call site.
func (r *Resolver) WithMetrics(h *metrics.Handle) *Resolver {
	r.metrics = h
	return r
}

// Resolve walks path starting from start (typically "/" + the
// namespace's root mount, or a process's cwd + cwdmount), returning the
// final (inode, mount) pair with one outstanding ref on the returned
// Inode. The caller's own refs on start are never released by Resolve.
// On error, every ref taken along the way has already been released.
func (r *Resolver) Resolve(path string, start Point) (Point, error) {
	if r.metrics != nil {
		began := time.Now()
		defer func() {
			r.metrics.RecordResolveLatency(context.Background(), time.Since(began))
		}()
	}
	// The caller keeps its own refs on start; this walk only borrows them.
	cur := start
	cur.owned = false
	cur.mountOwned = false
	for _, name := range splitPath(path) {
		if name == "." {
			continue
		}
		if name == ".." && cur.AtRoot && cur.Mount.Parent() != nil {
			parentMount := cur.Mount.Parent()
			parentInode := cur.Mount.Mountpoint()
			if cur.owned {
				if err := release(cur.Inode); err != nil {
					return Point{}, err
				}
			}
			if cur.mountOwned {
				r.ns.Put(cur.Mount)
			}
			cur = Point{Inode: parentInode, Mount: parentMount, AtRoot: false, owned: false, ns: r.ns}
		}

		next, err := r.step(cur, name)
		if err != nil {
			if cur.owned {
				release(cur.Inode)
			}
			if cur.mountOwned {
				r.ns.Put(cur.Mount)
			}
			return Point{}, err
		}
		if cur.owned {
			if err := release(cur.Inode); err != nil {
				return Point{}, err
			}
		}
		// The mount ref Lookup bumped while crossing into cur.Mount is
		// only still needed if the walk keeps using that same Mount;
		// once it moves on to a different one (a deeper crossing, or a
		// ".." pop handled above), this step's reference is done with it.
		if next.Mount == cur.Mount {
			next.mountOwned = cur.mountOwned
		} else if cur.mountOwned {
			r.ns.Put(cur.Mount)
		}
		cur = next
	}
	return cur, nil
}

// step resolves one path component ("." and pre-popped ".." included —
// every directory driver stores literal "." and ".." dirents, so the
// normal dirlookup path handles them once any mountpoint pop above has
// already repositioned cur) within cur, crossing into a mounted
// filesystem if one is anchored at the result.
func (r *Resolver) step(cur Point, name string) (Point, error) {
	if err := cur.Inode.Lock(); err != nil {
		return Point{}, err
	}
	if cur.Inode.Stat.Type != inode.TypeDir {
		cur.Inode.Unlock()
		return Point{}, verrs.New("resolve", verrs.ENOTDIR, "path component is not a directory")
	}
	child, err := cur.Inode.Ops.DirLookup(cur.Inode, name)
	cur.Inode.Unlock()
	if err != nil {
		return Point{}, err
	}

	if m, ok := r.ns.Lookup(child, cur.Mount); ok {
		root, err := r.ns.GetMountRoot(m)
		if err != nil {
			release(child)
			return Point{}, err
		}
		if err := release(child); err != nil {
			return Point{}, err
		}
		// Device mounts hand back a freshly iget'd root, which this walk
		// must later release; bind mounts hand back the bind target
		// itself (ref taken once, at bind-mount time, for the mount's
		// whole lifetime), which this walk only ever borrows.
		return Point{Inode: root, Mount: m, AtRoot: true, owned: m.Kind != mount.PayloadBind, ns: r.ns, mountOwned: true}, nil
	}

	return Point{Inode: child, Mount: cur.Mount, AtRoot: false, owned: true, ns: r.ns}, nil
}

// Owned reports whether p holds a ref this walk took itself (freshly
// resolved via dirlookup/get_mount_root) as opposed to one borrowed from
// a Mount struct's own permanent ref (a bind target, or the mountpoint
// inode while popping across ".."). Callers that want to keep an inode
// from a resolved Point beyond the walk's own lifetime (vfs/kernel
// pinning a union layer or a bind/loop source) must Dup it first when
// Owned is false.
func (p Point) Owned() bool { return p.owned }

// Release drops the ref a successful Resolve call returned, if any was
// actually taken (a Point that never left its starting mount/inode,
// e.g. resolving "" or "."/".." at the namespace root, owns nothing).
// It releases both halves a walk can own: the resolved inode's cache ref
// and, independently, the Mount ref Namespace.Lookup bumped while
// crossing into it.
func Release(p Point) error {
	if p.mountOwned && p.ns != nil {
		p.ns.Put(p.Mount)
	}
	if p.owned {
		return release(p.Inode)
	}
	return nil
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
