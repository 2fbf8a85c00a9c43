package kernel

import (
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"github.com/aviv-teaching/govfs/internal/config"
	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/mount"
	"github.com/aviv-teaching/govfs/vfs/pathresolve"
	"github.com/aviv-teaching/govfs/vfs/super"
)

func newTestState(t *testing.T) (*State, *mount.Namespace, pathresolve.Point) {
	t.Helper()
	cfg := config.Default()
	s, ns, err := New(cfg, metrics.NewNoop(), timeutil.RealClock())
	require.NoError(t, err)
	cwd, err := pathresolve.Root(ns)
	require.NoError(t, err)
	return s, ns, cwd
}

// mkdirAt creates directory name under dirPath (resolved from cwd) and
// returns the new directory's inode with one outstanding ref, which the
// caller must release.
func mkdirAt(t *testing.T, ns *mount.Namespace, cwd pathresolve.Point, dirPath, name string) *inode.Inode {
	t.Helper()
	resolver := pathresolve.New(ns)
	p, err := resolver.Resolve(dirPath, cwd)
	require.NoError(t, err)
	defer pathresolve.Release(p)

	ops, ok := p.Inode.Ops.(super.Ops)
	require.True(t, ok, "resolved directory's driver must also implement super.Ops")

	require.NoError(t, p.Inode.Lock())
	defer p.Inode.Unlock()

	child, err := ops.AllocInode(p.Mount.Superblock, inode.TypeDir)
	require.NoError(t, err)
	require.NoError(t, child.Lock())
	child.Stat.Nlink = 1
	child.Unlock()
	require.NoError(t, p.Inode.Ops.DirLink(p.Inode, name, child))
	return child
}

// writeFileAt creates (or opens) name under dirPath with content,
// writing it via the resolved directory's own driver. dirPath must
// resolve to a mount whose Mount.Superblock is set (i.e. not reached by
// crossing a bind mount), since allocating a fresh inode requires it;
// overwriteFileAt covers the bind-mount case since it never allocates.
func writeFileAt(t *testing.T, ns *mount.Namespace, cwd pathresolve.Point, dirPath, name, content string) {
	t.Helper()
	resolver := pathresolve.New(ns)
	p, err := resolver.Resolve(dirPath, cwd)
	require.NoError(t, err)
	defer pathresolve.Release(p)

	ops, ok := p.Inode.Ops.(super.Ops)
	require.True(t, ok)
	require.NotNil(t, p.Mount.Superblock, "writeFileAt requires a direct (non-bind) mount")

	require.NoError(t, p.Inode.Lock())
	child, lookupErr := p.Inode.Ops.DirLookup(p.Inode, name)
	if lookupErr != nil {
		child, err = ops.AllocInode(p.Mount.Superblock, inode.TypeFile)
		require.NoError(t, err)
		require.NoError(t, child.Lock())
		child.Stat.Nlink = 1
		child.Unlock()
		require.NoError(t, p.Inode.Ops.DirLink(p.Inode, name, child))
	}
	p.Inode.Unlock()
	defer func() { require.NoError(t, ops.PutInode(child)) }()

	require.NoError(t, child.Lock())
	_, err = child.Ops.WriteI(child, []byte(content), 0)
	child.Unlock()
	require.NoError(t, err)
}

// overwriteFileAt writes content into an already-existing file reached
// by path, without ever allocating a new inode -- safe to use through a
// bind mount, where Mount.Superblock is nil (§4.F: the bind target's own
// driver still satisfies inode.Ops, so WriteI works unchanged).
func overwriteFileAt(t *testing.T, ns *mount.Namespace, cwd pathresolve.Point, path, content string) {
	t.Helper()
	resolver := pathresolve.New(ns)
	p, err := resolver.Resolve(path, cwd)
	require.NoError(t, err)
	defer pathresolve.Release(p)

	require.NoError(t, p.Inode.Lock())
	_, err = p.Inode.Ops.WriteI(p.Inode, []byte(content), 0)
	p.Inode.Unlock()
	require.NoError(t, err)
}

// putInode drops the ref mkdirAt's caller is left holding, via whichever
// driver backs ip (§4.B: PutInode is a no-op for drivers without one).
func putInode(t *testing.T, ip *inode.Inode) {
	t.Helper()
	if ops, ok := sbOpsOf(ip); ok {
		require.NoError(t, ops.PutInode(ip))
	}
}

func readFileAt(t *testing.T, ns *mount.Namespace, cwd pathresolve.Point, path string) string {
	t.Helper()
	resolver := pathresolve.New(ns)
	p, err := resolver.Resolve(path, cwd)
	require.NoError(t, err)
	defer pathresolve.Release(p)

	require.NoError(t, p.Inode.Lock())
	defer p.Inode.Unlock()
	buf := make([]byte, 256)
	n, err := p.Inode.Ops.ReadI(p.Inode, buf, 0)
	require.NoError(t, err)
	return string(buf[:n])
}

// TestScenario_NativeMountShadowsThenReveals mirrors spec.md's S2:
// mounting a fresh native filesystem over a directory shadows its prior
// contents, and unmounting reveals them again unchanged.
func TestScenario_NativeMountShadowsThenReveals(t *testing.T) {
	s, ns, cwd := newTestState(t)

	a := mkdirAt(t, ns, cwd, "/", "a")
	putInode(t, a)
	writeFileAt(t, ns, cwd, "/a", "f", "hello")
	require.Equal(t, "hello", readFileAt(t, ns, cwd, "/a/f"))

	writeFileAt(t, ns, cwd, "/", "backing", "")
	require.NoError(t, s.Mount(ns, cwd, "loop:/backing:64", "/a", ""))

	_, err := pathresolve.New(ns).Resolve("/a/f", cwd)
	require.Error(t, err, "the native mount at /a should shadow the pre-existing file f")

	require.NoError(t, s.Umount(ns, lookupActiveMount(t, ns, cwd, "/a")))
	require.Equal(t, "hello", readFileAt(t, ns, cwd, "/a/f"))
}

// TestScenario_BindMountSharesIdentity mirrors S3: a bind mount exposes
// the same inode identity at a second path, and writes through either
// path are visible via the other.
func TestScenario_BindMountSharesIdentity(t *testing.T) {
	s, ns, cwd := newTestState(t)

	a := mkdirAt(t, ns, cwd, "/", "a")
	putInode(t, a)
	b := mkdirAt(t, ns, cwd, "/", "b")
	putInode(t, b)

	writeFileAt(t, ns, cwd, "/a", "f", "via-a")
	require.NoError(t, s.Mount(ns, cwd, "/a", "/b", "bind"))

	overwriteFileAt(t, ns, cwd, "/b/f", "via-b")
	require.Equal(t, "via-b", readFileAt(t, ns, cwd, "/a/f"))

	require.NoError(t, s.Umount(ns, lookupActiveMount(t, ns, cwd, "/b")))
	require.Equal(t, "via-b", readFileAt(t, ns, cwd, "/a/f"), "umounting the bind leaves /a intact")
}

// TestScenario_UnionShadowsAndCopiesUp mirrors S4: reading through a
// union mount sees the lowest layer's content, and a write triggers
// copy-up onto the top layer, leaving the lower layer unchanged.
func TestScenario_UnionShadowsAndCopiesUp(t *testing.T) {
	s, ns, cwd := newTestState(t)

	low := mkdirAt(t, ns, cwd, "/", "low")
	putInode(t, low)
	writeFileAt(t, ns, cwd, "/low", "file", "l0f\n")

	up := mkdirAt(t, ns, cwd, "/", "up")
	putInode(t, up)
	ut := mkdirAt(t, ns, cwd, "/", "ut")
	putInode(t, ut)

	require.NoError(t, s.Mount(ns, cwd, "/up;/low", "/ut", "union"))

	require.Equal(t, "l0f\n", readFileAt(t, ns, cwd, "/ut/file"))

	writeFileAt(t, ns, cwd, "/ut", "file", "X")
	require.Equal(t, "X", readFileAt(t, ns, cwd, "/ut/file"))

	require.NoError(t, s.Umount(ns, lookupActiveMount(t, ns, cwd, "/ut")))
	require.Equal(t, "X", readFileAt(t, ns, cwd, "/up/file"), "copy-up materialized the write on the top layer")
	require.Equal(t, "l0f\n", readFileAt(t, ns, cwd, "/low/file"), "the lower layer is untouched by copy-up")
}

// TestScenario_PivotRoot mirrors S5: pivoting swaps which filesystem "/"
// names. The old root stays in the mount table, reparented under
// put_old's mount with no mountpoint of its own, so no path reaches it
// after the pivot. Both new_root and put_old must themselves be
// mountpoints (§4.H), so this stacks two fresh native loop filesystems
// under the original root.
func TestScenario_PivotRoot(t *testing.T) {
	s, ns, cwd := newTestState(t)

	newroot := mkdirAt(t, ns, cwd, "/", "newroot")
	putInode(t, newroot)
	writeFileAt(t, ns, cwd, "/", "nr-backing", "")
	require.NoError(t, s.Mount(ns, cwd, "loop:/nr-backing:256", "/newroot", ""))

	oldroot := mkdirAt(t, ns, cwd, "/newroot", "oldroot")
	putInode(t, oldroot)
	writeFileAt(t, ns, cwd, "/", "or-backing", "")
	require.NoError(t, s.Mount(ns, cwd, "loop:/or-backing:256", "/newroot/oldroot", ""))

	newRootMount := lookupActiveMount(t, ns, cwd, "/newroot")

	require.NoError(t, s.PivotRoot(ns, cwd, "/newroot", "/newroot/oldroot"))

	root, err := pathresolve.Root(ns)
	require.NoError(t, err)
	defer pathresolve.Release(root)
	require.True(t, root.AtRoot)
	require.Nil(t, ns.RootMount().Parent())
	require.Same(t, newRootMount, ns.RootMount(),"pivot_root must install new_root as the namespace root")
}

// TestScenario_UmountBusyThenRetrySucceeds mirrors S6: an outstanding
// reference (here, a path-walk ref deliberately not released) makes
// umount fail with EBUSY; releasing it lets a retry succeed.
func TestScenario_UmountBusyThenRetrySucceeds(t *testing.T) {
	s, ns, cwd := newTestState(t)

	a := mkdirAt(t, ns, cwd, "/", "a")
	putInode(t, a)
	writeFileAt(t, ns, cwd, "/", "a-backing", "")
	require.NoError(t, s.Mount(ns, cwd, "loop:/a-backing:64", "/a", ""))

	resolver := pathresolve.New(ns)
	held, err := resolver.Resolve("/a", cwd)
	require.NoError(t, err)

	m := lookupActiveMount(t, ns, cwd, "/a")
	require.Error(t, s.Umount(ns, m), "an outstanding mount ref must block umount")

	require.NoError(t, pathresolve.Release(held))
	require.NoError(t, s.Umount(ns, m))
}

// lookupActiveMount resolves path and returns its Mount without holding
// onto the resolve walk's own transient ref, the same pattern
// cmd/umount.go uses before calling State.Umount.
func lookupActiveMount(t *testing.T, ns *mount.Namespace, cwd pathresolve.Point, path string) *mount.Mount {
	t.Helper()
	resolver := pathresolve.New(ns)
	p, err := resolver.Resolve(path, cwd)
	require.NoError(t, err)
	require.True(t, p.AtRoot)
	m := p.Mount
	require.NoError(t, pathresolve.Release(p))
	return m
}
