package unionfs

import (
	"golang.org/x/sync/errgroup"

	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// layerHit is one layer's dirlookup result, used by the fan-out scan in
// DirLookup.
type layerHit struct {
	index int
	ip    *inode.Inode
	err   error
}

// DirLookup implements §4.G step 2-4: walk layers top-to-bottom; the
// first layer yielding a file hit wins outright, while directory hits
// from every layer are collected so deeper layers' entries stay
// discoverable (§8 property 6).
func (d *Driver) DirLookup(dip *inode.Inode, name string) (*inode.Inode, error) {
	m, err := d.metaOf(dip)
	if err != nil {
		return nil, err
	}
	if !m.isDir {
		panic("unionfs: dirlookup on a File union inode")
	}

	hits := make([]layerHit, len(m.perLayer))
	var g errgroup.Group
	for i, underlying := range m.perLayer {
		if underlying == nil {
			continue
		}
		i, underlying := i, underlying
		g.Go(func() error {
			hit, err := underlying.Ops.DirLookup(underlying, name)
			hits[i] = layerHit{index: i, ip: hit, err: err}
			return nil
		})
	}
	_ = g.Wait()

	perLayer := make([]*inode.Inode, len(m.perLayer))
	anyDir := false
	for _, h := range hits {
		if h.ip == nil {
			continue
		}
		if h.ip.Stat.Type != inode.TypeDir {
			// First file hit, top-to-bottom, wins outright. name/dir are
			// captured so a later copy-up can relink the file under the
			// same name once it moves to the top layer.
			return d.newInode(d.sb, &meta{isDir: false, underlying: h.ip, layerIndex: h.index, name: name, dir: m})
		}
		perLayer[h.index] = h.ip
		anyDir = true
	}
	if !anyDir {
		return nil, verrs.New("dirlookup", verrs.ENOENT, name)
	}
	return d.newInode(d.sb, &meta{isDir: true, perLayer: perLayer})
}

// topUnderlying returns the inode StatI/ReadI should delegate to for
// files (the stored underlying) or directories (the first non-nil
// per-layer entry), per §4.G's stati description.
func (m *meta) topUnderlying() *inode.Inode {
	if !m.isDir {
		return m.underlying
	}
	for _, u := range m.perLayer {
		if u != nil {
			return u
		}
	}
	return nil
}

// StatI delegates to the top underlying inode for files; for
// directories it recomputes the merged, deduplicated entry listing
// (§9: union_readi must synthesize this) and reports a synthetic size
// covering it.
func (d *Driver) StatI(ip *inode.Inode) error {
	m, err := d.metaOf(ip)
	if err != nil {
		return err
	}

	if !m.isDir {
		if err := m.underlying.Lock(); err != nil {
			return err
		}
		ip.Stat = m.underlying.Stat
		m.underlying.Unlock()
		return nil
	}

	merged, err := d.mergedEntries(m)
	if err != nil {
		return err
	}
	m.merged = merged
	ip.Stat = inode.Stat{Type: inode.TypeDir, Nlink: 1, Size: uint32(len(merged)) * direntSize}
	return nil
}

// mergedEntries synthesizes the union directory stream: top-to-bottom,
// first occurrence of a name wins (§9 open question on union_readi).
func (d *Driver) mergedEntries(m *meta) ([]dirent, error) {
	seen := map[string]bool{}
	var out []dirent
	for _, underlying := range m.perLayer {
		if underlying == nil {
			continue
		}
		if err := underlying.Lock(); err != nil {
			return nil, err
		}
		n := underlying.Stat.Size / direntSize
		buf := make([]byte, direntSize)
		for i := uint32(0); i < n; i++ {
			if _, err := underlying.Ops.ReadI(underlying, buf, i*direntSize); err != nil {
				underlying.Unlock()
				return nil, err
			}
			de := decodeDirent(buf)
			if de.Inum == 0 || seen[de.Name] {
				continue
			}
			seen[de.Name] = true
			out = append(out, de)
		}
		underlying.Unlock()
	}
	return out, nil
}

// ReadI serves bytes from the merged listing for directories, or
// delegates to the stored underlying inode for files.
func (d *Driver) ReadI(ip *inode.Inode, buf []byte, off uint32) (int, error) {
	m, err := d.metaOf(ip)
	if err != nil {
		return 0, err
	}
	if !m.isDir {
		return m.underlying.Ops.ReadI(m.underlying, buf, off)
	}

	idx := off / direntSize
	n := 0
	for n < len(buf) && int(idx) < len(m.merged) {
		enc := encodeDirent(m.merged[idx])
		copy(buf[n:], enc)
		n += direntSize
		idx++
	}
	return n, nil
}

// WriteI performs copy-up (§4.G, §8 property 7) when writing to a file
// whose underlying inode is not on the top layer, then delegates.
func (d *Driver) WriteI(ip *inode.Inode, buf []byte, off uint32) (int, error) {
	m, err := d.metaOf(ip)
	if err != nil {
		return 0, err
	}
	if m.isDir {
		return 0, verrs.New("writei", verrs.EINVAL, "cannot write a directory")
	}

	if m.layerIndex != TopLayer {
		if err := d.copyUp(m); err != nil {
			return 0, err
		}
	}
	return m.underlying.Ops.WriteI(m.underlying, buf, off)
}

// copyUp streams the old contents onto a freshly allocated top-layer
// inode before the swap, so no data is silently dropped (§4.G's open
// question resolution), links the new inode into the top layer's real
// directory under the file's original name so it survives the union
// mount's own lifetime, then repoints m.underlying/layerIndex at the
// new inode.
func (d *Driver) copyUp(m *meta) error {
	old := m.underlying
	if err := old.Lock(); err != nil {
		return err
	}
	size := old.Stat.Size
	content := make([]byte, size)
	if size > 0 {
		if _, err := old.Ops.ReadI(old, content, 0); err != nil {
			old.Unlock()
			return err
		}
	}
	old.Unlock()

	var topDir *inode.Inode
	if m.dir != nil {
		topDir = m.dir.perLayer[TopLayer]
		if topDir == nil {
			return verrs.New("copyup", verrs.EINVAL, "no top-layer presence for parent directory; directory copy-up is not implemented")
		}
	}

	top := d.layers[TopLayer]
	fresh, err := top.AllocFS.AllocInode(top.Super, inode.TypeFile)
	if err != nil {
		return err
	}
	if err := fresh.Lock(); err != nil {
		return err
	}
	fresh.Stat.Nlink = 1
	fresh.Unlock()
	if len(content) > 0 {
		if _, err := fresh.Ops.WriteI(fresh, content, 0); err != nil {
			return err
		}
	}

	if topDir != nil {
		if err := topDir.Lock(); err != nil {
			return err
		}
		err := topDir.Ops.DirLink(topDir, m.name, fresh)
		topDir.Unlock()
		if err != nil {
			return err
		}
	}

	// The old file remains visible until this swap; only now does the
	// union inode's identity move to the new top-layer inode.
	m.underlying = fresh
	m.layerIndex = TopLayer
	return nil
}

// IsDirEmpty is true iff every present layer directory inode is empty
// (§4.G).
func (d *Driver) IsDirEmpty(ip *inode.Inode) (bool, error) {
	m, err := d.metaOf(ip)
	if err != nil {
		return false, err
	}
	if !m.isDir {
		return false, verrs.New("isdirempty", verrs.ENOTDIR, "")
	}
	for _, underlying := range m.perLayer {
		if underlying == nil {
			continue
		}
		empty, err := underlying.Ops.IsDirEmpty(underlying)
		if err != nil {
			return false, err
		}
		if !empty {
			return false, nil
		}
	}
	return true, nil
}

// DirLink implements the §9 REDESIGN FLAG for union dirlink: create (or
// look up) name on the top layer and link there, propagating errors
// rather than returning the source's undefined "1".
func (d *Driver) DirLink(dip *inode.Inode, name string, child *inode.Inode) error {
	m, err := d.metaOf(dip)
	if err != nil {
		return err
	}
	if !m.isDir {
		panic("unionfs: dirlink on a File union inode")
	}

	top := m.perLayer[TopLayer]
	if top == nil {
		return verrs.New("dirlink", verrs.EINVAL, "no top-layer presence for this directory; directory copy-up is not implemented")
	}

	childMeta, err := d.metaOf(child)
	if err != nil {
		return err
	}
	underlyingChild := childMeta.topUnderlying()
	if underlyingChild == nil {
		return verrs.New("dirlink", verrs.EINVAL, "child has no top-layer underlying inode")
	}
	if err := top.Lock(); err != nil {
		return err
	}
	err = top.Ops.DirLink(top, name, underlyingChild)
	top.Unlock()
	return err
}

// Truncate is unreachable for union inodes: deletion always happens
// through the top layer's own driver, which this package never calls
// Truncate on directly (inode.Cache.Put calls Truncate only when nlink
// has dropped to zero, and union inodes do not own nlink independent of
// their underlying inode).
func (d *Driver) Truncate(ip *inode.Inode) error {
	return nil
}
