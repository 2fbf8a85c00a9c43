package nativefs

import (
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// forEachDirent walks ip's directory content, calling visit for each
// occupied (non-free) slot. visit may return stop=true to end the walk
// early.
func (d *Driver) forEachDirent(ip *inode.Inode, visit func(idx uint32, de dirent) (stop bool)) error {
	n := ip.Stat.Size / direntSize
	buf := make([]byte, direntSize)
	for i := uint32(0); i < n; i++ {
		if _, err := d.ReadI(ip, buf, i*direntSize); err != nil {
			return err
		}
		de := decodeDirent(buf)
		if de.Inum == 0 {
			continue
		}
		if visit(i, de) {
			return nil
		}
	}
	return nil
}

// DirLookup implements dirlookup: consult the lookup cache first, falling
// back to a scan of dp's dirents for name on a miss, returning a new ref
// on the target inode via GetInode.
func (d *Driver) DirLookup(dp *inode.Inode, name string) (*inode.Inode, error) {
	if dp.Stat.Type != inode.TypeDir {
		return nil, verrs.New("dirlookup", verrs.ENOTDIR, "")
	}

	key := lookupKey(dp.Inum(), name)
	if inum, ok := d.lookupCache.Get(key); ok {
		return d.GetInode(d.sb, inum)
	}

	var found *dirent
	err := d.forEachDirent(dp, func(_ uint32, de dirent) bool {
		if de.Name == name {
			f := de
			found = &f
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, verrs.New("dirlookup", verrs.ENOENT, name)
	}
	d.lookupCache.Set(key, found.Inum)
	return d.GetInode(d.sb, found.Inum)
}

// writeDirent appends or overwrites a single directory entry; allowEmpty
// permits writing into a directory whose size is currently zero (the "."
// and ".." bootstrap case in Start).
func (d *Driver) writeDirent(dp *inode.Inode, name string, inum uint32, allowEmpty bool) error {
	var slot uint32 = ^uint32(0)
	n := dp.Stat.Size / direntSize
	buf := make([]byte, direntSize)
	for i := uint32(0); i < n; i++ {
		if _, err := d.ReadI(dp, buf, i*direntSize); err != nil {
			return err
		}
		de := decodeDirent(buf)
		if de.Inum == 0 {
			slot = i
			break
		}
	}
	if slot == ^uint32(0) {
		slot = n
	}
	enc := encodeDirent(dirent{Inum: inum, Name: name})
	_, err := d.WriteI(dp, enc, slot*direntSize)
	return err
}

// DirLink implements dirlink: refuse duplicates, write into the first
// free slot (appending if none).
func (d *Driver) DirLink(dp *inode.Inode, name string, child *inode.Inode) error {
	if err := validDirentName(name); err != nil {
		return err
	}
	existing, err := d.DirLookup(dp, name)
	if err == nil {
		if putErr := d.cache.Put(existing); putErr != nil {
			return putErr
		}
		return verrs.New("dirlink", verrs.EEXIST, name)
	}
	if ve, ok := err.(*verrs.Error); !ok || ve.Kind != verrs.ENOENT {
		return err
	}
	if err := d.writeDirent(dp, name, child.Inum(), false); err != nil {
		return err
	}
	d.lookupCache.Delete(lookupKey(dp.Inum(), name))
	return nil
}

// IsDirEmpty implements isdirempty: true iff every entry beyond "." and
// ".." has inum == 0.
func (d *Driver) IsDirEmpty(dp *inode.Inode) (bool, error) {
	empty := true
	n := dp.Stat.Size / direntSize
	buf := make([]byte, direntSize)
	for i := uint32(2); i < n; i++ {
		if _, err := d.ReadI(dp, buf, i*direntSize); err != nil {
			return false, err
		}
		de := decodeDirent(buf)
		if de.Inum != 0 {
			empty = false
			break
		}
	}
	return empty, nil
}
