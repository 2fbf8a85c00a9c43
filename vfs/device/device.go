// Package device implements the fixed-size device table (§4.A) that
// brokers ownership of IDE, loop, and object-store devices and wires them
// to superblocks. Destruction runs with the table lock released, exactly
// the "drop-lock, finalize, reacquire, decrement" pattern the VFS core
// uses everywhere a teardown may itself call back into the cache.
package device

import (
	"github.com/jacobsa/syncutil"

	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/inode"
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// Kind identifies the three device variants a slot may hold.
type Kind int

const (
	KindNone Kind = iota
	KindIde
	KindLoop
	KindObj
)

// String names a Kind for metric labels.
func (k Kind) String() string {
	switch k {
	case KindIde:
		return "ide"
	case KindLoop:
		return "loop"
	case KindObj:
		return "obj"
	default:
		return "none"
	}
}

// Key distinguishes devices of the same Kind: an IDE port number, the
// backing inode of a loop device, or a per-mount minor number (in Port)
// for object devices.
type Key struct {
	Port         int
	BackingInum  uint32
	BackingSbID  inode.SuperblockID
}

// Destroyer is called once, with the table lock released, when a device's
// ref count reaches zero. For loop devices it releases the backing inode
// ref taken at creation; for IDE/obj devices it is typically a no-op
// closure.
type Destroyer func(d *Device) error

// Device is one table slot: a live device, its identity, and the
// superblock it hosts (assigned once by the mount path).
type Device struct {
	Kind Kind
	Key  Key
	ID   int

	ref     int
	destroy Destroyer

	// SuperblockDestroy is invoked before destroy, tearing down the
	// filesystem hosted on this device (§4.A: "drop the lock, call
	// sb.destroy(sb)... then d.ops.destroy(d)").
	SuperblockDestroy func() error
}

// Table is the fixed-size, spinlock-protected array of device slots.
type Table struct {
	mu     syncutil.InvariantMutex
	slots  []*Device
	nextID int

	metrics *metrics.Handle
}

// NewTable constructs a Table with room for size device slots.
func NewTable(size int) *Table {
	t := &Table{slots: make([]*Device, size)}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

// AttachMetrics wires h's device.ref_count gauge to every subsequent
// GetOrCreate/Get/Put on t. Safe to call once, before the table is
// shared with other goroutines (matches the rest of this table's own
// not-safe-for-concurrent-setup convention).
func (t *Table) AttachMetrics(h *metrics.Handle) {
	t.metrics = h
}

func (t *Table) recordRef(kind Kind, id int, ref int) {
	if t.metrics == nil {
		return
	}
	t.metrics.SetDeviceRef(kind.String(), id, ref)
}

func (t *Table) checkInvariants() {
	seen := map[Key]bool{}
	for _, d := range t.slots {
		if d == nil || d.Kind == KindNone {
			continue
		}
		if d.ref < 0 {
			panic("device table: negative ref")
		}
		if d.ref == 0 {
			panic("device table: ref==0 slot not recycled to KindNone")
		}
		k := d.Key
		k.Port = d.Kind.hashSalt() + k.Port // disambiguate kind within map key
		if seen[k] {
			panic("device table: duplicate (kind, key) live simultaneously")
		}
		seen[k] = true
	}
}

func (k Kind) hashSalt() int { return int(k) * 1_000_000 }

// GetOrCreate implements get_or_create: scan for a slot matching (kind,
// key); bump its ref and return it if found, else claim a free slot,
// invoking mkDestroy to build its Destroyer. mkDestroy runs under this
// table's lock and only when a new slot is claimed; for loop devices it
// is where the caller takes the independent ref on the backing inode that
// the device holds for its lifetime (the lookup-or-create decision itself
// happens under this table's lock, per the atomicity note in §3).
func (t *Table) GetOrCreate(kind Kind, key Key, mkDestroy func() Destroyer) (*Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range t.slots {
		if d != nil && d.Kind == kind && d.Key == key {
			d.ref++
			t.recordRef(d.Kind, d.ID, d.ref)
			return d, nil
		}
	}

	for i, d := range t.slots {
		if d == nil || d.Kind == KindNone {
			t.nextID++
			nd := &Device{
				Kind:    kind,
				Key:     key,
				ID:      t.nextID,
				ref:     1,
				destroy: mkDestroy(),
			}
			t.slots[i] = nd
			t.recordRef(nd.Kind, nd.ID, nd.ref)
			return nd, nil
		}
	}

	return nil, verrs.New("get_or_create", verrs.ENOMEM, "no free device slot")
}

// Get bumps d's ref under the table lock. Precondition: d.ref > 0.
func (t *Table) Get(d *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d.ref <= 0 {
		panic("device_get: ref <= 0")
	}
	d.ref++
	t.recordRef(d.Kind, d.ID, d.ref)
}

// Put implements device_put: when the ref about to be dropped is the last
// one, the table lock is released before running the (possibly
// expensive, possibly blocking) superblock and device teardown, then
// reacquired to finalize the slot as KindNone.
func (t *Table) Put(d *Device) error {
	t.mu.Lock()
	last := d.ref == 1
	t.mu.Unlock()

	if !last {
		t.mu.Lock()
		d.ref--
		t.mu.Unlock()
		t.recordRef(d.Kind, d.ID, d.ref)
		return nil
	}

	if d.SuperblockDestroy != nil {
		if err := d.SuperblockDestroy(); err != nil {
			return err
		}
	}
	if d.destroy != nil {
		if err := d.destroy(d); err != nil {
			return err
		}
	}

	prevKind := d.Kind
	t.mu.Lock()
	d.ref = 0
	d.Kind = KindNone
	t.mu.Unlock()
	t.recordRef(prevKind, d.ID, 0)
	return nil
}

// Ref returns d's current reference count.
func (t *Table) Ref(d *Device) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return d.ref
}
