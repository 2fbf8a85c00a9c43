// Package blockio provides a concrete block buffer cache and write-ahead
// log for the native filesystem driver. spec.md treats bread/brelse/
// log_write as external collaborators; this package gives them a real,
// in-process implementation so vfs/nativefs has something to call,
// grounded in the teacher's dirty-buffer-then-Sync pattern for mutable
// content (gcsproxy.MutableObject), adapted from "one remote object" to
// "one fixed-size in-memory block store".
package blockio

import (
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// BlockSize is the fixed block size every device in this module uses.
const BlockSize = 512

// Buf is one cached block: its device-relative block number, its data,
// and whether it has been written since the last commit.
type Buf struct {
	Blockno uint32
	Data    [BlockSize]byte

	dirty bool
}

// BlockDevice is the storage a Cache fronts: a fixed-size array of
// BlockSize-byte blocks addressable by number. Store is the in-memory
// IDE/obj stand-in; InodeBlockDevice backs a loop device with a file (an
// inode) in another mounted filesystem, per §3's loop-device definition.
type BlockDevice interface {
	ReadBlock(blockno uint32) ([BlockSize]byte, error)
	WriteBlock(blockno uint32, data [BlockSize]byte) error
}

// Store is the backing array of blocks for an IDE or object device (the
// disk itself, as far as this package is concerned). A real IDE driver
// would satisfy reads/writes against physical hardware; Store is the
// in-memory stand-in the rest of the VFS core is built and tested
// against (§1 excludes "the physical IDE and object-storage drivers").
type Store struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte
}

// NewStore allocates a Store with nblocks zeroed blocks.
func NewStore(nblocks int) *Store {
	return &Store{blocks: make([][BlockSize]byte, nblocks)}
}

// ReadBlock implements BlockDevice.
func (s *Store) ReadBlock(blockno uint32) ([BlockSize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(blockno) >= len(s.blocks) {
		return [BlockSize]byte{}, verrs.New("bread", verrs.EINVAL, "block out of range")
	}
	return s.blocks[blockno], nil
}

// WriteBlock implements BlockDevice.
func (s *Store) WriteBlock(blockno uint32, data [BlockSize]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(blockno) >= len(s.blocks) {
		return verrs.New("bwrite", verrs.EINVAL, "block out of range")
	}
	s.blocks[blockno] = data
	return nil
}

// Cache is the block buffer cache: bread/brelse plus a write-ahead log
// that batches dirty buffers within a begin_op/end_op transaction and
// commits them to the BlockDevice atomically at end_op, the same
// dirty-then-commit shape gcsproxy.MutableObject uses for its local
// staged copy.
type Cache struct {
	mu    sync.Mutex
	store BlockDevice
	clock timeutil.Clock

	inTxn      bool
	txnDirty   map[uint32]*Buf
	lastCommit time.Time
}

// NewCache constructs a Cache fronting store, stamping log commits with
// clock.
func NewCache(store BlockDevice, clock timeutil.Clock) *Cache {
	return &Cache{store: store, clock: clock, txnDirty: make(map[uint32]*Buf)}
}

// BeginOp starts a log transaction. Writes issued via LogWrite before the
// matching EndOp are buffered and committed together.
func (c *Cache) BeginOp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTxn = true
}

// EndOp commits every buffer staged since BeginOp to the backing Store.
func (c *Cache) EndOp() error {
	c.mu.Lock()
	staged := c.txnDirty
	c.txnDirty = make(map[uint32]*Buf)
	c.inTxn = false
	c.mu.Unlock()

	for _, b := range staged {
		if err := c.store.WriteBlock(b.Blockno, b.Data); err != nil {
			return err
		}
		b.dirty = false
	}

	c.mu.Lock()
	c.lastCommit = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// LastCommit returns the timestamp of the most recent successful EndOp.
func (c *Cache) LastCommit() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCommit
}

// BRead reads block blockno into a fresh Buf (bread).
func (c *Cache) BRead(blockno uint32) (*Buf, error) {
	c.mu.Lock()
	if staged, ok := c.txnDirty[blockno]; ok {
		c.mu.Unlock()
		cp := *staged
		return &cp, nil
	}
	c.mu.Unlock()

	data, err := c.store.ReadBlock(blockno)
	if err != nil {
		return nil, err
	}
	return &Buf{Blockno: blockno, Data: data}, nil
}

// BRelse releases a Buf obtained from BRead. Non-transactional buffer
// caches would use this to drop a pin/refcount; this in-memory
// implementation has nothing further to release.
func (c *Cache) BRelse(b *Buf) {}

// LogWrite stages b as dirty within the current transaction (log_write).
// It is an error to call LogWrite outside a BeginOp/EndOp pair.
func (c *Cache) LogWrite(b *Buf) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTxn {
		return verrs.New("log_write", verrs.EINVAL, "no active transaction")
	}
	b.dirty = true
	cp := *b
	c.txnDirty[b.Blockno] = &cp
	return nil
}
