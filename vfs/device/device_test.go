package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestGetOrCreate_ReusesMatchingSlot(t *testing.T) {
	tbl := NewTable(4)

	d1, err := tbl.GetOrCreate(KindIde, Key{Port: 0}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Ref(d1))

	d2, err := tbl.GetOrCreate(KindIde, Key{Port: 0}, func() Destroyer {
		t.Fatal("mkDestroy should not be invoked on a cache hit")
		return nil
	})
	require.NoError(t, err)
	require.Same(t, d1, d2)
	require.Equal(t, 2, tbl.Ref(d1))
}

func TestGetOrCreate_DistinctKeysGetDistinctSlots(t *testing.T) {
	tbl := NewTable(4)

	d1, err := tbl.GetOrCreate(KindIde, Key{Port: 0}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.NoError(t, err)
	d2, err := tbl.GetOrCreate(KindIde, Key{Port: 1}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.NoError(t, err)
	require.NotSame(t, d1, d2)
}

func TestGetOrCreate_NoFreeSlot(t *testing.T) {
	tbl := NewTable(1)

	_, err := tbl.GetOrCreate(KindIde, Key{Port: 0}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.NoError(t, err)

	_, err = tbl.GetOrCreate(KindIde, Key{Port: 1}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.Error(t, err)
}

func TestPut_RunsDestroyOnlyOnLastRef(t *testing.T) {
	tbl := NewTable(4)
	destroyed := 0

	d, err := tbl.GetOrCreate(KindLoop, Key{Port: 0}, func() Destroyer {
		return func(*Device) error {
			destroyed++
			return nil
		}
	})
	require.NoError(t, err)

	_, err = tbl.GetOrCreate(KindLoop, Key{Port: 0}, func() Destroyer { return nil })
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Ref(d))

	require.NoError(t, tbl.Put(d))
	require.Equal(t, 0, destroyed)
	require.Equal(t, 1, tbl.Ref(d))

	require.NoError(t, tbl.Put(d))
	require.Equal(t, 1, destroyed)
	require.Equal(t, KindNone, d.Kind)
}

func TestPut_SlotIsRecyclableAfterDestroy(t *testing.T) {
	tbl := NewTable(1)

	d, err := tbl.GetOrCreate(KindObj, Key{Port: 0}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.NoError(t, err)
	require.NoError(t, tbl.Put(d))

	// The single slot is KindNone again, so a brand-new device can claim
	// it (§4.A: ref==0 slots are recyclable).
	d2, err := tbl.GetOrCreate(KindObj, Key{Port: 1}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Ref(d2))
}

func TestGet_BumpsRef(t *testing.T) {
	tbl := NewTable(2)
	d, err := tbl.GetOrCreate(KindIde, Key{Port: 0}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.NoError(t, err)

	tbl.Get(d)
	require.Equal(t, 2, tbl.Ref(d))
}

func TestPut_PropagatesSuperblockDestroyError(t *testing.T) {
	tbl := NewTable(1)
	d, err := tbl.GetOrCreate(KindIde, Key{Port: 0}, func() Destroyer {
		return func(*Device) error { return nil }
	})
	require.NoError(t, err)

	d.SuperblockDestroy = func() error { return errBoom }
	require.Equal(t, errBoom, tbl.Put(d))
	// A failed teardown leaves the slot live rather than silently
	// recycled out from under whatever still references it.
	require.Equal(t, KindIde, d.Kind)
}
