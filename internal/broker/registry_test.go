package broker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
)

func TestRegistryAddRemoveLookup(t *testing.T) {
	r := NewRegistry()
	cid := rdm.NewCID()
	uid := rdm.UID{Manufacturer: 0x1234, Device: 1}
	rec := &ClientRecord{CID: cid, Entry: codec.ClientEntry{CID: cid, UID: uid}}

	r.Add(rec)
	require.True(t, r.HasUID(uid))
	got, ok := r.ByCID(cid)
	require.True(t, ok)
	require.Equal(t, uid, got.Entry.UID)

	byUID, ok := r.ByUID(uid)
	require.True(t, ok)
	require.Equal(t, cid, byUID.CID)

	require.Equal(t, 1, r.Count())
	r.Remove(cid)
	require.False(t, r.HasUID(uid))
	require.Equal(t, 0, r.Count())
}

func TestDynamicUIDAllocatorStableAcrossCalls(t *testing.T) {
	a := NewDynamicUIDAllocator()
	hw := [6]byte{1, 2, 3, 4, 5, 6}
	first := a.Assign(0x1234, hw)
	second := a.Assign(0x1234, hw)
	require.Equal(t, first, second)

	other := a.Assign(0x1234, [6]byte{9, 9, 9, 9, 9, 9})
	require.NotEqual(t, first, other)
	require.Equal(t, first.Manufacturer, other.Manufacturer)
	require.NotEqual(t, first.Device, other.Device)

	hwBack, ok := a.HardwareID(first)
	require.True(t, ok)
	require.Equal(t, hw, hwBack)
}
