package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/bitmap"
	"github.com/replimesh/replimesh/internal/uuids"
)

func TestLoadFresh(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sb, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, uuids.JustCreated, sb.CurrentUUID)
	assert.True(t, sb.Consistent)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sb := &Superblock{
		NodeID:         2,
		Sectors:        1 << 20,
		CurrentUUID:    NewUUID(),
		History:        []uint64{0xaaa0, 0xbbb0},
		Peers:          []PeerSlot{{NodeID: 0, BitmapUUID: 0xccc0}},
		CrashedPrimary: true,
		Consistent:     true,
	}
	require.NoError(t, s.Save(sb))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, sb, got)
}

func TestVectorRoundTrip(t *testing.T) {
	sb := &Superblock{CurrentUUID: 0x10, History: []uint64{0x20, 0x30}}
	sb.Peers = []PeerSlot{{NodeID: 3, BitmapUUID: 0x40}}

	v := sb.Vector()
	assert.Equal(t, uint64(0x10), v.Current)
	assert.Equal(t, uint64(0x20), v.History[0])
	assert.Equal(t, uint64(0x40), v.Bitmap[3])

	v.Current = 0x50
	v.Bitmap[3] = 0
	v.Bitmap[7] = 0x60
	sb.SetVector(v)
	assert.Equal(t, uint64(0x50), sb.CurrentUUID)
	assert.Equal(t, []PeerSlot{{NodeID: 7, BitmapUUID: 0x60}}, sb.Peers)
}

func TestNewUUID(t *testing.T) {
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		u := NewUUID()
		assert.Zero(t, u&1, "role bit must start clear")
		assert.NotEqual(t, uuids.JustCreated, u)
		assert.NotZero(t, u)
		assert.False(t, seen[u], "duplicate uuid")
		seen[u] = true
	}
}

func TestBitmapPersistence(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	bm := bitmap.New(5000)
	bm.SetRange(100, 200)
	bm.SetRange(4990, 4999)
	require.NoError(t, s.SaveBitmap(1, bm))

	got, err := s.LoadBitmap(1, 5000)
	require.NoError(t, err)
	assert.Equal(t, bm.Weight(), got.Weight())
	for _, bit := range []uint64{99, 100, 200, 201, 4990, 4999} {
		assert.Equal(t, bm.Test(bit), got.Test(bit), "bit %d", bit)
	}

	// Missing file: clear bitmap.
	empty, err := s.LoadBitmap(9, 128)
	require.NoError(t, err)
	assert.Zero(t, empty.Weight())

	// Size mismatch is an error, not silent truncation.
	_, err = s.LoadBitmap(1, 6000)
	assert.Error(t, err)
}
