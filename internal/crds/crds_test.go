package crds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/identity"
	"gossipnet/internal/wire"
)

func newTestContactValue(t *testing.T, wallclock uint64) (CrdsValue, *identity.Keypair) {
	t.Helper()
	kp := identity.NewKeypair()
	ci := NewLocalhostContactInfo(kp.Pubkey(), wallclock)
	return NewSignedValue(&ci, kp), kp
}

func TestInsertNewerWallclockWins(t *testing.T) {
	table := NewCrds()
	kp := identity.NewKeypair()

	old := NewLocalhostContactInfo(kp.Pubkey(), 100)
	oldVal := NewSignedValue(&old, kp)
	evicted, err := table.Insert(oldVal, 0)
	require.NoError(t, err)
	assert.Nil(t, evicted)

	fresh := NewLocalhostContactInfo(kp.Pubkey(), 200)
	freshVal := NewSignedValue(&fresh, kp)
	evicted, err = table.Insert(freshVal, 1)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, oldVal.Hash(), evicted.ValueHash)

	stored := table.Lookup(freshVal.Label())
	require.NotNil(t, stored)
	assert.Equal(t, uint64(200), stored.Wallclock())
	assert.Equal(t, 1, table.Len())
}

func TestInsertOlderRejected(t *testing.T) {
	table := NewCrds()
	kp := identity.NewKeypair()

	fresh := NewLocalhostContactInfo(kp.Pubkey(), 200)
	_, err := table.Insert(NewSignedValue(&fresh, kp), 0)
	require.NoError(t, err)

	old := NewLocalhostContactInfo(kp.Pubkey(), 100)
	_, err = table.Insert(NewSignedValue(&old, kp), 1)
	assert.ErrorIs(t, err, ErrOldValue)

	stored := table.Lookup(Label{Kind: KindContactInfo, Key: kp.Pubkey()})
	require.NotNil(t, stored)
	assert.Equal(t, uint64(200), stored.Wallclock())
}

func TestInsertEqualWallclockHashBreaksTie(t *testing.T) {
	kp := identity.NewKeypair()
	a := NewSignedValue(&Vote{From: kp.Pubkey(), Transaction: []byte{1}, Wallclock: 7}, kp)
	b := NewSignedValue(&Vote{From: kp.Pubkey(), Transaction: []byte{2}, Wallclock: 7}, kp)

	winner, loser := a, b
	if hashGreater(b.Hash(), a.Hash()) {
		winner, loser = b, a
	}

	table := NewCrds()
	_, err := table.Insert(loser, 0)
	require.NoError(t, err)
	_, err = table.Insert(winner, 0)
	require.NoError(t, err)
	_, err = table.Insert(loser, 0)
	assert.ErrorIs(t, err, ErrOldValue)

	stored := table.Lookup(winner.Label())
	require.NotNil(t, stored)
	assert.Equal(t, winner.Hash(), stored.Hash())
}

func TestInsertDuplicateRejected(t *testing.T) {
	table := NewCrds()
	val, _ := newTestContactValue(t, 100)
	_, err := table.Insert(val, 0)
	require.NoError(t, err)
	_, err = table.Insert(val, 1)
	assert.ErrorIs(t, err, ErrOldValue)
}

func TestVoteIndexesOccupyDistinctLabels(t *testing.T) {
	table := NewCrds()
	kp := identity.NewKeypair()
	for ix := uint8(0); ix < 4; ix++ {
		v := NewSignedValue(&Vote{Index: ix, From: kp.Pubkey(), Transaction: []byte{ix}, Wallclock: 1}, kp)
		_, err := table.Insert(v, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, table.Len())
}

func TestSanitizeBounds(t *testing.T) {
	kp := identity.NewKeypair()

	ci := NewLocalhostContactInfo(kp.Pubkey(), MaxWallclock)
	v := NewSignedValue(&ci, kp)
	assert.ErrorIs(t, v.Sanitize(), ErrBadWallclock)

	vote := NewSignedValue(&Vote{Index: MaxVotes, From: kp.Pubkey(), Wallclock: 1}, kp)
	assert.ErrorIs(t, vote.Sanitize(), ErrBadIndex)

	okVote := NewSignedValue(&Vote{Index: MaxVotes - 1, From: kp.Pubkey(), Wallclock: 1}, kp)
	assert.NoError(t, okVote.Sanitize())

	low := NewSignedValue(&LowestSlot{Index: 1, From: kp.Pubkey(), Wallclock: 1}, kp)
	assert.ErrorIs(t, low.Sanitize(), ErrBadIndex)

	es := NewEpochSlots(MaxEpochSlots, kp.Pubkey(), 1)
	esVal := NewSignedValue(&es, kp)
	assert.ErrorIs(t, esVal.Sanitize(), ErrBadIndex)
}

func TestSignAndVerifyValue(t *testing.T) {
	val, _ := newTestContactValue(t, 100)
	assert.True(t, val.Verify())

	val.Signature[0] ^= 0xff
	assert.False(t, val.Verify())
}

func TestVerifyRejectsForeignSigner(t *testing.T) {
	kp := identity.NewKeypair()
	other := identity.NewKeypair()
	ci := NewLocalhostContactInfo(kp.Pubkey(), 100)
	v := NewSignedValue(&ci, other)
	assert.False(t, v.Verify())
}

func TestValueRoundTrip(t *testing.T) {
	kp := identity.NewKeypair()
	commit := uint32(0xdeadbeef)
	es := NewEpochSlots(2, kp.Pubkey(), 6)
	es.Fill([]uint64{10, 11, 13, 900}, 6, 1000)
	ci := NewLocalhostContactInfo(kp.Pubkey(), 1)

	datas := []CrdsData{
		&ci,
		&Vote{Index: 3, From: kp.Pubkey(), Transaction: []byte("tx-bytes"), Wallclock: 2},
		&LowestSlot{From: kp.Pubkey(), Root: 5, Lowest: 11, Slots: []uint64{12, 13}, Wallclock: 3},
		&SnapshotHashes{From: kp.Pubkey(), Hashes: []SlotHash{{Slot: 9, Hash: Hash{1}}}, Wallclock: 4},
		&AccountsHashes{From: kp.Pubkey(), Hashes: []SlotHash{{Slot: 8, Hash: Hash{2}}}, Wallclock: 5},
		&es,
		&LegacyVersion{From: kp.Pubkey(), Wallclock: 7, Major: 1, Minor: 2, Patch: 3},
		&Version{From: kp.Pubkey(), Wallclock: 8, Major: 1, Minor: 4, Patch: 9, Commit: &commit},
		&Version{From: kp.Pubkey(), Wallclock: 9, Major: 1, Minor: 4, Patch: 9},
	}
	for _, data := range datas {
		val := NewSignedValue(data, kp)
		r := wire.NewReader(val.Encode())
		got := DecodeValue(r)
		require.NoError(t, r.Err(), "kind %v", val.Label().Kind)
		assert.Equal(t, 0, r.Remaining())
		assert.Equal(t, val.Hash(), got.Hash(), "kind %v", val.Label().Kind)
		assert.Equal(t, val.Label(), got.Label())
		assert.True(t, got.Verify())
	}
}

func TestDecodeRejectsBadKind(t *testing.T) {
	val, _ := newTestContactValue(t, 1)
	buf := val.Encode()
	buf[identity.SignatureSize] = 0xff
	r := wire.NewReader(buf)
	DecodeValue(r)
	assert.ErrorIs(t, r.Err(), wire.ErrCorrupt)
}

func TestDecodeRejectsOversizeLength(t *testing.T) {
	kp := identity.NewKeypair()
	val := NewSignedValue(&Vote{From: kp.Pubkey(), Transaction: []byte{1, 2, 3}, Wallclock: 1}, kp)
	buf := val.Encode()
	// Corrupt the transaction length prefix, right after sig+tag+index+from.
	off := identity.SignatureSize + 4 + 1 + identity.PubkeySize
	buf[off] = 0xff
	buf[off+1] = 0xff
	r := wire.NewReader(buf)
	DecodeValue(r)
	assert.Error(t, r.Err())
}

func TestContactInfoValueSize(t *testing.T) {
	var ci ContactInfo
	v := CrdsValue{Data: &ci}
	assert.Equal(t, uint64(210), v.Size())
}

func TestFindOldLabelsAndRemove(t *testing.T) {
	table := NewCrds()
	keep := identity.NewKeypair()
	drop := identity.NewKeypair()

	keepCI := NewLocalhostContactInfo(keep.Pubkey(), 1)
	dropCI := NewLocalhostContactInfo(drop.Pubkey(), 1)
	_, err := table.Insert(NewSignedValue(&keepCI, keep), 100)
	require.NoError(t, err)
	_, err = table.Insert(NewSignedValue(&dropCI, drop), 100)
	require.NoError(t, err)

	timeouts := map[identity.Pubkey]uint64{
		{}:            50,
		keep.Pubkey(): 1_000_000,
	}
	old := table.FindOldLabels(150, timeouts)
	require.Len(t, old, 1)
	assert.Equal(t, drop.Pubkey(), old[0].Key)

	removed := table.Remove(old[0])
	require.NotNil(t, removed)
	assert.Equal(t, 1, table.Len())
	assert.Nil(t, table.Remove(old[0]))
}

func TestUpdateRecordTimestampKeepsValuesAlive(t *testing.T) {
	table := NewCrds()
	kp := identity.NewKeypair()
	ci := NewLocalhostContactInfo(kp.Pubkey(), 1)
	_, err := table.Insert(NewSignedValue(&ci, kp), 100)
	require.NoError(t, err)
	_, err = table.Insert(NewSignedValue(&Vote{From: kp.Pubkey(), Transaction: []byte{1}, Wallclock: 1}, kp), 100)
	require.NoError(t, err)

	table.UpdateRecordTimestamp(kp.Pubkey(), 500)

	timeouts := map[identity.Pubkey]uint64{{}: 100}
	assert.Empty(t, table.FindOldLabels(550, timeouts))
	assert.Len(t, table.FindOldLabels(700, timeouts), 2)
}

func TestEpochSlotsFill(t *testing.T) {
	kp := identity.NewKeypair()
	es := NewEpochSlots(0, kp.Pubkey(), 1)

	slots := make([]uint64, 64)
	for i := range slots {
		slots[i] = uint64(1000 + i)
	}
	n := es.Fill(slots, 2, 4096)
	assert.Equal(t, len(slots), n)
	assert.Equal(t, uint64(2), es.Wallclock)
	assert.Equal(t, slots, es.ToSlots(0))
	assert.Equal(t, slots[32:], es.ToSlots(1032))
}

func TestEpochSlotsFillRespectsMaxSize(t *testing.T) {
	kp := identity.NewKeypair()
	es := NewEpochSlots(0, kp.Pubkey(), 1)

	slots := make([]uint64, 10_000)
	for i := range slots {
		slots[i] = uint64(i)
	}
	n := es.Fill(slots, 2, 256)
	require.Greater(t, n, 0)
	require.Less(t, n, len(slots))
	assert.LessOrEqual(t, es.payloadSize(), 256)
	assert.Equal(t, slots[:n], es.ToSlots(0))
}

func TestEpochSlotsWideGapStartsNewSegment(t *testing.T) {
	kp := identity.NewKeypair()
	es := NewEpochSlots(0, kp.Pubkey(), 1)
	n := es.Fill([]uint64{5, 1_000_000}, 2, 4096)
	assert.Equal(t, 2, n)
	assert.Len(t, es.Slots, 2)
	assert.Equal(t, []uint64{5, 1_000_000}, es.ToSlots(0))
}

func TestContactInfoAddressValidation(t *testing.T) {
	ci := NewLocalhostContactInfo(identity.RandomPubkey(), 1)
	assert.True(t, IsValidAddress(ci.Gossip))

	var def ContactInfo
	assert.False(t, IsValidAddress(def.Gossip))

	rpc, tpu, ok := ci.ValidClientFacingAddr()
	require.True(t, ok)
	assert.Equal(t, ci.RPC, rpc)
	assert.Equal(t, ci.TPU, tpu)

	ci.RPC = def.RPC
	_, _, ok = ci.ValidClientFacingAddr()
	assert.False(t, ok)
}
