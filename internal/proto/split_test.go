package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/crds"
	"gossipnet/internal/gossip"
	"gossipnet/internal/identity"
	"gossipnet/internal/shuffle"
)

func makeValues(t *testing.T, n int, txBytes int) []crds.CrdsValue {
	t.Helper()
	kp := identity.NewKeypair()
	values := make([]crds.CrdsValue, 0, n)
	for i := 0; i < n; i++ {
		values = append(values, crds.NewSignedValue(&crds.Vote{
			Index:       uint8(i % int(crds.MaxVotes)),
			From:        kp.Pubkey(),
			Transaction: make([]byte, txBytes),
			Wallclock:   uint64(i),
		}, kp))
	}
	return values
}

func TestSplitGossipMessagesEmpty(t *testing.T) {
	assert.Empty(t, SplitGossipMessages(nil))
}

func TestSplitGossipMessagesSmall(t *testing.T) {
	values := makeValues(t, 5, 8)
	chunks := SplitGossipMessages(values)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 5)
}

func TestSplitGossipMessagesChunksFitPackets(t *testing.T) {
	values := makeValues(t, 128, 64)
	chunks := SplitGossipMessages(values)
	require.Greater(t, len(chunks), 1)

	total := 0
	from := identity.RandomPubkey()
	for _, chunk := range chunks {
		total += len(chunk)
		buf := Encode(&PushMessage{From: from, Values: chunk})
		assert.LessOrEqual(t, len(buf), PacketDataSize)
	}
	assert.Equal(t, len(values), total, "no value lost or duplicated")

	// Greedy packing wastes less than one value's worth per chunk.
	perChunk := values[0].Size()
	maxChunks := int(uint64(len(values))*perChunk/(MaxProtocolPayloadSize-perChunk)) + 1
	assert.LessOrEqual(t, len(chunks), maxChunks)
}

func TestSplitGossipMessagesDropsOversize(t *testing.T) {
	values := makeValues(t, 2, 8)
	// A transaction this large cannot fit a packet next to any header.
	values = append(values, makeValues(t, 1, MaxProtocolPayloadSize)...)
	chunks := SplitGossipMessages(values)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 2)
}

func TestWorstCasePullRequestFitsPacket(t *testing.T) {
	kp := identity.NewKeypair()
	ci := crds.NewLocalhostContactInfo(kp.Pubkey(), crds.Timestamp())
	caller := crds.NewSignedValue(&ci, kp)

	rng := shuffle.NewRng([32]byte{9})
	// Large table so the bloom saturates its byte budget.
	f := gossip.NewRandFilter(rng, 1_000_000, gossip.MaxBloomSize)
	buf := Encode(&PullRequest{Filter: f, Caller: caller})
	assert.LessOrEqual(t, len(buf), PacketDataSize)
}

func TestMaxProtocolHeaderSizeCoversVariants(t *testing.T) {
	kp := identity.NewKeypair()
	from := kp.Pubkey()

	// Vector variant headers: discriminant, sender, vector length.
	push := Encode(&PushMessage{From: from, Values: nil})
	assert.LessOrEqual(t, len(push), MaxProtocolHeaderSize)
	resp := Encode(&PullResponse{From: from, Values: nil})
	assert.LessOrEqual(t, len(resp), MaxProtocolHeaderSize)

	// Pull request overhead beyond the bloom budget: discriminant plus
	// the caller's contact info value.
	ci := crds.NewLocalhostContactInfo(from, crds.Timestamp())
	caller := crds.NewSignedValue(&ci, kp)
	assert.LessOrEqual(t, 4+int(caller.Size()), MaxProtocolHeaderSize)
}
