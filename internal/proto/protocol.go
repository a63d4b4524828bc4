package proto

import (
	"gossipnet/internal/crds"
	"gossipnet/internal/gossip"
	"gossipnet/internal/identity"
	"gossipnet/internal/pingpong"
	"gossipnet/internal/wire"
)

// MsgKind is the u32 discriminant leading every datagram.
type MsgKind uint32

const (
	MsgPullRequest MsgKind = iota
	MsgPullResponse
	MsgPushMessage
	MsgPruneMessage
	MsgPing
	MsgPong
)

func (k MsgKind) String() string {
	switch k {
	case MsgPullRequest:
		return "pull_request"
	case MsgPullResponse:
		return "pull_response"
	case MsgPushMessage:
		return "push_message"
	case MsgPruneMessage:
		return "prune_message"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	}
	return "unknown"
}

// Message is one decoded gossip datagram.
type Message interface {
	Kind() MsgKind
	encodePayload(w *wire.Writer)
}

// PullRequest asks a peer for table values absent from the caller's
// bloom filter. Caller carries the requester's own signed contact info
// so the peer learns where to address the responses.
type PullRequest struct {
	Filter *gossip.CrdsFilter
	Caller crds.CrdsValue
}

func (m *PullRequest) Kind() MsgKind { return MsgPullRequest }

func (m *PullRequest) encodePayload(w *wire.Writer) {
	m.Filter.EncodeTo(w)
	m.Caller.EncodeTo(w)
}

// PullResponse returns values matching a previously received filter.
type PullResponse struct {
	From   identity.Pubkey
	Values []crds.CrdsValue
}

func (m *PullResponse) Kind() MsgKind { return MsgPullResponse }

func (m *PullResponse) encodePayload(w *wire.Writer) {
	w.Raw(m.From[:])
	encodeValues(w, m.Values)
}

// PushMessage eagerly forwards fresh values to an active-set peer.
type PushMessage struct {
	From   identity.Pubkey
	Values []crds.CrdsValue
}

func (m *PushMessage) Kind() MsgKind { return MsgPushMessage }

func (m *PushMessage) encodePayload(w *wire.Writer) {
	w.Raw(m.From[:])
	encodeValues(w, m.Values)
}

// PruneMessage asks the receiver to stop relaying certain origins.
type PruneMessage struct {
	From identity.Pubkey
	Data PruneData
}

func (m *PruneMessage) Kind() MsgKind { return MsgPruneMessage }

func (m *PruneMessage) encodePayload(w *wire.Writer) {
	w.Raw(m.From[:])
	m.Data.encodeTo(w)
}

// PingMessage carries an address-ownership challenge.
type PingMessage struct {
	Ping pingpong.Ping
}

func (m *PingMessage) Kind() MsgKind { return MsgPing }

func (m *PingMessage) encodePayload(w *wire.Writer) {
	m.Ping.EncodeTo(w)
}

// PongMessage answers a challenge.
type PongMessage struct {
	Pong pingpong.Pong
}

func (m *PongMessage) Kind() MsgKind { return MsgPong }

func (m *PongMessage) encodePayload(w *wire.Writer) {
	m.Pong.EncodeTo(w)
}

func encodeValues(w *wire.Writer, values []crds.CrdsValue) {
	w.U64(uint64(len(values)))
	for i := range values {
		values[i].EncodeTo(w)
	}
}

// Every crds value carries at least a signature, a kind tag, an origin
// pubkey, and a wallclock. Used to bound vector lengths before
// decoding the elements.
const minCrdsValueSize = identity.SignatureSize + 4 + identity.PubkeySize + 8

func decodeValues(r *wire.Reader) []crds.CrdsValue {
	n := r.Len(minCrdsValueSize)
	var values []crds.CrdsValue
	for i := 0; i < n; i++ {
		values = append(values, crds.DecodeValue(r))
		if r.Err() != nil {
			return nil
		}
	}
	return values
}

// Encode serializes a message to datagram form.
func Encode(m Message) []byte {
	w := wire.NewWriter()
	w.U32(uint32(m.Kind()))
	m.encodePayload(w)
	return w.Bytes()
}

// Decode parses one datagram payload. Trailing bytes after the message
// body mark the packet malformed.
func Decode(buf []byte) (Message, error) {
	if len(buf) > PacketDataSize {
		return nil, wire.ErrOversize
	}
	r := wire.NewReader(buf)
	var m Message
	switch MsgKind(r.U32()) {
	case MsgPullRequest:
		v := &PullRequest{}
		v.Filter = gossip.DecodeFilter(r)
		v.Caller = crds.DecodeValue(r)
		m = v
	case MsgPullResponse:
		v := &PullResponse{}
		r.RawInto(v.From[:])
		v.Values = decodeValues(r)
		m = v
	case MsgPushMessage:
		v := &PushMessage{}
		r.RawInto(v.From[:])
		v.Values = decodeValues(r)
		m = v
	case MsgPruneMessage:
		v := &PruneMessage{}
		r.RawInto(v.From[:])
		v.Data = decodePruneData(r)
		m = v
	case MsgPing:
		v := &PingMessage{}
		v.Ping = pingpong.DecodePing(r)
		m = v
	case MsgPong:
		v := &PongMessage{}
		v.Pong = pingpong.DecodePong(r)
		m = v
	default:
		r.FailCorrupt()
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, wire.ErrCorrupt
	}
	return m, nil
}

// Sanitize validates bounds and indices before any signature work.
func Sanitize(m Message) error {
	switch v := m.(type) {
	case *PullRequest:
		return v.Caller.Sanitize()
	case *PullResponse:
		return sanitizeValues(v.Values)
	case *PushMessage:
		return sanitizeValues(v.Values)
	case *PruneMessage:
		return v.Data.Sanitize()
	}
	return nil
}

func sanitizeValues(values []crds.CrdsValue) error {
	for i := range values {
		if err := values[i].Sanitize(); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks the signatures a variant carries. The vector variants
// drop just the values that fail and keep the rest; the whole message
// is discarded only when nothing valid remains. Returns the possibly
// thinned message (nil when discarded) and the number of values that
// failed verification.
func Verify(m Message) (Message, int) {
	switch v := m.(type) {
	case *PullRequest:
		if v.Caller.Verify() {
			return m, 0
		}
		return nil, 1
	case *PullResponse:
		kept, dropped := verifyValues(v.Values)
		if len(kept) == 0 {
			return nil, dropped
		}
		v.Values = kept
		return v, dropped
	case *PushMessage:
		kept, dropped := verifyValues(v.Values)
		if len(kept) == 0 {
			return nil, dropped
		}
		v.Values = kept
		return v, dropped
	case *PruneMessage:
		if v.Data.Verify() {
			return m, 0
		}
		return nil, 1
	case *PingMessage:
		if v.Ping.Verify() {
			return m, 0
		}
		return nil, 1
	case *PongMessage:
		if v.Pong.Verify() {
			return m, 0
		}
		return nil, 1
	}
	return nil, 0
}

func verifyValues(values []crds.CrdsValue) ([]crds.CrdsValue, int) {
	kept := values[:0]
	for i := range values {
		if values[i].Verify() {
			kept = append(kept, values[i])
		}
	}
	return kept, len(values) - len(kept)
}
