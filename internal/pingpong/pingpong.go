// Package pingpong implements the address-ownership challenge cache that
// gates pull requests. A pull request from (pubkey, addr) is served only
// after that exact pair has echoed a random token back signed, which a
// source-address spoofer cannot do.
package pingpong

import (
	"crypto/rand"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"

	"gossipnet/internal/identity"
	"gossipnet/internal/wire"
)

// TokenSize is the length of the random challenge token.
const TokenSize = 32

type Token [TokenSize]byte

// HashToken is the echo a Pong must carry for a given challenge.
func HashToken(t Token) [32]byte {
	return sha3.Sum256(t[:])
}

// Ping is a signed random challenge.
type Ping struct {
	From      identity.Pubkey
	Token     Token
	Signature identity.Signature
}

func NewPing(kp *identity.Keypair) Ping {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		panic(err)
	}
	return Ping{
		From:      kp.Pubkey(),
		Token:     t,
		Signature: kp.Sign(t[:]),
	}
}

func (p *Ping) Verify() bool {
	return identity.Verify(p.From, p.Token[:], p.Signature)
}

func (p *Ping) EncodeTo(w *wire.Writer) {
	w.Raw(p.From[:])
	w.Raw(p.Token[:])
	w.Raw(p.Signature[:])
}

func DecodePing(r *wire.Reader) Ping {
	var p Ping
	r.RawInto(p.From[:])
	r.RawInto(p.Token[:])
	r.RawInto(p.Signature[:])
	return p
}

// Pong echoes the hash of a ping's token, signed by the responder.
type Pong struct {
	From      identity.Pubkey
	Hash      [32]byte
	Signature identity.Signature
}

func NewPong(ping *Ping, kp *identity.Keypair) Pong {
	h := HashToken(ping.Token)
	return Pong{
		From:      kp.Pubkey(),
		Hash:      h,
		Signature: kp.Sign(h[:]),
	}
}

func (p *Pong) Verify() bool {
	return identity.Verify(p.From, p.Hash[:], p.Signature)
}

func (p *Pong) EncodeTo(w *wire.Writer) {
	w.Raw(p.From[:])
	w.Raw(p.Hash[:])
	w.Raw(p.Signature[:])
}

func DecodePong(r *wire.Reader) Pong {
	var p Pong
	r.RawInto(p.From[:])
	r.RawInto(p.Hash[:])
	r.RawInto(p.Signature[:])
	return p
}

type nodeAddr struct {
	pk   identity.Pubkey
	addr netip.AddrPort
}

// Cache tracks which (pubkey, addr) pairs have proven address ownership.
// Entries pass for ttl after a matching pong, then must re-verify. All
// three maps are capacity-bounded with LRU eviction. Callers synchronize
// access.
type Cache struct {
	ttl     time.Duration
	pongs   *lru.Cache // nodeAddr -> time.Time of last verified pong
	pings   *lru.Cache // nodeAddr -> time.Time of last ping sent
	pending *lru.Cache // nodeAddr -> Token awaiting echo
}

// Pings to the same pair are spaced at least ttl/64 apart; passing pairs
// are re-challenged once 3/4 of the ttl has elapsed so verification does
// not lapse under steady traffic.
const (
	rateLimitDiv = 64
	refreshNum   = 3
	refreshDen   = 4
)

func NewCache(ttl time.Duration, capacity int) (*Cache, error) {
	pongs, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	pings, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	pending, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{ttl: ttl, pongs: pongs, pings: pings, pending: pending}, nil
}

func (c *Cache) maybePing(now time.Time, node nodeAddr, pingf func() Ping) *Ping {
	if v, ok := c.pings.Get(node); ok {
		if now.Sub(v.(time.Time)) < c.ttl/rateLimitDiv {
			return nil
		}
	}
	p := pingf()
	c.pings.Add(node, now)
	c.pending.Add(node, p.Token)
	return &p
}

// Check reports whether the pair currently passes and, when the pair is
// unverified or close to expiry, returns a fresh challenge to transmit.
func (c *Cache) Check(now time.Time, pk identity.Pubkey, addr netip.AddrPort, pingf func() Ping) (bool, *Ping) {
	node := nodeAddr{pk: pk, addr: addr}
	v, ok := c.pongs.Get(node)
	if !ok {
		return false, c.maybePing(now, node, pingf)
	}
	age := now.Sub(v.(time.Time))
	var ping *Ping
	if age > c.ttl/refreshDen*refreshNum {
		ping = c.maybePing(now, node, pingf)
	}
	return age < c.ttl, ping
}

// Add records a verified pair if the pong signature is valid and echoes
// an outstanding challenge for (pong.From, addr).
func (c *Cache) Add(pong *Pong, addr netip.AddrPort, now time.Time) bool {
	if !pong.Verify() {
		return false
	}
	node := nodeAddr{pk: pong.From, addr: addr}
	v, ok := c.pending.Get(node)
	if !ok {
		return false
	}
	if HashToken(v.(Token)) != pong.Hash {
		return false
	}
	c.pending.Remove(node)
	c.pongs.Add(node, now)
	return true
}
