package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
)

const (
	PubkeySize    = 32
	SignatureSize = 64
)

var (
	ErrBadPubkeyLen    = errors.New("bad pubkey length")
	ErrBadSignatureLen = errors.New("bad signature length")
	ErrBadKeyFile      = errors.New("bad keypair file")
)

// Pubkey is a node identity: the ed25519 public key that signs every
// value the node publishes.
type Pubkey [PubkeySize]byte

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

func (p Pubkey) Bytes() []byte {
	out := make([]byte, PubkeySize)
	copy(out, p[:])
	return out
}

func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var p Pubkey
	if len(b) != PubkeySize {
		return p, ErrBadPubkeyLen
	}
	copy(p[:], b)
	return p, nil
}

func PubkeyFromBase58(s string) (Pubkey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Pubkey{}, fmt.Errorf("decode pubkey: %w", err)
	}
	return PubkeyFromBytes(b)
}

// RandomPubkey returns a pubkey with no matching private key. Used for
// placeholder identities (unset entrypoints, tests).
func RandomPubkey() Pubkey {
	var p Pubkey
	if _, err := rand.Read(p[:]); err != nil {
		panic(err)
	}
	return p
}

type Signature [SignatureSize]byte

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureSize {
		return s, ErrBadSignatureLen
	}
	copy(s[:], b)
	return s, nil
}

// Keypair holds the node's signing key. The ed25519 primitive itself is
// the standard library's; this package only owns key handling.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  Pubkey
}

func NewKeypair() *Keypair {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	var p Pubkey
	copy(p[:], pub)
	return &Keypair{priv: priv, pub: p}
}

func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("bad seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var p Pubkey
	copy(p[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{priv: priv, pub: p}, nil
}

func (k *Keypair) Pubkey() Pubkey {
	return k.pub
}

func (k *Keypair) Sign(msg []byte) Signature {
	var s Signature
	copy(s[:], ed25519.Sign(k.priv, msg))
	return s
}

func Verify(pk Pubkey, msg []byte, sig Signature) bool {
	return ed25519.Verify(pk[:], msg, sig[:])
}

// LoadKeypair reads a keypair file: a JSON array of the 64 private key
// bytes (seed followed by public key).
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
	}
	if len(nums) != ed25519.PrivateKeySize {
		return nil, ErrBadKeyFile
	}
	raw := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, ErrBadKeyFile
		}
		raw[i] = byte(n)
	}
	kp, err := KeypairFromSeed(raw[:ed25519.SeedSize])
	if err != nil {
		return nil, err
	}
	if !equalBytes(kp.priv, raw) {
		return nil, ErrBadKeyFile
	}
	return kp, nil
}

func SaveKeypair(path string, k *Keypair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	nums := make([]int, len(k.priv))
	for i, b := range k.priv {
		nums[i] = int(b)
	}
	data, err := json.Marshal(nums)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
