// keypair.go - Spending and viewing keys for shielded notes.
//
// A keypair is privkey (field element), pubkey = H(privkey) and an X25519 encryption key
// derived from the privkey bytes. A keypair parsed from its address string is viewing-only:
// it can receive and encrypt but cannot sign nullifiers.

package pool

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"

	"shieldedpool/internal/field"
)

// AddressLength is the byte length of a keypair address (pubkey ‖ encryption key).
const AddressLength = field.Bytes + curve25519.PointSize

// Keypair owns notes.
type Keypair struct {
	privkey       *field.Element
	Pubkey        field.Element
	EncryptionKey [curve25519.PointSize]byte
}

// NewKeypair generates a fresh spending keypair.
func NewKeypair(h field.Hasher) (*Keypair, error) {
	var priv field.Element
	if _, err := priv.SetRandom(); err != nil {
		return nil, fmt.Errorf("keypair randomness: %w", err)
	}
	return KeypairFromPrivkey(h, priv)
}

// KeypairFromPrivkey derives the public halves of a spending keypair.
func KeypairFromPrivkey(h field.Hasher, priv field.Element) (*Keypair, error) {
	secret := priv.Bytes()
	encKey, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("encryption key derivation: %w", err)
	}
	kp := &Keypair{privkey: &priv, Pubkey: h.Hash(priv)}
	copy(kp.EncryptionKey[:], encKey)
	return kp, nil
}

// KeypairFromAddress parses a viewing-only keypair from its address string.
func KeypairFromAddress(addr string) (*Keypair, error) {
	s := strings.TrimPrefix(addr, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != AddressLength {
		return nil, fmt.Errorf("%w: %q", ErrBadKeypairAddress, addr)
	}
	return KeypairFromBytes(raw)
}

// KeypairFromBytes parses the 64-byte binary address form.
func KeypairFromBytes(raw []byte) (*Keypair, error) {
	if len(raw) != AddressLength {
		return nil, fmt.Errorf("%w: length %d", ErrBadKeypairAddress, len(raw))
	}
	var pub [field.Bytes]byte
	copy(pub[:], raw[:field.Bytes])
	pk, err := field.FromBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeypairAddress, err)
	}
	kp := &Keypair{Pubkey: pk}
	copy(kp.EncryptionKey[:], raw[field.Bytes:])
	return kp, nil
}

// Address returns 0x ‖ hex(pubkey) ‖ hex(encryptionKey); 130 characters.
func (k *Keypair) Address() string {
	return "0x" + hex.EncodeToString(k.AddressBytes())
}

// AddressBytes returns the binary address form.
func (k *Keypair) AddressBytes() []byte {
	pub := k.Pubkey.Bytes()
	out := make([]byte, 0, AddressLength)
	out = append(out, pub[:]...)
	return append(out, k.EncryptionKey[:]...)
}

// CanSpend reports whether the keypair holds a private key.
func (k *Keypair) CanSpend() bool {
	return k != nil && k.privkey != nil
}

// Privkey returns the private key, if present.
func (k *Keypair) Privkey() (field.Element, bool) {
	if !k.CanSpend() {
		return field.Element{}, false
	}
	return *k.privkey, true
}

// ViewingOnly returns a copy without the private key.
func (k *Keypair) ViewingOnly() *Keypair {
	return &Keypair{Pubkey: k.Pubkey, EncryptionKey: k.EncryptionKey}
}

// Sign binds the private key to a note position: H(privkey, commitment, index).
func (k *Keypair) Sign(h field.Hasher, commitment, index field.Element) (field.Element, error) {
	priv, ok := k.Privkey()
	if !ok {
		return field.Element{}, ErrMissingIndexOrKey
	}
	return h.Hash(priv, commitment, index), nil
}

func (k *Keypair) secret() ([curve25519.ScalarSize]byte, bool) {
	priv, ok := k.Privkey()
	if !ok {
		return [curve25519.ScalarSize]byte{}, false
	}
	return priv.Bytes(), true
}
