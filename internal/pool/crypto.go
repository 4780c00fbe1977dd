// crypto.go - Note codec and asymmetric note encryption.
//
// Plaintext layout: amount (31 bytes, big-endian) ‖ blinding (31 bytes, big-endian).
// Ciphertext layout (x25519-xsalsa20-poly1305): nonce (24) ‖ ephemeral public key (32) ‖ box.

package pool

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/nacl/box"

	"shieldedpool/internal/field"
)

const (
	NonceSize       = 24
	EphemeralSize   = 32
	PayloadSlotSize = 31
	PayloadSize     = 2 * PayloadSlotSize
	// CiphertextSize is the length of an encrypted note output.
	CiphertextSize = NonceSize + EphemeralSize + PayloadSize + box.Overhead
)

// Cipher is the hybrid encryption primitive used for out-of-band note discovery.
type Cipher interface {
	Seal(recipient [32]byte, msg []byte) ([]byte, error)
	Open(secret [32]byte, ciphertext []byte) ([]byte, error)
}

// NaClBox seals with a fresh ephemeral X25519 key per message.
// Rand defaults to crypto/rand.
type NaClBox struct {
	Rand io.Reader
}

func (b NaClBox) reader() io.Reader {
	if b.Rand != nil {
		return b.Rand
	}
	return rand.Reader
}

func (b NaClBox) Seal(recipient [32]byte, msg []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(b.reader())
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(b.reader(), nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	out := make([]byte, 0, NonceSize+EphemeralSize+len(msg)+box.Overhead)
	out = append(out, nonce[:]...)
	out = append(out, ephPub[:]...)
	return box.Seal(out, msg, &nonce, &recipient, ephPriv), nil
}

func (b NaClBox) Open(secret [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+EphemeralSize+box.Overhead {
		return nil, ErrDecryptionFailed
	}
	var nonce [NonceSize]byte
	var eph [EphemeralSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	copy(eph[:], ciphertext[NonceSize:NonceSize+EphemeralSize])
	msg, ok := box.Open(nil, ciphertext[NonceSize+EphemeralSize:], &nonce, &eph, &secret)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return msg, nil
}

// PackNote encodes (amount, blinding) into the fixed 62-byte payload.
func PackNote(amount *big.Int, blinding field.Element) ([]byte, error) {
	b := field.ToBig(blinding)
	limit := new(big.Int).Lsh(big.NewInt(1), 8*PayloadSlotSize)
	if amount.Sign() < 0 || amount.Cmp(limit) >= 0 {
		return nil, fmt.Errorf("%w: amount does not fit %d bytes", ErrAmountOutOfRange, PayloadSlotSize)
	}
	if b.Cmp(limit) >= 0 {
		return nil, fmt.Errorf("blinding does not fit %d bytes", PayloadSlotSize)
	}
	out := make([]byte, PayloadSize)
	amount.FillBytes(out[:PayloadSlotSize])
	b.FillBytes(out[PayloadSlotSize:])
	return out, nil
}

// UnpackNote decodes a payload produced by PackNote.
func UnpackNote(payload []byte) (*big.Int, field.Element, error) {
	if len(payload) != PayloadSize {
		return nil, field.Element{}, fmt.Errorf("%w: payload length %d", ErrDecryptionFailed, len(payload))
	}
	amount := new(big.Int).SetBytes(payload[:PayloadSlotSize])
	blinding := field.FromBig(new(big.Int).SetBytes(payload[PayloadSlotSize:]))
	return amount, blinding, nil
}

// EncryptNote seals the note's payload to its owner's encryption key.
func EncryptNote(c Cipher, n *Note) ([]byte, error) {
	payload, err := PackNote(n.Amount, n.Blinding)
	if err != nil {
		return nil, err
	}
	return c.Seal(n.Keypair.EncryptionKey, payload)
}

// DecryptNote tries to open an encrypted output with kp. A foreign output fails with
// ErrDecryptionFailed; the returned note is owned by kp.
func DecryptNote(c Cipher, h field.Hasher, kp *Keypair, ciphertext []byte) (*Note, error) {
	secret, ok := kp.secret()
	if !ok {
		return nil, ErrDecryptionFailed
	}
	payload, err := c.Open(secret, ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	amount, blinding, err := UnpackNote(payload)
	if err != nil {
		return nil, err
	}
	return NewNoteWithBlinding(h, amount, blinding, kp)
}
