// note.go - Note (UTXO) type and commitment/nullifier derivation.

package pool

import (
	"fmt"
	"math/big"

	"shieldedpool/internal/field"
)

// BlindingBytes is the entropy width of a blinding factor; it fits the 31-byte codec slot.
const BlindingBytes = 31

// MaxNoteAmount bounds note amounts (2^248), matching the circuit's range check.
var MaxNoteAmount = new(big.Int).Lsh(big.NewInt(1), 248)

// Note is a shielded UTXO. Commitment and nullifier are computed lazily and cached.
type Note struct {
	Amount   *big.Int
	Blinding field.Element
	Keypair  *Keypair

	index      *uint64
	hasher     field.Hasher
	commitment *field.Element
	nullifier  *field.Element
}

// NewNote creates a note with a fresh random blinding.
func NewNote(h field.Hasher, amount *big.Int, owner *Keypair) (*Note, error) {
	blinding, err := field.Random(BlindingBytes)
	if err != nil {
		return nil, err
	}
	return NewNoteWithBlinding(h, amount, blinding, owner)
}

// NewNoteWithBlinding creates a note with a caller-chosen blinding.
func NewNoteWithBlinding(h field.Hasher, amount *big.Int, blinding field.Element, owner *Keypair) (*Note, error) {
	if owner == nil {
		return nil, fmt.Errorf("note: missing owner pubkey")
	}
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 || amount.Cmp(MaxNoteAmount) >= 0 {
		return nil, fmt.Errorf("%w: note amount %s", ErrAmountOutOfRange, amount)
	}
	return &Note{
		Amount:   new(big.Int).Set(amount),
		Blinding: blinding,
		Keypair:  owner,
		hasher:   h,
	}, nil
}

// ZeroNote returns a padding note: zero amount, random blinding, same hashing shape.
func ZeroNote(h field.Hasher, owner *Keypair) (*Note, error) {
	return NewNote(h, new(big.Int), owner)
}

// IsZero reports whether the note carries no value.
func (n *Note) IsZero() bool {
	return n.Amount.Sign() == 0
}

// Index returns the tree position, once assigned.
func (n *Note) Index() (uint64, bool) {
	if n.index == nil {
		return 0, false
	}
	return *n.index, true
}

// SetIndex records the tree position and invalidates the cached nullifier.
func (n *Note) SetIndex(i uint64) {
	n.index = &i
	n.nullifier = nil
}

// Commitment returns H(amount, pubkey, blinding).
func (n *Note) Commitment() field.Element {
	if n.commitment == nil {
		c := n.hasher.Hash(field.FromBig(n.Amount), n.Keypair.Pubkey, n.Blinding)
		n.commitment = &c
	}
	return *n.commitment
}

// Nullifier returns H(commitment, index, H(privkey, commitment, index)).
// Zero-amount notes nullify with index 0 and privkey 0 when either is missing.
func (n *Note) Nullifier() (field.Element, error) {
	if n.nullifier != nil {
		return *n.nullifier, nil
	}
	idx, hasIndex := n.Index()
	if !n.IsZero() && (!hasIndex || !n.Keypair.CanSpend()) {
		return field.Element{}, ErrMissingIndexOrKey
	}
	commitment := n.Commitment()
	index := field.FromUint64(idx)
	priv, _ := n.Keypair.Privkey()
	signature := n.hasher.Hash(priv, commitment, index)
	nf := n.hasher.Hash(commitment, index, signature)
	n.nullifier = &nf
	return nf, nil
}

// Clone returns a copy without caches, sharing the keypair.
func (n *Note) Clone() *Note {
	c := &Note{
		Amount:   new(big.Int).Set(n.Amount),
		Blinding: n.Blinding,
		Keypair:  n.Keypair,
		hasher:   n.hasher,
	}
	if n.index != nil {
		c.SetIndex(*n.index)
	}
	return c
}
