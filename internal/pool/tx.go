// tx.go - Shielded transaction assembly: padding, shuffling, public amount, encryption,
// external data binding, witness and public inputs.

package pool

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/big"
	"math/rand/v2"

	"github.com/ethereum/go-ethereum/common"

	"shieldedpool/internal/field"
	"shieldedpool/internal/merkle"
)

const (
	// MaxInputs is the largest supported input arity.
	MaxInputs = 16
	// OutputCount is the fixed output arity.
	OutputCount = 2
)

// Arities lists the supported input counts after padding.
var Arities = []int{2, MaxInputs}

// PaddedInputCount returns the input arity a transaction with n real inputs is padded to.
func PaddedInputCount(n int) (int, error) {
	switch {
	case n < 0 || n > MaxInputs:
		return 0, fmt.Errorf("%w: %d inputs", ErrTooManyInputsOrOutputs, n)
	case n <= 2:
		return 2, nil
	default:
		return MaxInputs, nil
	}
}

// Shuffler permutes a list in place. *rand.Rand from math/rand/v2 implements it.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// NewShuffler returns a ChaCha8 generator seeded from crypto/rand.
func NewShuffler() Shuffler {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("shuffler seed: %v", err))
	}
	return rand.New(rand.NewChaCha8(seed))
}

// Request describes the transaction a client wants to build.
type Request struct {
	Inputs         []*Note
	Outputs        []*Note
	Fee            *big.Int
	Recipient      common.Address
	Relayer        common.Address
	IsL1Withdrawal bool
}

// PublicInputs is the tuple the verifier checks the proof against.
//
// PublicAmount is the circuit value (extAmount − fee) mod p. The signed amount crossing the
// pool boundary, fee + Σout − Σin, is ExtData.ExtAmount; see PublicAmount.
type PublicInputs struct {
	Root              field.Element
	InputNullifiers   []field.Element
	OutputCommitments [OutputCount]field.Element
	PublicAmount      field.Element
	ExtDataHash       field.Element
}

// Witness carries every private value the prover needs, plus the public inputs.
type Witness struct {
	PublicInputs

	Levels  int
	NewRoot field.Element

	InAmount       []*big.Int
	InPrivateKey   []field.Element
	InBlinding     []field.Element
	InPathIndex    []uint64
	InPathElements [][]field.Element

	OutAmount   []*big.Int
	OutPubkey   []field.Element
	OutBlinding []field.Element
	OutIndex    []uint64
}

// Transaction is what a client submits to the ledger.
type Transaction struct {
	PublicInputs
	Proof   []byte
	ExtData ExtData
}

// Prepared is an assembled but unproven transaction.
type Prepared struct {
	Witness *Witness
	ExtData ExtData
	Inputs  []*Note
	Outputs []*Note
}

// Assembler builds balanced shielded transactions.
type Assembler struct {
	hasher   field.Hasher
	cipher   Cipher
	prover   Prover
	shuffler Shuffler
}

// NewAssembler wires the hash, cipher, prover and shuffle. A nil cipher defaults to NaClBox,
// a nil shuffler to a crypto-seeded one. The prover may be nil when only Prepare is used.
func NewAssembler(h field.Hasher, c Cipher, p Prover, s Shuffler) *Assembler {
	if c == nil {
		c = NaClBox{}
	}
	if s == nil {
		s = NewShuffler()
	}
	return &Assembler{hasher: h, cipher: c, prover: p, shuffler: s}
}

// Prepare assembles the witness and public inputs against a tree snapshot.
// Output notes in req receive provisional indices.
func (a *Assembler) Prepare(tree *merkle.Tree, req Request) (*Prepared, error) {
	if len(req.Inputs) > MaxInputs || len(req.Outputs) > OutputCount {
		return nil, fmt.Errorf("%w: %d inputs, %d outputs", ErrTooManyInputsOrOutputs, len(req.Inputs), len(req.Outputs))
	}
	fee := new(big.Int)
	if req.Fee != nil {
		fee.Set(req.Fee)
	}
	nIns, err := PaddedInputCount(len(req.Inputs))
	if err != nil {
		return nil, err
	}

	throwaway, err := NewKeypair(a.hasher)
	if err != nil {
		return nil, err
	}
	pad := func() (*Note, error) { return ZeroNote(a.hasher, throwaway) }

	// Step 1: resolve input positions; zero-amount inputs get an all-zero path at index 0
	levels := tree.Levels()
	inputs := make([]*Note, 0, nIns)
	paths := make([]merkle.Path, 0, nIns)
	for _, in := range req.Inputs {
		if in.IsZero() {
			if !in.Keypair.CanSpend() {
				if in, err = pad(); err != nil {
					return nil, err
				}
			} else {
				in = in.Clone()
			}
			in.SetIndex(0)
			inputs = append(inputs, in)
			paths = append(paths, merkle.Path{Index: 0, Elements: make([]field.Element, levels)})
			continue
		}
		// identical commitments (public deposits have no blinding) differ only by position
		var p merkle.Path
		if idx, ok := in.Index(); ok {
			p, err = tree.PathAt(idx, in.Commitment())
		} else {
			p, err = tree.PathTo(in.Commitment())
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInputNotFound, err)
		}
		in.SetIndex(p.Index)
		inputs = append(inputs, in)
		paths = append(paths, p)
	}
	for len(inputs) < nIns {
		n, err := pad()
		if err != nil {
			return nil, err
		}
		n.SetIndex(0)
		inputs = append(inputs, n)
		paths = append(paths, merkle.Path{Index: 0, Elements: make([]field.Element, levels)})
	}
	outputs := append([]*Note(nil), req.Outputs...)
	for len(outputs) < OutputCount {
		n, err := pad()
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, n)
	}

	// Step 2: independent permutations so positions leak nothing
	a.shuffler.Shuffle(len(inputs), func(i, j int) {
		inputs[i], inputs[j] = inputs[j], inputs[i]
		paths[i], paths[j] = paths[j], paths[i]
	})
	a.shuffler.Shuffle(len(outputs), func(i, j int) {
		outputs[i], outputs[j] = outputs[j], outputs[i]
	})

	// Step 3: provisional output indices
	next := tree.Len()
	for i, out := range outputs {
		out.SetIndex(next + uint64(i))
	}

	// Step 4: public amount
	extAmount := ExtAmount(fee, inputs, outputs)
	publicAmount, err := PublicAmount(extAmount, fee)
	if err != nil {
		return nil, err
	}

	// Step 5: encrypt outputs for their owners
	enc1, err := EncryptNote(a.cipher, outputs[0])
	if err != nil {
		return nil, fmt.Errorf("encrypting output 1: %w", err)
	}
	enc2, err := EncryptNote(a.cipher, outputs[1])
	if err != nil {
		return nil, fmt.Errorf("encrypting output 2: %w", err)
	}

	// Step 6: bind external data
	extData := ExtData{
		Recipient:        req.Recipient,
		ExtAmount:        extAmount,
		Relayer:          req.Relayer,
		Fee:              fee,
		EncryptedOutput1: enc1,
		EncryptedOutput2: enc2,
		IsL1Withdrawal:   req.IsL1Withdrawal,
	}
	extDataHash, err := extData.Hash()
	if err != nil {
		return nil, err
	}

	// Step 7: witness and public inputs
	w := &Witness{
		Levels: levels,
		PublicInputs: PublicInputs{
			Root:            tree.Root(),
			InputNullifiers: make([]field.Element, nIns),
			PublicAmount:    publicAmount,
			ExtDataHash:     extDataHash,
		},
		InAmount:       make([]*big.Int, nIns),
		InPrivateKey:   make([]field.Element, nIns),
		InBlinding:     make([]field.Element, nIns),
		InPathIndex:    make([]uint64, nIns),
		InPathElements: make([][]field.Element, nIns),
		OutAmount:      make([]*big.Int, OutputCount),
		OutPubkey:      make([]field.Element, OutputCount),
		OutBlinding:    make([]field.Element, OutputCount),
		OutIndex:       make([]uint64, OutputCount),
	}
	for i, in := range inputs {
		nf, err := in.Nullifier()
		if err != nil {
			return nil, err
		}
		priv, _ := in.Keypair.Privkey()
		w.InputNullifiers[i] = nf
		w.InAmount[i] = in.Amount
		w.InPrivateKey[i] = priv
		w.InBlinding[i] = in.Blinding
		w.InPathIndex[i] = paths[i].Index
		w.InPathElements[i] = paths[i].Elements
	}
	for i, out := range outputs {
		w.OutputCommitments[i] = out.Commitment()
		w.OutAmount[i] = out.Amount
		w.OutPubkey[i] = out.Keypair.Pubkey
		w.OutBlinding[i] = out.Blinding
		w.OutIndex[i], _ = out.Index()
	}
	if w.NewRoot, err = tree.ProjectRoot(w.OutputCommitments[:]...); err != nil {
		return nil, err
	}

	return &Prepared{Witness: w, ExtData: extData, Inputs: inputs, Outputs: outputs}, nil
}

// Build prepares and proves a transaction. Cancelling ctx abandons proving; nothing shared
// is touched because the witness was built from the given snapshot.
func (a *Assembler) Build(ctx context.Context, tree *merkle.Tree, req Request) (*Transaction, *Prepared, error) {
	prep, err := a.Prepare(tree, req)
	if err != nil {
		return nil, nil, err
	}
	if a.prover == nil {
		return nil, nil, fmt.Errorf("%w: no prover configured", ErrProverFailure)
	}
	proof, err := a.prover.Prove(ctx, prep.Witness)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProverFailure, err)
	}
	return &Transaction{
		PublicInputs: prep.Witness.PublicInputs,
		Proof:        proof,
		ExtData:      prep.ExtData,
	}, prep, nil
}
