// circuit.go - MiMC transaction circuit: note ownership, Merkle membership, nullifier
// derivation, output commitments, range checks and balance.

package pool

import (
	"fmt"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"shieldedpool/internal/field"
)

// AmountBits is the in-circuit range of every note amount.
const AmountBits = 248

// TransactionCircuit proves a balanced nIns-to-2 shielded transfer against a known root.
// Allocate it with NewTransactionCircuit; the slice lengths fix the arity and tree depth.
type TransactionCircuit struct {
	// Public inputs
	Root             frontend.Variable              `gnark:",public"`
	PublicAmount     frontend.Variable              `gnark:",public"`
	ExtDataHash      frontend.Variable              `gnark:",public"`
	InputNullifier   []frontend.Variable            `gnark:",public"`
	OutputCommitment [OutputCount]frontend.Variable `gnark:",public"`

	// Private inputs
	InAmount       []frontend.Variable
	InPrivateKey   []frontend.Variable
	InBlinding     []frontend.Variable
	InPathIndex    []frontend.Variable
	InPathElements [][]frontend.Variable

	OutAmount   [OutputCount]frontend.Variable
	OutPubkey   [OutputCount]frontend.Variable
	OutBlinding [OutputCount]frontend.Variable
}

// NewTransactionCircuit allocates an empty circuit for nIns inputs over a tree of the given depth.
func NewTransactionCircuit(nIns, levels int) *TransactionCircuit {
	c := &TransactionCircuit{
		InputNullifier: make([]frontend.Variable, nIns),
		InAmount:       make([]frontend.Variable, nIns),
		InPrivateKey:   make([]frontend.Variable, nIns),
		InBlinding:     make([]frontend.Variable, nIns),
		InPathIndex:    make([]frontend.Variable, nIns),
		InPathElements: make([][]frontend.Variable, nIns),
	}
	for i := range c.InPathElements {
		c.InPathElements[i] = make([]frontend.Variable, levels)
	}
	return c
}

func (c *TransactionCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hash := func(vs ...frontend.Variable) frontend.Variable {
		h.Reset()
		h.Write(vs...)
		return h.Sum()
	}

	levels := 0
	if len(c.InPathElements) > 0 {
		levels = len(c.InPathElements[0])
	}

	sumIns := frontend.Variable(0)
	for i := range c.InAmount {
		// Step 1: ownership and commitment
		pub := hash(c.InPrivateKey[i])
		cm := hash(c.InAmount[i], pub, c.InBlinding[i])

		// Step 2: nullifier
		sig := hash(c.InPrivateKey[i], cm, c.InPathIndex[i])
		api.AssertIsEqual(c.InputNullifier[i], hash(cm, c.InPathIndex[i], sig))

		// Step 3: membership, skipped for zero-amount inputs
		bits := api.ToBinary(c.InPathIndex[i], levels)
		cur := cm
		for j := 0; j < levels; j++ {
			sib := c.InPathElements[i][j]
			left := api.Select(bits[j], sib, cur)
			right := api.Select(bits[j], cur, sib)
			cur = hash(left, right)
		}
		api.AssertIsEqual(api.Mul(c.InAmount[i], api.Sub(cur, c.Root)), 0)

		api.ToBinary(c.InAmount[i], AmountBits)
		sumIns = api.Add(sumIns, c.InAmount[i])
	}

	sumOuts := frontend.Variable(0)
	for i := 0; i < OutputCount; i++ {
		api.AssertIsEqual(c.OutputCommitment[i], hash(c.OutAmount[i], c.OutPubkey[i], c.OutBlinding[i]))
		api.ToBinary(c.OutAmount[i], AmountBits)
		sumOuts = api.Add(sumOuts, c.OutAmount[i])
	}

	// Step 4: no nullifier appears twice
	for i := 0; i < len(c.InputNullifier); i++ {
		for j := i + 1; j < len(c.InputNullifier); j++ {
			api.AssertIsDifferent(c.InputNullifier[i], c.InputNullifier[j])
		}
	}

	// Step 5: balance
	api.AssertIsEqual(api.Add(sumIns, c.PublicAmount), sumOuts)

	// extDataHash is bound as a public input only
	api.Mul(c.ExtDataHash, c.ExtDataHash)
	return nil
}

// assignPublic fills the public part of an allocated circuit.
func (c *TransactionCircuit) assignPublic(pub *PublicInputs) error {
	if len(pub.InputNullifiers) != len(c.InputNullifier) {
		return fmt.Errorf("%w: %d nullifiers for a %d-input circuit", ErrTooManyInputsOrOutputs,
			len(pub.InputNullifiers), len(c.InputNullifier))
	}
	c.Root = field.ToBig(pub.Root)
	c.PublicAmount = field.ToBig(pub.PublicAmount)
	c.ExtDataHash = field.ToBig(pub.ExtDataHash)
	for i, nf := range pub.InputNullifiers {
		c.InputNullifier[i] = field.ToBig(nf)
	}
	for i, cm := range pub.OutputCommitments {
		c.OutputCommitment[i] = field.ToBig(cm)
	}
	return nil
}

// AssignTransaction builds a full circuit assignment from an assembled witness.
func AssignTransaction(w *Witness) (*TransactionCircuit, error) {
	nIns := len(w.InputNullifiers)
	c := NewTransactionCircuit(nIns, w.Levels)
	if err := c.assignPublic(&w.PublicInputs); err != nil {
		return nil, err
	}
	if len(w.InAmount) != nIns || len(w.InPathElements) != nIns {
		return nil, fmt.Errorf("%w: witness input lengths disagree", ErrTooManyInputsOrOutputs)
	}
	for i := 0; i < nIns; i++ {
		c.InAmount[i] = w.InAmount[i]
		c.InPrivateKey[i] = field.ToBig(w.InPrivateKey[i])
		c.InBlinding[i] = field.ToBig(w.InBlinding[i])
		c.InPathIndex[i] = w.InPathIndex[i]
		if len(w.InPathElements[i]) != w.Levels {
			return nil, fmt.Errorf("input %d: path has %d levels, want %d", i, len(w.InPathElements[i]), w.Levels)
		}
		for j, e := range w.InPathElements[i] {
			c.InPathElements[i][j] = field.ToBig(e)
		}
	}
	for i := 0; i < OutputCount; i++ {
		c.OutAmount[i] = w.OutAmount[i]
		c.OutPubkey[i] = field.ToBig(w.OutPubkey[i])
		c.OutBlinding[i] = field.ToBig(w.OutBlinding[i])
	}
	return c, nil
}

// AssignPublic builds a public-only assignment for verification.
func AssignPublic(pub *PublicInputs, levels int) (*TransactionCircuit, error) {
	c := NewTransactionCircuit(len(pub.InputNullifiers), levels)
	if err := c.assignPublic(pub); err != nil {
		return nil, err
	}
	return c, nil
}
