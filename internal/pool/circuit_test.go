package pool

import (
	"context"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/test"
	"github.com/stretchr/testify/require"

	"shieldedpool/internal/field"
)

// spendWitness deposits 100, then prepares a 2-input transfer of it.
func spendWitness(t *testing.T) *Witness {
	t.Helper()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	alice, bob := newKeypair(t), newKeypair(t)
	in := deposit(t, l, a, alice, 100)

	prep, err := a.Prepare(l.Snapshot(), Request{
		Inputs:    []*Note{in},
		Outputs:   []*Note{newNote(t, 30, bob), newNote(t, 60, alice)},
		Fee:       big.NewInt(2),
		Recipient: recipient,
		Relayer:   relayer,
	})
	require.NoError(t, err)
	return prep.Witness
}

func TestCircuitSolvedByAssemblerWitness(t *testing.T) {
	w := spendWitness(t)
	assignment, err := AssignTransaction(w)
	require.NoError(t, err)
	err = test.IsSolved(NewTransactionCircuit(2, testLevels), assignment, ecc.BN254.ScalarField())
	require.NoError(t, err)
}

func TestCircuitSolvedForDeposit(t *testing.T) {
	kp := newKeypair(t)
	prep, err := newAssembler().Prepare(emptyTree(t), Request{Outputs: []*Note{newNote(t, 5, kp)}})
	require.NoError(t, err)
	assignment, err := AssignTransaction(prep.Witness)
	require.NoError(t, err)
	require.NoError(t, test.IsSolved(NewTransactionCircuit(2, testLevels), assignment, ecc.BN254.ScalarField()))
}

func TestCircuitRejectsBrokenWitness(t *testing.T) {
	cases := map[string]func(*Witness){
		"balance": func(w *Witness) {
			w.PublicAmount = field.FromBig(new(big.Int).Add(field.ToBig(w.PublicAmount), big.NewInt(1)))
		},
		"nullifier": func(w *Witness) {
			w.InputNullifiers[0] = field.FromUint64(1)
		},
		"root": func(w *Witness) {
			w.Root = field.FromUint64(1)
		},
		"commitment": func(w *Witness) {
			w.OutAmount[0] = new(big.Int).Add(w.OutAmount[0], big.NewInt(1))
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			w := spendWitness(t)
			mutate(w)
			assignment, err := AssignTransaction(w)
			require.NoError(t, err)
			err = test.IsSolved(NewTransactionCircuit(2, testLevels), assignment, ecc.BN254.ScalarField())
			require.Error(t, err)
		})
	}
}

func TestGroth16EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	g, err := SetupGroth16("", testLevels, []int{2}, testLogger())
	require.NoError(t, err)

	l := newLedger(t, nil, g)
	a := NewAssembler(testHasher, nil, g, nil)
	kp := newKeypair(t)
	ctx := context.Background()

	out := newNote(t, 10, kp)
	tx, _, err := a.Build(ctx, l.Snapshot(), Request{Outputs: []*Note{out}})
	require.NoError(t, err)
	require.True(t, g.Verify(tx.Proof, &tx.PublicInputs))

	forged := tx.PublicInputs
	forged.PublicAmount = field.FromUint64(11)
	require.False(t, g.Verify(tx.Proof, &forged))
	require.False(t, g.Verify([]byte("garbage"), &tx.PublicInputs))

	_, err = l.Accept(ctx, tx, big.NewInt(10))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = a.Build(cancelled, l.Snapshot(), Request{Outputs: []*Note{newNote(t, 1, kp)}})
	require.ErrorIs(t, err, context.Canceled)
}
