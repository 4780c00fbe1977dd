package pool

import (
	"context"
	"math/big"
	"math/rand/v2"
	"testing"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"shieldedpool/internal/field"
)

const testLevels = 5

var testHasher = field.MiMC{}

var (
	acceptAll  = VerifierFunc(func([]byte, *PublicInputs) bool { return true })
	rejectAll  = VerifierFunc(func([]byte, *PublicInputs) bool { return false })
	fakeProver = ProverFunc(func(context.Context, *Witness) ([]byte, error) { return []byte("proof"), nil })
)

func testConfig() LedgerConfig {
	cfg := DefaultLedgerConfig()
	cfg.Levels = testLevels
	cfg.HistorySize = 10
	return cfg
}

func newLedger(t *testing.T, db ethdb.KeyValueStore, v Verifier) *Ledger {
	t.Helper()
	if db == nil {
		db = memorydb.New()
	}
	l, err := NewLedger(testConfig(), db, v, testHasher, testLogger(), nil)
	require.NoError(t, err)
	return l
}

func newAssembler() *Assembler {
	return NewAssembler(testHasher, nil, fakeProver, rand.New(rand.NewPCG(1, 2)))
}

func newKeypair(t *testing.T) *Keypair {
	t.Helper()
	kp, err := NewKeypair(testHasher)
	require.NoError(t, err)
	return kp
}

func newNote(t *testing.T, amount int64, kp *Keypair) *Note {
	t.Helper()
	n, err := NewNote(testHasher, big.NewInt(amount), kp)
	require.NoError(t, err)
	return n
}

// deposit shields amount for kp and returns the confirmed note.
func deposit(t *testing.T, l *Ledger, a *Assembler, kp *Keypair, amount int64) *Note {
	t.Helper()
	out := newNote(t, amount, kp)
	tx, _, err := a.Build(context.Background(), l.Snapshot(), Request{Outputs: []*Note{out}})
	require.NoError(t, err)
	rec, err := l.Accept(context.Background(), tx, big.NewInt(amount))
	require.NoError(t, err)
	rec.Confirm(out)
	_, ok := out.Index()
	require.True(t, ok)
	return out
}

// balanced reports whether Σin + publicAmount ≡ Σout in the field.
func balanced(w *Witness) bool {
	lhs := new(big.Int).Set(field.ToBig(w.PublicAmount))
	for _, a := range w.InAmount {
		lhs.Add(lhs, a)
	}
	rhs := new(big.Int)
	for _, a := range w.OutAmount {
		rhs.Add(rhs, a)
	}
	p := field.Modulus()
	return lhs.Mod(lhs, p).Cmp(rhs.Mod(rhs, p)) == 0
}

func testLogger() zerolog.Logger { return zerolog.Nop() }
