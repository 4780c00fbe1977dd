package pool

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldedpool/internal/field"
)

var (
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	relayer   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestAcceptDepositAndTransfer(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	alice, bob := newKeypair(t), newKeypair(t)

	genesis := l.Root()
	in := deposit(t, l, a, alice, 100)
	assert.Equal(t, uint64(2), l.Len())
	assert.True(t, l.Snapshot().IsKnownRoot(genesis))

	toBob := newNote(t, 40, bob)
	change := newNote(t, 60, alice)
	tx, _, err := a.Build(ctx, l.Snapshot(), Request{Inputs: []*Note{in}, Outputs: []*Note{toBob, change}})
	require.NoError(t, err)
	rec, err := l.Accept(ctx, tx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.FirstIndex)
	assert.Empty(t, rec.Payouts)
	assert.True(t, field.Equal(rec.Root, l.Root()))

	nf, err := in.Nullifier()
	require.NoError(t, err)
	spent, err := l.IsNullifierSpent(nf)
	require.NoError(t, err)
	assert.True(t, spent)

	// replaying the same transaction is a double spend
	_, err = l.Accept(ctx, tx, nil)
	require.ErrorIs(t, err, ErrDoubleSpend)
}

func TestAcceptRejectsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)

	build := func() *Transaction {
		tx, _, err := a.Build(ctx, l.Snapshot(), Request{Outputs: []*Note{newNote(t, 10, kp)}})
		require.NoError(t, err)
		return tx
	}
	root := l.Root()

	cases := map[string]struct {
		mutate func(*Transaction) *big.Int
		want   error
	}{
		"funds mismatch": {func(*Transaction) *big.Int { return big.NewInt(9) }, ErrAmountMismatch},
		"no funds":       {func(*Transaction) *big.Int { return nil }, ErrAmountMismatch},
		"unknown root": {func(tx *Transaction) *big.Int {
			tx.Root = field.FromUint64(12345)
			return big.NewInt(10)
		}, ErrStaleOrUnknownRoot},
		"zero root": {func(tx *Transaction) *big.Int {
			tx.Root = field.Element{}
			return big.NewInt(10)
		}, ErrStaleOrUnknownRoot},
		"tampered ext data": {func(tx *Transaction) *big.Int {
			tx.ExtData.Recipient = recipient
			return big.NewInt(10)
		}, ErrInvalidExtData},
		"public amount": {func(tx *Transaction) *big.Int {
			tx.PublicAmount = field.FromUint64(11)
			return big.NewInt(10)
		}, ErrAmountMismatch},
		"duplicate nullifiers": {func(tx *Transaction) *big.Int {
			tx.InputNullifiers[1] = tx.InputNullifiers[0]
			return big.NewInt(10)
		}, ErrDoubleSpend},
		"arity": {func(tx *Transaction) *big.Int {
			tx.InputNullifiers = tx.InputNullifiers[:1]
			return big.NewInt(10)
		}, ErrTooManyInputsOrOutputs},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tx := build()
			funds := tc.mutate(tx)
			_, err := l.Accept(ctx, tx, funds)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, uint64(0), l.Len())
			assert.True(t, field.Equal(root, l.Root()))
		})
	}

	bad := newLedger(t, nil, rejectAll)
	tx, _, err := a.Build(ctx, bad.Snapshot(), Request{Outputs: []*Note{newNote(t, 10, kp)}})
	require.NoError(t, err)
	_, err = bad.Accept(ctx, tx, big.NewInt(10))
	require.ErrorIs(t, err, ErrInvalidProof)
	assert.Equal(t, uint64(0), bad.Len())
}

func TestAcceptMergesSixteenInputs(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)

	ins := []*Note{deposit(t, l, a, kp, 10), deposit(t, l, a, kp, 20), deposit(t, l, a, kp, 30)}
	merged := newNote(t, 60, kp)
	tx, _, err := a.Build(ctx, l.Snapshot(), Request{Inputs: ins, Outputs: []*Note{merged}})
	require.NoError(t, err)
	require.Len(t, tx.InputNullifiers, MaxInputs)

	rec, err := l.Accept(ctx, tx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rec.FirstIndex)
	assert.Equal(t, uint64(8), l.Len())
	for _, in := range ins {
		nf, err := in.Nullifier()
		require.NoError(t, err)
		spent, err := l.IsNullifierSpent(nf)
		require.NoError(t, err)
		assert.True(t, spent)
	}
}

func TestAcceptAmountLimits(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxDeposit = big.NewInt(50)
	cfg.MinWithdrawal = big.NewInt(20)
	l, err := NewLedger(cfg, memorydb.New(), acceptAll, testHasher, testLogger(), nil)
	require.NoError(t, err)
	a := newAssembler()
	kp := newKeypair(t)

	tx, _, err := a.Build(ctx, l.Snapshot(), Request{Outputs: []*Note{newNote(t, 51, kp)}})
	require.NoError(t, err)
	_, err = l.Accept(ctx, tx, big.NewInt(51))
	require.ErrorIs(t, err, ErrAmountMismatch)

	in := deposit(t, l, a, kp, 50)
	tx, _, err = a.Build(ctx, l.Snapshot(), Request{
		Inputs:    []*Note{in},
		Outputs:   []*Note{newNote(t, 40, kp)},
		Recipient: recipient,
	})
	require.NoError(t, err)
	_, err = l.Accept(ctx, tx, nil)
	require.ErrorIs(t, err, ErrAmountMismatch)
}

func TestWithdrawalPayouts(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)
	in := deposit(t, l, a, kp, 100)

	tx, _, err := a.Build(ctx, l.Snapshot(), Request{
		Inputs:    []*Note{in},
		Outputs:   []*Note{newNote(t, 30, kp)},
		Fee:       big.NewInt(5),
		Recipient: recipient,
		Relayer:   relayer,
	})
	require.NoError(t, err)
	rec, err := l.Accept(ctx, tx, nil)
	require.NoError(t, err)
	require.Len(t, rec.Payouts, 2)
	assert.Equal(t, PayoutWithdrawal, rec.Payouts[0].Kind)
	assert.Equal(t, recipient, rec.Payouts[0].To)
	assert.Equal(t, int64(65), rec.Payouts[0].Amount.Int64())
	assert.Equal(t, PayoutRelayerFee, rec.Payouts[1].Kind)
	assert.Equal(t, relayer, rec.Payouts[1].To)
	assert.Equal(t, int64(5), rec.Payouts[1].Amount.Int64())

	pending, err := l.PendingPayouts()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, l.AckPayout(pending[0].ID))
	require.NoError(t, l.AckPayout(pending[0].ID))
	pending, err = l.PendingPayouts()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, PayoutRelayerFee, pending[0].Kind)
}

func TestL1WithdrawalBridgesFee(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)
	in := deposit(t, l, a, kp, 100)

	tx, _, err := a.Build(ctx, l.Snapshot(), Request{
		Inputs:         []*Note{in},
		Outputs:        []*Note{newNote(t, 50, kp)},
		Fee:            big.NewInt(3),
		Recipient:      recipient,
		IsL1Withdrawal: true,
	})
	require.NoError(t, err)
	rec, err := l.Accept(ctx, tx, nil)
	require.NoError(t, err)
	require.Len(t, rec.Payouts, 1)
	p := rec.Payouts[0]
	assert.Equal(t, PayoutBridge, p.Kind)
	assert.Equal(t, int64(47), p.Amount.Int64())
	assert.Equal(t, int64(3), p.L1Fee.Int64())
}

func TestL1FlagWithoutWithdrawalRejected(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)

	tx, _, err := a.Build(ctx, l.Snapshot(), Request{Outputs: []*Note{newNote(t, 10, kp)}, IsL1Withdrawal: true})
	require.NoError(t, err)
	_, err = l.Accept(ctx, tx, big.NewInt(10))
	require.ErrorIs(t, err, ErrInvalidExtData)
}

func TestStaleRootAfterHistoryWindow(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.HistorySize = 2
	l, err := NewLedger(cfg, memorydb.New(), acceptAll, testHasher, testLogger(), nil)
	require.NoError(t, err)
	a := newAssembler()
	kp := newKeypair(t)

	old := l.Snapshot()
	stale, _, err := a.Build(ctx, old, Request{Outputs: []*Note{newNote(t, 1, kp)}})
	require.NoError(t, err)
	deposit(t, l, a, kp, 2)
	deposit(t, l, a, kp, 3)

	_, err = l.Accept(ctx, stale, big.NewInt(1))
	require.ErrorIs(t, err, ErrStaleOrUnknownRoot)
}

func TestLedgerReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()
	l := newLedger(t, db, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)
	in := deposit(t, l, a, kp, 100)
	tx, _, err := a.Build(ctx, l.Snapshot(), Request{Inputs: []*Note{in}, Outputs: []*Note{newNote(t, 90, kp)}, Recipient: recipient})
	require.NoError(t, err)
	_, err = l.Accept(ctx, tx, nil)
	require.NoError(t, err)

	reopened := newLedger(t, db, acceptAll)
	assert.True(t, field.Equal(l.Root(), reopened.Root()))
	assert.Equal(t, l.KnownRoots(), reopened.KnownRoots())
	assert.Equal(t, l.CommittedLeaves(0), reopened.CommittedLeaves(0))

	nf, err := in.Nullifier()
	require.NoError(t, err)
	spent, err := reopened.IsNullifierSpent(nf)
	require.NoError(t, err)
	assert.True(t, spent)

	pending, err := reopened.PendingPayouts()
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	events, err := reopened.CommitmentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Index)
	assert.Len(t, events[0].EncryptedOutput, CiphertextSize)
}

func TestPublicDepositIsSpendable(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)

	_, err := l.PublicDeposit(ctx, kp.Pubkey, big.NewInt(25), big.NewInt(24))
	require.ErrorIs(t, err, ErrAmountMismatch)

	rec, err := l.PublicDeposit(ctx, kp.Pubkey, big.NewInt(25), big.NewInt(25))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.FirstIndex)
	assert.Empty(t, rec.Nullifiers)

	note, err := NewNoteWithBlinding(testHasher, big.NewInt(25), field.Element{}, kp)
	require.NoError(t, err)
	require.True(t, field.Equal(note.Commitment(), rec.Commitments[0]))

	tx, _, err := a.Build(ctx, l.Snapshot(), Request{Inputs: []*Note{note}, Outputs: []*Note{newNote(t, 25, kp)}})
	require.NoError(t, err)
	_, err = l.Accept(ctx, tx, nil)
	require.NoError(t, err)
}

func TestIdenticalPublicDepositsAreSpendable(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)

	var notes []*Note
	for range 2 {
		rec, err := l.PublicDeposit(ctx, kp.Pubkey, big.NewInt(25), big.NewInt(25))
		require.NoError(t, err)
		n, err := NewNoteWithBlinding(testHasher, big.NewInt(25), field.Element{}, kp)
		require.NoError(t, err)
		n.SetIndex(rec.FirstIndex)
		notes = append(notes, n)
	}
	require.True(t, field.Equal(notes[0].Commitment(), notes[1].Commitment()))

	// the later copy first, then the earlier one
	for _, i := range []int{1, 0} {
		tx, _, err := a.Build(ctx, l.Snapshot(), Request{Inputs: []*Note{notes[i]}, Outputs: []*Note{newNote(t, 25, kp)}})
		require.NoError(t, err)
		_, err = l.Accept(ctx, tx, nil)
		require.NoError(t, err)
	}
	for _, n := range notes {
		nf, err := n.Nullifier()
		require.NoError(t, err)
		spent, err := l.IsNullifierSpent(nf)
		require.NoError(t, err)
		assert.True(t, spent)
	}
}

func TestConcurrentDoubleSpendAcceptsOne(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)
	in := deposit(t, l, a, kp, 40)

	const submitters = 8
	txs := make([]*Transaction, submitters)
	for i := range txs {
		tx, _, err := a.Build(ctx, l.Snapshot(), Request{Inputs: []*Note{in}, Outputs: []*Note{newNote(t, 40, kp)}})
		require.NoError(t, err)
		txs[i] = tx
	}

	var wg sync.WaitGroup
	errs := make([]error, submitters)
	start := make(chan struct{})
	for i := range txs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = l.Accept(ctx, txs[i], nil)
		}(i)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, ErrDoubleSpend)
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, uint64(4), l.Len())
}

func TestDivertAndMessageReplay(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil, acceptAll)
	a := newAssembler()
	kp := newKeypair(t)
	id := common.HexToHash("0x01")

	p, err := l.Divert(ctx, id, custodian, big.NewInt(77), "bad payload")
	require.NoError(t, err)
	assert.Equal(t, PayoutCustody, p.Kind)
	assert.Equal(t, uint64(0), l.Len())

	_, err = l.Divert(ctx, id, custodian, big.NewInt(77), "again")
	require.ErrorIs(t, err, ErrMessageProcessed)

	out, ok, err := l.MessageOutcome(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, out.Accepted)
	assert.Equal(t, "bad payload", out.Reason)

	id2 := common.HexToHash("0x02")
	tx, _, err := a.Build(ctx, l.Snapshot(), Request{Outputs: []*Note{newNote(t, 10, kp)}})
	require.NoError(t, err)
	_, err = l.Accept(ctx, tx, big.NewInt(10), WithMessageID(id2))
	require.NoError(t, err)
	_, err = l.Divert(ctx, id2, custodian, big.NewInt(10), "late")
	require.ErrorIs(t, err, ErrMessageProcessed)

	out, ok, err = l.MessageOutcome(id2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, out.Accepted)
}

func TestReceiptConfirm(t *testing.T) {
	kp := newKeypair(t)
	a, b := newNote(t, 1, kp), newNote(t, 2, kp)
	rec := &Receipt{FirstIndex: 8, Commitments: []field.Element{b.Commitment(), a.Commitment()}}
	rec.Confirm(a, b)
	ia, _ := a.Index()
	ib, _ := b.Index()
	assert.Equal(t, uint64(9), ia)
	assert.Equal(t, uint64(8), ib)
}
