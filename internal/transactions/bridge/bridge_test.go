package bridge

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldedpool/internal/field"
	"shieldedpool/internal/pool"
	"shieldedpool/internal/transactions/withdraw"
)

var (
	token     = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	unwrapper = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	owner     = common.HexToAddress("0x0000000000000000000000000000000000000011")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	relayer   = common.HexToAddress("0x00000000000000000000000000000000000000bb")

	hasher     = field.MiMC{}
	acceptAll  = pool.VerifierFunc(func([]byte, *pool.PublicInputs) bool { return true })
	rejectAll  = pool.VerifierFunc(func([]byte, *pool.PublicInputs) bool { return false })
	fakeProver = pool.ProverFunc(func(context.Context, *pool.Witness) ([]byte, error) { return []byte("proof"), nil })
)

type fakeAccounts map[common.Address][]byte

func (f fakeAccounts) RegisterIfAbsent(_ context.Context, owner common.Address, pub []byte) error {
	if cur, ok := f[owner]; ok && !bytes.Equal(cur, pub) {
		return errors.New("already registered")
	}
	f[owner] = pub
	return nil
}

type fakeChannel struct {
	calls []OutboundCall
	err   error
}

func (f *fakeChannel) SendToBridge(_ context.Context, call OutboundCall) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, call)
	return nil
}

type fakeSettlement struct{ paid []pool.Payout }

func (f *fakeSettlement) Transfer(_ context.Context, p pool.Payout) error {
	f.paid = append(f.paid, p)
	return nil
}

type fixture struct {
	ledger     *pool.Ledger
	assembler  *pool.Assembler
	accounts   fakeAccounts
	channel    *fakeChannel
	settlement *fakeSettlement
	r          *Reconciler
}

func newFixture(t *testing.T, v pool.Verifier) *fixture {
	t.Helper()
	cfg := pool.DefaultLedgerConfig()
	cfg.Levels = 5
	cfg.HistorySize = 10
	l, err := pool.NewLedger(cfg, memorydb.New(), v, hasher, zerolog.Nop(), nil)
	require.NoError(t, err)
	f := &fixture{
		ledger:     l,
		assembler:  pool.NewAssembler(hasher, nil, fakeProver, nil),
		accounts:   fakeAccounts{},
		channel:    &fakeChannel{},
		settlement: &fakeSettlement{},
	}
	f.r = NewReconciler(Config{Token: token, Custodian: custodian, Unwrapper: unwrapper}, l, f.accounts, f.channel, f.settlement, zerolog.Nop(), nil)
	return f
}

func (f *fixture) depositTx(t *testing.T, amount int64) (*pool.Transaction, *pool.Keypair, *pool.Note) {
	t.Helper()
	kp, err := pool.NewKeypair(hasher)
	require.NoError(t, err)
	out, err := pool.NewNote(hasher, big.NewInt(amount), kp)
	require.NoError(t, err)
	tx, _, err := f.assembler.Build(context.Background(), f.ledger.Snapshot(), pool.Request{Outputs: []*pool.Note{out}})
	require.NoError(t, err)
	return tx, kp, out
}

func TestBridgedRegistrationKeepsExistingKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, acceptAll)
	victim, err := pool.NewKeypair(hasher)
	require.NoError(t, err)
	f.accounts[owner] = victim.AddressBytes()

	tx, attacker, _ := f.depositTx(t, 10)
	raw, err := EncodePayload(Account{Owner: owner, PublicKey: attacker.AddressBytes()}, tx)
	require.NoError(t, err)
	out, err := f.r.OnFundsBridged(ctx, Message{Token: token, Amount: big.NewInt(10), Payload: raw})
	require.NoError(t, err)
	// the deposit still lands; the registration does not
	assert.True(t, out.Accepted)
	assert.Equal(t, victim.AddressBytes(), f.accounts[owner])
}

func TestPayloadRoundTrip(t *testing.T) {
	f := newFixture(t, acceptAll)
	tx, kp, _ := f.depositTx(t, 10)
	raw, err := EncodePayload(Account{Owner: owner, PublicKey: kp.AddressBytes()}, tx)
	require.NoError(t, err)

	account, got, err := DecodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, owner, account.Owner)
	assert.Equal(t, kp.AddressBytes(), account.PublicKey)
	assert.Equal(t, tx.PublicInputs, got.PublicInputs)
	assert.Equal(t, tx.Proof, got.Proof)
	h, err := got.ExtData.Hash()
	require.NoError(t, err)
	assert.True(t, field.Equal(tx.ExtDataHash, h))

	_, _, err = DecodePayload(raw[:100])
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestInboundDepositAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, acceptAll)
	tx, kp, _ := f.depositTx(t, 10)
	raw, err := EncodePayload(Account{Owner: owner, PublicKey: kp.AddressBytes()}, tx)
	require.NoError(t, err)
	msg := Message{Token: token, Amount: big.NewInt(10), Payload: raw}

	out, err := f.r.OnFundsBridged(ctx, msg)
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, msg.MessageID(), out.ID)
	assert.Equal(t, uint64(2), f.ledger.Len())
	assert.Equal(t, kp.AddressBytes(), f.accounts[owner])
	assert.Equal(t, common.Hash(field.ToBytes(f.ledger.Root())), out.Root)

	again, err := f.r.OnFundsBridged(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, uint64(2), f.ledger.Len())
}

func TestInboundFailuresDivert(t *testing.T) {
	cases := map[string]struct {
		verifier pool.Verifier
		mutate   func(*Message)
	}{
		"bad payload":     {acceptAll, func(m *Message) { m.Payload = []byte{1, 2, 3} }},
		"wrong token":     {acceptAll, func(m *Message) { m.Token = recipient }},
		"amount mismatch": {acceptAll, func(m *Message) { m.Amount = big.NewInt(9) }},
		"invalid proof":   {rejectAll, func(*Message) {}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, c.verifier)
			tx, _, _ := f.depositTx(t, 10)
			raw, err := EncodePayload(Account{}, tx)
			require.NoError(t, err)
			msg := Message{ID: common.HexToHash("0x01"), Token: token, Amount: big.NewInt(10), Payload: raw}
			c.mutate(&msg)
			root := f.ledger.Root()

			out, err := f.r.OnFundsBridged(ctx, msg)
			require.NoError(t, err)
			assert.False(t, out.Accepted)
			assert.NotEmpty(t, out.Reason)
			assert.Equal(t, root, f.ledger.Root())
			assert.Zero(t, f.ledger.Len())
			for _, nf := range tx.InputNullifiers {
				spent, err := f.ledger.IsNullifierSpent(nf)
				require.NoError(t, err)
				assert.False(t, spent)
			}

			payouts, err := f.ledger.PendingPayouts()
			require.NoError(t, err)
			require.Len(t, payouts, 1)
			assert.Equal(t, pool.PayoutCustody, payouts[0].Kind)
			assert.Equal(t, custodian, payouts[0].To)
			assert.Equal(t, msg.Amount.Int64(), payouts[0].Amount.Int64())

			// replay of a diverted message diverts nothing more
			_, err = f.r.OnFundsBridged(ctx, msg)
			require.NoError(t, err)
			payouts, err = f.ledger.PendingPayouts()
			require.NoError(t, err)
			assert.Len(t, payouts, 1)
		})
	}
}

func TestDispatchDeliversOutbox(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, acceptAll)
	tx, kp, note := f.depositTx(t, 100)
	rec, err := f.ledger.Accept(ctx, tx, big.NewInt(100))
	require.NoError(t, err)
	rec.Confirm(note)

	change, err := pool.NewNote(hasher, big.NewInt(50), kp)
	require.NoError(t, err)
	tx, _, err = f.assembler.Build(ctx, f.ledger.Snapshot(), pool.Request{
		Inputs:         []*pool.Note{note},
		Outputs:        []*pool.Note{change},
		Fee:            big.NewInt(5),
		Recipient:      recipient,
		Relayer:        relayer,
		IsL1Withdrawal: true,
	})
	require.NoError(t, err)
	rec, err = f.ledger.Accept(ctx, tx, nil)
	require.NoError(t, err)
	rec.Confirm(change)

	tx, _, err = f.assembler.Build(ctx, f.ledger.Snapshot(), pool.Request{
		Inputs:    []*pool.Note{change},
		Fee:       big.NewInt(2),
		Recipient: recipient,
		Relayer:   relayer,
	})
	require.NoError(t, err)
	_, err = f.ledger.Accept(ctx, tx, nil)
	require.NoError(t, err)

	// the channel is down: same-domain payouts still go out, the bridge one waits
	f.channel.err = errors.New("bridge offline")
	n, err := f.r.Dispatch(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, f.settlement.paid, 2)
	assert.Equal(t, pool.PayoutWithdrawal, f.settlement.paid[0].Kind)
	assert.Equal(t, int64(48), f.settlement.paid[0].Amount.Int64())
	assert.Equal(t, pool.PayoutRelayerFee, f.settlement.paid[1].Kind)
	assert.Equal(t, relayer, f.settlement.paid[1].To)

	f.channel.err = nil
	n, err = f.r.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.channel.calls, 1)
	call := f.channel.calls[0]
	assert.Equal(t, unwrapper, call.Receiver)
	assert.Equal(t, token, call.Token)
	assert.Equal(t, int64(50), call.Amount.Int64())
	to, fee, err := withdraw.DecodeData(call.Data)
	require.NoError(t, err)
	assert.Equal(t, recipient, to)
	assert.Equal(t, int64(5), fee.Int64())

	pending, err := f.ledger.PendingPayouts()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
