package withdraw

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	token     = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	executor  = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

// fakeTreasury dedupes payments by id. lostAck pays but reports failure.
type fakeTreasury struct {
	unwrapErr error
	failTo    map[common.Address]bool
	lostAck   map[common.Address]bool
	paid      map[common.Address]*big.Int
	ids       map[common.Hash]bool
	unwrapped *big.Int
}

func newTreasury() *fakeTreasury {
	return &fakeTreasury{
		failTo:    map[common.Address]bool{},
		lostAck:   map[common.Address]bool{},
		paid:      map[common.Address]*big.Int{},
		ids:       map[common.Hash]bool{},
		unwrapped: new(big.Int),
	}
}

func (f *fakeTreasury) Unwrap(_ context.Context, amount *big.Int) error {
	if f.unwrapErr != nil {
		return f.unwrapErr
	}
	f.unwrapped.Add(f.unwrapped, amount)
	return nil
}

func (f *fakeTreasury) Send(_ context.Context, id common.Hash, to common.Address, amount *big.Int) error {
	if f.failTo[to] {
		return errors.New("transfer reverted")
	}
	if f.ids[id] {
		return nil
	}
	f.ids[id] = true
	if f.paid[to] == nil {
		f.paid[to] = new(big.Int)
	}
	f.paid[to].Add(f.paid[to], amount)
	if f.lostAck[to] {
		return errors.New("receipt lost")
	}
	return nil
}

func (f *fakeTreasury) balance(a common.Address) int64 {
	if f.paid[a] == nil {
		return 0
	}
	return f.paid[a].Int64()
}

func newUnwrapper(tr Treasury) *Unwrapper {
	return NewUnwrapper(Config{Token: token, Custodian: custodian}, memorydb.New(), tr, zerolog.Nop(), nil)
}

func delivery(t *testing.T, n byte, value, fee int64, feeTo common.Address) Delivery {
	t.Helper()
	data, err := EncodeData(recipient, big.NewInt(fee))
	require.NoError(t, err)
	return Delivery{ID: crypto.Keccak256Hash([]byte{n}), Token: token, Value: big.NewInt(value), Data: data, FeeReceiver: feeTo}
}

func TestEncodeDecodeData(t *testing.T) {
	data, err := EncodeData(recipient, big.NewInt(42))
	require.NoError(t, err)
	require.Len(t, data, DataLength)
	to, fee, err := DecodeData(data)
	require.NoError(t, err)
	assert.Equal(t, recipient, to)
	assert.Equal(t, int64(42), fee.Int64())

	_, _, err = DecodeData(data[:63])
	require.ErrorIs(t, err, ErrBadData)
}

func TestUnwrapSplitsFee(t *testing.T) {
	tr := newTreasury()
	u := newUnwrapper(tr)
	s, err := u.OnTokenBridged(context.Background(), delivery(t, 1, 100, 7, executor))
	require.NoError(t, err)
	assert.False(t, s.Custody)
	assert.Equal(t, int64(93), tr.balance(recipient))
	assert.Equal(t, int64(7), tr.balance(executor))
	assert.Equal(t, int64(100), tr.unwrapped.Int64())

	// same delivery again is a no-op
	again, err := u.OnTokenBridged(context.Background(), delivery(t, 1, 100, 7, executor))
	require.NoError(t, err)
	assert.Equal(t, s.Amount.Int64(), again.Amount.Int64())
	assert.Equal(t, int64(93), tr.balance(recipient))
}

func TestUnwrapFeeLimbo(t *testing.T) {
	ctx := context.Background()
	tr := newTreasury()
	tr.failTo[executor] = true
	u := newUnwrapper(tr)

	s, err := u.OnTokenBridged(ctx, delivery(t, 1, 50, 5, common.Address{}))
	require.NoError(t, err)
	assert.True(t, s.Limbo)
	s, err = u.OnTokenBridged(ctx, delivery(t, 2, 50, 3, executor))
	require.NoError(t, err)
	assert.True(t, s.Limbo)
	assert.Equal(t, int64(92), tr.balance(recipient))

	limbo, err := u.Limbo()
	require.NoError(t, err)
	assert.Equal(t, int64(8), limbo.Int64())

	_, err = u.ClaimLimbo(ctx, recipient, recipient)
	require.ErrorIs(t, err, ErrNotCustodian)

	claimed, err := u.ClaimLimbo(ctx, custodian, custodian)
	require.NoError(t, err)
	assert.Equal(t, int64(8), claimed.Int64())
	assert.Equal(t, int64(8), tr.balance(custodian))
	limbo, err = u.Limbo()
	require.NoError(t, err)
	assert.Zero(t, limbo.Sign())
}

func TestUnwrapRecoversToCustodian(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Delivery, *fakeTreasury)
		want   error
	}{
		"wrong token": {func(d *Delivery, _ *fakeTreasury) { d.Token = recipient }, ErrWrongToken},
		"short data":  {func(d *Delivery, _ *fakeTreasury) { d.Data = d.Data[:32] }, ErrBadData},
		"fee too large": {func(d *Delivery, _ *fakeTreasury) {
			d.Data, _ = EncodeData(recipient, big.NewInt(101))
		}, ErrFeeTooLarge},
		"unwrap failure":    {func(_ *Delivery, tr *fakeTreasury) { tr.unwrapErr = errors.New("paused") }, nil},
		"recipient reverts": {func(_ *Delivery, tr *fakeTreasury) { tr.failTo[recipient] = true }, nil},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			tr := newTreasury()
			u := newUnwrapper(tr)
			d := delivery(t, 9, 100, 1, executor)
			c.mutate(&d, tr)
			s, err := u.OnTokenBridged(context.Background(), d)
			require.NoError(t, err)
			assert.True(t, s.Custody)
			assert.Equal(t, int64(100), tr.balance(custodian))
			assert.Zero(t, tr.balance(executor))
			if c.want != nil {
				assert.Contains(t, s.Reason, c.want.Error())
			}

			recorded, ok, err := u.Settlement(d.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, recorded.Custody)
		})
	}
}

func TestUnwrapCustodyFailureIsRetryable(t *testing.T) {
	tr := newTreasury()
	tr.failTo[custodian] = true
	u := newUnwrapper(tr)
	d := delivery(t, 3, 10, 0, executor)
	d.Token = recipient

	_, err := u.OnTokenBridged(context.Background(), d)
	require.Error(t, err)
	_, ok, err := u.Settlement(d.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	tr.failTo[custodian] = false
	s, err := u.OnTokenBridged(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, s.Custody)
}

func TestPaymentLegsHaveDistinctIDs(t *testing.T) {
	id := crypto.Keccak256Hash([]byte{1})
	legs := map[common.Hash]bool{
		PaymentID(id, LegRecipient): true,
		PaymentID(id, LegFee):       true,
		PaymentID(id, LegCustody):   true,
		ClaimID(0):                  true,
		ClaimID(1):                  true,
	}
	assert.Len(t, legs, 5)
	assert.Equal(t, PaymentID(id, LegFee), PaymentID(id, LegFee))
}

func TestLimboClaimsArePaidOnce(t *testing.T) {
	ctx := context.Background()
	tr := newTreasury()
	u := newUnwrapper(tr)

	_, err := u.OnTokenBridged(ctx, delivery(t, 1, 50, 5, common.Address{}))
	require.NoError(t, err)

	// the payment lands but its receipt is lost; the retry reuses the claim id
	tr.lostAck[custodian] = true
	_, err = u.ClaimLimbo(ctx, custodian, custodian)
	require.Error(t, err)
	limbo, err := u.Limbo()
	require.NoError(t, err)
	assert.Zero(t, limbo.Sign())

	tr.lostAck[custodian] = false
	claimed, err := u.ClaimLimbo(ctx, custodian, custodian)
	require.NoError(t, err)
	assert.Equal(t, int64(5), claimed.Int64())
	assert.Equal(t, int64(5), tr.balance(custodian))

	// later claims get fresh ids and are not mistaken for the first
	_, err = u.OnTokenBridged(ctx, delivery(t, 2, 50, 4, common.Address{}))
	require.NoError(t, err)
	claimed, err = u.ClaimLimbo(ctx, custodian, custodian)
	require.NoError(t, err)
	assert.Equal(t, int64(4), claimed.Int64())
	assert.Equal(t, int64(9), tr.balance(custodian))

	claimed, err = u.ClaimLimbo(ctx, custodian, custodian)
	require.NoError(t, err)
	assert.Zero(t, claimed.Sign())
}
