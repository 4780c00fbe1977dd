// withdraw.go - Origin-domain settlement of withdrawals bridged out of the pool.
//
// The pool sends the withdrawn tokens over the bridge together with
// abi.encode(address recipient, uint256 l1Fee). The unwrapper converts them to the native asset,
// pays the recipient value-l1Fee and the fee receiver l1Fee. A delivery that cannot be settled
// goes to the custodian whole.

package withdraw

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/rs/zerolog"

	"shieldedpool/internal/pool"
)

// DataLength is the size of abi.encode(address, uint256).
const DataLength = 64

var (
	ErrNotCustodian = errors.New("caller is not the custodian")
	ErrWrongToken   = errors.New("only the wrapped pool token is accepted")
	ErrBadData      = errors.New("incorrect data")
	ErrFeeTooLarge  = errors.New("l1 fee exceeds value")
)

var (
	deliveryPrefix  = []byte("u")
	limboKey        = []byte("m:limbo")
	claimNonceKey   = []byte("m:claim-nonce")
	pendingClaimKey = []byte("m:claim-pending")
)

// Payment legs of one delivery. Each leg is paid under its own id.
const (
	LegRecipient = "recipient"
	LegFee       = "fee"
	LegCustody   = "custody"
)

// PaymentID is the id the treasury sees for one leg of delivery id.
func PaymentID(id common.Hash, leg string) common.Hash {
	return crypto.Keccak256Hash(id.Bytes(), []byte(leg))
}

// ClaimID is the id of the nonce-th limbo claim.
func ClaimID(nonce uint64) common.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	return crypto.Keccak256Hash([]byte("shieldedpool/limbo"), b[:])
}

var dataArgs = func() abi.Arguments {
	addr, _ := abi.NewType("address", "", nil)
	uint256, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{{Name: "recipient", Type: addr}, {Name: "l1Fee", Type: uint256}}
}()

// EncodeData packs the recipient and fee the way the pool attaches them to a bridged withdrawal.
func EncodeData(recipient common.Address, l1Fee *big.Int) ([]byte, error) {
	return dataArgs.Pack(recipient, l1Fee)
}

// DecodeData parses the 64-byte delivery data.
func DecodeData(data []byte) (common.Address, *big.Int, error) {
	if len(data) != DataLength {
		return common.Address{}, nil, fmt.Errorf("%w: length %d", ErrBadData, len(data))
	}
	vals, err := dataArgs.Unpack(data)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: %w", ErrBadData, err)
	}
	recipient, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, nil, ErrBadData
	}
	fee, ok := vals[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, ErrBadData
	}
	return recipient, fee, nil
}

// Treasury holds the bridged tokens on the origin domain.
type Treasury interface {
	// Unwrap converts amount of the wrapped token into the native asset.
	Unwrap(ctx context.Context, amount *big.Int) error
	// Send pays out native value. id names one payment (see PaymentID and ClaimID); a
	// repeated id must not pay twice.
	Send(ctx context.Context, id common.Hash, to common.Address, amount *big.Int) error
}

// Delivery is one bridged token transfer.
type Delivery struct {
	ID    common.Hash
	Token common.Address
	Value *big.Int
	Data  []byte
	// FeeReceiver is whoever executed the delivery; zero leaves the fee in limbo.
	FeeReceiver common.Address
}

// Settlement records how a delivery was paid.
type Settlement struct {
	ID        common.Hash    `json:"id"`
	Recipient common.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
	Fee       *big.Int       `json:"fee"`
	FeeTo     common.Address `json:"feeTo"`
	Limbo     bool           `json:"limbo,omitempty"`
	Custody   bool           `json:"custody,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Config names the accepted token and the custodian.
type Config struct {
	Token     common.Address
	Custodian common.Address
}

// Unwrapper settles deliveries one at a time.
type Unwrapper struct {
	mu       sync.Mutex
	cfg      Config
	db       ethdb.KeyValueStore
	treasury Treasury
	metrics  *pool.Metrics
	log      zerolog.Logger
}

// NewUnwrapper returns an unwrapper persisting settlements in db. metrics may be nil.
func NewUnwrapper(cfg Config, db ethdb.KeyValueStore, treasury Treasury, log zerolog.Logger, metrics *pool.Metrics) *Unwrapper {
	return &Unwrapper{
		cfg:      cfg,
		db:       db,
		treasury: treasury,
		metrics:  metrics,
		log:      log.With().Str("component", "unwrapper").Logger(),
	}
}

func deliveryKey(id common.Hash) []byte {
	return append(append([]byte{}, deliveryPrefix...), id.Bytes()...)
}

// OnTokenBridged settles d. A delivery already settled returns its recorded settlement.
// An error means nothing was recorded and the delivery can be retried.
func (u *Unwrapper) OnTokenBridged(ctx context.Context, d Delivery) (*Settlement, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if s, ok, err := u.settlement(d.ID); err != nil || ok {
		if ok {
			u.metrics.BridgeMessage("replay")
		}
		return s, err
	}
	value := new(big.Int)
	if d.Value != nil {
		value.Set(d.Value)
	}

	// Step 1: validate token and data
	s := &Settlement{ID: d.ID, Fee: new(big.Int)}
	recipient, fee, err := u.check(d, value)
	if err == nil {
		// Step 2: unwrap and pay
		err = u.pay(ctx, d, value, recipient, fee, s)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.Amount != nil {
			// recipient already paid; only the limbo write failed
			return nil, err
		}
		// Step 3: anything unsettled goes to the custodian whole
		if serr := u.treasury.Send(ctx, PaymentID(d.ID, LegCustody), u.cfg.Custodian, value); serr != nil {
			return nil, fmt.Errorf("custody transfer after %v: %w", err, serr)
		}
		s = &Settlement{ID: d.ID, Recipient: u.cfg.Custodian, Amount: value, Fee: new(big.Int), Custody: true, Reason: err.Error()}
		u.log.Warn().Err(err).Str("id", d.ID.Hex()).Str("value", value.String()).Msg("delivery sent to custodian")
		u.metrics.BridgeMessage("custody")
	} else {
		u.metrics.BridgeMessage("unwrapped")
	}

	if err := u.record(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (u *Unwrapper) check(d Delivery, value *big.Int) (common.Address, *big.Int, error) {
	if d.Token != u.cfg.Token {
		return common.Address{}, nil, fmt.Errorf("%w: %s", ErrWrongToken, d.Token.Hex())
	}
	recipient, fee, err := DecodeData(d.Data)
	if err != nil {
		return common.Address{}, nil, err
	}
	if recipient == (common.Address{}) {
		return common.Address{}, nil, fmt.Errorf("%w: zero recipient", ErrBadData)
	}
	if fee.Cmp(value) > 0 {
		return common.Address{}, nil, fmt.Errorf("%w: %s > %s", ErrFeeTooLarge, fee, value)
	}
	return recipient, fee, nil
}

func (u *Unwrapper) pay(ctx context.Context, d Delivery, value *big.Int, recipient common.Address, fee *big.Int, s *Settlement) error {
	if err := u.treasury.Unwrap(ctx, value); err != nil {
		return fmt.Errorf("unwrap: %w", err)
	}
	amount := new(big.Int).Sub(value, fee)
	if err := u.treasury.Send(ctx, PaymentID(d.ID, LegRecipient), recipient, amount); err != nil {
		return fmt.Errorf("paying recipient: %w", err)
	}
	s.Recipient, s.Amount, s.Fee = recipient, amount, fee
	if fee.Sign() == 0 {
		return nil
	}
	if d.FeeReceiver != (common.Address{}) {
		err := u.treasury.Send(ctx, PaymentID(d.ID, LegFee), d.FeeReceiver, fee)
		if err == nil {
			s.FeeTo = d.FeeReceiver
			return nil
		}
		u.log.Warn().Err(err).Str("id", d.ID.Hex()).Msg("fee payment failed, fee moved to limbo")
	}
	s.Limbo = true
	return u.addLimbo(fee)
}

func (u *Unwrapper) settlement(id common.Hash) (*Settlement, bool, error) {
	key := deliveryKey(id)
	ok, err := u.db.Has(key)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, err := u.db.Get(key)
	if err != nil {
		return nil, false, err
	}
	var s Settlement
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

// Settlement returns the recorded settlement of a delivery.
func (u *Unwrapper) Settlement(id common.Hash) (*Settlement, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.settlement(id)
}

func (u *Unwrapper) record(s *Settlement) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return u.db.Put(deliveryKey(s.ID), raw)
}

func (u *Unwrapper) limbo() (*big.Int, error) {
	ok, err := u.db.Has(limboKey)
	if err != nil || !ok {
		return new(big.Int), err
	}
	raw, err := u.db.Get(limboKey)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (u *Unwrapper) addLimbo(fee *big.Int) error {
	cur, err := u.limbo()
	if err != nil {
		return err
	}
	return u.db.Put(limboKey, cur.Add(cur, fee).Bytes())
}

// Limbo returns the unclaimed fees.
func (u *Unwrapper) Limbo() (*big.Int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.limbo()
}

type pendingClaim struct {
	Nonce  uint64         `json:"nonce"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// ClaimLimbo sends every unclaimed fee to to. Only the custodian may claim.
//
// The limbo balance moves into a pending claim before it is paid, and the claim is cleared
// once the treasury accepts it. A claim left pending by a failed send or write is finished
// first, under its original id, by the next call.
func (u *Unwrapper) ClaimLimbo(ctx context.Context, caller, to common.Address) (*big.Int, error) {
	if caller != u.cfg.Custodian {
		return nil, ErrNotCustodian
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	total := new(big.Int)
	c, ok, err := u.pendingClaim()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := u.finishClaim(ctx, c); err != nil {
			return nil, err
		}
		total.Add(total, c.Amount)
	}

	amount, err := u.limbo()
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return total, nil
	}
	nonce, err := u.claimNonce()
	if err != nil {
		return nil, err
	}
	c = &pendingClaim{Nonce: nonce, To: to, Amount: amount}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	batch := u.db.NewBatch()
	if err := batch.Put(pendingClaimKey, raw); err != nil {
		return nil, err
	}
	if err := batch.Delete(limboKey); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("reserving limbo claim: %w", err)
	}
	if err := u.finishClaim(ctx, c); err != nil {
		return nil, err
	}
	return total.Add(total, amount), nil
}

func (u *Unwrapper) finishClaim(ctx context.Context, c *pendingClaim) error {
	if err := u.treasury.Send(ctx, ClaimID(c.Nonce), c.To, c.Amount); err != nil {
		return fmt.Errorf("claiming limbo: %w", err)
	}
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], c.Nonce+1)
	batch := u.db.NewBatch()
	if err := batch.Put(claimNonceKey, next[:]); err != nil {
		return err
	}
	if err := batch.Delete(pendingClaimKey); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("clearing limbo claim: %w", err)
	}
	u.log.Info().Str("to", c.To.Hex()).Str("amount", c.Amount.String()).Uint64("claim", c.Nonce).Msg("limbo claimed")
	return nil
}

func (u *Unwrapper) pendingClaim() (*pendingClaim, bool, error) {
	ok, err := u.db.Has(pendingClaimKey)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, err := u.db.Get(pendingClaimKey)
	if err != nil {
		return nil, false, err
	}
	var c pendingClaim
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (u *Unwrapper) claimNonce() (uint64, error) {
	ok, err := u.db.Has(claimNonceKey)
	if err != nil || !ok {
		return 0, err
	}
	raw, err := u.db.Get(claimNonceKey)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt claim nonce of %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
