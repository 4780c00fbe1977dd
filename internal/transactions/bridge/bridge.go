// bridge.go - Cross-domain reconciliation between the pool and the token bridge.
//
// Inbound: funds bridged in with a transaction payload are applied through Ledger.Accept; when
// that fails for any reason the funds are diverted to the custodian. Either way the message id
// is recorded with its effect, so a replay changes nothing.
//
// Outbound: payouts recorded by the ledger are delivered by Dispatch and acknowledged one by
// one. Bridge payouts become relayTokensAndCall-style calls to the origin-side unwrapper.

package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"shieldedpool/internal/pool"
	"shieldedpool/internal/transactions/withdraw"
)

var (
	ErrBadPayload = errors.New("malformed bridge payload")
	ErrWrongToken = errors.New("unexpected bridged token")
	ErrNotDeposit = errors.New("bridged amount does not match a deposit")
)

// Message is an inbound bridged transfer with its call data.
type Message struct {
	ID      common.Hash
	Token   common.Address
	Amount  *big.Int
	Payload []byte
}

// MessageID returns m.ID, or keccak256(token ‖ uint256(amount) ‖ payload) when no id was given.
func (m Message) MessageID() common.Hash {
	if m.ID != (common.Hash{}) {
		return m.ID
	}
	amount := m.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return crypto.Keccak256Hash(m.Token.Bytes(), math.U256Bytes(new(big.Int).Set(amount)), m.Payload)
}

// OutboundCall asks the bridge to move Amount of Token to Receiver and call it with Data.
type OutboundCall struct {
	ID       common.Hash    `json:"id"`
	Token    common.Address `json:"token"`
	Receiver common.Address `json:"receiver"`
	Amount   *big.Int       `json:"amount"`
	Data     []byte         `json:"data"`
}

// Channel carries outbound calls to the other domain.
type Channel interface {
	SendToBridge(ctx context.Context, call OutboundCall) error
}

// Settlement pays same-domain payouts: withdrawals, relayer fees and custody transfers.
type Settlement interface {
	Transfer(ctx context.Context, p pool.Payout) error
}

// Accounts is where bridged registrations land.
type Accounts interface {
	RegisterIfAbsent(ctx context.Context, owner common.Address, publicKey []byte) error
}

// Config names the pool token, the custodian and the origin-side unwrapper.
type Config struct {
	Token     common.Address
	Custodian common.Address
	Unwrapper common.Address
}

// Reconciler is safe for concurrent use; the ledger serializes the effects.
type Reconciler struct {
	cfg        Config
	ledger     *pool.Ledger
	accounts   Accounts
	channel    Channel
	settlement Settlement
	metrics    *pool.Metrics
	log        zerolog.Logger
}

// NewReconciler wires the reconciler. accounts and metrics may be nil; channel and settlement
// are only needed by Dispatch.
func NewReconciler(cfg Config, ledger *pool.Ledger, accounts Accounts, channel Channel, settlement Settlement, log zerolog.Logger, metrics *pool.Metrics) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		ledger:     ledger,
		accounts:   accounts,
		channel:    channel,
		settlement: settlement,
		metrics:    metrics,
		log:        log.With().Str("component", "bridge").Logger(),
	}
}

// OnFundsBridged applies an inbound message. It returns the recorded outcome; a replayed
// message returns the outcome of its first delivery. An error means nothing was recorded.
func (r *Reconciler) OnFundsBridged(ctx context.Context, m Message) (*pool.MessageOutcome, error) {
	id := m.MessageID()
	if out, ok, err := r.ledger.MessageOutcome(id); err != nil || ok {
		if ok {
			r.metrics.BridgeMessage("replay")
		}
		return out, err
	}
	amount := new(big.Int)
	if m.Amount != nil {
		amount.Set(m.Amount)
	}

	err := r.apply(ctx, id, m, amount)
	switch {
	case err == nil:
		r.metrics.BridgeMessage("accepted")
	case errors.Is(err, pool.ErrMessageProcessed):
		// a concurrent delivery won
		r.metrics.BridgeMessage("replay")
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		r.log.Warn().Err(err).Str("message", id.Hex()).Msg("bridged transaction failed")
		if _, derr := r.ledger.Divert(ctx, id, r.cfg.Custodian, amount, err.Error()); derr != nil {
			if !errors.Is(derr, pool.ErrMessageProcessed) {
				return nil, fmt.Errorf("diverting after %v: %w", err, derr)
			}
		} else {
			r.metrics.BridgeMessage("diverted")
		}
	}

	out, ok, err := r.ledger.MessageOutcome(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("message %s has no recorded outcome", id.Hex())
	}
	return out, nil
}

func (r *Reconciler) apply(ctx context.Context, id common.Hash, m Message, amount *big.Int) error {
	// Step 1: token and payload
	if m.Token != r.cfg.Token {
		return fmt.Errorf("%w: %s", ErrWrongToken, m.Token.Hex())
	}
	account, tx, err := DecodePayload(m.Payload)
	if err != nil {
		return err
	}

	// Step 2: the bridged value must be exactly the deposit
	ext := tx.ExtData.ExtAmount
	if ext == nil || ext.Sign() <= 0 || ext.Cmp(amount) != 0 {
		return fmt.Errorf("%w: amount %s, extAmount %v", ErrNotDeposit, amount, ext)
	}

	// Step 3: optional registration; an owner already holding a key keeps it
	if account.present() && r.accounts != nil {
		if err := r.accounts.RegisterIfAbsent(ctx, account.Owner, account.PublicKey); err != nil {
			r.log.Warn().Err(err).Str("owner", account.Owner.Hex()).Msg("bridged registration failed")
		}
	}

	// Step 4: apply with the message id in the same batch
	_, err = r.ledger.Accept(ctx, tx, amount, pool.WithMessageID(id))
	return err
}

// PayoutCallID is the id an outbound bridge call for payout id carries.
func PayoutCallID(id uint64) common.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return crypto.Keccak256Hash([]byte("shieldedpool/payout"), b[:])
}

// Dispatch delivers pending payouts in order and acks each success. Failed payouts stay in
// the outbox. It returns the number delivered and the first failure.
func (r *Reconciler) Dispatch(ctx context.Context) (int, error) {
	payouts, err := r.ledger.PendingPayouts()
	if err != nil {
		return 0, fmt.Errorf("listing payouts: %w", err)
	}
	delivered := 0
	var first error
	for _, p := range payouts {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := r.deliver(ctx, p); err != nil {
			r.log.Warn().Err(err).Uint64("payout", p.ID).Str("kind", string(p.Kind)).Msg("payout delivery failed")
			if first == nil {
				first = fmt.Errorf("payout %d: %w", p.ID, err)
			}
			continue
		}
		if err := r.ledger.AckPayout(p.ID); err != nil {
			return delivered, fmt.Errorf("acking payout %d: %w", p.ID, err)
		}
		delivered++
	}
	if delivered > 0 {
		r.log.Info().Int("delivered", delivered).Int("pending", len(payouts)-delivered).Msg("payouts dispatched")
	}
	return delivered, first
}

func (r *Reconciler) deliver(ctx context.Context, p pool.Payout) error {
	if p.Kind != pool.PayoutBridge {
		if r.settlement == nil {
			return errors.New("no settlement configured")
		}
		return r.settlement.Transfer(ctx, p)
	}
	if r.channel == nil {
		return errors.New("no bridge channel configured")
	}
	fee := p.L1Fee
	if fee == nil {
		fee = new(big.Int)
	}
	// the fee travels with the withdrawal and is split on the origin side
	data, err := withdraw.EncodeData(p.To, fee)
	if err != nil {
		return err
	}
	return r.channel.SendToBridge(ctx, OutboundCall{
		ID:       PayoutCallID(p.ID),
		Token:    r.cfg.Token,
		Receiver: r.cfg.Unwrapper,
		Amount:   new(big.Int).Add(p.Amount, fee),
		Data:     data,
	})
}

// Run dispatches every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Dispatch(ctx); err != nil && ctx.Err() == nil {
				r.log.Debug().Err(err).Msg("dispatch incomplete")
			}
		}
	}
}
