// ledger.go - Authoritative pool state: accept path, spent set, payouts and bridge outcomes.
//
// All mutations (Accept, PublicDeposit, Divert, AckPayout) run under one write lock and commit
// through a single ethdb batch before the in-memory tree advances. Nothing is written on a
// rejected transaction.

package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"shieldedpool/internal/field"
	"shieldedpool/internal/merkle"
)

// LedgerConfig bounds the accumulator and amounts.
type LedgerConfig struct {
	Levels      int
	HistorySize int
	// MaxDeposit caps extAmount for deposits; nil means no cap.
	MaxDeposit *big.Int
	// MinWithdrawal is the smallest |extAmount| accepted for withdrawals; nil means any.
	MinWithdrawal      *big.Int
	NullifierCacheSize int
}

// DefaultLedgerConfig returns depth 23, 100 historical roots and no amount limits.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Levels:             merkle.DefaultLevels,
		HistorySize:        merkle.DefaultHistorySize,
		NullifierCacheSize: 4096,
	}
}

// PayoutKind classifies outbound transfers owed by the pool.
type PayoutKind string

const (
	PayoutWithdrawal PayoutKind = "withdrawal"
	PayoutRelayerFee PayoutKind = "relayer_fee"
	PayoutBridge     PayoutKind = "bridge"
	PayoutCustody    PayoutKind = "custody"
)

// Payout is a pending outbound transfer recorded in the same batch as its cause.
type Payout struct {
	ID        uint64         `json:"id"`
	Kind      PayoutKind     `json:"kind"`
	To        common.Address `json:"to"`
	Amount    *big.Int       `json:"amount"`
	L1Fee     *big.Int       `json:"l1Fee,omitempty"`
	MessageID common.Hash    `json:"messageId"`
	Reason    string         `json:"reason,omitempty"`
}

// MessageOutcome is the recorded result of an inbound bridge message.
type MessageOutcome struct {
	ID       common.Hash `json:"id"`
	Accepted bool        `json:"accepted"`
	Reason   string      `json:"reason,omitempty"`
	Root     common.Hash `json:"root"`
}

// Receipt describes an applied mutation.
type Receipt struct {
	Root        field.Element
	FirstIndex  uint64
	Commitments []field.Element
	Nullifiers  []field.Element
	Payouts     []Payout
}

// Confirm assigns final tree positions to notes matching the receipt's commitments.
func (r *Receipt) Confirm(notes ...*Note) {
	for _, n := range notes {
		cm := n.Commitment()
		for i, c := range r.Commitments {
			if c.Equal(&cm) {
				n.SetIndex(r.FirstIndex + uint64(i))
				break
			}
		}
	}
}

// CommitmentEvent is one committed leaf with its encrypted note.
type CommitmentEvent struct {
	Commitment      field.Element
	Index           uint64
	EncryptedOutput []byte
}

type acceptOptions struct {
	messageID *common.Hash
}

// AcceptOption tunes a single Accept call.
type AcceptOption func(*acceptOptions)

// WithMessageID records the bridge message id in the same batch as the transaction, so a
// replay of the message is detected atomically.
func WithMessageID(id common.Hash) AcceptOption {
	return func(o *acceptOptions) { o.messageID = &id }
}

// Ledger is safe for concurrent use. Reads proceed in parallel; mutations are serialized.
type Ledger struct {
	mu       sync.RWMutex
	cfg      LedgerConfig
	db       ethdb.KeyValueStore
	verifier Verifier
	hasher   field.Hasher
	tree     *merkle.Tree

	rootSeq   uint64
	payoutSeq uint64
	spent     *lru.Cache[field.Element, struct{}]

	metrics *Metrics
	log     zerolog.Logger
}

// NewLedger opens the ledger over db, restoring the tree, root window and counters.
// metrics may be nil.
func NewLedger(cfg LedgerConfig, db ethdb.KeyValueStore, verifier Verifier, hasher field.Hasher, log zerolog.Logger, metrics *Metrics) (*Ledger, error) {
	if cfg.NullifierCacheSize <= 0 {
		cfg.NullifierCacheSize = DefaultLedgerConfig().NullifierCacheSize
	}
	cache, err := lru.New[field.Element, struct{}](cfg.NullifierCacheSize)
	if err != nil {
		return nil, err
	}
	st, err := loadState(db)
	if err != nil {
		return nil, fmt.Errorf("loading ledger state: %w", err)
	}
	tree, err := merkle.New(cfg.Levels, cfg.HistorySize, hasher, st.leaves...)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:       cfg,
		db:        db,
		verifier:  verifier,
		hasher:    hasher,
		tree:      tree,
		rootSeq:   st.rootSeq,
		payoutSeq: st.payoutSeq,
		spent:     cache,
		metrics:   metrics,
		log:       log.With().Str("component", "ledger").Logger(),
	}
	if st.fresh {
		// genesis: the empty root is the first history entry
		batch := db.NewBatch()
		root := tree.Root()
		if err := batch.Put(rootKey(0), encodeRoot(root)); err != nil {
			return nil, err
		}
		if err := batch.Put(metaLeaves, be64(0)); err != nil {
			return nil, err
		}
		if err := batch.Put(metaRootSeq, be64(0)); err != nil {
			return nil, err
		}
		if err := batch.Write(); err != nil {
			return nil, fmt.Errorf("writing genesis: %w", err)
		}
	} else if err := tree.SetHistory(st.roots); err != nil {
		return nil, fmt.Errorf("restoring root history: %w", err)
	}
	metrics.setTreeSize(tree.Len())
	metrics.setPendingPayouts(st.pending)
	l.log.Info().Uint64("leaves", tree.Len()).Str("root", field.ToHex(tree.Root())).Msg("ledger opened")
	return l, nil
}

func encodeRoot(root field.Element) []byte {
	b := root.Bytes()
	return b[:]
}

// Hasher returns the ledger's field hash.
func (l *Ledger) Hasher() field.Hasher { return l.hasher }

// Levels returns the tree depth.
func (l *Ledger) Levels() int { return l.cfg.Levels }

// Accept validates tx and applies it atomically. funds is the value delivered alongside the
// call: it must equal extAmount for deposits and be nil or zero otherwise.
func (l *Ledger) Accept(ctx context.Context, tx *Transaction, funds *big.Int, opts ...AcceptOption) (*Receipt, error) {
	var o acceptOptions
	for _, opt := range opts {
		opt(&o)
	}
	rec, err := l.accept(ctx, tx, funds, o)
	if err != nil {
		reason := RejectReason(err)
		l.metrics.transactionRejected(reason)
		l.log.Warn().Err(err).Str("reason", reason).Msg("transaction rejected")
		return nil, err
	}
	kind := "transfer"
	switch tx.ExtData.normalized().ExtAmount.Sign() {
	case 1:
		kind = "deposit"
	case -1:
		kind = "withdrawal"
	}
	l.metrics.transactionAccepted(kind)
	l.log.Info().
		Str("kind", kind).
		Uint64("first_index", rec.FirstIndex).
		Str("root", field.ToHex(rec.Root)).
		Int("payouts", len(rec.Payouts)).
		Msg("transaction accepted")
	return rec, nil
}

func (l *Ledger) accept(ctx context.Context, tx *Transaction, funds *big.Int, o acceptOptions) (*Receipt, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrInvalidExtData)
	}
	// Step 1: shape
	n := len(tx.InputNullifiers)
	if n != 2 && n != MaxInputs {
		return nil, fmt.Errorf("%w: %d nullifiers", ErrTooManyInputsOrOutputs, n)
	}
	ext := tx.ExtData.normalized()

	// Step 2-3: root and spent set against the current snapshot
	l.mu.RLock()
	err := l.checkState(tx)
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// Step 4: external data binding
	if err := checkExtData(ext, tx.ExtDataHash); err != nil {
		return nil, err
	}

	// Step 5: amounts
	if err := l.checkAmounts(ext, tx.PublicAmount, funds); err != nil {
		return nil, err
	}

	// Step 6: proof, outside the write lock
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	ok := l.verifier.Verify(tx.Proof, &tx.PublicInputs)
	l.metrics.observeVerify(time.Since(start))
	if !ok {
		return nil, ErrInvalidProof
	}

	// Step 7: apply
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkState(tx); err != nil {
		return nil, err
	}
	if o.messageID != nil {
		if err := l.checkMessage(*o.messageID); err != nil {
			return nil, err
		}
	}

	payouts := l.payoutsFor(ext)
	leaves := []pendingLeaf{
		{commitment: tx.OutputCommitments[0], enc: ext.EncryptedOutput1},
		{commitment: tx.OutputCommitments[1], enc: ext.EncryptedOutput2},
	}
	rec, err := l.commit(leaves, tx.InputNullifiers, payouts, func(batch ethdb.Batch, root field.Element) error {
		if o.messageID == nil {
			return nil
		}
		return putJSON(batch, messageKey(*o.messageID), MessageOutcome{
			ID:       *o.messageID,
			Accepted: true,
			Root:     common.Hash(root.Bytes()),
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// checkState runs the root and double-spend checks. Callers hold l.mu.
func (l *Ledger) checkState(tx *Transaction) error {
	if !l.tree.IsKnownRoot(tx.Root) {
		return fmt.Errorf("%w: %s", ErrStaleOrUnknownRoot, field.ToHex(tx.Root))
	}
	seen := make(map[field.Element]struct{}, len(tx.InputNullifiers))
	for _, nf := range tx.InputNullifiers {
		if _, dup := seen[nf]; dup {
			return fmt.Errorf("%w: duplicate nullifier %s", ErrDoubleSpend, field.ToHex(nf))
		}
		seen[nf] = struct{}{}
		spent, err := l.isSpent(nf)
		if err != nil {
			return err
		}
		if spent {
			return fmt.Errorf("%w: %s", ErrDoubleSpend, field.ToHex(nf))
		}
	}
	return nil
}

func (l *Ledger) checkMessage(id common.Hash) error {
	ok, err := l.db.Has(messageKey(id))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrMessageProcessed, id.Hex())
	}
	return nil
}

func checkExtData(ext ExtData, bound field.Element) error {
	h, err := ext.Hash()
	if err != nil {
		return err
	}
	if !h.Equal(&bound) {
		return fmt.Errorf("%w: incorrect external data hash", ErrInvalidExtData)
	}
	withdrawal := ext.ExtAmount.Sign() < 0
	if withdrawal && ext.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: withdrawal without recipient", ErrInvalidExtData)
	}
	if ext.IsL1Withdrawal && !withdrawal {
		return fmt.Errorf("%w: l1 withdrawal without a withdrawn amount", ErrInvalidExtData)
	}
	if ext.Fee.Sign() > 0 && !ext.IsL1Withdrawal && ext.Relayer == (common.Address{}) {
		return fmt.Errorf("%w: fee without relayer", ErrInvalidExtData)
	}
	return nil
}

func (l *Ledger) checkAmounts(ext ExtData, publicAmount field.Element, funds *big.Int) error {
	want, err := PublicAmount(ext.ExtAmount, ext.Fee)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAmountMismatch, err)
	}
	if !want.Equal(&publicAmount) {
		return fmt.Errorf("%w: invalid public amount", ErrAmountMismatch)
	}
	if funds == nil {
		funds = new(big.Int)
	}
	switch ext.ExtAmount.Sign() {
	case 1:
		if funds.Cmp(ext.ExtAmount) != 0 {
			return fmt.Errorf("%w: deposit of %s delivered %s", ErrAmountMismatch, ext.ExtAmount, funds)
		}
		if l.cfg.MaxDeposit != nil && ext.ExtAmount.Cmp(l.cfg.MaxDeposit) > 0 {
			return fmt.Errorf("%w: amount is larger than maximumDepositAmount", ErrAmountMismatch)
		}
	default:
		if funds.Sign() != 0 {
			return fmt.Errorf("%w: %s delivered with a non-deposit", ErrAmountMismatch, funds)
		}
		if ext.ExtAmount.Sign() < 0 && l.cfg.MinWithdrawal != nil && ext.WithdrawalAmount().Cmp(l.cfg.MinWithdrawal) < 0 {
			return fmt.Errorf("%w: amount is lower than minimalWithdrawalAmount", ErrAmountMismatch)
		}
	}
	return nil
}

func (l *Ledger) payoutsFor(ext ExtData) []Payout {
	var out []Payout
	if ext.ExtAmount.Sign() < 0 {
		p := Payout{Kind: PayoutWithdrawal, To: ext.Recipient, Amount: ext.WithdrawalAmount()}
		if ext.IsL1Withdrawal {
			p.Kind = PayoutBridge
			p.L1Fee = new(big.Int).Set(ext.Fee)
		}
		out = append(out, p)
	}
	if ext.Fee.Sign() > 0 && !ext.IsL1Withdrawal {
		out = append(out, Payout{Kind: PayoutRelayerFee, To: ext.Relayer, Amount: new(big.Int).Set(ext.Fee)})
	}
	return out
}

type pendingLeaf struct {
	commitment field.Element
	enc        []byte
}

// commit writes one batch: nullifiers, leaves, the new root slot, counters, payouts and
// whatever extra adds. Only after the batch is durable does the tree advance. Callers hold l.mu.
func (l *Ledger) commit(leaves []pendingLeaf, nullifiers []field.Element, payouts []Payout, extra func(ethdb.Batch, field.Element) error) (*Receipt, error) {
	cms := make([]field.Element, len(leaves))
	for i, lf := range leaves {
		cms[i] = lf.commitment
	}
	root, err := l.tree.ProjectRoot(cms...)
	if err != nil {
		return nil, err
	}
	first := l.tree.Len()
	seq := l.rootSeq + 1
	payoutSeq := l.payoutSeq

	batch := l.db.NewBatch()
	for _, nf := range nullifiers {
		if err := batch.Put(nullifierKey(nf), spentMarker); err != nil {
			return nil, err
		}
	}
	for i, lf := range leaves {
		if err := batch.Put(leafKey(first+uint64(i)), encodeLeaf(lf.commitment, lf.enc)); err != nil {
			return nil, err
		}
	}
	if err := batch.Put(rootKey(seq), encodeRoot(root)); err != nil {
		return nil, err
	}
	if seq >= uint64(l.cfg.HistorySize) {
		if err := batch.Delete(rootKey(seq - uint64(l.cfg.HistorySize))); err != nil {
			return nil, err
		}
	}
	recorded := make([]Payout, len(payouts))
	for i, p := range payouts {
		payoutSeq++
		p.ID = payoutSeq
		if err := putJSON(batch, payoutKey(p.ID), p); err != nil {
			return nil, err
		}
		recorded[i] = p
	}
	if extra != nil {
		if err := extra(batch, root); err != nil {
			return nil, err
		}
	}
	if err := batch.Put(metaLeaves, be64(first+uint64(len(leaves)))); err != nil {
		return nil, err
	}
	if err := batch.Put(metaRootSeq, be64(seq)); err != nil {
		return nil, err
	}
	if err := batch.Put(metaPayoutSeq, be64(payoutSeq)); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}

	// the batch is durable, the tree must follow
	if _, err := l.tree.Insert(cms...); err != nil {
		l.log.Error().Err(err).Msg("tree diverged from store")
		return nil, err
	}
	l.rootSeq = seq
	l.payoutSeq = payoutSeq
	for _, nf := range nullifiers {
		l.spent.Add(nf, struct{}{})
	}
	l.metrics.setTreeSize(l.tree.Len())
	l.metrics.addPendingPayouts(len(recorded))

	return &Receipt{
		Root:        root,
		FirstIndex:  first,
		Commitments: cms,
		Nullifiers:  append([]field.Element(nil), nullifiers...),
		Payouts:     recorded,
	}, nil
}

// PublicDeposit credits amount to pubkey without a proof. The note has a zero blinding and
// takes position 0 of a two-leaf batch whose second leaf is a random zero-amount commitment.
func (l *Ledger) PublicDeposit(ctx context.Context, pubkey field.Element, amount, funds *big.Int) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(MaxNoteAmount) >= 0 {
		return nil, fmt.Errorf("%w: deposit amount %v", ErrAmountMismatch, amount)
	}
	if funds == nil || funds.Cmp(amount) != 0 {
		return nil, fmt.Errorf("%w: deposit of %s delivered %v", ErrAmountMismatch, amount, funds)
	}
	if l.cfg.MaxDeposit != nil && amount.Cmp(l.cfg.MaxDeposit) > 0 {
		return nil, fmt.Errorf("%w: amount is larger than maximumDepositAmount", ErrAmountMismatch)
	}
	pad, err := field.Random(BlindingBytes)
	if err != nil {
		return nil, err
	}
	leaves := []pendingLeaf{
		{commitment: l.hasher.Hash(field.FromBig(amount), pubkey, field.Element{})},
		{commitment: l.hasher.Hash(field.Element{}, field.Element{}, pad)},
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.commit(leaves, nil, nil, nil)
	if err != nil {
		l.metrics.transactionRejected(RejectReason(err))
		return nil, err
	}
	l.metrics.transactionAccepted("public_deposit")
	l.log.Info().Uint64("index", rec.FirstIndex).Str("amount", amount.String()).Msg("public deposit")
	return rec, nil
}

// Divert records that an inbound bridge message could not be applied: the value goes to a
// custody payout and the message is marked processed, in one batch. Pool state is untouched.
func (l *Ledger) Divert(ctx context.Context, id common.Hash, to common.Address, amount *big.Int, reason string) (*Payout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkMessage(id); err != nil {
		return nil, err
	}
	p := Payout{
		ID:        l.payoutSeq + 1,
		Kind:      PayoutCustody,
		To:        to,
		Amount:    new(big.Int).Set(amount),
		MessageID: id,
		Reason:    reason,
	}
	batch := l.db.NewBatch()
	if err := putJSON(batch, payoutKey(p.ID), p); err != nil {
		return nil, err
	}
	if err := putJSON(batch, messageKey(id), MessageOutcome{ID: id, Reason: reason}); err != nil {
		return nil, err
	}
	if err := batch.Put(metaPayoutSeq, be64(p.ID)); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("committing divert: %w", err)
	}
	l.payoutSeq = p.ID
	l.metrics.addPendingPayouts(1)
	l.log.Warn().Str("message", id.Hex()).Str("reason", reason).Str("custodian", to.Hex()).Msg("bridged funds diverted")
	return &p, nil
}

// MessageOutcome returns the recorded result of a processed bridge message.
func (l *Ledger) MessageOutcome(id common.Hash) (*MessageOutcome, bool, error) {
	var out MessageOutcome
	ok, err := readJSON(l.db, messageKey(id), &out)
	if err != nil || !ok {
		return nil, false, err
	}
	return &out, true, nil
}

// PendingPayouts returns undelivered payouts in creation order.
func (l *Ledger) PendingPayouts() ([]Payout, error) {
	var out []Payout
	err := iterate(l.db, payoutPrefix, nil, func(_, v []byte) error {
		var p Payout
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// AckPayout removes a delivered payout. Acking an unknown id is a no-op.
func (l *Ledger) AckPayout(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := payoutKey(id)
	ok, err := l.db.Has(key)
	if err != nil || !ok {
		return err
	}
	if err := l.db.Delete(key); err != nil {
		return err
	}
	l.metrics.addPendingPayouts(-1)
	return nil
}

// CommittedLeaves returns the commitments from index from onward.
func (l *Ledger) CommittedLeaves(from uint64) []field.Element {
	return l.tree.Leaves(from)
}

// CommitmentEvents returns committed leaves with their encrypted outputs from index from onward.
func (l *Ledger) CommitmentEvents(from uint64) ([]CommitmentEvent, error) {
	var out []CommitmentEvent
	idx := from
	err := iterate(l.db, leafPrefix, be64(from), func(_, v []byte) error {
		cm, enc, err := decodeLeaf(v)
		if err != nil {
			return err
		}
		out = append(out, CommitmentEvent{Commitment: cm, Index: idx, EncryptedOutput: enc})
		idx++
		return nil
	})
	return out, err
}

// KnownRoots returns the root history, oldest first.
func (l *Ledger) KnownRoots() []field.Element {
	return l.tree.Roots()
}

// Root returns the current root.
func (l *Ledger) Root() field.Element {
	return l.tree.Root()
}

// Len returns the number of committed leaves.
func (l *Ledger) Len() uint64 {
	return l.tree.Len()
}

// Capacity returns the maximum number of leaves.
func (l *Ledger) Capacity() uint64 {
	return l.tree.Capacity()
}

// IsNullifierSpent reports whether nf has been spent.
func (l *Ledger) IsNullifierSpent(nf field.Element) (bool, error) {
	return l.isSpent(nf)
}

func (l *Ledger) isSpent(nf field.Element) (bool, error) {
	if l.spent.Contains(nf) {
		return true, nil
	}
	ok, err := l.db.Has(nullifierKey(nf))
	if err != nil {
		return false, fmt.Errorf("reading nullifier: %w", err)
	}
	if ok {
		l.spent.Add(nf, struct{}{})
	}
	return ok, nil
}

// Snapshot returns an independent copy of the tree for transaction builders.
func (l *Ledger) Snapshot() *merkle.Tree {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Clone()
}

// Ping checks that the store answers reads.
func (l *Ledger) Ping() error {
	if _, err := l.db.Has(metaLeaves); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}
