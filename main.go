// main.go - End-to-end shielded pool scenario with real Groth16 proofs.
//
// This walks one pair of users through the pool:
//   - Alice bridges 10M tokens in; the deposit proof rides in the bridge payload
//   - Bob registers a shielded key under an EIP-712 signature
//   - Alice looks Bob up and sends 3M privately, keeping 7M as change
//   - Bob withdraws 2M to the origin domain; the origin unwrapper pays out and splits the fee
//
// Usage:
//
//	go run .
//
// Architecture:
//   - The pool and the origin domain are two relay nodes on loopback
//   - The ledger, registry and unwrapper share in-memory ethdb stores
//   - Wallets discover their notes by trial decryption
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/rs/zerolog"

	"shieldedpool/internal/field"
	"shieldedpool/internal/pool"
	"shieldedpool/internal/transactions/bridge"
	"shieldedpool/internal/transactions/register"
	"shieldedpool/internal/transactions/withdraw"
	"shieldedpool/p2p"
)

// scenarioLevels keeps setup fast; production trees use merkle.DefaultLevels.
const scenarioLevels = 10

var (
	token     = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	unwrapper = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	executor  = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

// treasury is the origin side token balance sheet. Payments are deduped by id.
type treasury struct {
	mu        sync.Mutex
	paid      map[common.Address]*big.Int
	seen      map[common.Hash]bool
	unwrapped *big.Int
}

func newTreasury() *treasury {
	return &treasury{paid: make(map[common.Address]*big.Int), seen: make(map[common.Hash]bool), unwrapped: new(big.Int)}
}

func (t *treasury) Unwrap(_ context.Context, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unwrapped.Add(t.unwrapped, amount)
	return nil
}

func (t *treasury) Send(_ context.Context, id common.Hash, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[id] {
		return nil
	}
	t.seen[id] = true
	if t.paid[to] == nil {
		t.paid[to] = new(big.Int)
	}
	t.paid[to].Add(t.paid[to], amount)
	return nil
}

func (t *treasury) balance(a common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paid[a] == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.paid[a])
}

func (t *treasury) totalUnwrapped() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.unwrapped)
}

// settlementLog stands in for the same-domain payer.
type settlementLog struct{ log zerolog.Logger }

func (s settlementLog) Transfer(_ context.Context, p pool.Payout) error {
	s.log.Info().Str("kind", string(p.Kind)).Str("to", p.To.Hex()).Str("amount", p.Amount.String()).Msg("payout")
	return nil
}

// user holds an origin-domain account and a shielded wallet.
type user struct {
	name   string
	key    *ecdsa.PrivateKey
	owner  common.Address
	wallet *pool.Wallet
}

func newUser(name string, h field.Hasher) (*user, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	kp, err := pool.NewKeypair(h)
	if err != nil {
		return nil, err
	}
	return &user{name: name, key: key, owner: crypto.PubkeyToAddress(key.PublicKey), wallet: pool.NewWallet(h, nil, kp)}, nil
}

// ScenarioResult is the final state of a scenario run.
type ScenarioResult struct {
	AliceBalance    *big.Int
	BobBalance      *big.Int
	BobOnOrigin     *big.Int
	ExecutorOnL1    *big.Int
	Unwrapped       *big.Int
	Leaves          uint64
	DepositAccepted bool
}

type world struct {
	log        zerolog.Logger
	hasher     field.Hasher
	ledger     *pool.Ledger
	assembler  *pool.Assembler
	registry   *register.Registry
	reconciler *bridge.Reconciler
	treasury   *treasury
	poolNode   *p2p.Node
	originNode *p2p.Node
}

func newWorld(levels int, log zerolog.Logger) (*world, error) {
	h := field.MiMC{}
	g16, err := pool.SetupGroth16("", levels, []int{2}, log)
	if err != nil {
		return nil, err
	}
	db := memorydb.New()
	cfg := pool.DefaultLedgerConfig()
	cfg.Levels = levels
	ledger, err := pool.NewLedger(cfg, db, g16, h, log, nil)
	if err != nil {
		return nil, err
	}
	w := &world{
		log:       log,
		hasher:    h,
		ledger:    ledger,
		assembler: pool.NewAssembler(h, nil, g16, nil),
		registry:  register.NewRegistry(db, register.Domain{ChainID: big.NewInt(100), VerifyingContract: unwrapper}, log),
		treasury:  newTreasury(),
	}

	peers := make(map[string]string)
	ready := make(chan struct{}, 2)
	w.poolNode = p2p.NewNode("pool", "127.0.0.1:0", peers, nil, log)
	w.originNode = p2p.NewNode("origin", "127.0.0.1:0", peers, nil, log)
	for _, n := range []*p2p.Node{w.poolNode, w.originNode} {
		if err := n.StartServer(ready); err != nil {
			return nil, err
		}
		peers[n.ID] = n.Address
	}
	<-ready
	<-ready

	w.reconciler = bridge.NewReconciler(bridge.Config{Token: token, Custodian: custodian, Unwrapper: unwrapper},
		ledger, w.registry, p2p.NewBridgeChannel(w.poolNode, "origin"), settlementLog{log}, log, nil)
	p2p.ServeFundsBridged(w.poolNode, w.originNode.ID, w.reconciler)
	u := withdraw.NewUnwrapper(withdraw.Config{Token: token, Custodian: custodian}, memorydb.New(), w.treasury, log, nil)
	p2p.ServeBridgeCalls(w.originNode, unwrapper, u, executor)
	return w, nil
}

func (w *world) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.poolNode.Shutdown(ctx)
	_ = w.originNode.Shutdown(ctx)
}

// bridgeDeposit proves a deposit of amount to u and relays it from the origin domain.
func (w *world) bridgeDeposit(ctx context.Context, u *user, amount *big.Int) (*pool.MessageOutcome, error) {
	note, err := pool.NewNote(w.hasher, amount, u.wallet.Keypair())
	if err != nil {
		return nil, err
	}
	tx, _, err := w.assembler.Build(ctx, w.ledger.Snapshot(), pool.Request{Outputs: []*pool.Note{note}})
	if err != nil {
		return nil, err
	}
	payload, err := bridge.EncodePayload(bridge.Account{Owner: u.owner, PublicKey: u.wallet.Keypair().AddressBytes()}, tx)
	if err != nil {
		return nil, err
	}
	msg := bridge.Message{Token: token, Amount: amount, Payload: payload}
	if err := p2p.ForwardFundsBridged(ctx, w.originNode, "pool", msg); err != nil {
		return nil, err
	}
	out, ok, err := w.ledger.MessageOutcome(msg.MessageID())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("bridge message %s was not recorded", msg.MessageID().Hex())
	}
	return out, nil
}

// transfer sends amount from one user to another, looking the recipient up by owner address.
func (w *world) transfer(ctx context.Context, from *user, to common.Address, amount *big.Int) error {
	recipient, ok, err := w.registry.LookupKeypair(to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s has no registered shielded key", to.Hex())
	}
	inputs, err := from.wallet.Select(amount)
	if err != nil {
		return err
	}
	change := new(big.Int).Sub(sum(inputs), amount)
	out, err := pool.NewNote(w.hasher, amount, recipient)
	if err != nil {
		return err
	}
	rest, err := pool.NewNote(w.hasher, change, from.wallet.Keypair())
	if err != nil {
		return err
	}
	tx, _, err := w.assembler.Build(ctx, w.ledger.Snapshot(), pool.Request{Inputs: inputs, Outputs: []*pool.Note{out, rest}})
	if err != nil {
		return err
	}
	_, err = w.ledger.Accept(ctx, tx, nil)
	return err
}

// withdrawL1 burns amount from u's notes and bridges it to u's origin address. fee is paid
// out of amount to whoever executes the call on the origin side.
func (w *world) withdrawL1(ctx context.Context, u *user, amount, fee *big.Int) error {
	inputs, err := u.wallet.Select(amount)
	if err != nil {
		return err
	}
	change, err := pool.NewNote(w.hasher, new(big.Int).Sub(sum(inputs), amount), u.wallet.Keypair())
	if err != nil {
		return err
	}
	tx, _, err := w.assembler.Build(ctx, w.ledger.Snapshot(), pool.Request{
		Inputs:         inputs,
		Outputs:        []*pool.Note{change},
		Fee:            fee,
		Recipient:      u.owner,
		IsL1Withdrawal: true,
	})
	if err != nil {
		return err
	}
	if _, err := w.ledger.Accept(ctx, tx, nil); err != nil {
		return err
	}
	_, err = w.reconciler.Dispatch(ctx)
	return err
}

func sum(notes []*pool.Note) *big.Int {
	s := new(big.Int)
	for _, n := range notes {
		s.Add(s, n.Amount)
	}
	return s
}

func (w *world) sync(users ...*user) error {
	for _, u := range users {
		if _, err := u.wallet.Sync(w.ledger); err != nil {
			return fmt.Errorf("syncing %s: %w", u.name, err)
		}
	}
	return nil
}

// runScenario runs the whole flow on a tree of the given depth.
func runScenario(ctx context.Context, levels int, log zerolog.Logger) (*ScenarioResult, error) {
	w, err := newWorld(levels, log)
	if err != nil {
		return nil, err
	}
	defer w.close()

	alice, err := newUser("alice", w.hasher)
	if err != nil {
		return nil, err
	}
	bob, err := newUser("bob", w.hasher)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("=== Deposit phase ===")
	out, err := w.bridgeDeposit(ctx, alice, big.NewInt(10_000_000))
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	if !out.Accepted {
		return nil, fmt.Errorf("deposit diverted: %s", out.Reason)
	}

	log.Info().Msg("=== Registration phase ===")
	pub := bob.wallet.Keypair().AddressBytes()
	sig, err := w.registry.Sign(bob.key, pub)
	if err != nil {
		return nil, err
	}
	if err := w.registry.RegisterSigned(ctx, bob.owner, pub, sig); err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}

	log.Info().Msg("=== Transfer phase ===")
	if err := w.sync(alice); err != nil {
		return nil, err
	}
	if err := w.transfer(ctx, alice, bob.owner, big.NewInt(3_000_000)); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	log.Info().Msg("=== Withdrawal phase ===")
	if err := w.sync(alice, bob); err != nil {
		return nil, err
	}
	if err := w.withdrawL1(ctx, bob, big.NewInt(2_000_000), big.NewInt(10_000)); err != nil {
		return nil, fmt.Errorf("withdrawal: %w", err)
	}
	if err := w.sync(alice, bob); err != nil {
		return nil, err
	}

	return &ScenarioResult{
		AliceBalance:    alice.wallet.Balance(),
		BobBalance:      bob.wallet.Balance(),
		BobOnOrigin:     w.treasury.balance(bob.owner),
		ExecutorOnL1:    w.treasury.balance(executor),
		Unwrapped:       w.treasury.totalUnwrapped(),
		Leaves:          w.ledger.Len(),
		DepositAccepted: out.Accepted,
	}, nil
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
	log.Info().Int("levels", scenarioLevels).Msg("=== Shielded pool scenario ===")

	res, err := runScenario(context.Background(), scenarioLevels, log)
	if err != nil {
		log.Error().Err(err).Msg("scenario failed")
		os.Exit(1)
	}
	fmt.Printf("\n=== Scenario complete ===\n")
	fmt.Printf("Alice shielded balance: %s\n", res.AliceBalance)
	fmt.Printf("Bob shielded balance:   %s\n", res.BobBalance)
	fmt.Printf("Bob on origin domain:   %s\n", res.BobOnOrigin)
	fmt.Printf("Executor fee:           %s\n", res.ExecutorOnL1)
	fmt.Printf("Unwrapped on origin:    %s\n", res.Unwrapped)
	fmt.Printf("Tree leaves:            %d\n", res.Leaves)
}
