// register.go - Owner address to shielded keypair address registry.
//
// An owner publishes the 64-byte address of its shielded keypair so others can send it notes.
// Registration over the public API carries an EIP-712 TornadoAccount signature by the owner;
// the bridge path carries no proof of ownership, so it may only claim an owner that has no
// registration yet.

package register

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"

	"shieldedpool/internal/pool"
)

var (
	ErrZeroOwner         = errors.New("account owner is the zero address")
	ErrInvalidPublicKey  = errors.New("invalid shielded public key")
	ErrInvalidSignature  = errors.New("invalid account signature")
	ErrAlreadyRegistered = errors.New("owner already registered a different key")
)

var accountPrefix = []byte("a")

// Domain is the EIP-712 domain registrations are signed under.
type Domain struct {
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Registry stores registered accounts in the shared key-value store.
type Registry struct {
	mu     sync.Mutex
	db     ethdb.KeyValueStore
	domain Domain
	log    zerolog.Logger
}

var _ pool.AccountDirectory = (*Registry)(nil)

// NewRegistry returns a registry over db. A nil chain id means chain 1.
func NewRegistry(db ethdb.KeyValueStore, domain Domain, log zerolog.Logger) *Registry {
	if domain.ChainID == nil {
		domain.ChainID = big.NewInt(1)
	}
	return &Registry{db: db, domain: domain, log: log.With().Str("component", "registry").Logger()}
}

func accountKey(owner common.Address) []byte {
	return append(append([]byte{}, accountPrefix...), owner.Bytes()...)
}

// Register records publicKey for owner, replacing any earlier registration.
func (r *Registry) Register(ctx context.Context, owner common.Address, publicKey []byte) error {
	if err := r.check(ctx, owner, publicKey); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.put(owner, publicKey)
}

// RegisterIfAbsent records publicKey only when owner has no registration. Re-registering the
// same key is a no-op; a different key fails with ErrAlreadyRegistered.
func (r *Registry) RegisterIfAbsent(ctx context.Context, owner common.Address, publicKey []byte) error {
	if err := r.check(ctx, owner, publicKey); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok, err := r.Lookup(owner)
	if err != nil {
		return err
	}
	if ok {
		if bytes.Equal(cur, publicKey) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, owner.Hex())
	}
	return r.put(owner, publicKey)
}

func (r *Registry) check(ctx context.Context, owner common.Address, publicKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if owner == (common.Address{}) {
		return ErrZeroOwner
	}
	if _, err := pool.KeypairFromBytes(publicKey); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	return nil
}

func (r *Registry) put(owner common.Address, publicKey []byte) error {
	if err := r.db.Put(accountKey(owner), common.CopyBytes(publicKey)); err != nil {
		return fmt.Errorf("storing account: %w", err)
	}
	r.log.Info().Str("owner", owner.Hex()).Msg("account registered")
	return nil
}

// RegisterSigned checks the owner's EIP-712 signature before registering.
func (r *Registry) RegisterSigned(ctx context.Context, owner common.Address, publicKey, signature []byte) error {
	signer, err := r.Recover(owner, publicKey, signature)
	if err != nil {
		return err
	}
	if signer != owner {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, signer.Hex())
	}
	return r.Register(ctx, owner, publicKey)
}

// Lookup returns the registered public key of owner.
func (r *Registry) Lookup(owner common.Address) ([]byte, bool, error) {
	key := accountKey(owner)
	ok, err := r.db.Has(key)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, err := r.db.Get(key)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// LookupKeypair returns the viewing-only keypair registered for owner.
func (r *Registry) LookupKeypair(owner common.Address) (*pool.Keypair, bool, error) {
	raw, ok, err := r.Lookup(owner)
	if err != nil || !ok {
		return nil, ok, err
	}
	kp, err := pool.KeypairFromBytes(raw)
	if err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// TypedData builds the TornadoAccount message for owner and publicKey.
func (r *Registry) TypedData(owner common.Address, publicKey []byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TornadoAccount": {
				{Name: "owner", Type: "address"},
				{Name: "publicKey", Type: "bytes"},
			},
		},
		PrimaryType: "TornadoAccount",
		Domain: apitypes.TypedDataDomain{
			Name:              "TornadoPool",
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(r.domain.ChainID)),
			VerifyingContract: r.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":     owner.Hex(),
			"publicKey": common.CopyBytes(publicKey),
		},
	}
}

// Digest returns the EIP-712 hash the owner signs.
func (r *Registry) Digest(owner common.Address, publicKey []byte) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(r.TypedData(owner, publicKey))
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	return digest, nil
}

// Recover returns the address that produced signature over the account message.
func (r *Registry) Recover(owner common.Address, publicKey, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	digest, err := r.Digest(owner, publicKey)
	if err != nil {
		return common.Address{}, err
	}
	sig := common.CopyBytes(signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the owner's registration signature with V in {27, 28}.
func (r *Registry) Sign(key *ecdsa.PrivateKey, publicKey []byte) ([]byte, error) {
	digest, err := r.Digest(crypto.PubkeyToAddress(key.PublicKey), publicKey)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
