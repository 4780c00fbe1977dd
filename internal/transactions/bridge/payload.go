// payload.go - ABI codec for bridged pool calls.
//
// A deposit relayed from the origin domain carries
// abi.encode(Account, Proof, ExtData) with
//
//	Account = tuple(address owner, bytes publicKey)
//	Proof   = tuple(bytes proof, bytes32 root, bytes32[] inputNullifiers,
//	                bytes32[2] outputCommitments, uint256 publicAmount, bytes32 extDataHash)
//	ExtData = tuple(address recipient, int256 extAmount, address relayer, uint256 fee,
//	                bytes encryptedOutput1, bytes encryptedOutput2, bool isL1Withdrawal)

package bridge

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"shieldedpool/internal/field"
	"shieldedpool/internal/pool"
)

// Account optionally registers a shielded key for owner along with the deposit.
type Account struct {
	Owner     common.Address
	PublicKey []byte
}

// present reports whether the payload asks for a registration.
func (a Account) present() bool {
	return a.Owner != (common.Address{}) && len(a.PublicKey) > 0
}

type proofTuple struct {
	Proof             []byte
	Root              [32]byte
	InputNullifiers   [][32]byte
	OutputCommitments [2][32]byte
	PublicAmount      *big.Int
	ExtDataHash       [32]byte
}

type payloadTuple struct {
	Account Account
	Proof   proofTuple
	ExtData pool.ExtData
}

var payloadArgs = func() abi.Arguments {
	account := mustType([]abi.ArgumentMarshaling{
		{Name: "owner", Type: "address"},
		{Name: "publicKey", Type: "bytes"},
	})
	proof := mustType([]abi.ArgumentMarshaling{
		{Name: "proof", Type: "bytes"},
		{Name: "root", Type: "bytes32"},
		{Name: "inputNullifiers", Type: "bytes32[]"},
		{Name: "outputCommitments", Type: "bytes32[2]"},
		{Name: "publicAmount", Type: "uint256"},
		{Name: "extDataHash", Type: "bytes32"},
	})
	ext := mustType(pool.ExtDataComponents())
	return abi.Arguments{
		{Name: "account", Type: account},
		{Name: "proof", Type: proof},
		{Name: "extData", Type: ext},
	}
}()

func mustType(components []abi.ArgumentMarshaling) abi.Type {
	t, err := abi.NewType("tuple", "", components)
	if err != nil {
		panic(err)
	}
	return t
}

func word(e field.Element) [32]byte { return field.ToBytes(e) }

// EncodePayload packs a transaction for the bridge.
func EncodePayload(account Account, tx *pool.Transaction) ([]byte, error) {
	nfs := make([][32]byte, len(tx.InputNullifiers))
	for i, nf := range tx.InputNullifiers {
		nfs[i] = word(nf)
	}
	if account.PublicKey == nil {
		account.PublicKey = []byte{}
	}
	ext := tx.ExtData
	if ext.EncryptedOutput1 == nil {
		ext.EncryptedOutput1 = []byte{}
	}
	if ext.EncryptedOutput2 == nil {
		ext.EncryptedOutput2 = []byte{}
	}
	proof := proofTuple{
		Proof:             tx.Proof,
		Root:              word(tx.Root),
		InputNullifiers:   nfs,
		OutputCommitments: [2][32]byte{word(tx.OutputCommitments[0]), word(tx.OutputCommitments[1])},
		PublicAmount:      field.ToBig(tx.PublicAmount),
		ExtDataHash:       word(tx.ExtDataHash),
	}
	if proof.Proof == nil {
		proof.Proof = []byte{}
	}
	packed, err := payloadArgs.Pack(account, proof, ext)
	if err != nil {
		return nil, fmt.Errorf("packing bridge payload: %w", err)
	}
	return packed, nil
}

// DecodePayload parses a bridge payload. Field elements that are not canonical are rejected.
func DecodePayload(raw []byte) (account Account, tx *pool.Transaction, err error) {
	defer func() {
		if r := recover(); r != nil {
			account, tx, err = Account{}, nil, fmt.Errorf("%w: %v", ErrBadPayload, r)
		}
	}()
	vals, err := payloadArgs.Unpack(raw)
	if err != nil {
		return Account{}, nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	var p payloadTuple
	if err := payloadArgs.Copy(&p, vals); err != nil {
		return Account{}, nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}

	tx = &pool.Transaction{Proof: p.Proof.Proof, ExtData: p.ExtData}
	if tx.Root, err = field.FromBytes(p.Proof.Root); err != nil {
		return Account{}, nil, fmt.Errorf("%w: root: %w", ErrBadPayload, err)
	}
	tx.InputNullifiers = make([]field.Element, len(p.Proof.InputNullifiers))
	for i, nf := range p.Proof.InputNullifiers {
		if tx.InputNullifiers[i], err = field.FromBytes(nf); err != nil {
			return Account{}, nil, fmt.Errorf("%w: nullifier %d: %w", ErrBadPayload, i, err)
		}
	}
	for i, cm := range p.Proof.OutputCommitments {
		if tx.OutputCommitments[i], err = field.FromBytes(cm); err != nil {
			return Account{}, nil, fmt.Errorf("%w: commitment %d: %w", ErrBadPayload, i, err)
		}
	}
	if p.Proof.PublicAmount == nil || p.Proof.PublicAmount.Cmp(field.Modulus()) >= 0 {
		return Account{}, nil, fmt.Errorf("%w: public amount out of field", ErrBadPayload)
	}
	tx.PublicAmount = field.FromBig(p.Proof.PublicAmount)
	if tx.ExtDataHash, err = field.FromBytes(p.Proof.ExtDataHash); err != nil {
		return Account{}, nil, fmt.Errorf("%w: ext data hash: %w", ErrBadPayload, err)
	}
	return p.Account, tx, nil
}
