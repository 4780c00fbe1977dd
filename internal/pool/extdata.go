// extdata.go - External transaction data and its binding hash.
//
// extDataHash = keccak256(abi.encode(tuple(address recipient, int256 extAmount, address relayer,
// uint256 fee, bytes encryptedOutput1, bytes encryptedOutput2, bool isL1Withdrawal))) mod p.

package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"shieldedpool/internal/field"
)

var (
	// MaxExtAmount bounds |extAmount| (2^248).
	MaxExtAmount = new(big.Int).Lsh(big.NewInt(1), 248)
	// MaxFee bounds the relayer fee (2^248).
	MaxFee = new(big.Int).Lsh(big.NewInt(1), 248)
)

// ExtData is the public metadata of a transaction. Field names and order match the ABI tuple.
type ExtData struct {
	Recipient        common.Address
	ExtAmount        *big.Int
	Relayer          common.Address
	Fee              *big.Int
	EncryptedOutput1 []byte
	EncryptedOutput2 []byte
	IsL1Withdrawal   bool
}

// ExtDataComponents describes the ExtData ABI tuple.
func ExtDataComponents() []abi.ArgumentMarshaling {
	return []abi.ArgumentMarshaling{
		{Name: "recipient", Type: "address"},
		{Name: "extAmount", Type: "int256"},
		{Name: "relayer", Type: "address"},
		{Name: "fee", Type: "uint256"},
		{Name: "encryptedOutput1", Type: "bytes"},
		{Name: "encryptedOutput2", Type: "bytes"},
		{Name: "isL1Withdrawal", Type: "bool"},
	}
}

var extDataArgs = mustTupleArgs(ExtDataComponents())

func mustTupleArgs(components []abi.ArgumentMarshaling) abi.Arguments {
	t, err := abi.NewType("tuple", "", components)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: t}}
}

func (e ExtData) normalized() ExtData {
	if e.ExtAmount == nil {
		e.ExtAmount = new(big.Int)
	}
	if e.Fee == nil {
		e.Fee = new(big.Int)
	}
	if e.EncryptedOutput1 == nil {
		e.EncryptedOutput1 = []byte{}
	}
	if e.EncryptedOutput2 == nil {
		e.EncryptedOutput2 = []byte{}
	}
	return e
}

// Encode returns abi.encode(extData).
func (e ExtData) Encode() ([]byte, error) {
	packed, err := extDataArgs.Pack(e.normalized())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtData, err)
	}
	return packed, nil
}

// Hash returns keccak256(abi.encode(extData)) reduced into the field.
func (e ExtData) Hash() (field.Element, error) {
	packed, err := e.Encode()
	if err != nil {
		return field.Element{}, err
	}
	return field.FromBig(crypto.Keccak256Hash(packed).Big()), nil
}

// WithdrawalAmount returns |extAmount| for withdrawals and zero otherwise.
func (e ExtData) WithdrawalAmount() *big.Int {
	if e.ExtAmount == nil || e.ExtAmount.Sign() >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Neg(e.ExtAmount)
}

// ExtAmount returns the signed public amount fee + Σout − Σin.
func ExtAmount(fee *big.Int, inputs, outputs []*Note) *big.Int {
	ext := new(big.Int).Set(fee)
	for _, o := range outputs {
		ext.Add(ext, o.Amount)
	}
	for _, in := range inputs {
		ext.Sub(ext, in.Amount)
	}
	return ext
}

// PublicAmount folds (extAmount − fee) into the field. The circuit enforces
// Σin + publicAmount = Σout, equivalently Σin + extAmount = Σout + fee.
func PublicAmount(extAmount, fee *big.Int) (field.Element, error) {
	if fee.Sign() < 0 || fee.Cmp(MaxFee) >= 0 {
		return field.Element{}, fmt.Errorf("%w: invalid fee %s", ErrAmountOutOfRange, fee)
	}
	if new(big.Int).Abs(extAmount).Cmp(MaxExtAmount) >= 0 {
		return field.Element{}, fmt.Errorf("%w: invalid ext amount %s", ErrAmountOutOfRange, extAmount)
	}
	return field.FromBig(new(big.Int).Sub(extAmount, fee)), nil
}
