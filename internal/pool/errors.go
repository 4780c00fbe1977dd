// errors.go - Rejection and failure taxonomy shared by the assembler, ledger and codec.

package pool

import "errors"

// Input errors. Detected before any proof work.
var (
	ErrTooManyInputsOrOutputs = errors.New("unsupported number of inputs or outputs")
	ErrInputNotFound          = errors.New("input note not found in tree")
	ErrMissingIndexOrKey      = errors.New("can not compute nullifier without note index or private key")
	ErrAmountOutOfRange       = errors.New("amount out of range")
	ErrInvalidExtData         = errors.New("invalid external data")
	ErrBadKeypairAddress      = errors.New("malformed keypair address")
	ErrInsufficientFunds      = errors.New("insufficient unspent notes")
)

// Cryptographic errors. Never mutate shared state.
var (
	ErrInvalidProof     = errors.New("invalid transaction proof")
	ErrDecryptionFailed = errors.New("note decryption failed")
	ErrProverFailure    = errors.New("prover failure")
)

// State-consistency errors. The caller rebuilds against current state.
var (
	ErrStaleOrUnknownRoot = errors.New("invalid merkle root")
	ErrDoubleSpend        = errors.New("input is already spent")
	ErrAmountMismatch     = errors.New("amount mismatch")
	ErrMessageProcessed   = errors.New("bridge message already processed")
)

// RejectReason maps an Accept error to a short label used in logs and metrics.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTooManyInputsOrOutputs):
		return "arity"
	case errors.Is(err, ErrStaleOrUnknownRoot):
		return "stale_root"
	case errors.Is(err, ErrDoubleSpend):
		return "double_spend"
	case errors.Is(err, ErrInvalidExtData):
		return "ext_data"
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrAmountOutOfRange):
		return "amount_mismatch"
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ErrMessageProcessed):
		return "replay"
	case errors.Is(err, ErrInputNotFound):
		return "input_not_found"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	default:
		return "internal"
	}
}
