// prover.go - Proof system capability boundary.

package pool

import "context"

// Prover produces a proof for a witness. Implementations must honor ctx cancellation and must
// only read the witness.
type Prover interface {
	Prove(ctx context.Context, w *Witness) ([]byte, error)
}

// Verifier checks a proof against public inputs. It never panics; malformed proofs or inputs
// yield false.
type Verifier interface {
	Verify(proof []byte, public *PublicInputs) bool
}

// ProverFunc adapts a function to Prover.
type ProverFunc func(ctx context.Context, w *Witness) ([]byte, error)

func (f ProverFunc) Prove(ctx context.Context, w *Witness) ([]byte, error) { return f(ctx, w) }

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(proof []byte, public *PublicInputs) bool

func (f VerifierFunc) Verify(proof []byte, public *PublicInputs) bool { return f(proof, public) }
