// groth16.go - gnark Groth16 prover/verifier over BN254, one circuit per input arity.

package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/rs/zerolog"
)

// ErrNoCircuit is returned when no keys are loaded for a transaction's input arity.
var ErrNoCircuit = errors.New("no circuit for input arity")

// CircuitKeys holds a compiled arity and its Groth16 keys.
type CircuitKeys struct {
	CCS constraint.ConstraintSystem
	PK  groth16.ProvingKey
	VK  groth16.VerifyingKey
}

// Groth16 implements Prover and Verifier.
type Groth16 struct {
	levels int
	keys   map[int]*CircuitKeys
	log    zerolog.Logger
}

var (
	_ Prover   = (*Groth16)(nil)
	_ Verifier = (*Groth16)(nil)
)

// NewGroth16 wraps already loaded keys, indexed by input arity.
func NewGroth16(levels int, keys map[int]*CircuitKeys, log zerolog.Logger) *Groth16 {
	return &Groth16{levels: levels, keys: keys, log: log.With().Str("component", "groth16").Logger()}
}

// CompileTransactionCircuit compiles the nIns-input circuit for a tree of the given depth.
func CompileTransactionCircuit(nIns, levels int) (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewTransactionCircuit(nIns, levels))
	if err != nil {
		return nil, fmt.Errorf("compiling %d-input circuit: %w", nIns, err)
	}
	return ccs, nil
}

// SetupGroth16 compiles every arity and loads its keys from dir, running a fresh setup for
// missing ones. An empty dir keeps the keys in memory only.
func SetupGroth16(dir string, levels int, arities []int, log zerolog.Logger) (*Groth16, error) {
	keys := make(map[int]*CircuitKeys, len(arities))
	for _, n := range arities {
		start := time.Now()
		ccs, err := CompileTransactionCircuit(n, levels)
		if err != nil {
			return nil, err
		}
		var pk groth16.ProvingKey
		var vk groth16.VerifyingKey
		if dir == "" {
			pk, vk, err = groth16.Setup(ccs)
		} else {
			base := filepath.Join(dir, fmt.Sprintf("transaction%d_%d", n, levels))
			pk, vk, err = SetupOrLoadKeys(ccs, base+".pk", base+".vk")
		}
		if err != nil {
			return nil, fmt.Errorf("setup for %d inputs: %w", n, err)
		}
		keys[n] = &CircuitKeys{CCS: ccs, PK: pk, VK: vk}
		log.Info().
			Int("inputs", n).
			Int("levels", levels).
			Int("constraints", ccs.GetNbConstraints()).
			Dur("took", time.Since(start)).
			Msg("circuit ready")
	}
	return NewGroth16(levels, keys, log), nil
}

// Keys returns the loaded keys for an arity.
func (g *Groth16) Keys(nIns int) (*CircuitKeys, bool) {
	k, ok := g.keys[nIns]
	return k, ok
}

// Prove runs the Groth16 prover on a separate goroutine so ctx cancellation returns promptly.
func (g *Groth16) Prove(ctx context.Context, w *Witness) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, ok := g.keys[len(w.InputNullifiers)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoCircuit, len(w.InputNullifiers))
	}
	if w.Levels != g.levels {
		return nil, fmt.Errorf("witness built for %d levels, circuit has %d", w.Levels, g.levels)
	}
	assignment, err := AssignTransaction(w)
	if err != nil {
		return nil, err
	}
	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}

	type result struct {
		proof []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		proof, err := groth16.Prove(keys.CCS, keys.PK, full)
		if err != nil {
			done <- result{err: fmt.Errorf("proof generation failed: %w", err)}
			return
		}
		var buf bytes.Buffer
		if _, err := proof.WriteTo(&buf); err != nil {
			done <- result{err: fmt.Errorf("proof marshaling failed: %w", err)}
			return
		}
		done <- result{proof: buf.Bytes()}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.proof, r.err
	}
}

// Verify checks a serialized proof. Any decoding error or panic inside gnark yields false.
func (g *Groth16) Verify(proofBytes []byte, pub *PublicInputs) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Warn().Interface("panic", r).Msg("verifier recovered")
			ok = false
		}
	}()
	if pub == nil {
		return false
	}
	keys, found := g.keys[len(pub.InputNullifiers)]
	if !found {
		return false
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		g.log.Debug().Err(err).Msg("proof unmarshaling failed")
		return false
	}
	assignment, err := AssignPublic(pub, g.levels)
	if err != nil {
		return false
	}
	public, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false
	}
	if err := groth16.Verify(proof, keys.VK, public); err != nil {
		g.log.Debug().Err(err).Msg("proof verification failed")
		return false
	}
	return true
}

// ExportSolidity writes the Solidity verifier contract for an arity.
func (g *Groth16) ExportSolidity(w io.Writer, nIns int) error {
	keys, ok := g.keys[nIns]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoCircuit, nIns)
	}
	return keys.VK.ExportSolidity(w)
}

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

// LoadProvingKey loads a Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey loads a Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// SetupOrLoadKeys loads keys from disk when both exist; otherwise it runs a setup and saves them.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}
	if err := os.MkdirAll(filepath.Dir(pkPath), 0o755); err != nil {
		return nil, nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, err
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}
