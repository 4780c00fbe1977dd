// Package pool implements a shielded-balance pool in the style of Tornado Nova.
//
// Overview:
//   - Value lives in notes (UTXOs) hidden behind commitments H(amount, pubkey, blinding)
//   - Notes are spent by revealing a one-time nullifier H(commitment, index, signature)
//   - Transactions take 2 or 16 inputs and exactly 2 outputs and reveal only a public amount
//   - A Groth16 proof binds the inputs, outputs, public amount and an external data hash
//
// Components:
//   - Keypair, Note and the note codec (NaCl box encryption of amount and blinding)
//   - Assembler, which pads, shuffles, encrypts and produces the witness and public inputs
//   - Ledger, the single-writer state machine over an ethdb key-value store
//   - Wallet, which discovers owned notes by trial decryption
//   - Server/Client, the HTTP read and submission API
//
// Security Model:
//   - Hashing is pluggable (field.Hasher); the shipped circuit uses MiMC over BN254
//   - Spent nullifiers are append-only; a known root window of K entries absorbs concurrent
//     submissions
//   - ExtData (recipient, relayer, fee, ciphertexts) is bound into the proof by its keccak hash
//   - All randomness is generated using crypto/rand unless a seeded Shuffler is injected
//
// References:
//   - Tornado Nova: https://github.com/tornadocash/tornado-nova
//
// WARNING: This package is for research and educational purposes. Use with caution in production environments.
package pool
