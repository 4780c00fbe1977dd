// api.go - REST read API and submission endpoint for the ledger, and a typed client.
//
// Field elements travel as 0x-prefixed 64-hex strings, amounts as JSON integers and byte
// strings as 0x hex.

package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"shieldedpool/internal/field"
)

// AccountDirectory is the account registry surface exposed over HTTP.
type AccountDirectory interface {
	RegisterSigned(ctx context.Context, owner common.Address, publicKey, signature []byte) error
	Lookup(owner common.Address) ([]byte, bool, error)
}

// ExtDataJSON is the wire form of ExtData.
type ExtDataJSON struct {
	Recipient        common.Address `json:"recipient"`
	ExtAmount        *big.Int       `json:"extAmount"`
	Relayer          common.Address `json:"relayer"`
	Fee              *big.Int       `json:"fee"`
	EncryptedOutput1 hexutil.Bytes  `json:"encryptedOutput1"`
	EncryptedOutput2 hexutil.Bytes  `json:"encryptedOutput2"`
	IsL1Withdrawal   bool           `json:"isL1Withdrawal"`
}

// TransactionJSON is the wire form of a Transaction.
type TransactionJSON struct {
	Proof             hexutil.Bytes `json:"proof"`
	Root              string        `json:"root"`
	InputNullifiers   []string      `json:"inputNullifiers"`
	OutputCommitments [2]string     `json:"outputCommitments"`
	PublicAmount      string        `json:"publicAmount"`
	ExtDataHash       string        `json:"extDataHash"`
	ExtData           ExtDataJSON   `json:"extData"`
}

// TransactRequest submits a transaction. The HTTP path carries no value, so
// deposits (extAmount > 0) are only accepted through the bridge.
type TransactRequest struct {
	Transaction TransactionJSON `json:"transaction"`
}

// ReceiptJSON is the wire form of a Receipt.
type ReceiptJSON struct {
	Root        string   `json:"root"`
	FirstIndex  uint64   `json:"firstIndex"`
	Commitments []string `json:"commitments"`
	Nullifiers  []string `json:"nullifiers"`
	Payouts     []Payout `json:"payouts"`
}

// EventJSON is the wire form of a CommitmentEvent.
type EventJSON struct {
	Commitment      string        `json:"commitment"`
	Index           uint64        `json:"index"`
	EncryptedOutput hexutil.Bytes `json:"encryptedOutput"`
}

// RegisterRequest carries a signed account registration.
type RegisterRequest struct {
	Owner     common.Address `json:"owner"`
	PublicKey hexutil.Bytes  `json:"publicKey"`
	Signature hexutil.Bytes  `json:"signature"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func hexList(es []field.Element) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = field.ToHex(e)
	}
	return out
}

func parseHexList(ss []string) ([]field.Element, error) {
	out := make([]field.Element, len(ss))
	for i, s := range ss {
		e, err := field.FromHex(s)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// EncodeTransaction converts tx to its wire form.
func EncodeTransaction(tx *Transaction) TransactionJSON {
	ext := tx.ExtData.normalized()
	return TransactionJSON{
		Proof:             tx.Proof,
		Root:              field.ToHex(tx.Root),
		InputNullifiers:   hexList(tx.InputNullifiers),
		OutputCommitments: [2]string{field.ToHex(tx.OutputCommitments[0]), field.ToHex(tx.OutputCommitments[1])},
		PublicAmount:      field.ToHex(tx.PublicAmount),
		ExtDataHash:       field.ToHex(tx.ExtDataHash),
		ExtData: ExtDataJSON{
			Recipient:        ext.Recipient,
			ExtAmount:        ext.ExtAmount,
			Relayer:          ext.Relayer,
			Fee:              ext.Fee,
			EncryptedOutput1: ext.EncryptedOutput1,
			EncryptedOutput2: ext.EncryptedOutput2,
			IsL1Withdrawal:   ext.IsL1Withdrawal,
		},
	}
}

// Decode parses the wire form back into a Transaction.
func (t TransactionJSON) Decode() (*Transaction, error) {
	tx := &Transaction{
		Proof: t.Proof,
		ExtData: ExtData{
			Recipient:        t.ExtData.Recipient,
			ExtAmount:        t.ExtData.ExtAmount,
			Relayer:          t.ExtData.Relayer,
			Fee:              t.ExtData.Fee,
			EncryptedOutput1: t.ExtData.EncryptedOutput1,
			EncryptedOutput2: t.ExtData.EncryptedOutput2,
			IsL1Withdrawal:   t.ExtData.IsL1Withdrawal,
		},
	}
	var err error
	if tx.Root, err = field.FromHex(t.Root); err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	if tx.InputNullifiers, err = parseHexList(t.InputNullifiers); err != nil {
		return nil, fmt.Errorf("nullifiers: %w", err)
	}
	for i, s := range t.OutputCommitments {
		if tx.OutputCommitments[i], err = field.FromHex(s); err != nil {
			return nil, fmt.Errorf("commitment %d: %w", i, err)
		}
	}
	if tx.PublicAmount, err = field.FromHex(t.PublicAmount); err != nil {
		return nil, fmt.Errorf("public amount: %w", err)
	}
	if tx.ExtDataHash, err = field.FromHex(t.ExtDataHash); err != nil {
		return nil, fmt.Errorf("ext data hash: %w", err)
	}
	return tx, nil
}

func encodeReceipt(r *Receipt) ReceiptJSON {
	return ReceiptJSON{
		Root:        field.ToHex(r.Root),
		FirstIndex:  r.FirstIndex,
		Commitments: hexList(r.Commitments),
		Nullifiers:  hexList(r.Nullifiers),
		Payouts:     r.Payouts,
	}
}

// Server exposes a Ledger over HTTP.
type Server struct {
	ledger   *Ledger
	accounts AccountDirectory
	health   http.HandlerFunc
	log      zerolog.Logger
}

// NewServer wires the handlers. accounts and health may be nil.
func NewServer(ledger *Ledger, accounts AccountDirectory, health http.HandlerFunc, log zerolog.Logger) *Server {
	return &Server{ledger: ledger, accounts: accounts, health: health, log: log.With().Str("component", "api").Logger()}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/leaves", s.handleLeaves)
	mux.HandleFunc("GET /v1/roots", s.handleRoots)
	mux.HandleFunc("GET /v1/nullifiers/{nullifier}", s.handleNullifier)
	mux.HandleFunc("POST /v1/transact", s.handleTransact)
	if s.accounts != nil {
		mux.HandleFunc("POST /v1/register", s.handleRegister)
		mux.HandleFunc("GET /v1/accounts/{owner}", s.handleAccount)
	}
	if s.health != nil {
		mux.HandleFunc("GET /v1/health", s.health)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error, reason string) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: reason})
}

func (s *Server) handleLeaves(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if q := r.URL.Query().Get("from"); q != "" {
		v, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err), "")
			return
		}
		from = v
	}
	events, err := s.ledger.CommitmentEvents(from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, "")
		return
	}
	out := make([]EventJSON, len(events))
	for i, ev := range events {
		out[i] = EventJSON{Commitment: field.ToHex(ev.Commitment), Index: ev.Index, EncryptedOutput: ev.EncryptedOutput}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaves": out})
}

func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"roots":   hexList(s.ledger.KnownRoots()),
		"current": field.ToHex(s.ledger.Root()),
	})
}

func (s *Server) handleNullifier(w http.ResponseWriter, r *http.Request) {
	nf, err := field.FromHex(r.PathValue("nullifier"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}
	spent, err := s.ledger.IsNullifierSpent(nf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"spent": spent})
}

func (s *Server) handleTransact(w http.ResponseWriter, r *http.Request) {
	var req TransactRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err), "")
		return
	}
	tx, err := req.Transaction.Decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}
	rec, err := s.ledger.Accept(r.Context(), tx, nil)
	if err != nil {
		reason := RejectReason(err)
		status := http.StatusUnprocessableEntity
		if reason == "internal" {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err, reason)
		return
	}
	writeJSON(w, http.StatusOK, encodeReceipt(rec))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err), "")
		return
	}
	if err := s.accounts.RegisterSigned(r.Context(), req.Owner, req.PublicKey, req.Signature); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": req.Owner.Hex()})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if !common.IsHexAddress(owner) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid owner %q", owner), "")
		return
	}
	key, ok, err := s.accounts.Lookup(common.HexToAddress(owner))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("account not registered"), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": common.HexToAddress(owner).Hex(), "publicKey": hexutil.Encode(key)})
}

// Client talks to a Server. It implements LedgerReader.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for base, e.g. "http://127.0.0.1:8545". A nil hc uses a 30s timeout.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: base, http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error, Reason: e.Reason}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError is a non-200 response from the server.
type APIError struct {
	Status  int
	Message string
	Reason  string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api: %d %s (%s)", e.Status, e.Message, e.Reason)
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// CommitmentEvents fetches committed leaves from index from onward.
func (c *Client) CommitmentEvents(from uint64) ([]CommitmentEvent, error) {
	var resp struct {
		Leaves []EventJSON `json:"leaves"`
	}
	if err := c.do(context.Background(), http.MethodGet, "/v1/leaves?from="+strconv.FormatUint(from, 10), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]CommitmentEvent, len(resp.Leaves))
	for i, ev := range resp.Leaves {
		cm, err := field.FromHex(ev.Commitment)
		if err != nil {
			return nil, err
		}
		out[i] = CommitmentEvent{Commitment: cm, Index: ev.Index, EncryptedOutput: ev.EncryptedOutput}
	}
	return out, nil
}

// IsNullifierSpent asks the server whether nf is spent.
func (c *Client) IsNullifierSpent(nf field.Element) (bool, error) {
	var resp struct {
		Spent bool `json:"spent"`
	}
	if err := c.do(context.Background(), http.MethodGet, "/v1/nullifiers/"+field.ToHex(nf), nil, &resp); err != nil {
		return false, err
	}
	return resp.Spent, nil
}

// Roots returns the known root history, oldest first.
func (c *Client) Roots(ctx context.Context) ([]field.Element, error) {
	var resp struct {
		Roots []string `json:"roots"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/roots", nil, &resp); err != nil {
		return nil, err
	}
	return parseHexList(resp.Roots)
}

// Transact submits a transaction.
func (c *Client) Transact(ctx context.Context, tx *Transaction) (*ReceiptJSON, error) {
	var rec ReceiptJSON
	if err := c.do(ctx, http.MethodPost, "/v1/transact", TransactRequest{Transaction: EncodeTransaction(tx)}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
