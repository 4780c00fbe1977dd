// wallet.go - Client-side note discovery and unspent tracking.
//
// A wallet trial-decrypts every committed output with its keypair, keeps the notes it owns and
// marks them spent once their nullifier shows up on the ledger. Wallet files are JSON.

package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"sync"

	"shieldedpool/internal/field"
)

// LedgerReader is the read surface a wallet syncs from. *Ledger and *Client implement it.
type LedgerReader interface {
	CommitmentEvents(from uint64) ([]CommitmentEvent, error)
	IsNullifierSpent(nf field.Element) (bool, error)
}

type ownedNote struct {
	note  *Note
	spent bool
}

// Wallet is safe for concurrent use.
type Wallet struct {
	mu      sync.Mutex
	hasher  field.Hasher
	cipher  Cipher
	keypair *Keypair
	notes   []*ownedNote
	byCm    map[field.Element]*ownedNote
	synced  uint64
}

// NewWallet creates an empty wallet for kp. A nil cipher defaults to NaClBox.
func NewWallet(h field.Hasher, c Cipher, kp *Keypair) *Wallet {
	if c == nil {
		c = NaClBox{}
	}
	return &Wallet{
		hasher:  h,
		cipher:  c,
		keypair: kp,
		byCm:    make(map[field.Element]*ownedNote),
	}
}

// Keypair returns the wallet's keypair.
func (w *Wallet) Keypair() *Keypair { return w.keypair }

// Sync scans new commitment events, then refreshes the spent flags. It returns the number of
// newly discovered notes.
func (w *Wallet) Sync(r LedgerReader) (int, error) {
	w.mu.Lock()
	from := w.synced
	w.mu.Unlock()

	events, err := r.CommitmentEvents(from)
	if err != nil {
		return 0, fmt.Errorf("fetching commitments: %w", err)
	}

	w.mu.Lock()
	found := 0
	for _, ev := range events {
		if ev.Index+1 > w.synced {
			w.synced = ev.Index + 1
		}
		if len(ev.EncryptedOutput) == 0 {
			continue
		}
		n, err := DecryptNote(w.cipher, w.hasher, w.keypair, ev.EncryptedOutput)
		if err != nil {
			// not ours
			continue
		}
		if cm := n.Commitment(); !cm.Equal(&ev.Commitment) {
			continue
		}
		n.SetIndex(ev.Index)
		if w.add(n) {
			found++
		}
	}
	pending := w.unspentLocked()
	w.mu.Unlock()

	// Step 2: spent flags
	for _, n := range pending {
		nf, err := n.Nullifier()
		if err != nil {
			return found, err
		}
		spent, err := r.IsNullifierSpent(nf)
		if err != nil {
			return found, fmt.Errorf("checking nullifier: %w", err)
		}
		if spent {
			w.MarkSpent(n)
		}
	}
	return found, nil
}

// AddNote records a note the wallet learned out of band, such as a public deposit. The note
// must carry its tree index.
func (w *Wallet) AddNote(n *Note) error {
	if _, ok := n.Index(); !ok {
		return ErrMissingIndexOrKey
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.add(n)
	return nil
}

func (w *Wallet) add(n *Note) bool {
	cm := n.Commitment()
	if _, dup := w.byCm[cm]; dup {
		return false
	}
	o := &ownedNote{note: n}
	w.notes = append(w.notes, o)
	w.byCm[cm] = o
	return true
}

// MarkSpent flags notes as consumed.
func (w *Wallet) MarkSpent(notes ...*Note) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range notes {
		if o, ok := w.byCm[n.Commitment()]; ok {
			o.spent = true
		}
	}
}

// Unspent returns the unspent non-zero notes in discovery order.
func (w *Wallet) Unspent() []*Note {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unspentLocked()
}

func (w *Wallet) unspentLocked() []*Note {
	var out []*Note
	for _, o := range w.notes {
		if !o.spent && !o.note.IsZero() {
			out = append(out, o.note)
		}
	}
	return out
}

// Balance sums the unspent notes.
func (w *Wallet) Balance() *big.Int {
	total := new(big.Int)
	for _, n := range w.Unspent() {
		total.Add(total, n.Amount)
	}
	return total
}

// Select picks unspent notes, largest first, covering amount with at most MaxInputs notes.
func (w *Wallet) Select(amount *big.Int) ([]*Note, error) {
	notes := w.Unspent()
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].Amount.Cmp(notes[j].Amount) > 0 })
	var picked []*Note
	sum := new(big.Int)
	for _, n := range notes {
		if sum.Cmp(amount) >= 0 || len(picked) == MaxInputs {
			break
		}
		picked = append(picked, n)
		sum.Add(sum, n.Amount)
	}
	if sum.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, sum, amount)
	}
	return picked, nil
}

type walletFile struct {
	Privkey string     `json:"privkey"`
	Hasher  string     `json:"hasher"`
	Synced  uint64     `json:"synced"`
	Notes   []noteFile `json:"notes"`
}

type noteFile struct {
	Amount   string `json:"amount"`
	Blinding string `json:"blinding"`
	Index    uint64 `json:"index"`
	Spent    bool   `json:"spent"`
}

// Save writes the wallet, including its private key, to a JSON file readable only by the owner.
func (w *Wallet) Save(path string) error {
	priv, ok := w.keypair.Privkey()
	if !ok {
		return errors.New("wallet: viewing-only keypair can not be saved")
	}
	w.mu.Lock()
	wf := walletFile{Privkey: field.ToHex(priv), Hasher: w.hasher.Name(), Synced: w.synced}
	for _, o := range w.notes {
		idx, _ := o.note.Index()
		wf.Notes = append(wf.Notes, noteFile{
			Amount:   o.note.Amount.String(),
			Blinding: field.ToHex(o.note.Blinding),
			Index:    idx,
			Spent:    o.spent,
		})
	}
	w.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(wf)
}

// LoadWallet loads a wallet from a JSON file.
func LoadWallet(path string, c Cipher) (*Wallet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var wf walletFile
	if err := json.NewDecoder(f).Decode(&wf); err != nil {
		return nil, fmt.Errorf("decoding wallet: %w", err)
	}
	h, err := field.NewHasher(wf.Hasher)
	if err != nil {
		return nil, err
	}
	priv, err := field.FromHex(wf.Privkey)
	if err != nil {
		return nil, err
	}
	kp, err := KeypairFromPrivkey(h, priv)
	if err != nil {
		return nil, err
	}
	w := NewWallet(h, c, kp)
	w.synced = wf.Synced
	for _, nf := range wf.Notes {
		amount, ok := new(big.Int).SetString(nf.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("wallet: bad amount %q", nf.Amount)
		}
		blinding, err := field.FromHex(nf.Blinding)
		if err != nil {
			return nil, err
		}
		n, err := NewNoteWithBlinding(h, amount, blinding, kp)
		if err != nil {
			return nil, err
		}
		n.SetIndex(nf.Index)
		w.add(n)
		if nf.Spent {
			w.byCm[n.Commitment()].spent = true
		}
	}
	return w, nil
}
