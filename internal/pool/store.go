// store.go - Key layout and state loading over an ethdb key-value store.
//
//	l ‖ be64(index)  -> commitment (32) ‖ encrypted output
//	n ‖ nullifier    -> 0x01
//	r ‖ be64(seq)    -> root (32), the last historySize entries only
//	o ‖ be64(id)     -> payout (JSON)
//	b ‖ message id   -> message outcome (JSON)
//	m:*              -> counters

package pool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"

	"shieldedpool/internal/field"
)

var (
	leafPrefix      = []byte("l")
	nullifierPrefix = []byte("n")
	rootPrefix      = []byte("r")
	payoutPrefix    = []byte("o")
	messagePrefix   = []byte("b")

	metaLeaves    = []byte("m:leaves")
	metaRootSeq   = []byte("m:rootseq")
	metaPayoutSeq = []byte("m:payoutseq")

	spentMarker = []byte{1}
)

// OpenStore opens a leveldb store at path, or an in-memory one when path is empty.
func OpenStore(path string, cacheMB, handles int) (ethdb.KeyValueStore, error) {
	if path == "" {
		return memorydb.New(), nil
	}
	db, err := leveldb.New(path, cacheMB, handles, "shieldedpool/", false)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	return db, nil
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func prefixed(prefix, suffix []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(suffix))
	k = append(k, prefix...)
	return append(k, suffix...)
}

func leafKey(i uint64) []byte { return prefixed(leafPrefix, be64(i)) }

func nullifierKey(nf field.Element) []byte {
	b := nf.Bytes()
	return prefixed(nullifierPrefix, b[:])
}

func rootKey(seq uint64) []byte { return prefixed(rootPrefix, be64(seq)) }

func payoutKey(id uint64) []byte { return prefixed(payoutPrefix, be64(id)) }

func messageKey(id common.Hash) []byte { return prefixed(messagePrefix, id.Bytes()) }

func encodeLeaf(cm field.Element, enc []byte) []byte {
	b := cm.Bytes()
	return append(b[:], enc...)
}

func decodeLeaf(v []byte) (field.Element, []byte, error) {
	if len(v) < field.Bytes {
		return field.Element{}, nil, fmt.Errorf("stored leaf too short: %d bytes", len(v))
	}
	var raw [field.Bytes]byte
	copy(raw[:], v[:field.Bytes])
	cm, err := field.FromBytes(raw)
	if err != nil {
		return field.Element{}, nil, err
	}
	return cm, append([]byte(nil), v[field.Bytes:]...), nil
}

func readUint64(db ethdb.KeyValueReader, key []byte) (uint64, bool, error) {
	ok, err := db.Has(key)
	if err != nil || !ok {
		return 0, false, err
	}
	v, err := db.Get(key)
	if err != nil {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("counter %s: bad length %d", key, len(v))
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func readJSON(db ethdb.KeyValueReader, key []byte, v any) (bool, error) {
	ok, err := db.Has(key)
	if err != nil || !ok {
		return false, err
	}
	raw, err := db.Get(key)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %x: %w", key, err)
	}
	return true, nil
}

func putJSON(w ethdb.KeyValueWriter, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Put(key, raw)
}

// storedState is everything the ledger rebuilds from disk.
type storedState struct {
	leaves    []field.Element
	roots     []field.Element
	rootSeq   uint64
	payoutSeq uint64
	pending   int
	fresh     bool
}

// iterate calls fn for every entry under prefix, starting at prefix ‖ start.
func iterate(db ethdb.Iteratee, prefix, start []byte, fn func(key, value []byte) error) error {
	it := db.NewIterator(prefix, start)
	defer it.Release()
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func loadState(db ethdb.KeyValueStore) (*storedState, error) {
	st := &storedState{}
	nLeaves, ok, err := readUint64(db, metaLeaves)
	if err != nil {
		return nil, err
	}
	st.fresh = !ok
	if st.rootSeq, _, err = readUint64(db, metaRootSeq); err != nil {
		return nil, err
	}
	if st.payoutSeq, _, err = readUint64(db, metaPayoutSeq); err != nil {
		return nil, err
	}

	// Step 1: leaves, in index order
	err = iterate(db, leafPrefix, nil, func(_, v []byte) error {
		cm, _, err := decodeLeaf(v)
		if err != nil {
			return err
		}
		st.leaves = append(st.leaves, cm)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if uint64(len(st.leaves)) != nLeaves {
		return nil, fmt.Errorf("store has %d leaves, counter says %d", len(st.leaves), nLeaves)
	}

	// Step 2: root window, oldest first
	err = iterate(db, rootPrefix, nil, func(_, v []byte) error {
		if len(v) != field.Bytes {
			return fmt.Errorf("stored root has %d bytes", len(v))
		}
		var raw [field.Bytes]byte
		copy(raw[:], v)
		root, err := field.FromBytes(raw)
		if err != nil {
			return err
		}
		st.roots = append(st.roots, root)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Step 3: outstanding payouts
	err = iterate(db, payoutPrefix, nil, func(_, _ []byte) error {
		st.pending++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
