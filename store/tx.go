package store

import (
	"fmt"
	"sort"
	"strings"
)

// ReadTransaction is the consistent read view handed to watch queries and
// Read callbacks. A transaction is only valid for the duration of the call
// it was passed to.
type ReadTransaction interface {
	// Get decodes the value at key into out, reporting whether the key
	// exists.
	Get(key string, out any) (bool, error)
	// Has reports whether key exists without decoding.
	Has(key string) bool
	// Len returns the number of keys.
	Len() int
	// Keys returns the keys with the given prefix, sorted.
	Keys(prefix string) []string
}

// WriteTransaction extends the read view with staged writes. Reads observe
// the staged state, so a Put is visible to a Get in the same transaction.
type WriteTransaction interface {
	ReadTransaction
	// Put stores value at key. The value is encoded immediately, so an
	// unencodable value fails the commit before any write lands.
	Put(key string, value any) error
	// Delete removes key, reporting whether it existed.
	Delete(key string) bool
}

// Get decodes the value at key as a T.
func Get[T any](tx ReadTransaction, key string) (T, bool, error) {
	var v T
	ok, err := tx.Get(key, &v)
	return v, ok, err
}

// Entry pairs a key with its decoded value.
type Entry[T any] struct {
	Key   string
	Value T
}

// ScanPrefix decodes every value under prefix, ordered by key.
func ScanPrefix[T any](tx ReadTransaction, prefix string) ([]Entry[T], error) {
	keys := tx.Keys(prefix)
	entries := make([]Entry[T], 0, len(keys))
	for _, k := range keys {
		var v T
		if _, err := tx.Get(k, &v); err != nil {
			return nil, err
		}
		entries = append(entries, Entry[T]{Key: k, Value: v})
	}
	return entries, nil
}

type readTx struct {
	s *Store
}

func (tx *readTx) Get(key string, out any) (bool, error) {
	raw, ok := tx.s.kv[key]
	if !ok {
		return false, nil
	}
	if err := Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("store: decoding %q: %w", key, err)
	}
	return true, nil
}

func (tx *readTx) Has(key string) bool {
	_, ok := tx.s.kv[key]
	return ok
}

func (tx *readTx) Len() int {
	return len(tx.s.kv)
}

func (tx *readTx) Keys(prefix string) []string {
	var keys []string
	for k := range tx.s.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// writeTx stages puts and dels on top of the committed state. A key lives
// in at most one of the two maps; dels only ever holds committed keys.
type writeTx struct {
	s    *Store
	puts map[string][]byte
	dels map[string]struct{}
}

func newWriteTx(s *Store) *writeTx {
	return &writeTx{s: s, puts: map[string][]byte{}, dels: map[string]struct{}{}}
}

func (tx *writeTx) dirty() bool {
	return len(tx.puts) > 0 || len(tx.dels) > 0
}

func (tx *writeTx) Get(key string, out any) (bool, error) {
	if _, gone := tx.dels[key]; gone {
		return false, nil
	}
	raw, staged := tx.puts[key]
	if !staged {
		var ok bool
		raw, ok = tx.s.kv[key]
		if !ok {
			return false, nil
		}
	}
	if err := Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("store: decoding %q: %w", key, err)
	}
	return true, nil
}

func (tx *writeTx) Has(key string) bool {
	if _, gone := tx.dels[key]; gone {
		return false
	}
	if _, staged := tx.puts[key]; staged {
		return true
	}
	_, ok := tx.s.kv[key]
	return ok
}

func (tx *writeTx) Len() int {
	n := len(tx.s.kv) - len(tx.dels)
	for k := range tx.puts {
		if _, existed := tx.s.kv[k]; !existed {
			n++
		}
	}
	return n
}

func (tx *writeTx) Keys(prefix string) []string {
	var keys []string
	for k := range tx.s.kv {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, gone := tx.dels[k]; gone {
			continue
		}
		if _, replaced := tx.puts[k]; replaced {
			continue
		}
		keys = append(keys, k)
	}
	for k := range tx.puts {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (tx *writeTx) Put(key string, value any) error {
	raw, err := Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encoding %q: %w", key, err)
	}
	delete(tx.dels, key)
	tx.puts[key] = raw
	return nil
}

func (tx *writeTx) Delete(key string) bool {
	existed := tx.Has(key)
	delete(tx.puts, key)
	if _, committed := tx.s.kv[key]; committed {
		tx.dels[key] = struct{}{}
	}
	return existed
}
