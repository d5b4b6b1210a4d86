package subscribe

import (
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

var canonicalEnc cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	canonicalEnc = em
}

// DefaultEqual reports whether two query results are structurally equal: it
// compares 64-bit xxhash sums of their canonical CBOR encodings, so values
// that encode identically are equal regardless of pointer identity. Values
// that cannot be encoded (functions, channels) fall back to guarded
// identity comparison.
func DefaultEqual(a, b any) bool {
	ha, errA := structuralHash(a)
	hb, errB := structuralHash(b)
	if errA != nil || errB != nil {
		return identical(a, b)
	}
	return ha == hb
}

func structuralHash(v any) (uint64, error) {
	raw, err := canonicalEnc.Marshal(v)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(raw), nil
}

// identical is ==, guarded so uncomparable operands report false instead of
// panicking.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
