package store

import "github.com/fxamacker/cbor/v2"

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// Marshal encodes v as canonical CBOR, the store's value encoding.
// Canonical map ordering keeps equal values byte-identical, which the
// default structural equality's hash comparison relies on.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into out.
func Unmarshal(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
