package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// Jax encodes every structured payload (manifests, op logs, pins lists,
// wire messages) as deterministic CBOR so that equal values always produce
// equal bytes, and therefore equal content hashes.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("failed to build CBOR encode mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("failed to build CBOR decode mode: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
