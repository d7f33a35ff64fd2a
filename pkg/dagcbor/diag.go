package dagcbor

import (
	"fmt"

	"github.com/agenthands/dagstore/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// diagMode renders byte strings in hex so tag 42 payloads stay readable.
var diagMode cbor.DiagMode

func init() {
	var err error
	diagMode, err = cbor.DiagOptions{
		ByteStringEncoding: cbor.ByteStringBase16Encoding,
	}.DiagMode()
	if err != nil {
		panic("dagcbor: CBOR diagnostic mode initialization failed: " + err.Error())
	}
}

// Diagnose returns the RFC 8949 diagnostic notation of b. It accepts any
// well-formed CBOR, not only what Validate accepts, which makes it useful
// for reporting why untrusted bytes were rejected.
func Diagnose(b []byte) (string, error) {
	s, err := diagMode.Diagnose(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return s, nil
}
