package tokenizer

import (
	"fmt"

	"github.com/multiformats/go-multihash"
)

// prefixMultihashSHA256 wraps digest (expected to already be a 32-byte
// value) in a multihash envelope tagged sha2-256, so stored hashes are
// self-describing about the algorithm that produced them.
func prefixMultihashSHA256(digest []byte) []byte {
	d := digest
	if len(d) > 32 {
		d = d[:32]
	}
	mh, err := multihash.Encode(d, multihash.SHA2_256)
	if err != nil {
		// Encode only fails for an unknown code or non-matching length,
		// neither of which is possible here.
		panic(fmt.Sprintf("tokenizer: multihash encode: %v", err))
	}
	return mh
}
