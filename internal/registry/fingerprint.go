package registry

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes the content-addressed SHA-256 fingerprint over
// content + schemas (spec.md §3). The three fields are hashed as raw bytes
// in a fixed order with labelled separators; the schema JSON is not
// re-serialized, so schemas that differ only in whitespace or key order
// produce different fingerprints. The SHA-256 application is a direct stdlib call, not
// a wrapped library, since nothing in the retrieved corpus wraps hashing
// (see DESIGN.md).
func Fingerprint(content, inputSchema, outputSchema string) string {
	h := sha256.New()
	h.Write([]byte("content:"))
	h.Write([]byte(content))
	h.Write([]byte("\x00input_schema:"))
	h.Write([]byte(inputSchema))
	h.Write([]byte("\x00output_schema:"))
	h.Write([]byte(outputSchema))
	return hex.EncodeToString(h.Sum(nil))
}
