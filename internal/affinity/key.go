package affinity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Anonymous is the caller id used when a request carries no Authorization header.
const Anonymous = "anonymous"

// Digest returns the first 8 bytes of sha256(s), hex-encoded (16 characters).
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// CallerID derives a stable, non-reversible caller identity from the
// Authorization header. The bearer token itself is never stored.
func CallerID(h http.Header) string {
	values := h.Values("Authorization")
	if len(values) == 0 {
		return Anonymous
	}
	token := strings.TrimPrefix(values[0], "Bearer ")
	return Digest(strings.TrimSpace(token))
}

// Key builds the affinity key "{caller}:{kind}:{model}".
func Key(caller, kind, model string) string {
	return caller + ":" + kind + ":" + model
}
