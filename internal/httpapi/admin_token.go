package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuth guards the admin API with a static bearer token. An empty token
// disables the check, which is the default for a proxy bound to a trusted
// workstation or LAN.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(got) > 7 && strings.EqualFold(got[:7], "bearer ") {
				got = strings.TrimSpace(got[7:])
			} else {
				got = ""
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
