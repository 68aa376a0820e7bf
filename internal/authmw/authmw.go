// Package authmw guards the triage API with static bearer tokens.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

// Bearer returns middleware that accepts a request when its Authorization
// header carries any of tokens. Several tokens allow rotation without
// downtime. Empty tokens are ignored; with none left the middleware passes
// every request through.
func Bearer(logger log.Logger, tokens ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	var accepted [][]byte
	for _, t := range tokens {
		if t != "" {
			accepted = append(accepted, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(accepted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				reject(w, `{"error":"missing or malformed authorization header"}`)
				return
			}
			if !matchAny(got, accepted) {
				logger.Warn(r.Context(), "rejected api token", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				reject(w, `{"error":"invalid token"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credentials of a Bearer Authorization header.
// The scheme is matched case-insensitively.
func bearerToken(h string) ([]byte, bool) {
	scheme, cred, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, false
	}
	cred = strings.TrimSpace(cred)
	if cred == "" {
		return nil, false
	}
	return []byte(cred), true
}

// matchAny compares against every token so timing does not reveal which
// one, if any, was close.
func matchAny(got []byte, accepted [][]byte) bool {
	match := 0
	for _, a := range accepted {
		match |= subtle.ConstantTimeCompare(got, a)
	}
	return match == 1
}

func reject(w http.ResponseWriter, body string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(body))
}
