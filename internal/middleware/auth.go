package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is reported when the cron secret is missing or wrong.
var ErrUnauthorized = errors.New("unauthorized")

// SecretFromRequest extracts the caller's secret from, in order, an
// "Authorization: Bearer" header, the X-Cron-Secret header or the "secret"
// query parameter.
func SecretFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if s := r.Header.Get("X-Cron-Secret"); s != "" {
		return strings.TrimSpace(s)
	}
	return r.URL.Query().Get("secret")
}

// CheckSecret compares got against want in constant time. An empty want
// never matches.
func CheckSecret(got, want string) error {
	if want == "" || got == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// CronAuth rejects requests that do not carry the shared secret. Rejected
// requests never reach next.
func CronAuth(secret string, onReject http.HandlerFunc) func(http.Handler) http.Handler {
	if onReject == nil {
		onReject = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusUnauthorized)
			if r.Method != http.MethodHead {
				w.Write([]byte(`{"ok":false,"tookMs":0,"error":"unauthorized"}`))
			}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := CheckSecret(SecretFromRequest(r), secret); err != nil {
				onReject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
