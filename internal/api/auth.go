package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// APIKeyHeader is accepted as an alternative to an Authorization bearer token,
// for scripts that cannot set Authorization.
const APIKeyHeader = "X-API-Key"

var (
	errNoCredentials  = errors.New("missing API key")
	errBadAuthScheme  = errors.New("authorization must use the Bearer scheme")
	errKeyNotAccepted = errors.New("invalid API key")
)

// keyMatches compares in constant time. An empty configured key matches nothing.
func keyMatches(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// requestKey reads the caller's key from Authorization: Bearer <key>, falling
// back to the X-API-Key header.
func requestKey(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, key, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", errBadAuthScheme
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return "", errNoCredentials
		}
		return key, nil
	}
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key, nil
	}
	return "", errNoCredentials
}

// authMiddleware rejects requests that do not carry the configured key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := requestKey(r)
		if err == nil && !keyMatches(key, s.config.APIKey) {
			err = errKeyNotAccepted
		}
		if err != nil {
			s.logger.Warn("unauthorized request",
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
				"reason", err.Error(),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="mqtt-launcher"`)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
