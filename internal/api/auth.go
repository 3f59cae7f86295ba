package api

import (
	"net/http"
	"strings"
)

// token extracts the access token from the request: query parameters first,
// then the Authorization bearer header, then the custom headers.
func token(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("token"); v != "" {
		return v
	}
	if v := q.Get("access_token"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	if v := r.Header.Get("X-Access-Token"); v != "" {
		return v
	}
	return r.Header.Get("X-Token")
}

// authorized reports whether the request may use gated endpoints. Outside
// prod mode everything is allowed.
func (s *Service) authorized(r *http.Request) bool {
	if !s.cfg.ProdMode {
		return true
	}
	if s.cfg.ProdToken == "" {
		return false
	}
	return token(r) == s.cfg.ProdToken
}

// requireAuth gates a handler in prod mode: 503 when no token is configured,
// 401 on mismatch.
func (s *Service) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ProdMode {
			if s.cfg.ProdToken == "" {
				ErrorResponse(w, http.StatusServiceUnavailable, "Service Unavailable")
				return
			}
			if token(r) != s.cfg.ProdToken {
				ErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		h(w, r)
	}
}

// debugGuard hides a handler entirely in prod mode unless the token matches.
func (s *Service) debugGuard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ProdMode && !s.authorized(r) {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}
}
