package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
)

// coverageHandler proxies the optional external coverage API, passing the
// query string through unchanged. Upstream failures are reported as tagged
// errors rather than HTTP failures so the client can degrade gracefully.
func (s *Service) coverageHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CoverageAPIURL == "" {
		JSONResponse(w, http.StatusOK, map[string]any{"ok": false, "error": "coverage_api_unconfigured"})
		return
	}

	u := s.cfg.CoverageAPIURL
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if err != nil {
		JSONResponse(w, http.StatusOK, map[string]any{"ok": false, "error": "coverage_api_error: " + err.Error()})
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		tag := "coverage_api_error: " + err.Error()
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			tag = "coverage_api_timeout"
		}
		JSONResponse(w, http.StatusOK, map[string]any{"ok": false, "error": tag})
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, 8<<20))
}
