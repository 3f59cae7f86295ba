package api

import (
	"net/http"
	"os"
)

const indexFallback = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>meshmap</title></head>
<body><p>meshmap is running. Connect a map client to /ws.</p></body>
</html>
`

const manifest = `{
  "name": "meshmap",
  "short_name": "meshmap",
  "start_url": "/",
  "display": "standalone",
  "background_color": "#0b1020",
  "theme_color": "#0b1020"
}
`

// Pass-through worker: installable PWA shell without offline caching.
const serviceWorker = `self.addEventListener('install', () => self.skipWaiting());
self.addEventListener('activate', (e) => e.waitUntil(clients.claim()));
self.addEventListener('fetch', () => {});
`

// indexHandler serves the bundled frontend when present, otherwise a minimal
// placeholder page.
func (s *Service) indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if raw, err := os.ReadFile("static/index.html"); err == nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(raw)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexFallback))
}

func (s *Service) manifestHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/manifest+json")
	w.Write([]byte(manifest))
}

func (s *Service) serviceWorkerHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Write([]byte(serviceWorker))
}
