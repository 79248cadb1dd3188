package httpx

import (
	"net/http"
	"strings"
)

// CORS wraps a handler with permissive CORS headers, scoped to the
// admin dashboard's JSON API. The ingest endpoint is server-to-server
// and deliberately excluded: a browser has no business calling it
// directly, and excluding it avoids advertising the bearer-auth surface
// to cross-origin scripts.
type CORS struct {
	AllowOrigin string

	// PathPrefixes restricts which request paths get CORS headers. Empty
	// means every path.
	PathPrefixes []string
}

func (c CORS) Wrap(next http.Handler) http.Handler {
	origin := c.AllowOrigin
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.applies(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		next.ServeHTTP(w, r)
	})
}

func (c CORS) applies(path string) bool {
	if len(c.PathPrefixes) == 0 {
		return true
	}
	for _, p := range c.PathPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
