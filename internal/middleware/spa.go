package middleware

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// SPAHandler serves the frontend from a directory on disk, falling back to
// index.html for client-side routes.
type SPAHandler struct {
	dir       string
	fs        http.Handler
	indexHTML []byte
}

func NewSPAHandler(dir string) *SPAHandler {
	index, _ := os.ReadFile(filepath.Join(dir, "index.html"))
	return &SPAHandler{
		dir:       dir,
		fs:        http.FileServer(http.Dir(dir)),
		indexHTML: index,
	}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/terminal/") || r.URL.Path == "/health" {
		http.NotFound(w, r)
		return
	}

	// Serve the actual file when it exists
	path := filepath.Join(h.dir, filepath.Clean("/"+r.URL.Path))
	if stat, err := os.Stat(path); err == nil && !stat.IsDir() {
		h.fs.ServeHTTP(w, r)
		return
	}

	// Fall back to index.html for client-side routing
	if h.indexHTML != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(h.indexHTML)
		return
	}

	http.NotFound(w, r)
}
