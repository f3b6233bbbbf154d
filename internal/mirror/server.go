package mirror

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
)

// StateSource supplies the current mirror snapshot to the server.
type StateSource interface {
	Current() *State
}

// Server translates HTTP request paths into file reads against the
// mirror's current snapshot. It resolves the snapshot once per request, so
// the bytes for one response always come from a single consistent tree
// even when a refresh swaps the snapshot mid-request. The server never
// writes to the mirror.
type Server struct {
	mirror StateSource
}

// NewServer constructs a Server reading from source.
func NewServer(source StateSource) *Server {
	return &Server{mirror: source}
}

// ServeHTTP serves GET /<path> from the current snapshot.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel, ok := cleanRequestPath(r.URL.Path)
	if !ok {
		slog.Warn("rejected request path", "path", r.URL.Path, "remote", r.RemoteAddr)
		http.Error(w, "bad request path", http.StatusBadRequest)
		return
	}

	// One state load per request: the snapshot reference stays stable for
	// the rest of the handler regardless of concurrent refreshes.
	state := s.mirror.Current()
	if state == nil {
		http.Error(w, "mirror not ready", http.StatusServiceUnavailable)
		return
	}
	full := filepath.Join(state.RootPath, filepath.FromSlash(rel))

	fi, err := os.Stat(full)
	switch {
	case os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR):
		http.NotFound(w, r)
		return
	case err != nil:
		slog.Error("cannot stat mirrored file", "path", full, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if fi.IsDir() {
		s.serveListing(w, r, full, rel)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		// The snapshot tree is immutable once published, so this is a
		// local I/O failure, not a client error.
		slog.Error("cannot open mirrored file", "path", full, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	w.Header().Set("ETag", `"`+state.Revision+`"`)
	http.ServeContent(w, r, fi.Name(), state.SyncedAt, f)
}

// serveListing renders a plain HTML listing of a snapshot directory.
// Requests without a trailing slash are redirected first so that the
// relative links in the listing resolve correctly.
func (s *Server) serveListing(w http.ResponseWriter, r *http.Request, dir, rel string) {
	if rel != "" && !strings.HasSuffix(r.URL.Path, "/") {
		http.Redirect(w, r, url.PathEscape(path.Base(r.URL.Path))+"/", http.StatusMovedPermanently)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Error("cannot list mirrored directory", "path", dir, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	title := "/" + rel
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head><title>Index of %s</title></head>\n<body>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<h1>Index of %s</h1>\n<ul>\n", html.EscapeString(title))
	if rel != "" {
		fmt.Fprintf(&b, "<li><a href=\"../\">../</a></li>\n")
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", url.PathEscape(entry.Name())+suffixIfDir(entry), html.EscapeString(name))
	}
	b.WriteString("</ul>\n</body>\n</html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(b.String()))
}

func suffixIfDir(entry os.DirEntry) string {
	if entry.IsDir() {
		return "/"
	}
	return ""
}

// cleanRequestPath validates and normalizes a request path, returning the
// path relative to the snapshot root. It rejects traversal sequences in
// any form (".." segments survive URL decoding, so encoded variants are
// caught too), NUL bytes, and backslashes.
func cleanRequestPath(p string) (string, bool) {
	if strings.ContainsAny(p, "\x00\\") {
		return "", false
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", false
		}
	}

	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", true
	}
	if strings.HasPrefix(cleaned, "/..") {
		return "", false
	}
	return strings.TrimPrefix(cleaned, "/"), true
}
