// Package server is the daemon's HTTP front: the websocket endpoint, the
// static web assets, and the token-gated file download route.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/filebrowser"
	"github.com/IvanRicoPrieto/CCRemote/internal/hub"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

type Server struct {
	hub      *hub.Hub
	registry *session.Registry
	auth     *auth.Store
	files    *filebrowser.Browser
	logger   *slog.Logger
	httpSrv  *http.Server
}

type Config struct {
	Addr     string
	WebRoot  string // static asset directory; empty disables the UI
	Hub      *hub.Hub
	Registry *session.Registry
	Auth     *auth.Store
	Files    *filebrowser.Browser
	Logger   *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		hub:      cfg.Hub,
		registry: cfg.Registry,
		auth:     cfg.Auth,
		files:    cfg.Files,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	mux.HandleFunc("GET /download", s.handleDownload)

	if cfg.WebRoot != "" {
		mux.HandleFunc("/", staticHandler(cfg.WebRoot))
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleDownload streams a file from a session's project as an attachment.
// Auth rides in the query string because downloads open in a new browser
// tab without headers.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sessionID := r.URL.Query().Get("sessionId")
	path := r.URL.Query().Get("path")

	if !s.auth.Validate(token) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	root, err := s.registry.ProjectRoot(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}
	abs, err := s.files.Resolve(root, path)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, "path is a directory")
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot open file")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(abs)+`"`)
	http.ServeContent(w, r, filepath.Base(abs), info.ModTime(), f)
}

// staticHandler serves the web UI with SPA fallback. Hashed assets under
// /assets/ are cached forever; everything else must revalidate.
func staticHandler(root string) http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(root))
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if strings.Contains(path, "..") {
			http.NotFound(w, r)
			return
		}
		if path == "/" {
			path = "/index.html"
		}

		if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(path))); err == nil && !info.IsDir() {
			if strings.HasPrefix(r.URL.Path, "/assets/") {
				w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			} else {
				w.Header().Set("Cache-Control", "no-cache")
			}
			fileServer.ServeHTTP(w, r)
			return
		}
		// SPA fallback; missing hashed assets stay 404
		if strings.HasPrefix(r.URL.Path, "/assets/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
