package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cdr.dev/slog/v3"

	"github.com/rewindly/agent/internal/config"
	"github.com/rewindly/agent/internal/ops"
	"github.com/rewindly/agent/internal/tracker"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// maxBodyBytes caps request bodies; event payloads carry page HTML.
const maxBodyBytes = 4 << 20

// NewServer creates the local HTTP server the browser extension talks to.
func NewServer(deps ops.Deps, recorder *tracker.Recorder, cfg *config.Config, version string) (*http.Server, error) {
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("template sub-FS: %w", err)
	}
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("static sub-FS: %w", err)
	}

	renderer, err := NewRenderer(templateSub, version)
	if err != nil {
		return nil, err
	}

	h := &Handlers{
		deps:     deps,
		recorder: recorder,
		cfg:      cfg,
		renderer: renderer,
		logger:   deps.Logger.Named("web"),
	}

	return &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTPBind, fmt.Sprint(cfg.HTTPPort)),
		Handler:           h.routes(staticSub),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func (h *Handlers) routes(static fs.FS) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/report", http.StatusFound)
	})
	mux.HandleFunc("POST /events", h.HandleEvent)
	mux.HandleFunc("POST /sync", h.HandleSync)
	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.HandleFunc("POST /clear", h.HandleClear)
	mux.HandleFunc("GET /recent", h.HandleRecent)
	mux.HandleFunc("GET /report", h.HandleReport)
	mux.HandleFunc("GET /config", h.HandleConfig)

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))

	return securityHeaders(originGuard(mux))
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; img-src 'self' https: data:; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// originGuard rejects state-changing requests sent by web pages. Requests
// without an Origin (the CLI, curl), from browser extensions, or from this
// server's own pages pass.
func originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if !allowedOrigin(r) {
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "chrome-extension", "moz-extension", "safari-web-extension":
		return true
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Run serves srv until ctx is done, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server, logger slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info(ctx, "local server listening", slog.F("addr", "http://"+srv.Addr))
	if host, _, err := net.SplitHostPort(srv.Addr); err == nil && (host == "0.0.0.0" || host == "::" || host == "") {
		logger.Warn(ctx, "server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info(ctx, "shutting down local server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
