package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/debug"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// Server wraps the HTTP server and handlers.
type Server struct {
	addr        string
	handlers    *Handlers
	imagePrefix string
	imageDir    string
}

// Options configure where generated images are served from.
type Options struct {
	ImageURLPrefix string // e.g. "/images"
	ImageDir       string // directory holding the images
}

// StaticFS returns the embedded page assets.
func StaticFS() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}

// NewServer creates a server configured for the given address and handlers.
func NewServer(addr string, handlers *Handlers, opts Options) *Server {
	prefix := "/" + strings.Trim(opts.ImageURLPrefix, "/")
	if prefix == "/" {
		prefix = "/images"
	}
	return &Server{
		addr:        addr,
		handlers:    handlers,
		imagePrefix: prefix,
		imageDir:    opts.ImageDir,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	h := s.handlers

	mux.HandleFunc("GET /devices", h.HandleDevices)
	mux.HandleFunc("GET /device_names", h.HandleDeviceNames)
	mux.HandleFunc("GET /device/{device}/properties", h.HandleProperties)
	mux.HandleFunc("GET /device/{device}/properties/{property}", h.HandleProperty)
	mux.HandleFunc("PUT /device/{device}/properties/{property}", h.HandleSetProperty)
	mux.HandleFunc("GET /device/{device}/preview/{exposure}", h.HandlePreview)
	mux.HandleFunc("POST /device/{device}/preview/{exposure}", h.HandlePreview)
	mux.HandleFunc("GET /device/{device}/framing/{exposure}", h.HandleFraming)
	mux.HandleFunc("POST /device/{device}/framing/{exposure}", h.HandleFraming)
	mux.HandleFunc("GET /events", h.HandleEvents)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /histogram/settings", h.HandleGetHistogramSettings)
	mux.HandleFunc("PUT /histogram/settings", h.HandleSetHistogramSettings)
	mux.HandleFunc("GET /clean-cache", h.HandleCleanCache)
	mux.HandleFunc("POST /clean-cache", h.HandleCleanCache)
	mux.HandleFunc("GET /sequences", h.HandleSequences)
	mux.HandleFunc("POST /sequence/{name}/continue", h.HandleContinueSequence)
	if s.imageDir != "" {
		mux.Handle("GET "+s.imagePrefix+"/", http.StripPrefix(s.imagePrefix+"/", noListing(http.FileServer(http.Dir(s.imageDir)))))
	}
	if h.staticFS != nil {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	}
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// noListing hides directory indexes.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. Open event streams are ended first.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web: listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
