// Package api exposes the admission service and the streaming protocol over
// HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bertiespell/asset-canister/internal/admission"
	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/logging/audit"
	"github.com/bertiespell/asset-canister/internal/metrics"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/bertiespell/asset-canister/internal/stream"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// StreamTokenHeader carries the continuation token of a streamed response.
const StreamTokenHeader = "X-Stream-Token"

// Options configures a Server.
type Options struct {
	Service  *admission.Service
	Streamer *stream.Streamer
	Tokens   *auth.Tokens
	Metrics  *metrics.AssetMetrics
	Audit    *audit.Logger
	// MetricsHandler serves /metrics. Nil disables the route.
	MetricsHandler http.Handler
	// RequestsPerSecond enables the process-wide throttle when positive.
	RequestsPerSecond float64
	Burst             int
}

// Server is the HTTP transport.
type Server struct {
	svc      *admission.Service
	streamer *stream.Streamer
	tokens   *auth.Tokens
	metrics  *metrics.AssetMetrics
	audit    *audit.Logger
	throttle *rate.Limiter
	mux      *http.ServeMux
	handler  http.Handler
}

// NewServer creates a server and registers its routes.
func NewServer(opts Options) *Server {
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Streamer == nil {
		opts.Streamer = stream.New(opts.Service)
	}

	s := &Server{
		svc:      opts.Service,
		streamer: opts.Streamer,
		tokens:   opts.Tokens,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		mux:      http.NewServeMux(),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RequestsPerSecond) + 1
		}
		s.throttle = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	s.setupRoutes(opts.MetricsHandler)
	s.handler = withRequestID(s.withLogging(withThrottle(s.throttle, s.mux)))
	return s
}

func (s *Server) setupRoutes(metricsHandler http.Handler) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}

	s.mux.HandleFunc("POST /api/files", s.handleCreateFile)
	s.mux.HandleFunc("PUT /api/files/{id}/chunks", s.handleAppendChunk)
	s.mux.HandleFunc("DELETE /api/files/{id}", s.handleDeleteFile)
	s.mux.HandleFunc("GET /api/files/{id}", s.handleGetFile)
	s.mux.HandleFunc("GET /api/chunks/{id}", s.handleGetChunk)
	s.mux.HandleFunc("GET /api/counter", s.handleCounter)

	s.mux.HandleFunc("GET /stream", s.handleContinueStream)
	s.mux.HandleFunc("GET /ws/{kind}/{id}", s.handleWebSocket)

	s.setupAdminRoutes()

	// Asset routes (/image/<id>, /video/<id>) are matched by stream.ParseRoute,
	// which ignores case and surrounding slashes. Anything else is a 404.
	s.mux.HandleFunc("GET /{path...}", s.handleStartStream)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests for up to shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("listen", ln.Addr().String()).Msg("asset server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("asset server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identify resolves the caller. No Authorization header is the anonymous
// identity; a header that does not verify is an error.
func (s *Server) identify(r *http.Request) (auth.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return auth.Anonymous, nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		s.audit.LogAuth("", "bearer", audit.Denied, "malformed authorization header", r.RemoteAddr)
		return auth.Anonymous, fmt.Errorf("%w: malformed authorization header", auth.ErrInvalidToken)
	}
	if s.tokens == nil {
		return auth.Anonymous, fmt.Errorf("%w: token verification is not configured", auth.ErrInvalidToken)
	}

	id, err := s.tokens.Verify(strings.TrimSpace(parts[1]))
	if err != nil {
		s.audit.LogAuth("", "bearer", audit.Denied, err.Error(), r.RemoteAddr)
		return auth.Anonymous, err
	}
	return id, nil
}

// readChunk reads a request body of at most one byte over the chunk limit,
// leaving the size decision to the admission pipeline.
func (s *Server) readChunk(r *http.Request) ([]byte, error) {
	limit := int64(s.svc.Limits().MaxChunkSize) + 1
	data, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrBadRequest, err)
	}
	return data, nil
}

func pathFileID(r *http.Request) (store.FileID, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", ErrBadRequest, r.PathValue("id"))
	}
	return store.FileID(id), nil
}

func queryUint(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", ErrBadRequest, key)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrBadRequest, key, raw)
	}
	return v, nil
}
