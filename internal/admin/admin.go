// Package admin serves the operator endpoints next to the proxy: health,
// Prometheus metrics, the CA certificate for client installation and
// snapshots of live sessions and cached leaves.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"github.com/pshima/interlope/pkg/certificates"
	"github.com/pshima/interlope/pkg/intercept"
	"github.com/pshima/interlope/pkg/proxy"
)

// ProxyState is the view of a running proxy the endpoints report on.
// *proxy.Proxy implements it.
type ProxyState interface {
	Draining() bool
	ActiveSessions() map[string]*intercept.Session
	Certificates() *certificates.CertificateStore
}

var _ ProxyState = (*proxy.Proxy)(nil)

// Options configures the admin handler.
type Options struct {
	Proxy    ProxyState
	Gatherer prometheus.Gatherer
	// CACertificate is the PEM encoded interception CA. Nil disables
	// /ca.pem.
	CACertificate []byte
	Logger        proxy.Logger
}

// SessionInfo is the JSON form of an active session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Authority string    `json:"authority,omitempty"`
	Started   time.Time `json:"started"`
}

// CertificatesResponse is the body of GET /certificates.
type CertificatesResponse struct {
	Stats        certificates.CacheStats         `json:"stats"`
	Certificates []certificates.CertificateEntry `json:"certificates"`
}

// Handler builds the admin router.
func Handler(opts Options) http.Handler {
	a := &api{opts: opts}
	if a.opts.Gatherer == nil {
		a.opts.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/ca.pem", a.caCertificate)
	r.Get("/sessions", a.sessions)
	r.Get("/certificates", a.certificates)
	return r
}

type api struct {
	opts Options
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if a.opts.Logger != nil {
			a.opts.Logger.Debug("Admin request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		}
	})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if a.opts.Proxy != nil && a.opts.Proxy.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

func (a *api) caCertificate(w http.ResponseWriter, _ *http.Request) {
	if len(a.opts.CACertificate) == 0 {
		http.Error(w, "interception is not configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="interlope-ca.pem"`)
	_, _ = w.Write(a.opts.CACertificate)
}

func (a *api) sessions(w http.ResponseWriter, _ *http.Request) {
	infos := []SessionInfo{}
	if a.opts.Proxy != nil {
		for _, s := range a.opts.Proxy.ActiveSessions() {
			info := SessionInfo{ID: s.ID, Authority: s.Authority, Started: s.StartTime}
			if s.ClientAddr != nil {
				info.Client = s.ClientAddr.String()
			}
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	writeJSON(w, http.StatusOK, infos)
}

func (a *api) certificates(w http.ResponseWriter, _ *http.Request) {
	var store *certificates.CertificateStore
	if a.opts.Proxy != nil {
		store = a.opts.Proxy.Certificates()
	}
	if store == nil {
		http.Error(w, "interception is not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, CertificatesResponse{
		Stats:        store.GetCacheStats(),
		Certificates: store.ListCertificates(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Server runs the admin handler on its own listener.
type Server struct {
	srv    *http.Server
	logger proxy.Logger
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, logger proxy.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Serve accepts on ln until ctx is canceled, then shuts down, waiting up to
// five seconds for requests in flight.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	if s.logger != nil {
		s.logger.Info("Admin server listening", "address", ln.Addr().String())
	}

	select {
	case err := <-errCh:
		return xerrors.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return xerrors.Errorf("admin server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("admin server: %w", err)
	}
	return nil
}

// ListenAndServe binds the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("Failed to bind admin listener", "code", "300", "address", s.srv.Addr, "error", err)
		}
		return xerrors.Errorf("admin listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}
