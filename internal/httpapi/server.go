// Package httpapi is the gateway's outer HTTP surface (spec §6): the
// health/status endpoints and the WebSocket upgrade path, never the
// call-control logic itself, which lives entirely in pkg/engine and
// pkg/hub. Grounded on firestige-Otus's internal/metrics.Server for the
// promhttp wiring and *http.Server lifecycle shape; CORS and the status
// payload are this gateway's own since the teacher carries neither.
package httpapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatusSource is how the server learns the counts spec §6's /health
// payload reports without importing pkg/hub or pkg/engine directly.
type StatusSource interface {
	PeerCount() int
	CallCount() int
}

// Server is the gateway's HTTP listener: health/status/metrics plus the
// WebSocket upgrade handler mounted at /ws.
type Server struct {
	log    *logrus.Entry
	status StatusSource
	sslOn  bool
	server *http.Server
}

// New builds the mux and wraps it in an *http.Server bound to addr.
// wsHandler is pkg/hub's ServeHTTP; status reports live peer/call counts.
func New(addr string, sslOn bool, status StatusSource, wsHandler http.Handler, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.WithField("component", "httpapi")
	}
	s := &Server{log: log, status: status, sslOn: sslOn}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleStatusPage)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", wsHandler)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      withCORS(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe runs with or without TLS depending on how New was
// configured, returning once the listener fails or Shutdown is called.
func (s *Server) ListenAndServe(certFile, keyFile string) error {
	if s.sslOn {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return s.server.ListenAndServeTLS(certFile, keyFile)
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests per spec §5's graceful-shutdown path.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthPayload struct {
	Status    string `json:"status"`
	SSLEnabled bool  `json:"sslEnabled"`
	PeerCount int    `json:"peerCount"`
	CallCount int    `json:"callCount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := healthPayload{
		Status:     "ok",
		SSLEnabled: s.sslOn,
		PeerCount:  s.status.PeerCount(),
		CallCount:  s.status.CallCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "sipwebrtc_gateway: %d peers, %d active calls\n", s.status.PeerCount(), s.status.CallCount())
}
