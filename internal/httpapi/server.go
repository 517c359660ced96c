// Package httpapi exposes the substrate over HTTP and a websocket event feed.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-substrate/internal/packet"
	"github.com/rcliao/memory-substrate/internal/substrate"
)

// NewServer creates the HTTP server for the substrate API. The returned hub
// must be wired into the service's OnWrite hook by the caller.
func NewServer(svc *substrate.Service, hub *Hub, logger *zap.Logger, bind string, port int) *http.Server {
	h := &Handlers{svc: svc, hub: hub, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /packets", h.HandleWritePacket)
	mux.HandleFunc("GET /packets/{id}", h.HandleGetPacket)
	mux.HandleFunc("GET /packets/{id}/derivations", h.HandleDerivations)
	mux.HandleFunc("POST /search", h.HandleSearch)
	mux.HandleFunc("GET /events/{agent_id}", h.HandleEvents)
	mux.HandleFunc("GET /traces", h.HandleTraces)
	mux.HandleFunc("GET /checkpoints/{agent_id}", h.HandleCheckpoint)
	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.HandleFunc("GET /packets/stream", hub.HandleStream)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Packets are immutable: no update or delete routes exist. The mux
	// answers 405 for any mutation attempt on a read route.

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", bind, port),
		Handler: requestLogger(logger, mux),
	}
}

// requestLogger logs each request with its duration and status.
func requestLogger(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Run starts the server and shuts it down gracefully on SIGINT/SIGTERM.
func Run(srv *http.Server, hub *Hub, logger *zap.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("substrate listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting down")
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// StreamEvent is one message on the websocket feed.
type StreamEvent struct {
	PacketID   string `json:"packet_id"`
	PacketType string `json:"packet_type"`
	AgentID    string `json:"agent_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// streamEvent projects an envelope onto the feed payload. Subscribers get
// the header only; the payload stays behind the read API.
func streamEvent(env *packet.Envelope) StreamEvent {
	return StreamEvent{
		PacketID:   env.PacketID,
		PacketType: env.PacketType,
		AgentID:    env.AgentID(),
		ThreadID:   env.ThreadID,
		Timestamp:  env.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
