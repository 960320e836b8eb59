// Package server hosts the session gateway: a websocket endpoint carrying
// the JSON frame protocol, join-grant authentication, and liveness and
// readiness probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/crucible-live/crucible/internal/errors"
	"github.com/crucible-live/crucible/internal/platform/timeouts"
	"github.com/crucible-live/crucible/internal/session/wire"
	"golang.org/x/net/websocket"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	grantQueryParam = "grant"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the gateway process.
type Config struct {
	HTTPAddr string
	// GRPCAddr serves the health readiness probe; empty disables it.
	GRPCAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the HTTP/websocket gateway and the gRPC health listener.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	grpcServer      *gogrpc.Server
	healthServer    *health.Server
	hub             *Hub
}

// wsConn adapts one websocket connection to the session.Conn surface.
// Send is safe for concurrent use; broadcasts and the reader loop both
// write through it.
type wsConn struct {
	mu      sync.Mutex
	encoder *json.Encoder
	raw     *websocket.Conn
}

func newWSConn(raw *websocket.Conn) *wsConn {
	return &wsConn{encoder: json.NewEncoder(raw), raw: raw}
}

func (c *wsConn) Send(frame wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.Encode(frame)
}

func (c *wsConn) Close() error {
	return c.raw.Close()
}

// NewServer builds a configured gateway server.
func NewServer(config Config, hub *Hub, verifier *GrantVerifier) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if hub == nil {
		return nil, errors.New("session hub is required")
	}
	if verifier == nil {
		return nil, errors.New("grant verifier is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	server := &Server{
		httpAddr:        httpAddr,
		grpcAddr:        strings.TrimSpace(config.GRPCAddr),
		shutdownTimeout: config.ShutdownTimeout,
		hub:             hub,
	}
	server.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(hub, verifier),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if server.grpcAddr != "" {
		server.healthServer = health.NewServer()
		server.grpcServer = gogrpc.NewServer()
		healthpb.RegisterHealthServer(server.grpcServer, server.healthServer)
	}
	return server, nil
}

// newHandler creates the gateway routes: /up liveness and /ws sessions.
func newHandler(hub *Hub, verifier *GrantVerifier) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		grant, err := verifier.Verify(r.URL.Query().Get(grantQueryParam))
		if err != nil {
			log.Printf("gateway unauthorized remote=%s err=%v", r.RemoteAddr, err)
			http.Error(w, "valid join grant required", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), grantContextKey{}, grant)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

type grantContextKey struct{}

// handleWSConn admits the connection to its session and pumps request
// frames until the peer disconnects or a limit trips.
func handleWSConn(conn *websocket.Conn, hub *Hub) {
	defer func() {
		_ = conn.Close()
	}()

	request := conn.Request()
	if request == nil {
		return
	}
	grant, ok := request.Context().Value(grantContextKey{}).(JoinGrant)
	if !ok {
		return
	}

	peer := newWSConn(conn)
	live, err := hub.Session(request.Context(), grant.MissionID, grant.SessionID)
	if err != nil {
		log.Printf("gateway session lookup failed session=%s err=%v", grant.SessionID, err)
		_ = peer.Send(errorFrame("", apperrors.CodeNotFound, "session unavailable"))
		return
	}
	if err := live.Join(grant.MemberID, grant.Name, grant.Role, peer, grant.Evict); err != nil {
		code := apperrors.GetCode(err)
		_ = peer.Send(errorFrame("", code, err.Error()))
		return
	}
	defer live.Disconnect(grant.MemberID, peer)

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = peer.Send(errorFrame("", apperrors.CodeRequestInvalid, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = peer.Send(errorFrame(frame.RequestID, apperrors.CodeRequestInvalid, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = peer.Send(errorFrame(frame.RequestID, apperrors.CodeRequestInvalid, "rate limit exceeded"))
			return
		}

		live.HandleFrame(grant.MemberID, frame)
	}
}

func errorFrame(requestID string, code apperrors.Code, message string) wire.Frame {
	payload, err := json.Marshal(wire.ErrorPayload{
		Code:    string(code.Wire()),
		Message: message,
	})
	if err != nil {
		log.Printf("failed to marshal error frame: %v", err)
	}
	return wire.Frame{Type: wire.TypeError, RequestID: requestID, Payload: payload}
}

// ListenAndServe runs the HTTP and gRPC listeners until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("gateway server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 2)
	log.Printf("gateway listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	if s.grpcServer != nil {
		listener, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.grpcAddr, err)
		}
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		log.Printf("health listening on %s", s.grpcAddr)
		go func() {
			serveErr <- s.grpcServer.Serve(listener)
		}()
	}

	select {
	case <-ctx.Done():
		if s.healthServer != nil {
			s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		s.hub.Shutdown()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve gateway: %w", err)
	}
}

// Run creates and serves a gateway until the context ends.
func Run(ctx context.Context, config Config, hub *Hub, verifier *GrantVerifier) error {
	server, err := NewServer(config, hub, verifier)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}
