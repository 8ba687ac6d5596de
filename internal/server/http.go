package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	// DefaultHTTPAddr is the default bind address for the HTTP
	// transport.
	DefaultHTTPAddr = ":8080"

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// HTTPServer serves the MCP protocol over streamable HTTP alongside the
// health probes. Each request's session is resolved to a broker user
// before the tool handler runs.
type HTTPServer struct {
	httpServer *http.Server
	sessions   *SessionManager
	logger     *slog.Logger
}

// NewHTTPServer wraps an MCP server with session resolution and health
// endpoints.
func NewHTTPServer(mcpSrv *mcpserver.MCPServer, sessions *SessionManager, health *HealthChecker, addr string, logger *slog.Logger) *HTTPServer {
	if addr == "" {
		addr = DefaultHTTPAddr
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &HTTPServer{sessions: sessions, logger: logger}

	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithHTTPContextFunc(s.sessionContext),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	if health != nil {
		health.RegisterHealthEndpoints(mux)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
	return s
}

// sessionContext resolves the request's session to a broker user and
// stamps it onto the context. Unknown sessions are bound on first
// sight, so every Bearer token gets its own user. Requests without
// credentials run as the default user.
func (s *HTTPServer) sessionContext(ctx context.Context, r *http.Request) context.Context {
	sessionID, err := s.sessions.ResolveSessionID(r)
	if err != nil {
		return ContextWithUser(ctx, DefaultUser)
	}
	return ContextWithUser(ctx, s.sessions.Resolve(sessionID))
}

// Start serves until the listener fails or Shutdown is called. It
// blocks; run it in a goroutine for non-blocking operation.
func (s *HTTPServer) Start() error {
	s.sessions.Start()
	s.logger.Info("starting http server", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops session expiry.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.sessions.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bind address.
func (s *HTTPServer) Addr() string {
	return s.httpServer.Addr
}
