// Package server implements the framed TCP protocol server: it accepts
// connections, admits their messages through the abuse pipeline, serves the
// reserved authenticate method, and forwards everything else to the
// application dispatcher.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dshield-gate/internal/abuse"
	"dshield-gate/internal/audit"
	"dshield-gate/internal/auth"
	"dshield-gate/internal/protocol"
	"dshield-gate/internal/registry"
)

// Numeric error codes carried in framed error responses.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInternalError     = -32603
	CodeAuthRequired      = -32000
	CodeInvalidCredential = -32001
	CodeMissingCredential = -32002
	CodeSessionLimit      = -32003
	CodeRateLimited       = -32004
	CodeClientBlocked     = -32005
)

// Dispatcher is the application layer behind the transport. Failures are
// mapped to a generic internal error; detail never reaches the client.
type Dispatcher interface {
	GetCapabilities(ctx context.Context) (any, error)
	ListTools(ctx context.Context) (any, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (any, error)
	ListResources(ctx context.Context) (any, error)
	ReadResource(ctx context.Context, uri string) (any, error)
	ListPrompts(ctx context.Context) (any, error)
	GetPrompt(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// StatsProvider supplies application statistics for status reporting.
type StatsProvider interface {
	Stats(ctx context.Context) (map[string]any, error)
}

// Config holds protocol server settings.
type Config struct {
	Address              string        `yaml:"address"`
	MaxConnections       int           `yaml:"max_connections"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Address:              ":5514",
		MaxConnections:       1000,
		ConnectionTimeout:    5 * time.Minute,
		HousekeepingInterval: time.Minute,
	}
}

// Connection is the per-connection state owned by the server for the
// lifetime of the socket. Sessions and keys are referenced by ID only.
type Connection struct {
	conn       net.Conn
	clientAddr string
	clientIP   string

	mu              sync.Mutex
	connectedAt     time.Time
	lastActivity    time.Time
	isAuthenticated bool
	isInitialized   bool
	sessionID       string
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) authenticated() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.isAuthenticated
}

func (c *Connection) bindSession(sessionID string) {
	c.mu.Lock()
	c.isAuthenticated = true
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Connection) markInitialized() {
	c.mu.Lock()
	c.isInitialized = true
	c.mu.Unlock()
}

// write frames and writes one message. Serialized per connection so
// responses keep the order requests were processed in.
func (c *Connection) write(msg *protocol.Message) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.conn, body)
}

// Metrics holds server counters.
type Metrics struct {
	ConnectionsTotal  uint64
	ConnectionsDenied uint64
	MessagesReceived  uint64
	MessagesRejected  uint64
	ResponsesSent     uint64
	Errors            uint64
}

type handlerFunc func(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error)

// Server is the protocol server.
type Server struct {
	config        Config
	validator     *protocol.Validator
	monitor       *abuse.Monitor
	authenticator *auth.Authenticator
	registry      *registry.Registry
	dispatcher    Dispatcher
	stats         StatsProvider
	trail         *audit.Trail
	logger        *slog.Logger

	handlers map[string]handlerFunc

	listener net.Listener
	connMu   sync.Mutex
	conns    map[string]*Connection

	connCount int32
	wg        sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once

	connectionsTotal  uint64
	connectionsDenied uint64
	messagesReceived  uint64
	messagesRejected  uint64
	responsesSent     uint64
	errorCount        uint64
}

// New creates a protocol server. The dispatch table is built once here;
// unknown methods fall through to a single method-not-found branch.
func New(
	cfg Config,
	validator *protocol.Validator,
	monitor *abuse.Monitor,
	authenticator *auth.Authenticator,
	reg *registry.Registry,
	dispatcher Dispatcher,
	stats StatsProvider,
	trail *audit.Trail,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:        cfg,
		validator:     validator,
		monitor:       monitor,
		authenticator: authenticator,
		registry:      reg,
		dispatcher:    dispatcher,
		stats:         stats,
		trail:         trail,
		logger:        logger,
		conns:         make(map[string]*Connection),
		done:          make(chan struct{}),
	}

	s.handlers = map[string]handlerFunc{
		"initialize":     s.handleInitialize,
		"initialized":    s.handleInitialized,
		"tools/list":     s.handleToolsList,
		"tools/call":     s.handleToolCall,
		"resources/list": s.handleResourcesList,
		"resources/read": s.handleResourceRead,
		"prompts/list":   s.handlePromptsList,
		"prompts/get":    s.handlePromptGet,
	}

	monitor.SetNotifier(&blockNotifier{trail: trail})

	return s
}

// blockNotifier feeds block lifecycle events into the audit trail.
type blockNotifier struct {
	trail *audit.Trail
}

func (n *blockNotifier) ClientBlocked(clientID string, until time.Time) {
	n.trail.Record(audit.CategoryAbuse, "client_blocked", "blocked", audit.Entry{
		ClientAddr: clientID,
		Detail:     map[string]any{"blocked_until": until.Format(time.RFC3339)},
	})
}

func (n *blockNotifier) ClientUnblocked(clientID string) {
	n.trail.Record(audit.CategoryAbuse, "client_unblocked", "unblocked", audit.Entry{
		ClientAddr: clientID,
	})
}

func (s *Server) handleInitialize(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error) {
	return s.dispatcher.GetCapabilities(ctx)
}

func (s *Server) handleInitialized(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error) {
	conn.markInitialized()
	return nil, nil
}

func (s *Server) handleToolsList(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error) {
	return s.dispatcher.ListTools(ctx)
}

func (s *Server) handleResourcesList(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error) {
	return s.dispatcher.ListResources(ctx)
}

func (s *Server) handlePromptsList(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error) {
	return s.dispatcher.ListPrompts(ctx)
}

// Start begins listening and accepting connections.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener

	s.logger.Info("protocol server started",
		"address", listener.Addr().String(),
		"max_connections", s.config.MaxConnections,
	)

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.housekeepingLoop(ctx)

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Accept deadline lets the loop observe shutdown promptly.
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("accept error", "error", err)
				continue
			}
		}

		clientIP := remoteIP(conn)

		if !s.monitor.RecordConnectionAttempt(clientIP) {
			atomic.AddUint64(&s.connectionsDenied, 1)
			s.trail.Record(audit.CategoryConnection, "connection_denied", "too_many_attempts", audit.Entry{
				ClientAddr: conn.RemoteAddr().String(),
				Detail:     map[string]any{"violation_code": protocol.CodeTooManyConnections},
			})
			conn.Close()
			continue
		}

		if atomic.LoadInt32(&s.connCount) >= int32(s.config.MaxConnections) {
			atomic.AddUint64(&s.connectionsDenied, 1)
			s.logger.Warn("max connections reached, rejecting", "client", clientIP)
			conn.Close()
			continue
		}

		atomic.AddInt32(&s.connCount, 1)
		atomic.AddUint64(&s.connectionsTotal, 1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn, clientIP)
	}
}

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn, clientIP string) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.connCount, -1)
	defer netConn.Close()

	now := time.Now()
	conn := &Connection{
		conn:         netConn,
		clientAddr:   netConn.RemoteAddr().String(),
		clientIP:     clientIP,
		connectedAt:  now,
		lastActivity: now,
	}

	s.registerConn(conn)
	defer s.unregisterConn(conn)

	s.trail.Record(audit.CategoryConnection, "connection_opened", "success", audit.Entry{
		ClientAddr: conn.clientAddr,
	})
	s.logger.Debug("connection opened", "client", conn.clientAddr)

	s.readLoop(ctx, conn)

	if sessionID, ok := conn.authenticated(); ok {
		// Best effort; the session also expires lazily on its own.
		if err := s.authenticator.RevokeSession(context.Background(), sessionID); err != nil {
			s.logger.Debug("session revoke on disconnect failed",
				"session_id", sessionID, "error", err)
		}
	}

	s.trail.Record(audit.CategoryConnection, "connection_closed", "success", audit.Entry{
		ClientAddr: conn.clientAddr,
	})
	s.logger.Debug("connection closed", "client", conn.clientAddr)
}

func (s *Server) readLoop(ctx context.Context, conn *Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.conn.SetReadDeadline(time.Now().Add(s.config.ConnectionTimeout))

		body, err := protocol.ReadFrame(conn.conn, s.validator.MaxMessageSize())
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrEmptyFrame) {
				// Transport violation; answer and keep the connection.
				atomic.AddUint64(&s.messagesRejected, 1)
				s.monitor.RecordViolation(conn.clientIP, abuse.ViolationProtocol)
				s.writeError(conn, nil, CodeInvalidRequest, err.Error())
				continue
			}
			// I/O error, idle timeout or disconnect ends the loop.
			return
		}

		conn.touch()
		atomic.AddUint64(&s.messagesReceived, 1)

		msg, err := protocol.Decode(body)
		if err != nil {
			atomic.AddUint64(&s.messagesRejected, 1)
			s.monitor.RecordViolation(conn.clientIP, abuse.ViolationProtocol)
			s.writeError(conn, nil, CodeParseError, "parse error")
			continue
		}

		if err := s.monitor.ValidateMessage(msg, len(body), conn.clientIP); err != nil {
			atomic.AddUint64(&s.messagesRejected, 1)
			s.rejectMessage(conn, msg, err)
			continue
		}

		s.serveMessage(ctx, conn, msg)
	}
}

// rejectMessage maps a validation or admission failure onto a framed error
// response.
func (s *Server) rejectMessage(conn *Connection, msg *protocol.Message, err error) {
	code := CodeInvalidRequest
	message := "invalid request"

	var violation *protocol.SecurityViolation
	if errors.As(err, &violation) {
		switch violation.Code {
		case protocol.CodeRateLimited:
			code, message = CodeRateLimited, "rate limit exceeded"
		case protocol.CodeClientBlocked:
			code, message = CodeClientBlocked, "client temporarily blocked"
		case protocol.CodeMethodNotAllowed:
			code, message = CodeMethodNotFound, "method not found"
		default:
			message = violation.Detail
		}
	}

	s.writeError(conn, msg.ID, code, message)
}

func (s *Server) serveMessage(ctx context.Context, conn *Connection, msg *protocol.Message) {
	if msg.IsResponse() {
		// The gateway issues no requests of its own; stray responses are
		// dropped after validation.
		return
	}

	if msg.Method == protocol.MethodAuthenticate {
		s.handleAuthenticate(ctx, conn, msg)
		return
	}

	sessionID, ok := conn.authenticated()
	if ok {
		if _, err := s.authenticator.ValidateSession(ctx, sessionID); err != nil {
			ok = false
		}
	}
	if !ok {
		if msg.IsRequest() {
			s.writeError(conn, msg.ID, CodeAuthRequired, "authentication required")
		}
		return
	}

	handler, found := s.handlers[msg.Method]
	if !found {
		if msg.IsRequest() {
			s.writeError(conn, msg.ID, CodeMethodNotFound, "method not found")
		}
		return
	}

	result, err := handler(ctx, conn, msg)
	if !msg.IsRequest() {
		// Notifications get no response, success or not.
		return
	}
	if err != nil {
		var de errDispatch
		if errors.As(err, &de) {
			s.writeError(conn, msg.ID, de.code, de.message)
			return
		}
		atomic.AddUint64(&s.errorCount, 1)
		s.logger.Error("dispatch failed",
			"client", conn.clientAddr,
			"method", msg.Method,
			"error", err,
		)
		s.writeError(conn, msg.ID, CodeInternalError, "internal error")
		return
	}

	s.writeResult(conn, msg.ID, result)
}

// authenticateParams is the params shape of the reserved method.
type authenticateParams struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleAuthenticate(ctx context.Context, conn *Connection, msg *protocol.Message) {
	var params authenticateParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.writeError(conn, msg.ID, CodeInvalidRequest, "malformed authenticate params")
			return
		}
	}

	session, err := s.authenticator.AuthenticateConnection(ctx, conn.clientAddr, params.APIKey)
	if err != nil {
		outcome := "failure"
		switch {
		case errors.Is(err, auth.ErrMissingCredential):
			s.writeError(conn, msg.ID, CodeMissingCredential, "missing credential")
		case errors.Is(err, auth.ErrSessionLimitExceeded):
			outcome = "session_limit"
			s.writeError(conn, msg.ID, CodeSessionLimit, "session limit exceeded")
		case errors.Is(err, auth.ErrInvalidCredential):
			s.writeError(conn, msg.ID, CodeInvalidCredential, "invalid credential")
		default:
			atomic.AddUint64(&s.errorCount, 1)
			s.logger.Error("authentication backend failure",
				"client", conn.clientAddr, "error", err)
			s.writeError(conn, msg.ID, CodeInternalError, "internal error")
		}
		s.trail.Record(audit.CategoryAuth, "authentication_failed", outcome, audit.Entry{
			ClientAddr: conn.clientAddr,
		})
		return
	}

	conn.bindSession(session.SessionID)

	s.trail.Record(audit.CategoryAuth, "session_opened", "success", audit.Entry{
		ClientAddr: conn.clientAddr,
		SessionID:  session.SessionID,
		KeyID:      session.KeyID,
	})

	s.writeResult(conn, msg.ID, map[string]any{
		"authenticated": true,
		"session_id":    session.SessionID,
		"permissions":   session.Permissions,
		"expires_at":    session.ExpiresAt,
	})
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error) {
	var params toolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return nil, errDispatch{CodeInvalidRequest, "malformed tool call params"}
	}

	sessionID, _ := conn.authenticated()
	if !s.authenticator.CheckToolPermission(ctx, sessionID, params.Name) {
		return nil, errDispatch{CodeAuthRequired, "tool not permitted"}
	}

	return s.dispatcher.CallTool(ctx, params.Name, params.Arguments)
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleResourceRead(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error) {
	var params resourceReadParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return nil, errDispatch{CodeInvalidRequest, "malformed resource read params"}
	}
	return s.dispatcher.ReadResource(ctx, params.URI)
}

type promptGetParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handlePromptGet(ctx context.Context, conn *Connection, msg *protocol.Message) (any, error) {
	var params promptGetParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return nil, errDispatch{CodeInvalidRequest, "malformed prompt get params"}
	}
	return s.dispatcher.GetPrompt(ctx, params.Name, params.Arguments)
}

// errDispatch carries a client-visible code and message out of a handler.
type errDispatch struct {
	code    int
	message string
}

func (e errDispatch) Error() string {
	return e.message
}

func (s *Server) writeResult(conn *Connection, id json.RawMessage, result any) {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		atomic.AddUint64(&s.errorCount, 1)
		s.logger.Error("failed to build response", "client", conn.clientAddr, "error", err)
		s.writeError(conn, id, CodeInternalError, "internal error")
		return
	}
	if err := conn.write(resp); err != nil {
		atomic.AddUint64(&s.errorCount, 1)
		s.logger.Debug("write failed", "client", conn.clientAddr, "error", err)
		return
	}
	atomic.AddUint64(&s.responsesSent, 1)
}

func (s *Server) writeError(conn *Connection, id json.RawMessage, code int, message string) {
	resp := protocol.NewErrorResponse(id, code, message, nil)
	if err := conn.write(resp); err != nil {
		s.logger.Debug("error write failed", "client", conn.clientAddr, "error", err)
		return
	}
	atomic.AddUint64(&s.responsesSent, 1)
}

func (s *Server) registerConn(conn *Connection) {
	s.connMu.Lock()
	s.conns[conn.clientAddr] = conn
	s.connMu.Unlock()
	s.registry.AddConnection(conn.clientAddr)
}

func (s *Server) unregisterConn(conn *Connection) {
	s.connMu.Lock()
	delete(s.conns, conn.clientAddr)
	s.connMu.Unlock()
	s.registry.RemoveConnection(conn.clientAddr)
}

func (s *Server) housekeepingLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.closeIdleConnections()
			if removed := s.registry.CleanupExpiredKeys(); removed > 0 {
				s.logger.Debug("expired keys cleaned", "count", removed)
			}
			if removed := s.monitor.CleanupExpiredData(); removed > 0 {
				s.logger.Debug("abuse records cleaned", "count", removed)
			}
		}
	}
}

func (s *Server) closeIdleConnections() {
	cutoff := time.Now().Add(-s.config.ConnectionTimeout)

	s.connMu.Lock()
	var idle []*Connection
	for _, conn := range s.conns {
		if conn.idleSince().Before(cutoff) {
			idle = append(idle, conn)
		}
	}
	s.connMu.Unlock()

	for _, conn := range idle {
		s.logger.Info("closing idle connection", "client", conn.clientAddr)
		conn.conn.Close()
	}
}

// Status reports server metrics merged with application statistics.
func (s *Server) Status(ctx context.Context) map[string]any {
	m := s.Metrics()
	status := map[string]any{
		"active_connections": int(atomic.LoadInt32(&s.connCount)),
		"connections_total":  m.ConnectionsTotal,
		"connections_denied": m.ConnectionsDenied,
		"messages_received":  m.MessagesReceived,
		"messages_rejected":  m.MessagesRejected,
		"responses_sent":     m.ResponsesSent,
		"errors":             m.Errors,
		"blocked_clients":    s.monitor.BlockedCount(),
	}

	if s.stats != nil {
		if appStats, err := s.stats.Stats(ctx); err == nil {
			for k, v := range appStats {
				status["app_"+k] = v
			}
		}
	}

	return status
}

// Metrics returns the server counters.
func (s *Server) Metrics() Metrics {
	return Metrics{
		ConnectionsTotal:  atomic.LoadUint64(&s.connectionsTotal),
		ConnectionsDenied: atomic.LoadUint64(&s.connectionsDenied),
		MessagesReceived:  atomic.LoadUint64(&s.messagesReceived),
		MessagesRejected:  atomic.LoadUint64(&s.messagesRejected),
		ResponsesSent:     atomic.LoadUint64(&s.responsesSent),
		Errors:            atomic.LoadUint64(&s.errorCount),
	}
}

// ActiveConnections returns the number of live connections.
func (s *Server) ActiveConnections() int {
	return int(atomic.LoadInt32(&s.connCount))
}

// Stop shuts the server down gracefully: the listener closes first, then
// all open connections; in-flight handlers finish before Stop returns.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}

		s.connMu.Lock()
		for _, conn := range s.conns {
			conn.conn.Close()
		}
		s.connMu.Unlock()

		s.wg.Wait()

		m := s.Metrics()
		s.logger.Info("protocol server stopped",
			"connections_total", m.ConnectionsTotal,
			"messages_received", m.MessagesReceived,
			"responses_sent", m.ResponsesSent,
			"errors", m.Errors,
		)
	})
}

func remoteIP(conn net.Conn) string {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return conn.RemoteAddr().String()
}
