package rpc

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/trustcore/pkg/aid"
	"github.com/agentmesh/trustcore/pkg/canon"
	"github.com/agentmesh/trustcore/pkg/eventcore"
)

// Context is the per-request state threaded through the middleware chain
// and into the dispatched handler.
type Context struct {
	Request    *Request
	From       string // authenticated AID; empty when unauthenticated
	ReceivedAt time.Time
	Metadata   map[string]any
}

// HandlerFunc handles one dispatched method call.
type HandlerFunc func(ctx *Context, params json.RawMessage) (any, *Error)

// NextFunc continues the middleware chain; calling it more than once
// panics, matching the distilled spec's "next() invoked twice MUST fail
// the chain" rule as a programmer error rather than a silent no-op.
type NextFunc func() (any, *Error)

// Middleware wraps request dispatch. It may return a response directly
// (short-circuiting the chain) or call next to continue it.
type Middleware func(ctx *Context, next NextFunc) (any, *Error)

// ServerOptions configures a Server.
type ServerOptions struct {
	RequireAuth         bool // true in DefaultServerOptions; false in the zero value
	SignedPayloadPolicy SignedPayloadPolicy
	HeartbeatInterval   time.Duration // 0 disables heartbeat
	MaxConnections      int           // 0 means unbounded
	Logger              *slog.Logger
	Metrics             *Metrics // optional Prometheus counters
	// Events, if set, lets connections subscribe to the event stream over
	// this same RPC link via a `{type:"subscribe", filter}` frame; matching
	// events are forwarded as "event" notification frames.
	Events         *eventcore.Core
	OnConnected    func(did string)
	OnDisconnected func(did string)
}

// Server is a WebSocket-based JSON-RPC server: connection lifecycle,
// signature-verified authentication, an ordered middleware chain, a
// method handler table, notifications, broadcast, and heartbeats.
type Server struct {
	opts       ServerOptions
	events     *eventcore.Core
	upgrader   websocket.Upgrader
	handlers   map[string]HandlerFunc
	middleware []Middleware

	mu     sync.RWMutex
	conns  map[*serverConn]struct{}
	byAID  map[string]*serverConn
	closed bool
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	aid     string // empty until authenticated
	alive   atomic.Bool

	subMu      sync.Mutex
	subscribed bool
	filter     eventcore.Filter
}

// NewServer constructs a Server. RequireAuth is taken from opts as given,
// so a zero-value ServerOptions leaves authentication off; callers that
// want authentication required by default should start from
// DefaultServerOptions().
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		events:   opts.Events,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*serverConn]struct{}),
		byAID:    make(map[string]*serverConn),
	}
	if s.events != nil {
		s.events.RelayTo(s.fanOutEvent)
	}
	return s
}

// DefaultServerOptions returns ServerOptions with RequireAuth enabled and
// the client-matching PayloadOnly signature policy, the defaults named in
// the distilled spec ("requireAuth (default)").
func DefaultServerOptions() ServerOptions {
	return ServerOptions{RequireAuth: true, SignedPayloadPolicy: PayloadOnly}
}

// Handle registers handler for method, replacing any existing handler.
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Use appends mw to the ordered middleware chain.
func (s *Server) Use(mw Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, mw)
}

// ServeHTTP upgrades the connection to WebSocket and serves JSON-RPC
// frames over it until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.opts.MaxConnections > 0 && len(s.conns) >= s.opts.MaxConnections {
		s.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Error("rpc: websocket upgrade failed", "error", err)
		return
	}
	conn := &serverConn{ws: ws}
	conn.alive.Store(true)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	if s.opts.HeartbeatInterval > 0 {
		go s.heartbeatLoop(conn)
	}
	s.serveConn(conn)
}

func (s *Server) serveConn(conn *serverConn) {
	defer s.dropConn(conn)
	conn.ws.SetPongHandler(func(string) error {
		conn.alive.Store(true)
		return nil
	})
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		conn.alive.Store(true)
		s.handleFrame(conn, data)
	}
}

func (s *Server) dropConn(conn *serverConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	if conn.aid != "" {
		delete(s.byAID, conn.aid)
	}
	did := conn.aid
	s.mu.Unlock()
	_ = conn.ws.Close()
	if did != "" && s.opts.OnDisconnected != nil {
		s.opts.OnDisconnected(did)
	}
}

func (s *Server) heartbeatLoop(conn *serverConn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.RLock()
		_, live := s.conns[conn]
		s.mu.RUnlock()
		if !live {
			return
		}
		if !conn.alive.Load() {
			_ = conn.ws.Close()
			return
		}
		conn.alive.Store(false)
		conn.writeMu.Lock()
		err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		conn.writeMu.Unlock()
		if err != nil {
			_ = conn.ws.Close()
			return
		}
	}
}

func (s *Server) handleFrame(conn *serverConn, data []byte) {
	var typeProbe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &typeProbe); err != nil {
		s.writeResponse(conn, rawID(-1), errParseError())
		return
	}
	if typeProbe.Type == "subscribe" {
		s.handleSubscribe(conn, data)
		return
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(conn, rawID(-1), errParseError())
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" || len(req.ID) == 0 {
		s.writeResponse(conn, req.ID, errInvalidRequest())
		return
	}

	from := ""
	if s.requireAuth() {
		verifiedFrom, ok := s.verifyAuth(&req)
		if !ok {
			if s.opts.Metrics != nil {
				s.opts.Metrics.authFailures.Inc()
			}
			s.writeResponse(conn, req.ID, errAuthFailed())
			return
		}
		from = verifiedFrom
		s.attachAID(conn, from)
	}

	ctx := &Context{Request: &req, From: from, ReceivedAt: time.Now(), Metadata: make(map[string]any)}
	result, rpcErr := s.runChainSafely(ctx)
	s.writeResponse(conn, req.ID, result, rpcErr)
}

// runChainSafely recovers any panic escaping the middleware chain itself
// (e.g. a middleware violating the call-next-at-most-once rule) so one
// misbehaving middleware cannot take down the connection's read loop.
func (s *Server) runChainSafely(ctx *Context) (result any, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Error("rpc: middleware chain panicked", "method", ctx.Request.Method, "panic", r)
			rpcErr = newError(CodeInternalError, fmt.Sprintf("internal error: %v", r))
			result = nil
		}
	}()
	return s.runChain(ctx)
}

func (s *Server) requireAuth() bool {
	return s.opts.RequireAuth
}

func (s *Server) verifyAuth(req *Request) (string, bool) {
	if req.Auth == nil || req.Auth.From == "" || req.Auth.Signature == "" {
		return "", false
	}
	pub, err := aid.AIDToPublicKey(req.Auth.From)
	if err != nil {
		return "", false
	}
	sig, err := aid.DecodeSignatureHex(req.Auth.Signature)
	if err != nil {
		return "", false
	}
	var payload []byte
	switch s.opts.SignedPayloadPolicy {
	case FullRequest:
		payload, err = canon.MarshalMap(fullRequestSigningFields(req))
	default:
		payload, err = canon.MarshalMap(signedPayloadFields(req.Method, req.Params))
	}
	if err != nil {
		return "", false
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return "", false
	}
	return req.Auth.From, true
}

func fullRequestSigningFields(req *Request) map[string]any {
	fields := signedPayloadFields(req.Method, req.Params)
	var id any
	_ = json.Unmarshal(req.ID, &id)
	fields["id"] = id
	return fields
}

func (s *Server) attachAID(conn *serverConn, did string) {
	s.mu.Lock()
	firstTime := conn.aid == ""
	conn.aid = did
	s.byAID[did] = conn
	s.mu.Unlock()
	if firstTime && s.opts.OnConnected != nil {
		s.opts.OnConnected(did)
	}
}

// handleSubscribe processes a `{type:"subscribe", filter}` frame: it
// records the connection's filter and resends replay — the full buffer
// on this connection's first subscribe, otherwise only the entries
// matching the amended filter, per the distilled spec's subscribe-frame
// contract.
func (s *Server) handleSubscribe(conn *serverConn, data []byte) {
	if s.events == nil {
		return
	}
	var frame struct {
		Filter eventcore.Filter `json:"filter"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	conn.subMu.Lock()
	firstSubscribe := !conn.subscribed
	conn.subscribed = true
	conn.filter = frame.Filter
	conn.subMu.Unlock()

	replayFilter := frame.Filter
	if firstSubscribe {
		replayFilter = eventcore.Filter{}
	}
	for _, e := range s.events.GetReplay(replayFilter) {
		s.sendEvent(conn, e)
	}
}

// fanOutEvent is the sole listener the server attaches to the event
// core (via RelayTo); it forwards e as an "event" notification frame to
// every connection whose current filter matches, so adding or dropping
// event-stream subscribers never touches the event core itself.
func (s *Server) fanOutEvent(e eventcore.Event) {
	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		conn.subMu.Lock()
		subscribed := conn.subscribed
		filter := conn.filter
		conn.subMu.Unlock()
		if !subscribed || !filter.Matches(e) {
			continue
		}
		s.sendEvent(conn, e)
	}
}

// sendEvent writes e to conn as a notification frame with method "event"
// and the event itself as params, reusing the same wire shape as any
// other server-initiated notification (§6 "Event JSON as transmitted").
func (s *Server) sendEvent(conn *serverConn, e eventcore.Event) {
	paramsRaw, err := json.Marshal(e)
	if err != nil {
		return
	}
	req := Request{JSONRPC: jsonrpcVersion, Method: "event", Params: paramsRaw}
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	conn.writeMu.Lock()
	_ = conn.ws.WriteMessage(websocket.TextMessage, data)
	conn.writeMu.Unlock()
}

func (s *Server) runChain(ctx *Context) (any, *Error) {
	s.mu.RLock()
	chain := append([]Middleware{}, s.middleware...)
	s.mu.RUnlock()

	dispatch := func() (any, *Error) { return s.dispatch(ctx) }
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := dispatch
		dispatch = func() (any, *Error) {
			return runOnce(mw, ctx, next)
		}
	}
	return dispatch()
}

func runOnce(mw Middleware, ctx *Context, next NextFunc) (result any, rpcErr *Error) {
	calls := 0
	guarded := func() (any, *Error) {
		calls++
		if calls > 1 {
			panic("rpc: middleware called next() more than once")
		}
		return next()
	}
	return mw(ctx, guarded)
}

func (s *Server) dispatch(ctx *Context) (result any, rpcErr *Error) {
	s.mu.RLock()
	handler, ok := s.handlers[ctx.Request.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, errMethodNotFound()
	}
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Error("rpc: handler panicked", "method", ctx.Request.Method, "panic", r)
			rpcErr = newError(CodeInternalError, fmt.Sprintf("internal error: %v", r))
			result = nil
		}
	}()
	return handler(ctx, ctx.Request.Params)
}

func (s *Server) writeResponse(conn *serverConn, id json.RawMessage, args ...any) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: id}
	for _, a := range args {
		switch v := a.(type) {
		case *Error:
			if v != nil {
				resp.Error = v
			}
		default:
			resp.Result = v
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.writeMu.Lock()
	_ = conn.ws.WriteMessage(websocket.TextMessage, data)
	conn.writeMu.Unlock()
}

func rawID(n int) json.RawMessage {
	data, _ := json.Marshal(n)
	return data
}

// Notify sends a server-initiated notification to the one connection
// authenticated as did. It returns whether a recipient was found and
// currently writable.
func (s *Server) Notify(did, method string, params any) bool {
	s.mu.RLock()
	conn, ok := s.byAID[did]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.send(conn, method, params)
}

// Broadcast sends a notification to every connected peer and returns the
// count sent.
func (s *Server) Broadcast(method string, params any) int {
	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if s.send(c, method, params) {
			sent++
		}
	}
	return sent
}

func (s *Server) send(conn *serverConn, method string, params any) bool {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return false
	}
	req := Request{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  paramsRaw,
		ID:      json.RawMessage(fmt.Sprintf(`"notify-%d"`, time.Now().UnixMilli())),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return false
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	return conn.ws.WriteMessage(websocket.TextMessage, data) == nil
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
