package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/trustcore/pkg/aid"
	"github.com/agentmesh/trustcore/pkg/canon"
	"github.com/agentmesh/trustcore/pkg/directory"
	"github.com/agentmesh/trustcore/pkg/eventcore"
)

// LinkState is the state machine of one client connection to one
// endpoint: IDLE -> CONNECTING -> OPEN -> CLOSING -> CLOSED, with CLOSED
// able to transition back to CONNECTING under auto-reconnect.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkConnecting
	LinkOpen
	LinkClosing
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkConnecting:
		return "connecting"
	case LinkOpen:
		return "open"
	case LinkClosing:
		return "closing"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTransportClosed is returned by Request and Subscribe once the client
// has been closed. Requests already pending when their link or the whole
// client closes fail instead with an *Error whose message starts with
// "transport error:".
var ErrTransportClosed = errors.New("rpc: transport closed")

// ErrDiscoveryFailed is returned by Request when `to` cannot be resolved
// to an endpoint via the configured directory.
var ErrDiscoveryFailed = errors.New("rpc: discovery failed")

// ClientOptions configures a Client.
type ClientOptions struct {
	Directory             directory.DirectoryProvider
	AutoReconnect         bool
	MaxReconnectAttempts  int           // default 5
	InitialBackoff        time.Duration // default 1s
	MaxBackoff            time.Duration // default 30s
	DefaultRequestTimeout time.Duration // default 30s
	Logger                *slog.Logger
	Dialer                *websocket.Dialer
}

func (o *ClientOptions) setDefaults() {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.InitialBackoff == 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DefaultRequestTimeout == 0 {
		o.DefaultRequestTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Directory != nil {
		if _, bounded := o.Directory.(*directory.BoundedProvider); !bounded {
			o.Directory = directory.NewBoundedProvider(o.Directory, 0)
		}
	}
}

type pendingRequest struct {
	resultCh chan *Response
	timer    *time.Timer
	link     *link
}

// Client is a duplex JSON-RPC client: it resolves a destination (a direct
// rpc://, ws:// or wss:// URL, an AID, or a capability name) to an endpoint, opens or
// reuses one link per endpoint, signs outgoing requests under its
// identity, and correlates responses by request ID.
type Client struct {
	identity *aid.KeyPair
	opts     ClientOptions

	mu      sync.Mutex
	links   map[string]*link
	pending map[string]*pendingRequest
	counter uint64
	closed  bool

	listenersMu sync.Mutex
	listeners   map[string][]func(url string)

	notifyMu sync.Mutex
	notify   func(method string, params json.RawMessage)
}

type link struct {
	url    string
	client *Client

	connMu sync.Mutex
	conn   *websocket.Conn
	state  LinkState

	intentionalClose bool
	subscriptions    []json.RawMessage
}

// NewClient constructs a Client signing outgoing requests under identity.
func NewClient(identity *aid.KeyPair, opts ClientOptions) *Client {
	opts.setDefaults()
	return &Client{
		identity:  identity,
		opts:      opts,
		links:     make(map[string]*link),
		pending:   make(map[string]*pendingRequest),
		listeners: make(map[string][]func(url string)),
	}
}

// On registers cb to be called when a link transitions to event (one of
// "connected", "disconnected", "reconnecting"), with the endpoint URL.
func (c *Client) On(event string, cb func(url string)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[event] = append(c.listeners[event], cb)
}

// OnNotification registers the callback invoked for every server-initiated
// notification (a frame with a non-empty method) received on any link.
// Only one callback is kept; registering again replaces it.
func (c *Client) OnNotification(cb func(method string, params json.RawMessage)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notify = cb
}

func (c *Client) fireEvent(event, url string) {
	c.listenersMu.Lock()
	cbs := append([]func(url string){}, c.listeners[event]...)
	c.listenersMu.Unlock()
	for _, cb := range cbs {
		cb(url)
	}
}

// resolve maps `to` to an endpoint URL: a literal rpc://, ws:// or wss://
// URL is used as-is; an AID is looked up in the directory; anything else
// is treated as a capability name and the first discovered agent's
// endpoint is used.
func (c *Client) resolve(to string) (string, error) {
	if strings.HasPrefix(to, "rpc://") || strings.HasPrefix(to, "ws://") || strings.HasPrefix(to, "wss://") {
		return to, nil
	}
	if c.opts.Directory == nil {
		return "", ErrDiscoveryFailed
	}
	if aid.IsValidAID(to) {
		meta, ok, err := c.opts.Directory.Lookup(to)
		if err != nil || !ok || meta.Endpoints.RPC == "" {
			return "", ErrDiscoveryFailed
		}
		return meta.Endpoints.RPC, nil
	}
	candidates, err := c.opts.Directory.Discover(to)
	if err != nil || len(candidates) == 0 {
		return "", ErrDiscoveryFailed
	}
	meta, ok, err := c.opts.Directory.Lookup(candidates[0])
	if err != nil || !ok || meta.Endpoints.RPC == "" {
		return "", ErrDiscoveryFailed
	}
	return meta.Endpoints.RPC, nil
}

func (c *Client) getOrOpenLink(url string) (*link, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	l, ok := c.links[url]
	if !ok {
		l = &link{url: url, client: c, state: LinkIdle}
		c.links[url] = l
	}
	c.mu.Unlock()

	if err := l.ensureOpen(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *link) ensureOpen() error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.state == LinkOpen && l.conn != nil {
		return nil
	}
	l.state = LinkConnecting
	conn, _, err := l.client.opts.Dialer.Dial(l.url, nil)
	if err != nil {
		l.state = LinkIdle
		return fmt.Errorf("rpc: dial %s: %w", l.url, err)
	}
	l.conn = conn
	l.state = LinkOpen
	go l.readLoop()
	l.client.fireEvent("connected", l.url)
	return nil
}

func (l *link) readLoop() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.handleClose()
			return
		}
		var probe struct {
			Method string          `json:"method"`
			ID     json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		if probe.Method != "" {
			l.client.deliverNotification(probe.Method, data)
			continue
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		var id string
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			continue
		}
		l.client.resolvePending(id, &resp)
	}
}

func (c *Client) deliverNotification(method string, data []byte) {
	c.notifyMu.Lock()
	cb := c.notify
	c.notifyMu.Unlock()
	if cb == nil {
		return
	}
	var frame Request
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	cb(method, frame.Params)
}

func (c *Client) resolvePending(id string, resp *Response) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.resultCh <- resp
}

func (l *link) handleClose() {
	l.connMu.Lock()
	wasIntentional := l.intentionalClose
	l.state = LinkClosed
	l.conn = nil
	l.connMu.Unlock()

	l.client.failPendingForLink(l)
	if wasIntentional {
		return
	}
	l.client.fireEvent("disconnected", l.url)
	if l.client.opts.AutoReconnect {
		go l.reconnectLoop()
	}
}

func (l *link) reconnectLoop() {
	backoff := l.client.opts.InitialBackoff
	for attempt := 1; attempt <= l.client.opts.MaxReconnectAttempts; attempt++ {
		l.client.fireEvent("reconnecting", l.url)
		time.Sleep(backoff)

		l.connMu.Lock()
		closedIntentionally := l.intentionalClose
		l.connMu.Unlock()
		if closedIntentionally {
			return
		}

		if err := l.ensureOpen(); err == nil {
			l.resendSubscriptions()
			return
		}
		backoff *= 2
		if backoff > l.client.opts.MaxBackoff {
			backoff = l.client.opts.MaxBackoff
		}
	}
}

func (c *Client) failPendingForLink(l *link) {
	c.mu.Lock()
	var toFail []*pendingRequest
	for id, p := range c.pending {
		if p.link == l {
			toFail = append(toFail, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, p := range toFail {
		p.timer.Stop()
		p.resultCh <- &Response{Error: errTransportClosed("link closed")}
	}
}

// Request sends a signed RPC request to `to` (an rpc://, ws:// or wss:// URL, an AID, or a
// capability name) and waits for the matching response or the given
// timeout. A zero timeout uses the client's DefaultRequestTimeout.
func (c *Client) Request(to, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = c.opts.DefaultRequestTimeout
	}
	endpoint, err := c.resolve(to)
	if err != nil {
		return nil, ErrDiscoveryFailed
	}
	l, err := c.getOrOpenLink(endpoint)
	if err != nil {
		return nil, err
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.counter++
	id := fmt.Sprintf("req-%d-%d", c.counter, time.Now().UnixMilli())
	c.mu.Unlock()

	sig, err := c.sign(method, paramsRaw)
	if err != nil {
		return nil, err
	}
	from, err := c.identity.AID()
	if err != nil {
		return nil, err
	}

	req := Request{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(`"` + id + `"`),
		Method:  method,
		Params:  paramsRaw,
		Auth:    &Auth{From: from, Signature: sig},
	}

	resultCh := make(chan *Response, 1)
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		_, stillPending := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if stillPending {
			resultCh <- &Response{Error: errTimeout()}
		}
	})
	c.mu.Lock()
	c.pending[id] = &pendingRequest{resultCh: resultCh, timer: timer, link: l}
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	l.connMu.Lock()
	writeErr := l.conn.WriteMessage(websocket.TextMessage, data)
	l.connMu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		timer.Stop()
		return nil, fmt.Errorf("rpc: write request: %w", writeErr)
	}

	resp := <-resultCh
	if resp.Error != nil {
		return nil, resp.Error
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// subscribeFrame is the wire shape of the event-stream subscribe frame:
// distinct from a Request (no jsonrpc/method/id), identified by Type.
type subscribeFrame struct {
	Type   string           `json:"type"`
	Filter eventcore.Filter `json:"filter"`
}

// Subscribe amends this client's server-side event filter on the link to
// `to`, opening the link if needed. The frame is also retained on the
// link so auto-reconnect re-sends it once the link reopens, matching the
// "any configured subscriptions are re-sent" reconnect clause.
func (c *Client) Subscribe(to string, filter eventcore.Filter) error {
	endpoint, err := c.resolve(to)
	if err != nil {
		return ErrDiscoveryFailed
	}
	l, err := c.getOrOpenLink(endpoint)
	if err != nil {
		return err
	}
	data, err := json.Marshal(subscribeFrame{Type: "subscribe", Filter: filter})
	if err != nil {
		return err
	}

	l.connMu.Lock()
	l.subscriptions = append(l.subscriptions, data)
	writeErr := l.conn.WriteMessage(websocket.TextMessage, data)
	l.connMu.Unlock()
	return writeErr
}

// resendSubscriptions replays every subscribe frame sent on this link so
// far, in the order they were issued, after a reconnect.
func (l *link) resendSubscriptions() {
	l.connMu.Lock()
	subs := append([]json.RawMessage{}, l.subscriptions...)
	conn := l.conn
	l.connMu.Unlock()
	if conn == nil {
		return
	}
	for _, data := range subs {
		l.connMu.Lock()
		_ = l.conn.WriteMessage(websocket.TextMessage, data)
		l.connMu.Unlock()
	}
}

func (c *Client) sign(method string, params json.RawMessage) (string, error) {
	payload, err := canon.MarshalMap(signedPayloadFields(method, params))
	if err != nil {
		return "", err
	}
	return aid.SignatureHex(c.identity.Sign(payload)), nil
}

// Close marks the client intentionally closed: it clears all pending
// request timers, rejects every pending request with a "transport error:
// client closed" *Error, and closes every link. Subsequent calls to
// Request fail with ErrTransportClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.resultCh <- &Response{Error: errTransportClosed("client closed")}
	}
	for _, l := range links {
		l.connMu.Lock()
		l.intentionalClose = true
		l.state = LinkClosing
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.connMu.Unlock()
	}
}
