package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/trustcore/pkg/aid"
	"github.com/agentmesh/trustcore/pkg/eventcore"
)

func mustServerKeyPair(t *testing.T) *aid.KeyPair {
	t.Helper()
	kp, err := aid.Generate()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return kp
}

func newTestServer(t *testing.T, opts ServerOptions) (*Server, string) {
	t.Helper()
	srv := NewServer(opts)
	srv.Handle("echo", func(ctx *Context, params json.RawMessage) (any, *Error) {
		var m map[string]any
		_ = json.Unmarshal(params, &m)
		return m, nil
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	return srv, url
}

func TestEchoRoundTrip(t *testing.T) {
	opts := DefaultServerOptions()
	_, url := newTestServer(t, opts)

	kp := mustServerKeyPair(t)
	client := NewClient(kp, ClientOptions{})
	defer client.Close()

	result, err := client.Request(url, "echo", map[string]any{"hello": "world"}, 2*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(result, &m); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if m["hello"] != "world" {
		t.Fatalf("expected echoed params, got %+v", m)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	opts := DefaultServerOptions()
	_, url := newTestServer(t, opts)

	kp := mustServerKeyPair(t)
	client := NewClient(kp, ClientOptions{})
	defer client.Close()

	_, err := client.Request(url, "does-not-exist", nil, 2*time.Second)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Fatalf("expected %d, got %d", CodeMethodNotFound, rpcErr.Code)
	}
}

func TestUnsignedRequestFailsAuthWhenRequired(t *testing.T) {
	opts := DefaultServerOptions()
	srv, url := newTestServer(t, opts)
	_ = srv

	kp := mustServerKeyPair(t)
	client := NewClient(kp, ClientOptions{})
	defer client.Close()

	// Forge a request by hand with no signature to confirm the server
	// rejects it, bypassing the client's always-signing Request path.
	link, err := client.getOrOpenLink(url)
	if err != nil {
		t.Fatalf("open link: %v", err)
	}
	req := Request{JSONRPC: jsonrpcVersion, ID: []byte(`"1"`), Method: "echo"}
	data, _ := json.Marshal(req)

	resultCh := make(chan *Response, 1)
	client.mu.Lock()
	client.pending["1"] = &pendingRequest{resultCh: resultCh, timer: time.AfterFunc(2*time.Second, func() {}), link: link}
	client.mu.Unlock()

	link.connMu.Lock()
	writeErr := link.conn.WriteMessage(websocket.TextMessage, data)
	link.connMu.Unlock()
	if writeErr != nil {
		t.Fatalf("write: %v", writeErr)
	}

	resp := <-resultCh
	if resp.Error == nil || resp.Error.Code != CodeAuthFailed {
		t.Fatalf("expected auth failed, got %+v", resp)
	}
}

func TestNotifyDeliversToAuthenticatedPeer(t *testing.T) {
	opts := DefaultServerOptions()
	srv, url := newTestServer(t, opts)

	kp := mustServerKeyPair(t)
	client := NewClient(kp, ClientOptions{})
	defer client.Close()

	received := make(chan string, 1)
	client.OnNotification(func(method string, params json.RawMessage) {
		received <- method
	})

	if _, err := client.Request(url, "echo", map[string]any{}, 2*time.Second); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	did, err := kp.AID()
	if err != nil {
		t.Fatalf("aid: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var ok bool
	for time.Now().Before(deadline) {
		if srv.Notify(did, "ping", map[string]any{}) {
			ok = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ok {
		t.Fatal("expected notify to find the connected peer")
	}

	select {
	case method := <-received:
		if method != "ping" {
			t.Fatalf("expected ping, got %s", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestBroadcastReturnsSentCount(t *testing.T) {
	opts := DefaultServerOptions()
	srv, url := newTestServer(t, opts)

	kp1 := mustServerKeyPair(t)
	kp2 := mustServerKeyPair(t)
	c1 := NewClient(kp1, ClientOptions{})
	c2 := NewClient(kp2, ClientOptions{})
	defer c1.Close()
	defer c2.Close()

	if _, err := c1.Request(url, "echo", map[string]any{}, 2*time.Second); err != nil {
		t.Fatalf("request 1 failed: %v", err)
	}
	if _, err := c2.Request(url, "echo", map[string]any{}, 2*time.Second); err != nil {
		t.Fatalf("request 2 failed: %v", err)
	}

	if n := srv.Broadcast("tick", nil); n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}
}

func TestMiddlewareNextCalledTwicePanics(t *testing.T) {
	opts := DefaultServerOptions()
	srv := NewServer(opts)
	srv.Handle("noop", func(ctx *Context, params json.RawMessage) (any, *Error) {
		return "ok", nil
	})
	srv.Use(func(ctx *Context, next NextFunc) (any, *Error) {
		_, _ = next()
		return next()
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	kp := mustServerKeyPair(t)
	client := NewClient(kp, ClientOptions{})
	defer client.Close()

	_, err := client.Request(url, "noop", nil, 2*time.Second)
	if err == nil {
		t.Fatal("expected the double next() call to surface as an internal error")
	}
	rpcErr, ok := err.(*Error)
	if !ok || rpcErr.Code != CodeInternalError {
		t.Fatalf("expected internal error from recovered panic, got %v", err)
	}
}

func TestMaxConnectionsRejectsBeyondLimit(t *testing.T) {
	opts := DefaultServerOptions()
	opts.MaxConnections = 1
	srv, url := newTestServer(t, opts)

	kp1 := mustServerKeyPair(t)
	c1 := NewClient(kp1, ClientOptions{})
	defer c1.Close()
	if _, err := c1.Request(url, "echo", map[string]any{}, 2*time.Second); err != nil {
		t.Fatalf("first connection should succeed: %v", err)
	}

	if n := srv.ConnectionCount(); n != 1 {
		t.Fatalf("expected 1 live connection, got %d", n)
	}

	kp2 := mustServerKeyPair(t)
	c2 := NewClient(kp2, ClientOptions{})
	defer c2.Close()
	if _, err := c2.Request(url, "echo", map[string]any{}, 2*time.Second); err == nil {
		t.Fatal("expected the second connection to be rejected by MaxConnections")
	}
}

func TestSubscribeDeliversFullBufferThenMatchingEvents(t *testing.T) {
	events, err := eventcore.NewCore(16, slog.Default())
	if err != nil {
		t.Fatalf("new event core: %v", err)
	}
	events.Emit("agent.bootstrapped", map[string]string{"note": "before-subscribe"}, "")

	opts := DefaultServerOptions()
	opts.Events = events
	_, url := newTestServer(t, opts)

	kp := mustServerKeyPair(t)
	client := NewClient(kp, ClientOptions{})
	defer client.Close()

	received := make(chan string, 8)
	client.OnNotification(func(method string, params json.RawMessage) {
		if method != "event" {
			return
		}
		var e eventcore.Event
		if err := json.Unmarshal(params, &e); err == nil {
			received <- e.Type
		}
	})

	if err := client.Subscribe(url, eventcore.Filter{Types: []string{"agent.bootstrapped", "peer.connected"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	waitForEvent(t, received, "agent.bootstrapped")

	events.Emit("peer.connected", map[string]string{"aid": "did:key:zTEST"}, "")
	waitForEvent(t, received, "peer.connected")

	events.Emit("peer.disconnected", map[string]string{"aid": "did:key:zTEST"}, "")
	select {
	case method := <-received:
		t.Fatalf("expected no delivery for a filtered-out type, got %q", method)
	case <-time.After(200 * time.Millisecond):
	}
}

func waitForEvent(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected event %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %q", want)
	}
}
