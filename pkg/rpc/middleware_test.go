package rpc

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/trustcore/pkg/aid"
)

func TestRateLimitMiddlewareRejectsThirdRequest(t *testing.T) {
	opts := DefaultServerOptions()
	srv := NewServer(opts)
	srv.Use(RateLimitMiddleware(RateLimitOptions{MaxRequests: 2, WindowMillis: 10_000, IdleEvict: time.Minute}))
	srv.Handle("ping", func(ctx *Context, params json.RawMessage) (any, *Error) {
		return "pong", nil
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	kp, _ := aid.Generate()
	client := NewClient(kp, ClientOptions{})
	defer client.Close()

	for i := 0; i < 2; i++ {
		if _, err := client.Request(url, "ping", nil, 2*time.Second); err != nil {
			t.Fatalf("request %d unexpectedly failed: %v", i, err)
		}
	}

	_, err := client.Request(url, "ping", nil, 2*time.Second)
	if err == nil {
		t.Fatal("expected the third request within the window to be rate limited")
	}
	rpcErr, ok := err.(*Error)
	if !ok || rpcErr.Code != CodeRateLimited {
		t.Fatalf("expected CodeRateLimited, got %v", err)
	}
}

func TestRateLimitMiddlewareScopesByFrom(t *testing.T) {
	opts := DefaultServerOptions()
	srv := NewServer(opts)
	srv.Use(RateLimitMiddleware(RateLimitOptions{MaxRequests: 1, WindowMillis: 10_000, IdleEvict: time.Minute}))
	srv.Handle("ping", func(ctx *Context, params json.RawMessage) (any, *Error) {
		return "pong", nil
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	kp1, _ := aid.Generate()
	kp2, _ := aid.Generate()
	c1 := NewClient(kp1, ClientOptions{})
	c2 := NewClient(kp2, ClientOptions{})
	defer c1.Close()
	defer c2.Close()

	if _, err := c1.Request(url, "ping", nil, 2*time.Second); err != nil {
		t.Fatalf("c1 request failed: %v", err)
	}
	if _, err := c2.Request(url, "ping", nil, 2*time.Second); err != nil {
		t.Fatalf("distinct caller should not share c1's bucket: %v", err)
	}
}

func TestLoggingMiddlewarePassesThroughResult(t *testing.T) {
	opts := DefaultServerOptions()
	srv := NewServer(opts)
	srv.Use(LoggingMiddleware(nil))
	srv.Handle("ping", func(ctx *Context, params json.RawMessage) (any, *Error) {
		return "pong", nil
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	kp, _ := aid.Generate()
	client := NewClient(kp, ClientOptions{})
	defer client.Close()

	result, err := client.Request(url, "ping", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil || s != "pong" {
		t.Fatalf("expected pong, got %s (err %v)", result, err)
	}
}
