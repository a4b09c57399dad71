package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmesh/trustcore/internal/platform/privacylog"
	"github.com/agentmesh/trustcore/pkg/aid"
	"github.com/agentmesh/trustcore/pkg/directory"
	"github.com/agentmesh/trustcore/pkg/eventcore"
	"github.com/agentmesh/trustcore/pkg/passport"
	"github.com/agentmesh/trustcore/pkg/rpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen-addr", "127.0.0.1:8787", "RPC listen address")
	seedPath := flag.String("directory-seed", "", "Path to a YAML directory seed file (optional)")
	mnemonic := flag.String("mnemonic", "", "Recovery phrase to re-derive this agent's identity (optional)")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "Heartbeat ping interval")
	rateLimitN := flag.Int("rate-limit-requests", 20, "Requests allowed per caller per rate-limit window")
	rateLimitWindow := flag.Duration("rate-limit-window", time.Minute, "Rate-limit window")
	maxConnections := flag.Int("max-connections", 128, "Maximum simultaneous RPC connections (0 = unbounded)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := loadIdentity(*mnemonic)
	if err != nil {
		log.Fatalf("agentd failed to initialize identity: %v", err)
	}
	did, err := identity.AID()
	if err != nil {
		log.Fatalf("agentd failed to derive AID: %v", err)
	}

	dir := directory.NewInMemoryProvider()
	if *seedPath != "" {
		n, err := directory.SeedProvider(dir, *seedPath)
		if err != nil {
			log.Fatalf("agentd failed to load directory seed: %v", err)
		}
		logger.Info("directory seeded", "entries", n)
	}

	events, err := eventcore.NewCore(1024, logger)
	if err != nil {
		log.Fatalf("agentd failed to initialize event core: %v", err)
	}

	self, err := passport.Create(identity, []string{"agent.ping"}, passport.CreateOptions{})
	if err != nil {
		log.Fatalf("agentd failed to issue self passport: %v", err)
	}

	srv := rpc.NewServer(rpc.ServerOptions{
		RequireAuth:         true,
		SignedPayloadPolicy: rpc.PayloadOnly,
		HeartbeatInterval:   *heartbeat,
		MaxConnections:      *maxConnections,
		Logger:              logger,
		Events:              events,
		OnConnected: func(peer string) {
			events.Emit("peer.connected", map[string]string{"aid": peer}, did)
		},
		OnDisconnected: func(peer string) {
			events.Emit("peer.disconnected", map[string]string{"aid": peer}, did)
		},
	})
	srv.Use(rpc.LoggingMiddleware(logger))
	srv.Use(rpc.RateLimitMiddleware(rpc.RateLimitOptions{
		MaxRequests:  *rateLimitN,
		WindowMillis: rateLimitWindow.Milliseconds(),
		IdleEvict:    10 * time.Minute,
	}))
	registerHandlers(srv, identity, self, dir, events)

	httpSrv := &http.Server{Addr: *listenAddr, Handler: srv}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("agentd starting", "addr", *listenAddr, "aid", did)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("agentd failed: %v", err)
	}
	logger.Info("agentd stopped")
}

func loadIdentity(mnemonic string) (*aid.KeyPair, error) {
	if mnemonic != "" {
		return aid.DeriveFromMnemonic(mnemonic)
	}
	return aid.Generate()
}

func registerHandlers(srv *rpc.Server, identity *aid.KeyPair, self *passport.Passport, dir directory.DirectoryProvider, events *eventcore.Core) {
	srv.Handle("agent.ping", func(ctx *rpc.Context, params json.RawMessage) (any, *rpc.Error) {
		return map[string]string{"status": "pong", "from": ctx.From}, nil
	})

	srv.Handle("agent.whoami", func(ctx *rpc.Context, params json.RawMessage) (any, *rpc.Error) {
		return self, nil
	})

	srv.Handle("directory.discover", func(ctx *rpc.Context, params json.RawMessage) (any, *rpc.Error) {
		var req struct {
			Capability string `json:"capability"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid params"}
		}
		found, err := dir.Discover(req.Capability)
		if err != nil {
			return nil, &rpc.Error{Code: rpc.CodeDiscoveryFailed, Message: err.Error()}
		}
		return map[string]any{"agents": found}, nil
	})

	srv.Handle("directory.lookup", func(ctx *rpc.Context, params json.RawMessage) (any, *rpc.Error) {
		var req struct {
			AID string `json:"aid"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid params"}
		}
		meta, ok, err := dir.Lookup(req.AID)
		if err != nil {
			return nil, &rpc.Error{Code: rpc.CodeDiscoveryFailed, Message: err.Error()}
		}
		if !ok {
			return nil, &rpc.Error{Code: rpc.CodeDiscoveryFailed, Message: "agent not found"}
		}
		return meta, nil
	})
}
