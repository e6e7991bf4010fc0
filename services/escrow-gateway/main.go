package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gatewayauth "dealvault/gateway/auth"
	"dealvault/gateway/middleware"
	"dealvault/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logging.Setup(logging.Options{Service: "escrow-gateway", Env: os.Getenv("DEALVAULT_ENV")})

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	var persistence gatewayauth.NoncePersistence
	if cfg.NonceDBPath != "" {
		nonceDB, err := gatewayauth.NewLevelDBNoncePersistence(cfg.NonceDBPath)
		if err != nil {
			log.Fatalf("open nonce store: %v", err)
		}
		defer nonceDB.Close()
		persistence = nonceDB
	}

	auth := NewAuthenticator(cfg.APIKeys, cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil, persistence)
	if persistence != nil {
		if err := auth.HydrateNonces(context.Background(), time.Now().Add(-cfg.NonceTTL)); err != nil {
			log.Printf("hydrate nonces: %v", err)
		}
	}

	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"gateway": {RatePerSecond: cfg.RequestsPerMinute / 60.0, Burst: cfg.RequestBurst},
	}, nil)
	server := NewServer(auth, node, store, limiter)

	watcherCtx, stopWatcher := context.WithCancel(context.Background())
	defer stopWatcher()
	watcher := NewEventWatcher(cfg.NodeWSURL, node, store)
	go watcher.Run(watcherCtx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}

	go func() {
		log.Printf("escrow gateway listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down escrow gateway")
	stopWatcher()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}
