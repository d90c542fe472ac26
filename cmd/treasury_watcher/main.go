package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"treasury_watcher/internal/agent"
	"treasury_watcher/internal/backend"
	"treasury_watcher/internal/config"
	"treasury_watcher/internal/docs"
	"treasury_watcher/internal/httpapi"
	"treasury_watcher/internal/logger"
	"treasury_watcher/internal/store"
)

const LogFile = "watcher.log"
const VersionFile = "version.latest"

func main() {
	// Load configuration first to get logger settings
	cfg := config.Load()
	cfg.Version = readVersion()

	logger.Setup(LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		log.Fatalf("CRITICAL: open store: %v", err)
	}
	defer st.Close()

	provider := docs.NewREST(cfg.ProviderURL, cfg.ProviderToken)

	// Back-ends are wired per configuration; a missing back-end disables
	// the command kinds that need it rather than failing startup.
	be := agent.Backends{
		Verifier: backend.NewPersonalSignVerifier(),
	}
	if cfg.YellowEnabled {
		be.StateChannel = backend.NewYellowClient(cfg.YellowEndpoint)
		log.Printf("State channel enabled via %s", cfg.YellowEndpoint)
	} else {
		log.Println("State channel disabled; approvals finalize locally")
	}
	if cfg.PolicyResolverURL != "" {
		be.Resolver = backend.NewCachedResolver(backend.NewRESTResolver(cfg.PolicyResolverURL), 5*time.Minute, nil)
		log.Printf("Policy resolver enabled via %s", cfg.PolicyResolverURL)
	} else {
		log.Println("No policy resolver configured; ENS-named policies will not resolve")
	}
	if be.OrderBook == nil {
		log.Println("No order book back-end wired; trading kinds will fail until one is configured")
	}

	a := agent.New(cfg, st, provider, be)
	api := httpapi.New(cfg, st, a, be.Verifier, be.StateChannel)

	// Graceful shutdown on SIGINT/SIGTERM
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Println("Shutting down: system signal received")
		cancel()
	}()

	go func() {
		if err := api.Run(ctx); err != nil {
			log.Printf("HTTP server stopped: %v", err)
			cancel()
		}
	}()

	log.Printf("Treasury Watcher %s initialized", cfg.Version)
	log.Printf("Sync interval: %ds, executor interval: %ds", cfg.PollIntervalSec, cfg.ExecutorIntervalSec)

	a.RunLoops(ctx)
	log.Println("All loops stopped. Bye")
}

// readVersion reads the deployed version marker written by the release
// script. Falls back to "dev" when absent.
func readVersion() string {
	data, err := os.ReadFile(VersionFile)
	if err != nil {
		return "dev"
	}
	return strings.TrimSpace(string(data))
}
