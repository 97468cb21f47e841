// Package main implements pixelgridd, the service that lets many
// concurrent users paint cells of a shared grid in near-real time,
// each user rate-limited by a cooldown window.
//
// One instance runs the whole placement pipeline:
//
//	┌──────────────────────────────────────────────┐
//	│                 pixelgridd                   │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                   │
//	│    POST /place-pixel   - admit a placement   │
//	│    GET  /canvas        - full snapshot       │
//	│    GET  /ws            - live viewer stream  │
//	│    GET  /internal/cooldown/{userId}          │
//	│    GET  /health        - liveness            │
//	├──────────────────────────────────────────────┤
//	│  Pipeline:                                   │
//	│    place.Placer     - dual-write coordinator │
//	│    cooldown.Gate    - admission decisions    │
//	│    converge.Worker  - log → canonical state  │
//	│    fanout.Hub       - log → live viewers     │
//	│    eventlog.Log     - durable lane           │
//	│    store.Store      - shared state           │
//	└──────────────────────────────────────────────┘
//
// The instance is stateless: canonical state lives in the shared store
// and the durable log. Scaling out means more instances against the
// same store and log; the consumer groups make sure each log partition
// converges exactly once at a time.
//
// Configuration (PIXELGRID_CONFIG points at an optional YAML file;
// environment overrides it):
//   - PIXELGRID_LISTEN: listen address (default ":8080")
//   - PIXELGRID_JWT_SECRET: identity-provider token secret (required)
//   - PIXELGRID_STORE: "memory" or "sqlite"
//   - PIXELGRID_GRID_SIZE, PIXELGRID_COOLDOWN, PIXELGRID_LOG_PARTITIONS
//
// Example usage:
//
//	PIXELGRID_JWT_SECRET=change-me \
//	PIXELGRID_STORE=sqlite \
//	./pixelgridd
//
//	curl -X POST localhost:8080/place-pixel \
//	  -H "Authorization: Bearer $TOKEN" \
//	  -d '{"x":10,"y":10,"color":"#ff0000"}'
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/pixelgrid/internal/auth"
	"github.com/dreamware/pixelgrid/internal/config"
	"github.com/dreamware/pixelgrid/internal/converge"
	"github.com/dreamware/pixelgrid/internal/cooldown"
	"github.com/dreamware/pixelgrid/internal/eventlog"
	"github.com/dreamware/pixelgrid/internal/fanout"
	"github.com/dreamware/pixelgrid/internal/place"
	"github.com/dreamware/pixelgrid/internal/store"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// openStore connects the configured shared-state backend.
func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == config.StoreSQLite {
		return store.NewSQLiteStore(cfg.SQLitePath)
	}
	return store.NewMemoryStore(), nil
}

func main() {
	cfg, err := config.Load(os.Getenv("PIXELGRID_CONFIG"))
	if err != nil {
		logFatal("config: %v", err)
	}

	// Startup sequence: store, then log, then workers, then requests.
	st, err := openStore(cfg)
	if err != nil {
		logFatal("open store: %v", err)
	}
	log.Printf("pixelgridd store backend %q ready", cfg.StoreBackend)

	eventLog := eventlog.NewMemoryLog(cfg.LogPartitions)
	log.Printf("pixelgridd event log ready (%d partitions)", eventLog.Partitions())

	gate := cooldown.NewGate(st, cfg.CooldownWindow.Std())
	placer := place.NewPlacer(st, eventLog, gate, cfg.GridSize)
	hub := fanout.NewHub(eventLog, cfg.GridSize, cfg.ViewerBuffer)
	worker := converge.NewWorker(hostname(), eventLog, st, gate, cfg.GridSize)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := worker.Run(workerCtx); err != nil {
			log.Printf("converge worker exited: %v", err)
		}
	}()
	go func() {
		defer workers.Done()
		if err := hub.Run(workerCtx); err != nil {
			log.Printf("fanout hub exited: %v", err)
		}
	}()

	var limiter *rate.Limiter
	if cfg.PlaceRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PlaceRatePerSecond), cfg.PlaceRateBurst)
	}

	srv := &server{
		placer:   placer,
		gate:     gate,
		store:    st,
		hub:      hub,
		verifier: auth.NewJWTVerifier(cfg.JWTSecret),
		limiter:  limiter,
		clock:    time.Now,
	}
	mux := http.NewServeMux()
	srv.routes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
	}

	go func() {
		log.Printf("pixelgridd listening on %s (grid %dx%d, cooldown %s)",
			cfg.Listen, cfg.GridSize, cfg.GridSize, cfg.CooldownWindow)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Shutdown sequence mirrors startup in reverse: stop accepting,
	// drain in-flight requests, release the log consumers so peers
	// can take over their partitions, then close the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	stopWorkers()
	workers.Wait()

	if err := eventLog.Close(); err != nil {
		log.Printf("event log close error: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
	log.Println("pixelgridd stopped")
}

// hostname labels this instance in worker log lines.
func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "pixelgridd"
}
