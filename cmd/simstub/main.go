// Command simstub serves an in-memory engine over the engine bridge protocol
// so the generator can be exercised without a simulator.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"visualroad.ai/internal/engine/memengine"
	"visualroad.ai/internal/protocol"
	"visualroad.ai/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", ":2000", "http listen address")
		mapName      = flag.String("map", "Town01", "initial map")
		seed         = flag.Int64("seed", 0, "seed for spawn points and navigation locations")
		spawnPoints  = flag.Int("spawn_points", 64, "spawn points per map")
		navLocations = flag.Int("nav_locations", 256, "navigation locations per map")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[simstub] ", log.LstdFlags|log.Lmicroseconds)

	e := memengine.New(memengine.Config{
		Map:          *mapName,
		SpawnPoints:  *spawnPoints,
		NavLocations: *navLocations,
		Seed:         *seed,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc(protocol.EnginePath, ws.NewServer(e, "simstub", logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s%s", *addr, protocol.EnginePath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}
