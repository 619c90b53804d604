package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codetrek/forkdb/internal/config"
	"github.com/codetrek/forkdb/internal/services"
)

func main() {
	var (
		runMaster     = flag.Bool("master", false, "serve the replication endpoints")
		runReplicator = flag.Bool("replicator", false, "replicate local collections against a master")
		listenHost    = flag.String("host", "", "listen host (default localhost)")
	)
	flag.Parse()

	if !*runMaster && !*runReplicator {
		// Embedded default: one process holding both roles.
		*runMaster = true
		*runReplicator = true
	}

	cfg := config.LoadConfig()
	mgr := services.NewManager(cfg, services.Options{
		RunMaster:     *runMaster,
		RunReplicator: *runReplicator,
		ListenHost:    *listenHost,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Init(ctx); err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := mgr.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")

	// Drain in-flight replication units before tearing down the shared ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	cancel()
	log.Println("Stopped.")
}
