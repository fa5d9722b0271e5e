package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/speedrun-hq/intentflow/pkg/config"
	"github.com/speedrun-hq/intentflow/pkg/node"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create the node
	n, err := node.New(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create intent node: %v", err)
	}

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	// Start the node
	log.Println("Starting the intent node...")
	if err := n.Start(ctx); err != nil {
		log.Printf("Node error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := n.Stop(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
