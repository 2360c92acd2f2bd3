// File: cmd/chatring-server/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// chatring-server runs the relay standalone: `<host> <port>` as
// positional arguments, a handful of optional tuning flags, and
// SIGINT/SIGTERM shutdown.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/momentics/chatring/relay"
)

func main() {
	shards := flag.Int("shards", 0, "worker shard count (0 = cores-1, min 2)")
	buffers := flag.Int("buffers", 4096, "buffer slots per shard, power of two")
	bufSize := flag.Int("buffer-size", 2048, "bytes per buffer slot, power of two, >= 515")
	echo := flag.Bool("echo", false, "echo CHAT frames back to their sender")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: chatring-server <host> <port> [flags]")
		os.Exit(2)
	}
	host := args[0]
	var port int
	if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
		log.Fatalf("invalid port %q: %v", args[1], err)
	}

	opts := []relay.Option{
		relay.WithAddr(host, port),
		relay.WithBuffers(*buffers, *bufSize),
		relay.WithEcho(*echo),
		relay.WithLogLevel(*logLevel),
	}
	if *shards > 0 {
		opts = append(opts, relay.WithShards(*shards))
	}

	srv, err := relay.New(opts...)
	if err != nil {
		log.Fatalf("failed to construct relay: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start relay: %v", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutdown signal received, draining shards...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	log.Println("relay shutdown complete")
}
