package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/visionlab/resultgraph/internal/collector"
	"github.com/visionlab/resultgraph/internal/data/graph"
	"github.com/visionlab/resultgraph/internal/pkg/logger"
	"github.com/visionlab/resultgraph/internal/platform/envutil"
	"github.com/visionlab/resultgraph/internal/platform/neo4jdb"
	"github.com/visionlab/resultgraph/internal/platform/secrets"
	"github.com/visionlab/resultgraph/internal/rpc"
)

func main() {
	log, err := logger.New(envutil.Str("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Setting up secrets provider...")
	sec, err := secrets.NewFromEnv(ctx, log)
	if err != nil {
		log.Warn("Secrets init failed, falling back to env config", "error", err)
		sec = nil
	}
	if sec != nil {
		defer sec.Close()
	}

	log.Info("Connecting to graph store...")
	neoClient, err := neo4jdb.NewFromEnv(ctx, log, sec)
	if err != nil {
		log.Error("Could not init Neo4j client", "error", err)
		os.Exit(1)
	}
	if neoClient == nil {
		log.Error("NEO4J_URI is required for the collector")
		os.Exit(1)
	}
	defer neoClient.Close(context.Background())

	writer, err := graph.NewWriter(ctx, neoClient, log)
	if err != nil {
		log.Error("Could not init graph writer", "error", err)
		os.Exit(1)
	}

	addr := envutil.Str("COLLECTOR_GRPC_ADDR", ":50051")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("Could not listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	srv := grpc.NewServer(grpc.ForceServerCodec(rpc.Codec{}))
	rpc.RegisterCollectorServer(srv, collector.NewService(writer, log))

	go func() {
		<-ctx.Done()
		log.Info("Shutting down collector...")
		srv.GracefulStop()
	}()

	log.Info("Collector listening", "addr", addr)
	if err := srv.Serve(lis); err != nil {
		log.Error("Serve failed", "error", err)
		os.Exit(1)
	}
}
