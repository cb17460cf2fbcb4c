package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/visionlab/resultgraph/internal/client"
	"github.com/visionlab/resultgraph/internal/pkg/logger"
	"github.com/visionlab/resultgraph/internal/platform/blobstore"
	"github.com/visionlab/resultgraph/internal/platform/envutil"
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

	log.Info("Setting up blob store uploader...")
	uploader, err := blobstore.NewFromEnv(ctx, log)
	if err != nil {
		log.Error("Could not init blob store", "error", err)
		os.Exit(1)
	}
	defer uploader.Close()

	addr := envutil.Str("COLLECTOR_ADDR", "localhost:50051")
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rpc.Codec{})),
	)
	if err != nil {
		log.Error("Could not connect to collector", "addr", addr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	runner := client.NewBatchRunner(rpc.NewCollectorClient(conn), uploader, log, client.Config{
		MaxAttempts: envutil.Int("STREAM_MAX_ATTEMPTS", 3),
		RetryDelay:  envutil.Dur("STREAM_RETRY_DELAY", 2*time.Second),
	})

	manifest := envutil.Str("RESULTS_MANIFEST", "unprocessed_images/manifest.json")
	report, err := runner.Run(ctx, client.ManifestSource{Path: manifest})
	if err != nil {
		log.Error("Batch run failed", "error", err)
		if report != nil {
			log.Error("Partial batch state", "batch_id", report.BatchID, "acked", len(report.Acks), "failed_items", report.FailedItems)
		}
		os.Exit(1)
	}

	log.Info("Batch complete",
		"batch_id", report.BatchID,
		"acked", len(report.Acks),
		"failed_items", report.FailedItems,
		"metrics_stored", report.MetricsResponse != nil && report.MetricsResponse.Success,
	)
}
