package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/visionlab/resultgraph/internal/metrics"
	"github.com/visionlab/resultgraph/internal/pkg/logger"
	"github.com/visionlab/resultgraph/internal/platform/blobstore"
	"github.com/visionlab/resultgraph/internal/rpc"
)

// Config bounds the retry behavior toward the collector. Transient
// transport failures are retried MaxAttempts times with a fixed delay;
// anything else aborts immediately.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// BatchRunner drives one batch: upload images, stream the per-image results,
// aggregate, send the metrics record. One batch id per Run, generated once.
type BatchRunner struct {
	log       *logger.Logger
	collector *rpc.CollectorClient
	uploader  blobstore.Uploader
	cfg       Config
}

func NewBatchRunner(collector *rpc.CollectorClient, uploader blobstore.Uploader, log *logger.Logger, cfg Config) *BatchRunner {
	return &BatchRunner{
		log:       log.With("service", "BatchRunner"),
		collector: collector,
		uploader:  uploader,
		cfg:       cfg.withDefaults(),
	}
}

// Report summarizes one completed (or partially completed) batch run.
type Report struct {
	BatchID         string
	Acks            []rpc.Ack
	FailedItems     int
	MetricsResponse *rpc.StoreResponse
}

func (r *BatchRunner) Run(ctx context.Context, source ObservationSource) (*Report, error) {
	observations, err := source.Observations(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: enumerate observations: %w", err)
	}

	batchID := uuid.NewString()
	report := &Report{BatchID: batchID}
	if len(observations) == 0 {
		r.log.Info("No pending observations, nothing to stream", "batch_id", batchID)
		return report, nil
	}
	r.log.Info("Starting batch", "batch_id", batchID, "items", len(observations))

	for i := range observations {
		if observations[i].ImageURL != "" {
			continue
		}
		if r.uploader == nil {
			return report, fmt.Errorf("client: observation %d has no image url and no uploader is configured", i)
		}
		url, err := r.uploader.Upload(ctx, observations[i].ImagePath)
		if err != nil {
			return report, fmt.Errorf("client: upload %s: %w", observations[i].ImagePath, err)
		}
		observations[i].ImageURL = url
	}

	items := make([]*rpc.ResultItem, 0, len(observations))
	for _, o := range observations {
		items = append(items, toResultItem(batchID, o))
	}

	acks, err := r.streamResults(ctx, items)
	report.Acks = acks
	for _, a := range acks {
		if !a.Success {
			report.FailedItems++
		}
	}
	if err != nil {
		return report, err
	}
	r.log.Info("All items acknowledged", "batch_id", batchID, "acked", len(acks), "failed", report.FailedItems)

	record, err := metrics.Compute(metricObservations(observations))
	if err != nil {
		return report, fmt.Errorf("client: aggregate metrics: %w", err)
	}
	resp, err := r.storeMetrics(ctx, &rpc.MetricsRecord{BatchID: batchID, Record: *record})
	if err != nil {
		return report, err
	}
	report.MetricsResponse = resp
	if !resp.Success {
		r.log.Warn("Metrics rejected", "batch_id", batchID, "message", resp.Message)
	}
	return report, nil
}

// streamResults pushes items and collects positional acks, resuming from the
// first unacknowledged item after a transient failure. Re-sent items are
// absorbed by the store's idempotent writes.
func (r *BatchRunner) streamResults(ctx context.Context, items []*rpc.ResultItem) ([]rpc.Ack, error) {
	acks := make([]rpc.Ack, 0, len(items))
	for attempt := 1; ; attempt++ {
		got, err := r.streamOnce(ctx, items[len(acks):])
		acks = append(acks, got...)
		if err == nil {
			if len(acks) != len(items) {
				return acks, fmt.Errorf("client: stream closed with %d acks for %d items", len(acks), len(items))
			}
			return acks, nil
		}
		if !transient(err) {
			return acks, fmt.Errorf("client: stream aborted: %w", err)
		}
		if attempt >= r.cfg.MaxAttempts {
			return acks, fmt.Errorf("client: giving up after %d attempts: %w", attempt, err)
		}
		r.log.Warn("Transient stream failure, retrying remainder",
			"attempt", attempt, "acked", len(acks), "remaining", len(items)-len(acks), "error", err)
		select {
		case <-ctx.Done():
			return acks, ctx.Err()
		case <-time.After(r.cfg.RetryDelay):
		}
	}
}

func (r *BatchRunner) streamOnce(ctx context.Context, items []*rpc.ResultItem) ([]rpc.Ack, error) {
	stream, err := r.collector.StoreResults(ctx)
	if err != nil {
		return nil, err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, item := range items {
			if err := stream.Send(item); err != nil {
				return err
			}
		}
		return stream.CloseSend()
	})

	var acks []rpc.Ack
	var recvErr error
	for {
		ack, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			recvErr = err
			break
		}
		acks = append(acks, *ack)
	}
	// A failed Send surfaces the real status on Recv; io.EOF from the
	// sender goroutine carries no information of its own.
	if err := g.Wait(); err != nil && recvErr == nil && !errors.Is(err, io.EOF) {
		recvErr = err
	}
	return acks, recvErr
}

func (r *BatchRunner) storeMetrics(ctx context.Context, rec *rpc.MetricsRecord) (*rpc.StoreResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		resp, err := r.collector.StoreMetrics(ctx, rec)
		if err == nil {
			return resp, nil
		}
		if !transient(err) {
			return nil, fmt.Errorf("client: store metrics: %w", err)
		}
		lastErr = err
		if attempt == r.cfg.MaxAttempts {
			break
		}
		r.log.Warn("Transient metrics failure, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("client: store metrics, giving up after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func transient(err error) bool {
	return status.Code(err) == codes.Unavailable
}

func toResultItem(batchID string, o Observation) *rpc.ResultItem {
	item := &rpc.ResultItem{
		ImageURL:           o.ImageURL,
		ClassLabels:        o.Labels,
		Confidences:        o.Confidences,
		BatchID:            batchID,
		TaskType:           o.TaskType,
		PreprocessingTime:  o.PreprocessingTime,
		InferenceTime:      o.InferenceTime,
		PostprocessingTime: o.PostprocessingTime,
		BoxProportions:     o.BoxProportions,
		ImageWidth:         o.ImageWidth,
		ImageHeight:        o.ImageHeight,
		ImageFormat:        o.ImageFormat,
	}
	for _, b := range o.Boxes {
		item.BBoxCoordinates = append(item.BBoxCoordinates, formatBox(b))
	}
	return item
}

func metricObservations(observations []Observation) []metrics.Observation {
	out := make([]metrics.Observation, 0, len(observations))
	for _, o := range observations {
		out = append(out, metrics.Observation{
			Labels:          o.Labels,
			Confidences:     o.Confidences,
			Boxes:           o.Boxes,
			BoxProportions:  o.BoxProportions,
			PreprocessTime:  o.PreprocessingTime,
			InferenceTime:   o.InferenceTime,
			PostprocessTime: o.PostprocessingTime,
			ImageWidth:      o.ImageWidth,
			ImageHeight:     o.ImageHeight,
		})
	}
	return out
}
