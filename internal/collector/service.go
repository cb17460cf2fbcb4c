package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/visionlab/resultgraph/internal/data/graph"
	pkgerrors "github.com/visionlab/resultgraph/internal/pkg/errors"
	"github.com/visionlab/resultgraph/internal/pkg/logger"
	"github.com/visionlab/resultgraph/internal/rpc"
)

// Service is the streaming collector. It consumes ResultItem streams,
// persists each item through the graph store and answers one ack per item in
// arrival order. Many streams run concurrently; item order is only
// guaranteed within a single stream.
type Service struct {
	log   *logger.Logger
	store graph.Store
}

var _ rpc.CollectorServer = (*Service)(nil)

func NewService(store graph.Store, log *logger.Logger) *Service {
	return &Service{
		log:   log.With("service", "Collector"),
		store: store,
	}
}

func (s *Service) StoreResults(stream rpc.ResultsStream) error {
	ctx := stream.Context()
	batchID := ""
	received := 0

	for {
		item, err := stream.Recv()
		if err == io.EOF {
			s.log.Info("Result stream complete", "batch_id", batchID, "items", received)
			return nil
		}
		if err != nil {
			return err
		}
		received++

		ack := s.handleItem(ctx, item, &batchID)
		if ack == nil {
			// Batch-fatal condition, already converted to a status error.
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			return status.Errorf(codes.Unavailable, "graph store unavailable, batch %s aborted after %d items", batchID, received-1)
		}
		if err := stream.Send(ack); err != nil {
			return err
		}
	}
}

// handleItem validates and persists one item. It returns the ack to send, or
// nil when the failure is batch-fatal rather than item-scoped.
func (s *Service) handleItem(ctx context.Context, item *rpc.ResultItem, batchID *string) *rpc.Ack {
	if err := validateItem(item); err != nil {
		s.log.Warn("Rejected result item", "batch_id", item.BatchID, "image_url", item.ImageURL, "error", err)
		return &rpc.Ack{Success: false, Message: "nothing written: " + err.Error()}
	}

	// The stream is pinned to the first item's batch. A disagreeing item is
	// an item-scoped failure: the rest of the stream still processes.
	if *batchID == "" {
		*batchID = item.BatchID
	} else if item.BatchID != *batchID {
		return &rpc.Ack{
			Success: false,
			Message: fmt.Sprintf("nothing written: batch id %q does not match stream batch %q", item.BatchID, *batchID),
		}
	}

	createdDetections, totalDetections, err := s.persistItem(ctx, item)
	switch {
	case err == nil:
		if totalDetections > 0 && createdDetections == 0 {
			return &rpc.Ack{Success: true, Message: "already existed: all " + strconv.Itoa(totalDetections) + " detections previously stored"}
		}
		if createdDetections < totalDetections {
			return &rpc.Ack{
				Success: true,
				Message: fmt.Sprintf("stored %d of %d detections, rest already existed", createdDetections, totalDetections),
			}
		}
		return &rpc.Ack{Success: true, Message: fmt.Sprintf("stored %d detections", createdDetections)}
	case errors.Is(err, pkgerrors.ErrUnavailable) || ctx.Err() != nil:
		s.log.Error("Graph store unavailable mid-stream", "batch_id", *batchID, "error", err)
		return nil
	default:
		// Item-scoped persistence failure. Earlier writes for this item are
		// committed per-operation, hence "partially written".
		s.log.Error("Failed to persist result item", "batch_id", *batchID, "image_url", item.ImageURL, "error", err)
		return &rpc.Ack{Success: false, Message: "partially written: " + err.Error()}
	}
}

// persistItem maps one wire item onto graph upserts. Returns how many
// detections were newly created and how many the item carried.
func (s *Service) persistItem(ctx context.Context, item *rpc.ResultItem) (created, total int, err error) {
	if err := s.store.EnsureBatch(ctx, item.BatchID); err != nil {
		return 0, 0, err
	}
	if err := s.store.EnsureImageInBatch(ctx, graph.ImageRef{
		URL:     item.ImageURL,
		BatchID: item.BatchID,
		Width:   item.ImageWidth,
		Height:  item.ImageHeight,
		Format:  item.ImageFormat,
	}); err != nil {
		return 0, 0, err
	}
	if err := s.store.EnsureAnnotation(ctx, item.ImageURL, string(item.TaskType)); err != nil {
		return 0, 0, err
	}

	boxes, err := parseBoxes(item.BBoxCoordinates)
	if err != nil {
		// validateItem already parsed these; a failure here is a bug.
		return 0, 0, fmt.Errorf("parse boxes: %w", err)
	}

	total = len(item.ClassLabels)
	for i, label := range item.ClassLabels {
		if ctx.Err() != nil {
			return created, total, ctx.Err()
		}
		det := graph.Detection{
			ImageURL:   item.ImageURL,
			BatchID:    item.BatchID,
			Label:      label,
			Confidence: item.Confidences[i],
			TaskType:   string(item.TaskType),
		}
		if len(boxes) > 0 {
			box := boxes[i]
			det.Box = &box
		}
		isNew, err := s.store.RecordDetection(ctx, det)
		if err != nil {
			return created, total, err
		}
		if isNew {
			created++
		}
	}
	return created, total, nil
}

func (s *Service) StoreMetrics(ctx context.Context, rec *rpc.MetricsRecord) (*rpc.StoreResponse, error) {
	if rec == nil || rec.BatchID == "" {
		return &rpc.StoreResponse{Success: false, Message: "nothing written: missing batch id"}, nil
	}

	err := s.store.RecordMetrics(ctx, rec.BatchID, &rec.Record)
	switch {
	case err == nil:
		s.log.Info("Metrics recorded", "batch_id", rec.BatchID, "total_images", rec.TotalImages)
		return &rpc.StoreResponse{Success: true, Message: "metrics stored for batch " + rec.BatchID}, nil
	case errors.Is(err, pkgerrors.ErrDuplicate):
		// Re-delivery of a completed batch is expected under at-least-once;
		// reject the write without failing the RPC.
		return &rpc.StoreResponse{Success: false, Message: "already existed: metrics for batch " + rec.BatchID}, nil
	case errors.Is(err, pkgerrors.ErrNotFound):
		return &rpc.StoreResponse{Success: false, Message: "nothing written: unknown batch " + rec.BatchID}, nil
	case errors.Is(err, pkgerrors.ErrUnavailable):
		return nil, status.Errorf(codes.Unavailable, "graph store unavailable: %v", err)
	default:
		return nil, status.Errorf(codes.Internal, "record metrics: %v", err)
	}
}

func validateItem(item *rpc.ResultItem) error {
	if item.BatchID == "" {
		return errors.New("missing batch_id")
	}
	if item.ImageURL == "" {
		return errors.New("missing image_url")
	}
	if !item.TaskType.Valid() {
		return fmt.Errorf("unknown task_type %q", item.TaskType)
	}
	if len(item.Confidences) != len(item.ClassLabels) {
		return fmt.Errorf("%d class_labels vs %d confidences", len(item.ClassLabels), len(item.Confidences))
	}
	if len(item.BBoxCoordinates) > 0 && len(item.BBoxCoordinates) != len(item.ClassLabels) {
		return fmt.Errorf("%d class_labels vs %d bbox_coordinates", len(item.ClassLabels), len(item.BBoxCoordinates))
	}
	if len(item.BoxProportions) > 0 && len(item.BoxProportions) != len(item.ClassLabels) {
		return fmt.Errorf("%d class_labels vs %d box_proportions", len(item.ClassLabels), len(item.BoxProportions))
	}
	if item.TaskType == rpc.TaskObjectDetection {
		if _, err := parseBoxes(item.BBoxCoordinates); err != nil {
			return err
		}
	}
	return nil
}

// parseBoxes decodes "x1,y1,x2,y2" strings.
func parseBoxes(coords []string) ([][4]float64, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	out := make([][4]float64, 0, len(coords))
	for _, raw := range coords {
		parts := strings.Split(raw, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed bbox %q", raw)
		}
		var box [4]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("malformed bbox %q: %v", raw, err)
			}
			box[i] = v
		}
		out = append(out, box)
	}
	return out, nil
}
