package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/visionlab/resultgraph/internal/metrics"
	pkgerrors "github.com/visionlab/resultgraph/internal/pkg/errors"
	"github.com/visionlab/resultgraph/internal/pkg/logger"
	"github.com/visionlab/resultgraph/internal/platform/neo4jdb"
)

// Writer owns all graph mutation. It is safe for concurrent use; merge
// semantics come from the store's own locking on the MERGE keys, so two
// streams upserting the same image converge to one node.
type Writer struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

var _ Store = (*Writer)(nil)

func NewWriter(ctx context.Context, client *neo4jdb.Client, log *logger.Logger) (*Writer, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("graph: neo4j client required")
	}
	w := &Writer{
		client: client,
		log:    log.With("service", "GraphWriter"),
	}
	w.initSchema(ctx)
	return w, nil
}

// initSchema creates the uniqueness constraints the upserts rely on.
// Best-effort: restricted users may not be allowed to, and MERGE alone still
// keeps single-writer runs correct.
func (w *Writer) initSchema(ctx context.Context) {
	session := w.session(ctx)
	defer session.Close(ctx)

	constraints := []string{
		`CREATE CONSTRAINT batch_id_unique IF NOT EXISTS FOR (b:Batch) REQUIRE b.batch_id IS UNIQUE`,
		`CREATE CONSTRAINT image_url_unique IF NOT EXISTS FOR (i:Image) REQUIRE i.image_url IS UNIQUE`,
		`CREATE CONSTRAINT label_name_unique IF NOT EXISTS FOR (l:Label) REQUIRE l.name IS UNIQUE`,
		`CREATE CONSTRAINT metrics_batch_unique IF NOT EXISTS FOR (m:Metrics) REQUIRE m.batch_id IS UNIQUE`,
		`CREATE CONSTRAINT bbox_dedup_unique IF NOT EXISTS FOR (d:BoundingBox) REQUIRE d.dedup_key IS UNIQUE`,
		`CREATE CONSTRAINT cls_dedup_unique IF NOT EXISTS FOR (d:ClassificationAnnotation) REQUIRE d.dedup_key IS UNIQUE`,
	}
	for _, stmt := range constraints {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			w.log.Warn("neo4j schema init failed (continuing)", "error", err)
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

func (w *Writer) session(ctx context.Context) neo4j.SessionWithContext {
	return w.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: w.client.Database,
	})
}

func (w *Writer) EnsureBatch(ctx context.Context, batchID string) error {
	if batchID == "" {
		return fmt.Errorf("graph: ensure batch: empty batch id: %w", pkgerrors.ErrInvalidArgument)
	}
	session := w.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return runAndConsume(ctx, tx, `
MERGE (b:Batch {batch_id: $batch_id})
ON CREATE SET b.created_at = $now
`, map[string]any{"batch_id": batchID, "now": nowString()})
	})
	return w.wrap("ensure batch", err)
}

func (w *Writer) EnsureImageInBatch(ctx context.Context, img ImageRef) error {
	if img.URL == "" || img.BatchID == "" {
		return fmt.Errorf("graph: ensure image: missing url or batch id: %w", pkgerrors.ErrInvalidArgument)
	}
	session := w.session(ctx)
	defer session.Close(ctx)

	// The BELONGS_TO link is first-write-wins: an image already tied to a
	// batch keeps its original batch even if re-sent under a new id.
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return runAndConsume(ctx, tx, `
MERGE (b:Batch {batch_id: $batch_id})
MERGE (i:Image {image_url: $image_url})
ON CREATE SET i.width = $width,
              i.height = $height,
              i.format = $format,
              i.created_at = $now
WITH b, i
WHERE NOT (i)-[:BELONGS_TO]->()
MERGE (i)-[:BELONGS_TO]->(b)
`, map[string]any{
			"batch_id":  img.BatchID,
			"image_url": img.URL,
			"width":     int64(img.Width),
			"height":    int64(img.Height),
			"format":    img.Format,
			"now":       nowString(),
		})
	})
	return w.wrap("ensure image", err)
}

func (w *Writer) EnsureAnnotation(ctx context.Context, imageURL, taskType string) error {
	if imageURL == "" || taskType == "" {
		return fmt.Errorf("graph: ensure annotation: missing url or task type: %w", pkgerrors.ErrInvalidArgument)
	}
	session := w.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := w.requireImage(ctx, tx, imageURL); err != nil {
			return nil, err
		}
		// Pattern MERGE: one Annotation per (image, task type). The
		// create-time flags and timestamp are never touched again.
		return runAndConsume(ctx, tx, `
MATCH (i:Image {image_url: $image_url})
MERGE (i)-[:HAS_ANNOTATION]->(a:Annotation {task_type: $task_type})
ON CREATE SET a.reviewed = false,
              a.classified = false,
              a.misclassified = false,
              a.created_at = $now
`, map[string]any{"image_url": imageURL, "task_type": taskType, "now": nowString()})
	})
	return w.wrap("ensure annotation", err)
}

func (w *Writer) RecordDetection(ctx context.Context, det Detection) (bool, error) {
	if det.ImageURL == "" || det.Label == "" {
		return false, fmt.Errorf("graph: record detection: missing url or label: %w", pkgerrors.ErrInvalidArgument)
	}
	session := w.session(ctx)
	defer session.Close(ctx)

	created, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := w.requireImage(ctx, tx, det.ImageURL); err != nil {
			return nil, err
		}
		if _, err := runAndConsume(ctx, tx,
			`MERGE (l:Label {name: $label})`,
			map[string]any{"label": det.Label}); err != nil {
			return nil, err
		}

		params := map[string]any{
			"image_url":  det.ImageURL,
			"label":      det.Label,
			"dedup_key":  det.DedupKey(),
			"confidence": det.Confidence,
			"now":        nowString(),
		}
		var query string
		if det.Box != nil {
			params["x1"], params["y1"] = det.Box[0], det.Box[1]
			params["x2"], params["y2"] = det.Box[2], det.Box[3]
			query = `
MATCH (i:Image {image_url: $image_url})
MATCH (l:Label {name: $label})
MERGE (d:BoundingBox {dedup_key: $dedup_key})
ON CREATE SET d.x1 = $x1, d.y1 = $y1, d.x2 = $x2, d.y2 = $y2,
              d.confidence = $confidence, d.created_at = $now
MERGE (i)-[:HAS_DETECTION]->(d)
MERGE (d)-[:HAS_LABEL]->(l)
`
		} else {
			query = `
MATCH (i:Image {image_url: $image_url})
MATCH (l:Label {name: $label})
MERGE (d:ClassificationAnnotation {dedup_key: $dedup_key})
ON CREATE SET d.confidence = $confidence, d.created_at = $now
MERGE (i)-[:HAS_DETECTION]->(d)
MERGE (d)-[:HAS_LABEL]->(l)
`
		}
		summary, err := runAndConsume(ctx, tx, query, params)
		if err != nil {
			return nil, err
		}
		return summary.Counters().NodesCreated() > 0, nil
	})
	if err != nil {
		return false, w.wrap("record detection", err)
	}
	return created.(bool), nil
}

func (w *Writer) RecordMetrics(ctx context.Context, batchID string, rec *metrics.Record) error {
	if batchID == "" || rec == nil {
		return fmt.Errorf("graph: record metrics: missing batch id or record: %w", pkgerrors.ErrInvalidArgument)
	}
	session := w.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (b:Batch {batch_id: $batch_id}) RETURN b.batch_id LIMIT 1`,
			map[string]any{"batch_id": batchID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("batch %q: %w", batchID, pkgerrors.ErrNotFound)
		}

		res, err = tx.Run(ctx, `
MATCH (:Batch {batch_id: $batch_id})-[:HAS_METRICS]->(m:Metrics)
RETURN m.batch_id LIMIT 1
`, map[string]any{"batch_id": batchID})
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			return nil, fmt.Errorf("metrics for batch %q: %w", batchID, pkgerrors.ErrDuplicate)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}

		props, err := metricsProps(batchID, rec)
		if err != nil {
			return nil, err
		}
		return runAndConsume(ctx, tx, `
MATCH (b:Batch {batch_id: $batch_id})
CREATE (m:Metrics)
SET m += $props
CREATE (b)-[:HAS_METRICS]->(m)
`, map[string]any{"batch_id": batchID, "props": props})
	})
	return w.wrap("record metrics", err)
}

func (w *Writer) UpdateAnnotationFeedback(ctx context.Context, imageURL string, patch FeedbackPatch) error {
	if imageURL == "" {
		return fmt.Errorf("graph: update feedback: empty image url: %w", pkgerrors.ErrInvalidArgument)
	}
	session := w.session(ctx)
	defer session.Close(ctx)

	sets := ""
	params := map[string]any{"image_url": imageURL}
	if patch.Reviewed != nil {
		sets += "SET a.reviewed = $reviewed\n"
		params["reviewed"] = *patch.Reviewed
	}
	if patch.Classified != nil {
		sets += "SET a.classified = $classified\n"
		params["classified"] = *patch.Classified
	}
	if patch.Misclassified != nil {
		sets += "SET a.misclassified = $misclassified\n"
		params["misclassified"] = *patch.Misclassified
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (i:Image {image_url: $image_url})-[:HAS_ANNOTATION]->(a:Annotation)
`+sets+`RETURN count(a) AS n
`, params)
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := record.Get("n")
		if count, ok := n.(int64); !ok || count == 0 {
			return nil, fmt.Errorf("annotation for image %q: %w", imageURL, pkgerrors.ErrNotFound)
		}
		return nil, nil
	})
	return w.wrap("update feedback", err)
}

// requireImage turns a dangling reference into a distinct not-found error
// instead of letting the MATCH silently produce zero rows.
func (w *Writer) requireImage(ctx context.Context, tx neo4j.ManagedTransaction, imageURL string) error {
	res, err := tx.Run(ctx,
		`MATCH (i:Image {image_url: $image_url}) RETURN i.image_url LIMIT 1`,
		map[string]any{"image_url": imageURL})
	if err != nil {
		return err
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return err
		}
		return fmt.Errorf("image %q: %w", imageURL, pkgerrors.ErrNotFound)
	}
	return nil
}

func runAndConsume(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) (neo4j.ResultSummary, error) {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return res.Consume(ctx)
}

// metricsProps flattens a Record into node properties. Distributions are
// stored as JSON strings; the slices are already in deterministic order so
// the serialization is stable.
func metricsProps(batchID string, rec *metrics.Record) (map[string]any, error) {
	props := map[string]any{
		"batch_id":                    batchID,
		"total_images":                int64(rec.TotalImages),
		"total_time":                  rec.TotalTime,
		"average_confidence_score":    rec.AverageConfidenceScore,
		"total_preprocessing_time":    rec.TotalPreprocessingTime,
		"total_inference_time":        rec.TotalInferenceTime,
		"total_postprocessing_time":   rec.TotalPostprocessingTime,
		"average_preprocessing_time":  rec.AveragePreprocessingTime,
		"average_inference_time":      rec.AverageInferenceTime,
		"average_postprocessing_time": rec.AveragePostprocessingTime,
		"average_box_area":            rec.AverageBoxArea,
		"average_box_proportion":      rec.AverageBoxProportion,
		"created_at":                  nowString(),
	}
	distributions := map[string]any{
		"average_confidence_for_labels":    rec.LabelAverageConfidences,
		"confidence_distribution":          rec.ConfidenceDistribution,
		"detection_count_distribution":     rec.DetectionCountDistribution,
		"category_distribution":            rec.CategoryDistribution,
		"category_percentages":             rec.CategoryPercentages,
		"inference_time_distribution":      rec.InferenceTimeDistribution,
		"box_area_distribution":            rec.BoxAreaDistribution,
		"box_proportion_distribution":      rec.BoxProportionDistribution,
		"preprocessing_time_distribution":  rec.PreprocessingTimeDistribution,
		"postprocessing_time_distribution": rec.PostprocessingTimeDistribution,
	}
	for key, dist := range distributions {
		raw, err := json.Marshal(dist)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", key, err)
		}
		props[key] = string(raw)
	}
	return props, nil
}

// wrap maps driver connectivity failures onto the shared unavailable
// sentinel so the collector can tell batch-fatal transport errors from
// per-item business failures.
func (w *Writer) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("graph: %s: %w: %w", op, pkgerrors.ErrUnavailable, err)
	}
	return fmt.Errorf("graph: %s: %w", op, err)
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
