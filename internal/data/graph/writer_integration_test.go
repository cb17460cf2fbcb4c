package graph

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/visionlab/resultgraph/internal/metrics"
	pkgerrors "github.com/visionlab/resultgraph/internal/pkg/errors"
	"github.com/visionlab/resultgraph/internal/pkg/logger"
	"github.com/visionlab/resultgraph/internal/platform/neo4jdb"
)

// These tests need a running Neo4j instance; they exercise the merge-by-key
// convergence that in-memory fakes cannot prove.
func integrationWriter(t *testing.T) (*Writer, *neo4jdb.Client) {
	t.Helper()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RG_RUN_NEO4J_INTEGRATION")), "true") {
		t.Skip("set RG_RUN_NEO4J_INTEGRATION=true to run neo4j integration tests")
	}
	if strings.TrimSpace(os.Getenv("NEO4J_URI")) == "" {
		t.Setenv("NEO4J_URI", "bolt://localhost:7687")
	}

	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	ctx := context.Background()
	client, err := neo4jdb.NewFromEnv(ctx, log, nil)
	if err != nil {
		t.Skipf("neo4j not reachable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	writer, err := NewWriter(ctx, client, log)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return writer, client
}

func countRows(t *testing.T, client *neo4jdb.Client, query string, params map[string]any) int64 {
	t.Helper()
	ctx := context.Background()
	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: client.Database})
	defer session.Close(ctx)

	res, err := session.Run(ctx, query, params)
	if err != nil {
		t.Fatalf("count query: %v", err)
	}
	record, err := res.Single(ctx)
	if err != nil {
		t.Fatalf("count result: %v", err)
	}
	n, _ := record.Get("n")
	return n.(int64)
}

func TestEnsureImageInBatchIsIdempotent(t *testing.T) {
	writer, client := integrationWriter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batchID := "it-" + uuid.NewString()
	url := fmt.Sprintf("https://it.test/%s.jpg", uuid.NewString())
	img := ImageRef{URL: url, BatchID: batchID, Width: 640, Height: 480, Format: "jpg"}

	if err := writer.EnsureBatch(ctx, batchID); err != nil {
		t.Fatalf("EnsureBatch: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := writer.EnsureImageInBatch(ctx, img); err != nil {
			t.Fatalf("EnsureImageInBatch call %d: %v", i+1, err)
		}
	}

	nodes := countRows(t, client,
		`MATCH (i:Image {image_url: $url}) RETURN count(i) AS n`,
		map[string]any{"url": url})
	if nodes != 1 {
		t.Fatalf("image nodes: want=1 got=%d", nodes)
	}
	edges := countRows(t, client,
		`MATCH (:Image {image_url: $url})-[r:BELONGS_TO]->(:Batch {batch_id: $batch}) RETURN count(r) AS n`,
		map[string]any{"url": url, "batch": batchID})
	if edges != 1 {
		t.Fatalf("BELONGS_TO edges: want=1 got=%d", edges)
	}

	// A later batch must not steal the image: first write wins.
	otherBatch := "it-" + uuid.NewString()
	if err := writer.EnsureBatch(ctx, otherBatch); err != nil {
		t.Fatalf("EnsureBatch other: %v", err)
	}
	if err := writer.EnsureImageInBatch(ctx, ImageRef{URL: url, BatchID: otherBatch}); err != nil {
		t.Fatalf("EnsureImageInBatch other batch: %v", err)
	}
	total := countRows(t, client,
		`MATCH (:Image {image_url: $url})-[r:BELONGS_TO]->() RETURN count(r) AS n`,
		map[string]any{"url": url})
	if total != 1 {
		t.Fatalf("image linked to %d batches, want 1", total)
	}
}

func TestRecordDetectionConvergesOnRedelivery(t *testing.T) {
	writer, client := integrationWriter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batchID := "it-" + uuid.NewString()
	url := fmt.Sprintf("https://it.test/%s.jpg", uuid.NewString())
	if err := writer.EnsureBatch(ctx, batchID); err != nil {
		t.Fatalf("EnsureBatch: %v", err)
	}
	if err := writer.EnsureImageInBatch(ctx, ImageRef{URL: url, BatchID: batchID}); err != nil {
		t.Fatalf("EnsureImageInBatch: %v", err)
	}

	box := [4]float64{0, 0, 10, 10}
	det := Detection{ImageURL: url, BatchID: batchID, Label: "dog", Confidence: 0.9, TaskType: "object_detection", Box: &box}

	created, err := writer.RecordDetection(ctx, det)
	if err != nil {
		t.Fatalf("RecordDetection: %v", err)
	}
	if !created {
		t.Fatalf("first delivery should create the detection")
	}
	created, err = writer.RecordDetection(ctx, det)
	if err != nil {
		t.Fatalf("RecordDetection redelivery: %v", err)
	}
	if created {
		t.Fatalf("redelivery must not create a second detection")
	}

	n := countRows(t, client,
		`MATCH (:Image {image_url: $url})-[:HAS_DETECTION]->(d:BoundingBox) RETURN count(d) AS n`,
		map[string]any{"url": url})
	if n != 1 {
		t.Fatalf("detections: want=1 got=%d", n)
	}

	// Unknown image: distinct not-found error, nothing written.
	_, err = writer.RecordDetection(ctx, Detection{ImageURL: "https://it.test/missing.jpg", BatchID: batchID, Label: "dog"})
	if !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAnnotationFeedbackIsTriState(t *testing.T) {
	writer, client := integrationWriter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batchID := "it-" + uuid.NewString()
	url := fmt.Sprintf("https://it.test/%s.jpg", uuid.NewString())
	if err := writer.EnsureBatch(ctx, batchID); err != nil {
		t.Fatalf("EnsureBatch: %v", err)
	}
	if err := writer.EnsureImageInBatch(ctx, ImageRef{URL: url, BatchID: batchID}); err != nil {
		t.Fatalf("EnsureImageInBatch: %v", err)
	}
	if err := writer.EnsureAnnotation(ctx, url, "object_detection"); err != nil {
		t.Fatalf("EnsureAnnotation: %v", err)
	}

	truthy := true
	if err := writer.UpdateAnnotationFeedback(ctx, url, FeedbackPatch{Classified: &truthy}); err != nil {
		t.Fatalf("patch classified: %v", err)
	}
	if err := writer.UpdateAnnotationFeedback(ctx, url, FeedbackPatch{Reviewed: &truthy}); err != nil {
		t.Fatalf("patch reviewed: %v", err)
	}

	// Both flags set, misclassified untouched at its default.
	n := countRows(t, client, `
MATCH (:Image {image_url: $url})-[:HAS_ANNOTATION]->(a:Annotation)
WHERE a.reviewed = true AND a.classified = true AND a.misclassified = false
RETURN count(a) AS n
`, map[string]any{"url": url})
	if n != 1 {
		t.Fatalf("tri-state patch lost a flag")
	}

	err := writer.UpdateAnnotationFeedback(ctx, "https://it.test/missing.jpg", FeedbackPatch{Reviewed: &truthy})
	if !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRecordMetricsLifecycle(t *testing.T) {
	writer, client := integrationWriter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batchID := "it-" + uuid.NewString()
	rec := &metrics.Record{TotalImages: 2, AverageConfidenceScore: 0.56}

	// Metrics always follow the per-item writes; an unknown batch is an error.
	err := writer.RecordMetrics(ctx, batchID, rec)
	if !pkgerrors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("want ErrNotFound before batch exists, got %v", err)
	}

	if err := writer.EnsureBatch(ctx, batchID); err != nil {
		t.Fatalf("EnsureBatch: %v", err)
	}
	if err := writer.RecordMetrics(ctx, batchID, rec); err != nil {
		t.Fatalf("RecordMetrics: %v", err)
	}

	err = writer.RecordMetrics(ctx, batchID, rec)
	if !pkgerrors.Is(err, pkgerrors.ErrDuplicate) {
		t.Fatalf("want ErrDuplicate on redelivery, got %v", err)
	}

	n := countRows(t, client,
		`MATCH (:Batch {batch_id: $batch})-[:HAS_METRICS]->(m:Metrics) RETURN count(m) AS n`,
		map[string]any{"batch": batchID})
	if n != 1 {
		t.Fatalf("metrics nodes: want=1 got=%d", n)
	}
}
