package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/visionlab/resultgraph/internal/metrics"
)

// Store is the graph mutation surface the collector writes through. Every
// operation is an upsert: calling it twice with the same arguments leaves the
// graph in the same state as calling it once.
type Store interface {
	EnsureBatch(ctx context.Context, batchID string) error
	EnsureImageInBatch(ctx context.Context, img ImageRef) error
	EnsureAnnotation(ctx context.Context, imageURL, taskType string) error
	RecordDetection(ctx context.Context, det Detection) (created bool, err error)
	RecordMetrics(ctx context.Context, batchID string, rec *metrics.Record) error
	UpdateAnnotationFeedback(ctx context.Context, imageURL string, patch FeedbackPatch) error
}

// ImageRef identifies an image by URL plus the batch it first arrived in and
// its source metadata. The URL is the unique key; the batch link is
// first-write-wins.
type ImageRef struct {
	URL     string
	BatchID string
	Width   int
	Height  int
	Format  string
}

// Detection is one labeled finding on an image. Box is nil for
// classification results.
type Detection struct {
	ImageURL   string
	BatchID    string
	Label      string
	Confidence float64
	TaskType   string
	Box        *[4]float64 // x1,y1,x2,y2
}

// DedupKey is the identity under which repeated delivery of the same
// detection converges to one node.
func (d Detection) DedupKey() string {
	box := "-"
	if d.Box != nil {
		box = fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", d.Box[0], d.Box[1], d.Box[2], d.Box[3])
	}
	return strings.Join([]string{d.ImageURL, d.Label, box, d.BatchID}, "|")
}

// FeedbackPatch is a tri-state review-flag update: nil fields leave the
// stored value untouched.
type FeedbackPatch struct {
	Reviewed      *bool
	Classified    *bool
	Misclassified *bool
}

func (p FeedbackPatch) Empty() bool {
	return p.Reviewed == nil && p.Classified == nil && p.Misclassified == nil
}
