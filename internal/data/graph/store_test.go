package graph

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/visionlab/resultgraph/internal/metrics"
)

func TestDetectionDedupKey(t *testing.T) {
	box := [4]float64{0, 0, 10.5, 10.5}
	det := Detection{
		ImageURL:   "https://img/1.jpg",
		BatchID:    "b1",
		Label:      "dog",
		Confidence: 0.9,
		TaskType:   "object_detection",
		Box:        &box,
	}
	key := det.DedupKey()
	if key != "https://img/1.jpg|dog|0.0000,0.0000,10.5000,10.5000|b1" {
		t.Fatalf("dedup key: %s", key)
	}

	// Same detection delivered again: identical key.
	again := det
	if again.DedupKey() != key {
		t.Fatalf("redelivery must produce the same key")
	}

	// A different box for the same label is a distinct detection.
	other := det
	otherBox := [4]float64{1, 1, 10.5, 10.5}
	other.Box = &otherBox
	if other.DedupKey() == key {
		t.Fatalf("distinct boxes must not collide")
	}

	// Classification results have no box component.
	cls := Detection{ImageURL: "https://img/1.jpg", BatchID: "b1", Label: "dog"}
	if !strings.Contains(cls.DedupKey(), "|-|") {
		t.Fatalf("classification key: %s", cls.DedupKey())
	}
}

func TestFeedbackPatchEmpty(t *testing.T) {
	if !(FeedbackPatch{}).Empty() {
		t.Fatalf("zero patch should be empty")
	}
	v := true
	if (FeedbackPatch{Reviewed: &v}).Empty() {
		t.Fatalf("patch with a field should not be empty")
	}
}

func TestMetricsPropsSerializesDistributionsDeterministically(t *testing.T) {
	rec := &metrics.Record{
		TotalImages:            2,
		AverageConfidenceScore: 0.56,
		ConfidenceDistribution: []metrics.BucketCount{
			{Bucket: "0.2-0.3", Count: 1},
			{Bucket: "0.9-1.0", Count: 1},
		},
		CategoryDistribution: []metrics.LabelCount{
			{Label: "cat", Count: 1},
			{Label: "dog", Count: 1},
		},
	}

	props, err := metricsProps("b1", rec)
	if err != nil {
		t.Fatalf("metricsProps: %v", err)
	}
	if props["batch_id"] != "b1" || props["total_images"] != int64(2) {
		t.Fatalf("scalar props: %+v", props)
	}

	raw, ok := props["confidence_distribution"].(string)
	if !ok {
		t.Fatalf("confidence distribution not serialized as string: %T", props["confidence_distribution"])
	}
	var buckets []metrics.BucketCount
	if err := json.Unmarshal([]byte(raw), &buckets); err != nil {
		t.Fatalf("unmarshal distribution: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Bucket != "0.2-0.3" {
		t.Fatalf("bucket order lost: %+v", buckets)
	}

	again, err := metricsProps("b1", rec)
	if err != nil {
		t.Fatalf("metricsProps second call: %v", err)
	}
	if again["confidence_distribution"] != props["confidence_distribution"] ||
		again["category_distribution"] != props["category_distribution"] {
		t.Fatalf("serialization not deterministic")
	}
}
