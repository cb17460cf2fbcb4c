package rpc

import "github.com/visionlab/resultgraph/internal/metrics"

// TaskType discriminates the two result shapes a model can produce.
type TaskType string

const (
	TaskObjectDetection     TaskType = "object_detection"
	TaskImageClassification TaskType = "image_classification"
)

func (t TaskType) Valid() bool {
	return t == TaskObjectDetection || t == TaskImageClassification
}

// ResultItem is one inference result for one image. The label, confidence,
// bbox and proportion slices are parallel; bbox coordinates are encoded
// "x1,y1,x2,y2" as the model emits them.
type ResultItem struct {
	ImageURL           string   `json:"image_url"`
	ClassLabels        []string `json:"class_labels"`
	Confidences        []float64 `json:"confidences"`
	BatchID            string   `json:"batch_id"`
	TaskType           TaskType `json:"task_type"`
	BBoxCoordinates    []string `json:"bbox_coordinates"`
	PreprocessingTime  float64  `json:"preprocessing_time"`
	InferenceTime      float64  `json:"inference_time"`
	PostprocessingTime float64  `json:"postprocessing_time"`
	BoxProportions     []float64 `json:"box_proportions"`
	ImageWidth         int      `json:"image_width"`
	ImageHeight        int      `json:"image_height"`
	ImageFormat        string   `json:"image_format"`
}

// Ack acknowledges one streamed ResultItem. Acks carry no identifier; the
// n-th ack answers the n-th item on the stream.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// MetricsRecord tags one batch aggregate with its batch id.
type MetricsRecord struct {
	BatchID string `json:"batch_id"`
	metrics.Record
}

// StoreResponse answers the unary StoreMetrics call.
type StoreResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
