package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	pkgerrors "github.com/visionlab/resultgraph/internal/pkg/errors"
)

// Observation is one processed image worth of inference output. The label,
// confidence, box and proportion slices are parallel; boxes and proportions
// may be empty for classification tasks. Stage times are milliseconds.
type Observation struct {
	Labels          []string
	Confidences     []float64
	Boxes           [][4]float64 // x1,y1,x2,y2 in pixels
	BoxProportions  []float64    // box area / image area
	PreprocessTime  float64
	InferenceTime   float64
	PostprocessTime float64
	ImageWidth      int
	ImageHeight     int
}

// BucketCount is one histogram entry. Histograms are slices, not maps, so
// serialization order is fixed: ascending bucket lower bound.
type BucketCount struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
}

// LabelCount is one entry of a per-label occurrence distribution, sorted by
// label name.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LabelValue is one entry of a per-label numeric mapping, sorted by label
// name.
type LabelValue struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Record is the aggregate metrics for one batch. Every field has a defined
// zero value for empty input; no division by zero escapes Compute.
type Record struct {
	TotalImages                    int           `json:"total_images"`
	TotalTime                      float64       `json:"total_time"`
	AverageConfidenceScore         float64       `json:"average_confidence_score"`
	LabelAverageConfidences        []LabelValue  `json:"average_confidence_for_labels"`
	ConfidenceDistribution         []BucketCount `json:"confidence_distribution"`
	DetectionCountDistribution     []BucketCount `json:"detection_count_distribution"`
	CategoryDistribution           []LabelCount  `json:"category_distribution"`
	CategoryPercentages            []LabelValue  `json:"category_percentages"`
	TotalPreprocessingTime         float64       `json:"total_preprocessing_time"`
	TotalInferenceTime             float64       `json:"total_inference_time"`
	TotalPostprocessingTime        float64       `json:"total_postprocessing_time"`
	AveragePreprocessingTime       float64       `json:"average_preprocessing_time"`
	AverageInferenceTime           float64       `json:"average_inference_time"`
	AveragePostprocessingTime      float64       `json:"average_postprocessing_time"`
	InferenceTimeDistribution      []BucketCount `json:"inference_time_distribution"`
	AverageBoxArea                 float64       `json:"average_box_area"`
	BoxAreaDistribution            []BucketCount `json:"box_area_distribution"`
	AverageBoxProportion           float64       `json:"average_box_proportion"`
	BoxProportionDistribution      []BucketCount `json:"box_proportion_distribution"`
	PreprocessingTimeDistribution  []BucketCount `json:"preprocessing_time_distribution"`
	PostprocessingTimeDistribution []BucketCount `json:"postprocessing_time_distribution"`
}

// Compute folds a batch of observations into one Record. Pure and
// deterministic; the only error is a per-observation length mismatch.
func Compute(observations []Observation) (*Record, error) {
	for i, o := range observations {
		if len(o.Confidences) != len(o.Labels) {
			return nil, fmt.Errorf("observation %d: %d labels vs %d confidences: %w",
				i, len(o.Labels), len(o.Confidences), pkgerrors.ErrInvalidArgument)
		}
		if len(o.Boxes) > 0 && len(o.Boxes) != len(o.Labels) {
			return nil, fmt.Errorf("observation %d: %d labels vs %d boxes: %w",
				i, len(o.Labels), len(o.Boxes), pkgerrors.ErrInvalidArgument)
		}
		if len(o.BoxProportions) > 0 && len(o.BoxProportions) != len(o.Labels) {
			return nil, fmt.Errorf("observation %d: %d labels vs %d box proportions: %w",
				i, len(o.Labels), len(o.BoxProportions), pkgerrors.ErrInvalidArgument)
		}
	}

	rec := &Record{TotalImages: len(observations)}

	var (
		allConfidences  []float64
		preTimes        []float64
		infTimes        []float64
		postTimes       []float64
		boxAreas        []float64
		boxProportions  []float64
		detectionCounts []int
		labelConfs      = map[string][]float64{}
		labelCounts     = map[string]int{}
	)
	for _, o := range observations {
		allConfidences = append(allConfidences, o.Confidences...)
		preTimes = append(preTimes, o.PreprocessTime)
		infTimes = append(infTimes, o.InferenceTime)
		postTimes = append(postTimes, o.PostprocessTime)
		detectionCounts = append(detectionCounts, len(o.Labels))
		boxProportions = append(boxProportions, o.BoxProportions...)
		for _, b := range o.Boxes {
			boxAreas = append(boxAreas, (b[2]-b[0])*(b[3]-b[1]))
		}
		for j, label := range o.Labels {
			labelConfs[label] = append(labelConfs[label], o.Confidences[j])
			labelCounts[label]++
		}
	}

	rec.TotalPreprocessingTime = round2(sum(preTimes))
	rec.TotalInferenceTime = round2(sum(infTimes))
	rec.TotalPostprocessingTime = round2(sum(postTimes))
	rec.TotalTime = round2(sum(preTimes) + sum(infTimes) + sum(postTimes))
	rec.AveragePreprocessingTime = round2(mean(preTimes))
	rec.AverageInferenceTime = round2(mean(infTimes))
	rec.AveragePostprocessingTime = round2(mean(postTimes))

	rec.AverageConfidenceScore = round2(mean(allConfidences))
	rec.ConfidenceDistribution = confidenceHistogram(allConfidences)
	rec.DetectionCountDistribution = detectionCountHistogram(detectionCounts)
	rec.InferenceTimeDistribution = inferenceTimeHistogram(infTimes)

	for label, confs := range labelConfs {
		rec.LabelAverageConfidences = append(rec.LabelAverageConfidences,
			LabelValue{Label: label, Value: round2(mean(confs))})
	}
	sort.Slice(rec.LabelAverageConfidences, func(i, j int) bool {
		return rec.LabelAverageConfidences[i].Label < rec.LabelAverageConfidences[j].Label
	})

	totalDetections := 0
	for _, c := range labelCounts {
		totalDetections += c
	}
	for label, count := range labelCounts {
		rec.CategoryDistribution = append(rec.CategoryDistribution, LabelCount{Label: label, Count: count})
		rec.CategoryPercentages = append(rec.CategoryPercentages,
			LabelValue{Label: label, Value: round2(float64(count) / float64(totalDetections) * 100)})
	}
	sort.Slice(rec.CategoryDistribution, func(i, j int) bool {
		return rec.CategoryDistribution[i].Label < rec.CategoryDistribution[j].Label
	})
	sort.Slice(rec.CategoryPercentages, func(i, j int) bool {
		return rec.CategoryPercentages[i].Label < rec.CategoryPercentages[j].Label
	})

	rec.AverageBoxArea = round2(mean(boxAreas))
	rec.BoxAreaDistribution = rangeHistogram(boxAreas, 10, 2)
	rec.AverageBoxProportion = round4(mean(boxProportions))
	rec.BoxProportionDistribution = rangeHistogram(boxProportions, 10, 4)
	rec.PreprocessingTimeDistribution = rangeHistogram(preTimes, 10, 2)
	rec.PostprocessingTimeDistribution = rangeHistogram(postTimes, 10, 2)

	return rec, nil
}

// confidenceHistogram buckets confidences into ten fixed-width buckets over
// [0,1]. A confidence of exactly 1.0 lands in the top bucket.
func confidenceHistogram(confidences []float64) []BucketCount {
	if len(confidences) == 0 {
		return nil
	}
	counts := make([]int, 10)
	for _, c := range confidences {
		idx := int(c * 10)
		if idx > 9 {
			idx = 9
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}
	out := make([]BucketCount, 0, 10)
	for i, n := range counts {
		out = append(out, BucketCount{
			Bucket: fmt.Sprintf("%.1f-%.1f", float64(i)/10, float64(i+1)/10),
			Count:  n,
		})
	}
	return out
}

// detectionCountHistogram has one bucket per integer count from 0 to the
// maximum observed.
func detectionCountHistogram(counts []int) []BucketCount {
	if len(counts) == 0 {
		return nil
	}
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	buckets := make([]int, max+1)
	for _, c := range counts {
		buckets[c]++
	}
	out := make([]BucketCount, 0, max+1)
	for i, n := range buckets {
		out = append(out, BucketCount{Bucket: strconv.Itoa(i), Count: n})
	}
	return out
}

// inferenceTimeHistogram uses 1ms integer buckets from 0 through the maximum
// observed time plus padding.
func inferenceTimeHistogram(times []float64) []BucketCount {
	if len(times) == 0 {
		return nil
	}
	max := 0.0
	for _, t := range times {
		if t > max {
			max = t
		}
	}
	top := int(max) + 2
	counts := make([]int, top)
	for _, t := range times {
		idx := int(t)
		if idx < 0 {
			idx = 0
		}
		if idx >= top {
			idx = top - 1
		}
		counts[idx]++
	}
	out := make([]BucketCount, 0, top)
	for i, n := range counts {
		out = append(out, BucketCount{Bucket: fmt.Sprintf("%d-%dms", i, i+1), Count: n})
	}
	return out
}

// rangeHistogram spreads values over n buckets of width (max-min)/n. When
// every value is identical there is a single degenerate bucket.
func rangeHistogram(values []float64, n, decimals int) []BucketCount {
	if len(values) == 0 {
		return nil
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return []BucketCount{{
			Bucket: bucketLabel(min, max, decimals),
			Count:  len(values),
		}}
	}
	width := (max - min) / float64(n)
	counts := make([]int, n)
	for _, v := range values {
		idx := int((v - min) / width)
		if idx >= n {
			idx = n - 1
		}
		counts[idx]++
	}
	out := make([]BucketCount, 0, n)
	for i, c := range counts {
		lo := min + float64(i)*width
		hi := min + float64(i+1)*width
		out = append(out, BucketCount{Bucket: bucketLabel(lo, hi, decimals), Count: c})
	}
	return out
}

func bucketLabel(lo, hi float64, decimals int) string {
	return fmt.Sprintf("%.*f-%.*f", decimals, lo, decimals, hi)
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
