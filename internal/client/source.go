package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/visionlab/resultgraph/internal/rpc"
)

// Observation is one image worth of inference output on the client side,
// before it is shaped into a wire item. ImageURL is filled by the upload
// step when empty.
type Observation struct {
	ImagePath          string
	ImageURL           string
	TaskType           rpc.TaskType
	Labels             []string
	Confidences        []float64
	Boxes              [][4]float64
	BoxProportions     []float64
	PreprocessingTime  float64
	InferenceTime      float64
	PostprocessingTime float64
	ImageWidth         int
	ImageHeight        int
	ImageFormat        string
}

// ObservationSource produces the pending observations for one batch run. The
// inference step that fills them in is outside this module; the manifest
// source below lets the pipeline run from precomputed results.
type ObservationSource interface {
	Observations(ctx context.Context) ([]Observation, error)
}

// ManifestSource reads observations from a JSON manifest. Image paths are
// resolved relative to the manifest's directory.
type ManifestSource struct {
	Path string
}

type manifestEntry struct {
	Image              string    `json:"image"`
	TaskType           string    `json:"task_type"`
	Labels             []string  `json:"labels"`
	Confidences        []float64 `json:"confidences"`
	Boxes              []string  `json:"boxes"`
	PreprocessingTime  float64   `json:"preprocessing_time"`
	InferenceTime      float64   `json:"inference_time"`
	PostprocessingTime float64   `json:"postprocessing_time"`
	Width              int       `json:"width"`
	Height             int       `json:"height"`
	Format             string    `json:"format"`
}

func (m ManifestSource) Observations(_ context.Context) ([]Observation, error) {
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("client: read manifest: %w", err)
	}
	var entries []manifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("client: parse manifest %s: %w", m.Path, err)
	}

	base := filepath.Dir(m.Path)
	out := make([]Observation, 0, len(entries))
	for i, e := range entries {
		obs := Observation{
			ImagePath:          filepath.Join(base, e.Image),
			TaskType:           rpc.TaskType(e.TaskType),
			Labels:             e.Labels,
			Confidences:        e.Confidences,
			PreprocessingTime:  e.PreprocessingTime,
			InferenceTime:      e.InferenceTime,
			PostprocessingTime: e.PostprocessingTime,
			ImageWidth:         e.Width,
			ImageHeight:        e.Height,
			ImageFormat:        format(e),
		}
		for _, b := range e.Boxes {
			box, err := parseBox(b)
			if err != nil {
				return nil, fmt.Errorf("client: manifest entry %d: %w", i, err)
			}
			obs.Boxes = append(obs.Boxes, box)
		}
		obs.BoxProportions = boxProportions(obs.Boxes, e.Width, e.Height)
		out = append(out, obs)
	}
	return out, nil
}

func format(e manifestEntry) string {
	if e.Format != "" {
		return e.Format
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(e.Image)), ".")
}

func boxProportions(boxes [][4]float64, width, height int) []float64 {
	if len(boxes) == 0 || width <= 0 || height <= 0 {
		return nil
	}
	imageArea := float64(width) * float64(height)
	out := make([]float64, 0, len(boxes))
	for _, b := range boxes {
		area := (b[2] - b[0]) * (b[3] - b[1])
		out = append(out, round4(area/imageArea))
	}
	return out
}

func round4(v float64) float64 {
	s, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 4, 64), 64)
	return s
}

func parseBox(raw string) ([4]float64, error) {
	var box [4]float64
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return box, fmt.Errorf("malformed box %q", raw)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return box, fmt.Errorf("malformed box %q: %v", raw, err)
		}
		box[i] = v
	}
	return box, nil
}

func formatBox(box [4]float64) string {
	parts := make([]string, 4)
	for i, v := range box {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
