// Package classify turns a camera frame into a Normal/Abnormal decision by
// asking an object detector for labelled boxes and applying a label rule.
package classify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
)

// Box is a bounding box in pixel coordinates (x1, y1, x2, y2).
type Box [4]float64

// Detection is one labelled box reported by a detector. Either Label or
// Class identifies the object.
type Detection struct {
	Class      int     `json:"class"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Detector finds objects in an encoded frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]Detection, error)
}

// Result is a frame's decision and the detections behind it. Detections
// are diagnostic only.
type Result struct {
	Decision   decision.Decision
	Detections []Detection
}

// LabelClassifier combines a Detector with a label rule.
type LabelClassifier struct {
	detector Detector
	labels   *Labels
	logger   *slog.Logger
}

// NewLabelClassifier validates labels and returns a classifier.
func NewLabelClassifier(detector Detector, labels *Labels, logger *slog.Logger) (*LabelClassifier, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if labels == nil {
		return nil, fmt.Errorf("labels are required")
	}
	if err := labels.Validate(); err != nil {
		return nil, err
	}
	return &LabelClassifier{
		detector: detector,
		labels:   labels,
		logger:   monitoring.Or(logger).With("component", "classifier"),
	}, nil
}

// Classify runs detection on frame and reduces the result to a Decision.
// Any error means the frame produced no decision.
func (c *LabelClassifier) Classify(ctx context.Context, frame []byte) (Result, error) {
	dets, err := c.detector.Detect(ctx, frame)
	if err != nil {
		return Result{}, fmt.Errorf("detect: %w", err)
	}
	d, err := c.labels.Decide(dets)
	if err != nil {
		return Result{}, err
	}
	c.logger.Debug("frame classified", "decision", d.String(), "detections", len(dets))
	return Result{Decision: d, Detections: dets}, nil
}
