package classify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/pear-sorter/internal/httputil"
)

// HTTPDetector posts JPEG frames to a remote inference service and parses
// its JSON reply:
//
//	{"detections": [{"class": 0, "label": "normal_pear_box", "confidence": 0.93, "box": [x1, y1, x2, y2]}]}
type HTTPDetector struct {
	URL    string
	Client httputil.HTTPClient
}

// NewHTTPDetector returns a detector for url. A nil client uses
// http.DefaultClient; callers should supply one with a timeout.
func NewHTTPDetector(url string, client httputil.HTTPClient) *HTTPDetector {
	return &HTTPDetector{URL: url, Client: client}
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
}

// Detect sends frame and returns the reported detections.
func (d *HTTPDetector) Detect(ctx context.Context, frame []byte) ([]Detection, error) {
	body, err := httputil.PostJPEG(ctx, d.Client, d.URL, frame)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	var out detectResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	return out.Detections, nil
}
