package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// DetectionThreshold is the confidence threshold sent to the detector.
const DetectionThreshold = 0.35

// Detection is one detector result.
type Detection struct {
	Type  string          `json:"type"`
	Label string          `json:"label"`
	Score float64         `json:"score"`
	BBox  json.RawMessage `json:"bbox,omitempty"`
	Meta  json.RawMessage `json:"meta,omitempty"`
}

// Detector runs a vision model over an image reference.
type Detector interface {
	Detect(ctx context.Context, imageRef string, threshold float64) ([]Detection, error)
}

// DetectorConfig configures the HTTP detector.
type DetectorConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// DefaultDetectorConfig returns the default detector settings. URL is
// empty, so detection is off until configured.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Timeout: 30 * time.Second,
		Breaker: DefaultBreakerConfig(),
	}
}

// DetectorError is a non-2xx detector response.
type DetectorError struct {
	StatusCode int
	Body       string
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPDetector posts image references to a detection service behind a
// circuit breaker. It does not retry; an open breaker fails fast.
type HTTPDetector struct {
	url        string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]Detection]
}

// NewHTTPDetector creates an HTTPDetector.
func NewHTTPDetector(cfg DetectorConfig, logger *slog.Logger) *HTTPDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDetectorConfig().Timeout
	}
	return &HTTPDetector{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    newBreaker[[]Detection]("detector", cfg.Breaker, logger),
	}
}

type detectRequest struct {
	ImageURL            string  `json:"image_url"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
}

// Detect implements Detector.
func (d *HTTPDetector) Detect(ctx context.Context, imageRef string, threshold float64) ([]Detection, error) {
	return d.breaker.Execute(func() ([]Detection, error) {
		return d.call(ctx, imageRef, threshold)
	})
}

func (d *HTTPDetector) call(ctx context.Context, imageRef string, threshold float64) ([]Detection, error) {
	body, err := json.Marshal(detectRequest{ImageURL: imageRef, ConfidenceThreshold: threshold})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(data)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &DetectorError{StatusCode: resp.StatusCode, Body: msg}
	}

	var out detectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	return out.Detections, nil
}

// IsBreakerOpen reports whether err came from an open or saturated breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// clampScore bounds a confidence to [0, 1]. NaN becomes 0.
func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
