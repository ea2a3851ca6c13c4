package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

// HTTPConfig configures the model server client
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
	Name     string
	Version  string
}

// HTTPModel calls a model server: POST {endpoint}/predict with the item
// features, expecting {"price": <float>}.
type HTTPModel struct {
	endpoint string
	client   *http.Client
	info     ModelInfo
}

// NewHTTPModel creates a client for the model server
func NewHTTPModel(cfg HTTPConfig) (*HTTPModel, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("model endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	return &HTTPModel{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		info: ModelInfo{
			Name:     cfg.Name,
			Version:  cfg.Version,
			Endpoint: endpoint,
			Loaded:   true,
		},
	}, nil
}

type predictResponse struct {
	Price *float64 `json:"price"`
	Error string   `json:"error,omitempty"`
}

func (m *HTTPModel) Predict(ctx context.Context, item domain.Item) (float64, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidFeatures, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/predict", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: read response: %v", domain.ErrModelUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return 0, fmt.Errorf("%w: %s", domain.ErrInvalidFeatures, strings.TrimSpace(string(raw)))
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("%w: status %d", domain.ErrModelUnavailable, resp.StatusCode)
	}

	var out predictResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", domain.ErrModelUnavailable, err)
	}
	if out.Price == nil {
		return 0, fmt.Errorf("%w: response has no price", domain.ErrModelUnavailable)
	}
	return *out.Price, nil
}

func (m *HTTPModel) Info() ModelInfo {
	return m.info
}
