// Package client is an HTTP client for a running prediction server.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"precept-serve/internal/common"
	"precept-serve/internal/drift"
	"precept-serve/internal/server"
	"precept-serve/internal/storage"

	"github.com/go-resty/resty/v2"
)

type Client struct {
	base string
	rest *resty.Client
}

func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	r.SetHeader("Accept", "application/json")
	return &Client{base: strings.TrimRight(base, "/"), rest: r}
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server: %d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("server: %d: %s", e.Status, e.Message)
}

// Unwrap maps the reported error kind back onto the common sentinels so
// callers can use errors.Is as they would in-process.
func (e *APIError) Unwrap() error {
	switch e.Kind {
	case common.KindSchema.String():
		return common.ErrSchema
	case common.KindModelLoad.String():
		return common.ErrModelLoad
	case common.KindDimension.String():
		return common.ErrDimension
	case common.KindInference.String():
		return common.ErrInference
	case common.KindClosed.String():
		return common.ErrClosed
	}
	return nil
}

// Predict sends one input vector.
func (c *Client) Predict(ctx context.Context, input []float64) (*server.PredictionResponse, error) {
	return c.PredictWithID(ctx, input, "")
}

// PredictWithID sends one input vector tagged with a request id.
func (c *Client) PredictWithID(ctx context.Context, input []float64, requestID string) (*server.PredictionResponse, error) {
	out := &server.PredictionResponse{}
	err := c.do(ctx, "POST", "/predict", server.PredictionRequest{Input: input, RequestID: requestID}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	out := &server.HealthResponse{}
	if err := c.do(ctx, "GET", "/health", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ModelInfo(ctx context.Context) (*server.ModelInfo, error) {
	out := &server.ModelInfo{}
	if err := c.do(ctx, "GET", "/model/info", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reload asks the server to reload its current model from disk.
func (c *Client) Reload(ctx context.Context) (*server.ModelInfo, error) {
	out := &server.ModelInfo{}
	if err := c.do(ctx, "POST", "/model/reload", struct{}{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Drift fetches the input drift report of the loaded model.
func (c *Client) Drift(ctx context.Context) (*drift.Report, error) {
	out := &drift.Report{}
	if err := c.do(ctx, "GET", "/model/drift", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListVersions(ctx context.Context) ([]storage.ModelVersion, error) {
	var out []storage.ModelVersion
	if err := c.do(ctx, "GET", "/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Activate(ctx context.Context, version string) (*server.ModelInfo, error) {
	out := &server.ModelInfo{}
	if err := c.do(ctx, "POST", "/models/activate", map[string]string{"version": version}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Rollback(ctx context.Context) (*server.ModelInfo, error) {
	out := &server.ModelInfo{}
	if err := c.do(ctx, "POST", "/models/rollback", struct{}{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req := c.rest.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&server.ErrorResponse{})
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, c.base+path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode(), Message: resp.String()}
		if e, ok := resp.Error().(*server.ErrorResponse); ok && e.Error != "" {
			apiErr.Kind = e.Kind
			apiErr.Message = e.Error
		}
		return apiErr
	}
	return nil
}
