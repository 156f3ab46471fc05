package client

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

	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/config"
	"github.com/artstudio/pipeline/internal/model"
)

var ErrNotConfigured = errors.New("prediction API is not configured")

// Predictor submits inference jobs and polls them.
type Predictor interface {
	Submit(ctx context.Context, req *PredictionRequest) (*Prediction, error)
	Poll(ctx context.Context, getURL string) (*Prediction, error)
	IsConfigured() bool
}

// PredictionRequest is the body of a submit call.
type PredictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

// Prediction is the job resource returned by submit and poll.
type Prediction struct {
	ID     string                 `json:"id"`
	Status model.PredictionStatus `json:"status"`
	URLs   PredictionURLs         `json:"urls"`
	Output json.RawMessage        `json:"output,omitempty"`
	Error  any                    `json:"error,omitempty"`
}

type PredictionURLs struct {
	Get    string `json:"get"`
	Cancel string `json:"cancel,omitempty"`
}

// OutputText joins the output into one string. Language models stream their
// answer as a list of tokens.
func (p *Prediction) OutputText() string {
	if len(p.Output) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Output, &s); err == nil {
		return s
	}
	var parts []string
	if err := json.Unmarshal(p.Output, &parts); err == nil {
		return strings.Join(parts, "")
	}
	return string(p.Output)
}

// OutputURL returns the first artifact URL of an image model's output.
func (p *Prediction) OutputURL() string {
	var s string
	if err := json.Unmarshal(p.Output, &s); err == nil {
		return s
	}
	var parts []string
	if err := json.Unmarshal(p.Output, &parts); err == nil && len(parts) > 0 {
		return parts[0]
	}
	return ""
}

// ErrorText renders the error detail reported by the API.
func (p *Prediction) ErrorText() string {
	switch e := p.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}

// APIError is a non-2xx answer from the prediction API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("prediction API error (status %d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// PredictionClient implements Predictor over HTTP.
type PredictionClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *zap.Logger
}

func NewPredictionClient(cfg *config.PredictionConfig, logger *zap.Logger) *PredictionClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PredictionClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger.Named("prediction"),
	}
}

// Submit starts a prediction.
func (c *PredictionClient) Submit(ctx context.Context, req *PredictionRequest) (*Prediction, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	var result Prediction
	if err := c.post(ctx, c.baseURL+"/predictions", req, &result); err != nil {
		return nil, err
	}
	if result.URLs.Get == "" && result.ID != "" {
		result.URLs.Get = c.baseURL + "/predictions/" + result.ID
	}
	return &result, nil
}

// Poll fetches the current state of a prediction by its get URL.
func (c *PredictionClient) Poll(ctx context.Context, getURL string) (*Prediction, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	var result Prediction
	if err := c.get(ctx, getURL, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *PredictionClient) IsConfigured() bool {
	return c.baseURL != "" && c.token != ""
}

// post sends a POST request with JSON body
func (c *PredictionClient) post(ctx context.Context, url string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *PredictionClient) get(ctx context.Context, url string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *PredictionClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Debug("request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("method", req.Method), zap.String("url", req.URL.String()), zap.Error(err))
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("response", zap.Int("status", resp.StatusCode), zap.String("url", req.URL.String()))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 500)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
