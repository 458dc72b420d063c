package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the altscore API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Integrator API key, e.g. "sk_..."
}

// Client is a thin HTTP client for the altscore integrator API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.CorrelationID != "" {
				return nil, fmt.Errorf("API error (%d): %s [correlation_id=%s]", resp.StatusCode, apiErr.Message, apiErr.CorrelationID)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

type scoreBody struct {
	PersonaID        string         `json:"persona_id"`
	ModelID          string         `json:"model_id,omitempty"`
	FeatureOverrides map[string]any `json:"feature_overrides,omitempty"`
}

// ComputeScore computes and persists a score for a persona.
func (c *Client) ComputeScore(ctx context.Context, personaID, modelID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/scores/compute", nil, scoreBody{PersonaID: personaID, ModelID: modelID})
}

// SimulateScore runs a what-if simulation without persisting anything.
func (c *Client) SimulateScore(ctx context.Context, personaID, modelID string, overrides map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/scores/simulate", nil, scoreBody{
		PersonaID:        personaID,
		ModelID:          modelID,
		FeatureOverrides: overrides,
	})
}

// ScoreTrend returns monthly average scores for a persona.
func (c *Client) ScoreTrend(ctx context.Context, personaID, modelID string, months int) (json.RawMessage, error) {
	q := url.Values{}
	if modelID != "" {
		q.Set("model_id", modelID)
	}
	if months > 0 {
		q.Set("months", strconv.Itoa(months))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/personas/"+url.PathEscape(personaID)+"/trend", q, nil)
}

// ListModels lists the configured scoring models.
func (c *Client) ListModels(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/models", nil, nil)
}

// StartScoreRun starts an asynchronous score computation.
func (c *Client) StartScoreRun(ctx context.Context, personaID, modelID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/runs", nil, scoreBody{PersonaID: personaID, ModelID: modelID})
}

// GetScoreRun returns one score run.
func (c *Client) GetScoreRun(ctx context.Context, runID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, nil)
}
