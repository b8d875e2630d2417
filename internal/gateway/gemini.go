// Package gateway issues generation requests against the Gemini text API.
// It never retries and never touches ledger state; retry policy and usage
// accounting belong to its callers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tokengate/tokengate/internal/util"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta2"
	defaultModel   = "models/gemini-1.0"

	// requestTimeout bounds every backend call.
	requestTimeout = 60 * time.Second

	// defaultTemperature matches the backend's conservative sampling default.
	defaultTemperature = 0.2

	// maxErrorBodyBytes limits how much of an error response is retained.
	maxErrorBodyBytes = 2048
)

var (
	// ErrBackendUnavailable marks transport-level failures.
	ErrBackendUnavailable = errors.New("gateway: backend unavailable")
	// ErrBackendTimeout marks calls that exceeded the fixed timeout.
	ErrBackendTimeout = errors.New("gateway: backend timeout")
)

// BackendError is a non-success response from the backend, with the
// backend's message attached.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("gateway: backend error: status %d: %s", e.StatusCode, e.Message)
}

// Result is a successful generation. OutputTokens carries backend-reported
// cost metadata when the response includes it, and 0 otherwise; callers fall
// back to estimating from Text.
type Result struct {
	Text         string
	OutputTokens int64
}

// Client calls the Gemini generateText endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithModel sets the model identifier.
func WithModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.model = model
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// New creates a Gemini client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Prompt          promptPayload `json:"prompt"`
	MaxOutputTokens int64         `json:"maxOutputTokens"`
	Temperature     float64       `json:"temperature"`
}

type promptPayload struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Output  string `json:"output"`
		Content string `json:"content"`
	} `json:"candidates"`
	Output        string `json:"output"`
	Text          string `json:"text"`
	UsageMetadata *struct {
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Generate requests a completion bounded by ceiling output tokens. The
// ceiling travels to the backend as maxOutputTokens, so the backend itself
// enforces the authorized output budget.
func (c *Client) Generate(ctx context.Context, prompt string, ceiling int64) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	payload, errMarshal := json.Marshal(generateRequest{
		Prompt:          promptPayload{Text: prompt},
		MaxOutputTokens: ceiling,
		Temperature:     defaultTemperature,
	})
	if errMarshal != nil {
		return Result{}, fmt.Errorf("gateway: marshal request: %w", errMarshal)
	}

	endpoint := fmt.Sprintf("%s/%s:generateText?key=%s", c.baseURL, c.model, url.QueryEscape(c.apiKey))
	req, errRequest := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if errRequest != nil {
		return Result{}, fmt.Errorf("gateway: build request: %w", errRequest)
	}
	req.Header.Set("Content-Type", "application/json")
	log.WithField("endpoint", util.MaskSensitiveURL(endpoint, c.apiKey)).Debug("gateway: generate request")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return Result{}, c.classifyTransportError(errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Result{}, &BackendError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(body),
		}
	}

	var parsed generateResponse
	if errDecode := json.NewDecoder(resp.Body).Decode(&parsed); errDecode != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrBackendUnavailable, errDecode)
	}

	result := Result{Text: candidateText(parsed)}
	if parsed.UsageMetadata != nil {
		result.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	return result, nil
}

// candidateText extracts generated text, tolerating the field-name drift
// between API revisions.
func candidateText(parsed generateResponse) string {
	if len(parsed.Candidates) > 0 {
		if parsed.Candidates[0].Output != "" {
			return parsed.Candidates[0].Output
		}
		return parsed.Candidates[0].Content
	}
	if parsed.Output != "" {
		return parsed.Output
	}
	return parsed.Text
}

// classifyTransportError maps transport failures onto the error taxonomy.
// Transport errors echo the request URL, so the API key is masked before the
// message can reach a log line.
func (c *Client) classifyTransportError(err error) error {
	msg := err.Error()
	if c.apiKey != "" {
		msg = strings.ReplaceAll(msg, c.apiKey, util.HideSecret(c.apiKey))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrBackendTimeout, msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrBackendTimeout, msg)
	}
	return fmt.Errorf("%w: %s", ErrBackendUnavailable, msg)
}

// extractErrorMessage pulls a short message out of an error body.
func extractErrorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "no response body"
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}
	return trimmed
}
