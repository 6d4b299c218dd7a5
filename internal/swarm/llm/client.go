// Package llm implements a round-robin, multi-credential client for a
// remote generative-language API. The central design constraint is that no
// credential is ever held as client-wide state: every request carries its
// own key, chosen by advancing a shared index. This is a deliberate
// departure from the vendored SDK shape most providers ship, which configure
// a credential once on a package-level or client-level object — that shape
// cannot express "the next call from this client should use a different
// key", which round-robin failover requires.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeforge/swarmengine/internal/swarm/telemetry"
)

// Complexity selects the sampling temperature for a call.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"

	maxOutputTokens = 8192

	safetyBlockedMarker = "[Blocked by Safety Filters]"
)

// Message is one turn of conversation sent to the model.
type Message struct {
	Role    string
	Content string
}

// Usage reports token accounting for a single call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client dispatches calls across a rotating pool of API keys.
type Client struct {
	baseURL string
	keys    []string
	logger  *slog.Logger
	http    *http.Client

	mu        sync.Mutex
	nextIndex int

	metrics *telemetry.Metrics
}

// SetMetrics attaches a metrics sink. Optional — a Client with none recorded
// just skips the bookkeeping, which keeps every existing New call site
// valid without threading a nil through it.
func (c *Client) SetMetrics(m *telemetry.Metrics) {
	c.metrics = m
}

// New constructs a Client. It returns an error if keys is empty — a rotator
// with no credentials cannot serve a single request, so this is a
// FatalStartup-class condition the caller should surface before the server
// starts accepting traffic.
func New(baseURL string, keys []string, logger *slog.Logger) (*Client, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("llm: at least one API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		keys:    append([]string(nil), keys...),
		logger:  logger,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// nextKey atomically advances the rotation index and returns the key it
// pointed at before advancing.
func (c *Client) nextKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.keys[c.nextIndex]
	c.nextIndex = (c.nextIndex + 1) % len(c.keys)
	return key
}

// Call sends contents plus an optional system instruction to the model and
// returns its text response and token usage. maxRetries of 0 selects the
// default of 2*len(keys).
func (c *Client) Call(ctx context.Context, model string, contents []Message, systemInstruction string, complexity Complexity, maxRetries int) (string, Usage, error) {
	if maxRetries <= 0 {
		maxRetries = 2 * len(c.keys)
	}

	temperature := 0.1
	if complexity == ComplexityComplex {
		temperature = 0.2
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", Usage{}, err
		}

		key := c.nextKey()
		text, usage, retryable, err := c.attempt(ctx, key, model, contents, systemInstruction, temperature)
		if err == nil {
			c.recordOutcome(model, "success", start, usage)
			return text, usage, nil
		}
		lastErr = err

		if !retryable {
			c.recordOutcome(model, "error", start, Usage{})
			return "", Usage{}, err
		}

		delay := time.Duration(attempt)
		if delay > 5 {
			delay = 5
		}
		if httpErr, ok := err.(*statusError); ok && httpErr.status == http.StatusTooManyRequests {
			delay = 1
		}
		c.logger.Warn("llm call retrying", "attempt", attempt, "error", err)
		if c.metrics != nil {
			c.metrics.RecordLLMRetry()
		}

		select {
		case <-ctx.Done():
			return "", Usage{}, ctx.Err()
		case <-time.After(delay * time.Second):
		}
	}

	c.recordOutcome(model, "error", start, Usage{})
	return "", Usage{}, &AllKeysExhaustedError{Attempts: maxRetries, LastErr: lastErr}
}

func (c *Client) recordOutcome(model, status string, start time.Time, usage Usage) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordLLMRequest(model, status, time.Since(start), usage.PromptTokens, usage.CompletionTokens)
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

type generateRequest struct {
	Contents          []content           `json:"contents"`
	SystemInstruction *content            `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig    `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// attempt issues a single HTTP round trip with key passed per-request as a
// query parameter (never mutating client- or package-level state). The bool
// return reports whether a failure is worth retrying with the next key.
func (c *Client) attempt(ctx context.Context, key, model string, contents []Message, systemInstruction string, temperature float64) (string, Usage, bool, error) {
	reqBody := generateRequest{
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxOutputTokens,
		},
	}
	for _, m := range contents {
		reqBody.Contents = append(reqBody.Contents, content{
			Role:  m.Role,
			Parts: []part{{Text: m.Content}},
		})
	}
	if systemInstruction != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: systemInstruction}}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, false, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, model, key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", Usage{}, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", Usage{}, true, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", Usage{}, true, &statusError{status: resp.StatusCode, body: string(body)}
	}
	if resp.StatusCode >= 500 {
		return "", Usage{}, true, &statusError{status: resp.StatusCode, body: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, false, &statusError{status: resp.StatusCode, body: string(body)}
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", Usage{}, false, fmt.Errorf("decode response: %w", err)
	}

	if len(decoded.Candidates) == 0 {
		if decoded.PromptFeedback != nil && decoded.PromptFeedback.BlockReason != "" {
			return safetyBlockedMarker, Usage{}, false, nil
		}
		return "", Usage{}, false, fmt.Errorf("no candidates in response")
	}

	var text strings.Builder
	for _, p := range decoded.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	usage := Usage{}
	if decoded.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     decoded.UsageMetadata.PromptTokenCount,
			CompletionTokens: decoded.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      decoded.UsageMetadata.TotalTokenCount,
		}
	}

	return text.String(), usage, false, nil
}
