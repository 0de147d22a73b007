// Package litellm implements the classifier port against an OpenAI-compatible
// chat completions endpoint (a LiteLLM proxy in the reference deployment).
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/iaintheardofu/Tronas/internal/port/classifier"
	"github.com/iaintheardofu/Tronas/internal/resilience"
)

const systemPrompt = `You review government records responsive to a public information request.
Classify the document against the request description and respond with a single JSON object:
{"label": "responsive" | "non_responsive" | "needs_review",
 "confidence": <0.0-1.0>,
 "exemptions": [<statutory exemption identifiers, if any>],
 "reasoning": "<one sentence>"}`

// Classifier calls the classification model over HTTP.
type Classifier struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClassifier creates a classifier against the given endpoint. The HTTP
// client carries no timeout of its own; callers bound each call through ctx.
func NewClassifier(baseURL, apiKey, model string) *Classifier {
	return &Classifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Classifier) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Classify submits the document text and request context to the model and
// parses the JSON verdict. Oversized input is truncated to the model limit.
func (c *Classifier) Classify(ctx context.Context, text, requestContext string) (*classifier.Result, error) {
	if len(text) > classifier.MaxInputBytes {
		text = text[:classifier.MaxInputBytes]
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Request: " + requestContext + "\n\nDocument:\n" + text},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	var raw []byte
	call := func(ctx context.Context) error {
		raw, err = c.doRequest(ctx, body)
		return err
	}

	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}

	return parseVerdict(raw)
}

func (c *Classifier) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("classifier API error %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// parseVerdict extracts the JSON object from the model reply. Models
// sometimes fence the object in markdown; the braces are located directly.
func parseVerdict(raw []byte) (*classifier.Result, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classifier returned no choices")
	}

	content := resp.Choices[0].Message.Content
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("classifier reply has no JSON object: %q", truncate(content, 200))
	}

	var result classifier.Result
	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("unmarshal verdict: %w", err)
	}

	switch result.Label {
	case "responsive", "non_responsive", "needs_review":
	default:
		return nil, fmt.Errorf("classifier returned unknown label %q", result.Label)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("classifier confidence %v out of range", result.Confidence)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
