package litellm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iaintheardofu/Tronas/internal/resilience"
)

func completionServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth")
		}
		if status >= 400 {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyParsesVerdict(t *testing.T) {
	srv := completionServer(t,
		`{"label":"responsive","confidence":0.92,"exemptions":["552.101"],"reasoning":"matches the requested contract"}`,
		http.StatusOK)

	c := NewClassifier(srv.URL, "test-key", "gpt-4o-mini")
	result, err := c.Classify(context.Background(), "contract text", "all contracts with Acme")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.Label != "responsive" {
		t.Errorf("Label = %q, want responsive", result.Label)
	}
	if result.Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", result.Confidence)
	}
	if len(result.Exemptions) != 1 || result.Exemptions[0] != "552.101" {
		t.Errorf("Exemptions = %v, want [552.101]", result.Exemptions)
	}
}

func TestClassifyStripsMarkdownFence(t *testing.T) {
	srv := completionServer(t,
		"```json\n{\"label\":\"needs_review\",\"confidence\":0.5}\n```",
		http.StatusOK)

	c := NewClassifier(srv.URL, "test-key", "gpt-4o-mini")
	result, err := c.Classify(context.Background(), "text", "context")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.Label != "needs_review" {
		t.Errorf("Label = %q, want needs_review", result.Label)
	}
}

func TestClassifyRejectsUnknownLabel(t *testing.T) {
	srv := completionServer(t, `{"label":"maybe","confidence":0.5}`, http.StatusOK)

	c := NewClassifier(srv.URL, "test-key", "gpt-4o-mini")
	if _, err := c.Classify(context.Background(), "text", "context"); err == nil {
		t.Error("Classify accepted unknown label, want error")
	}
}

func TestClassifyAPIError(t *testing.T) {
	srv := completionServer(t, "", http.StatusTooManyRequests)

	c := NewClassifier(srv.URL, "test-key", "gpt-4o-mini")
	if _, err := c.Classify(context.Background(), "text", "context"); err == nil {
		t.Error("Classify on 429 succeeded, want error")
	}
}

func TestClassifyBreakerRejectsWhenOpen(t *testing.T) {
	srv := completionServer(t, "", http.StatusInternalServerError)

	c := NewClassifier(srv.URL, "test-key", "gpt-4o-mini")
	c.SetBreaker(resilience.NewBreaker("classifier", 1, time.Minute))

	if _, err := c.Classify(context.Background(), "text", "context"); err == nil {
		t.Fatal("first call succeeded, want error")
	}
	_, err := c.Classify(context.Background(), "text", "context")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}
