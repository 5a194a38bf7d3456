package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/verity-labs/dossier/pipeline/failure"
)

func openAIBody(content string) string {
	return `{
		"model": "test-model",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": ` + jsonString(content) + `}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
	}`
}

func jsonString(s string) string {
	out := `"`
	for _, r := range s {
		switch r {
		case '"':
			out += `\"`
		case '\\':
			out += `\\`
		case '\n':
			out += `\n`
		default:
			out += string(r)
		}
	}
	return out + `"`
}

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Endpoint{
		Provider: "ollama",
		URL:      srv.URL,
		Model:    "test-model",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
	}{
		{"missing provider", Endpoint{Model: "m"}},
		{"unknown provider", Endpoint{Provider: "nope", Model: "m"}},
		{"missing model", Endpoint{Provider: "ollama"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.endpoint); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCompleteSuccess(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %s", r.Header.Get("Content-Type"))
		}
		w.Write([]byte(openAIBody("hello")))
	})

	resp, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("total tokens = %d, want 5", resp.Usage.TotalTokens)
	}
}

func TestCompleteEmptyMessages(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	})

	_, err := client.Complete(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if failure.CategoryOf(err) != failure.CategoryConfiguration {
		t.Errorf("category = %s, want %s", failure.CategoryOf(err), failure.CategoryConfiguration)
	}
}

func TestCompleteClassifiesHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   failure.Category
	}{
		{http.StatusTooManyRequests, failure.CategoryRateLimit},
		{http.StatusUnauthorized, failure.CategoryAuthentication},
		{http.StatusForbidden, failure.CategoryAuthentication},
		{http.StatusRequestTimeout, failure.CategoryTimeout},
		{http.StatusGatewayTimeout, failure.CategoryTimeout},
		{http.StatusInsufficientStorage, failure.CategoryResourceExhaustion},
		{http.StatusInternalServerError, failure.CategoryTransientNetwork},
		{http.StatusBadGateway, failure.CategoryTransientNetwork},
		{http.StatusBadRequest, failure.CategoryValidation},
		{http.StatusTeapot, failure.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := failure.CategoryOf(err); got != tt.want {
				t.Errorf("category = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCompleteConnectionRefused(t *testing.T) {
	client, err := NewClient(Endpoint{
		Provider: "ollama",
		URL:      "http://127.0.0.1:1", // nothing listens here
		Model:    "test-model",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := failure.CategoryOf(err); got != failure.CategoryTransientNetwork {
		t.Errorf("category = %s, want %s", got, failure.CategoryTransientNetwork)
	}
}

func TestCompleteUnparseableBody(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := failure.CategoryOf(err); got != failure.CategoryValidation {
		t.Errorf("category = %s, want %s", got, failure.CategoryValidation)
	}
}

func TestCompleteCancelledContext(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(openAIBody("late")))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled, got %v", err)
	}
}
