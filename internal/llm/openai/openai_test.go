package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/askmesh/askmesh/internal/llm"
)

func TestGenerateSendsMessagesAndReturnsContent(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  SELECT 1  "}}]}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL + "/", APIKey: "secret", Model: "gpt-test", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := client.Generate(context.Background(), llm.Prompt{
		System: "system rules",
		Turns: []llm.Turn{
			{Role: llm.RoleUser, Content: "earlier"},
			{Role: llm.RoleAssistant, Content: "reply"},
			{Role: llm.RoleUser, Content: "question"},
		},
	}, 0)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "SELECT 1" {
		t.Fatalf("Generate() = %q", got)
	}
	if captured["model"] != "gpt-test" {
		t.Fatalf("model = %v", captured["model"])
	}
	messages, ok := captured["messages"].([]any)
	if !ok || len(messages) != 4 {
		t.Fatalf("messages = %#v", captured["messages"])
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "system rules" {
		t.Fatalf("first message = %#v", first)
	}
	if captured["max_completion_tokens"] != float64(64) {
		t.Fatalf("max_completion_tokens = %v", captured["max_completion_tokens"])
	}
}

func TestGenerateWrapsHTTPFailureAsServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = client.Generate(context.Background(), llm.UserPrompt("", "q"), 0)
	var svc *llm.ServiceError
	if !errors.As(err, &svc) {
		t.Fatalf("Generate() error = %v, want ServiceError", err)
	}
}

func TestGenerateRejectsEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer server.Close()

	client, _ := New(Config{BaseURL: server.URL, APIKey: "secret"})
	if _, err := client.Generate(context.Background(), llm.UserPrompt("", "q"), 0); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatal("expected base URL error")
	}
	if _, err := New(Config{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected api key error")
	}
}
