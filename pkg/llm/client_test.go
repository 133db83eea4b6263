package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkm-engine/internal/config"
)

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "m" || req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL + "/", APIKey: "k", Model: "m"})
	got, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, &GenerationParams{JSONMode: true})
	if err != nil || got != "hi" {
		t.Fatalf("Chat = %q, %v", got, err)
	}
}

func TestChatNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error")
	}
}
