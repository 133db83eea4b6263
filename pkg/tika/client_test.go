package tika

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkm-engine/internal/config"
)

func TestExtractText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/tika" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/pdf" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte("extracted:" + string(body)))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL})
	got, err := c.ExtractText(context.Background(), strings.NewReader("raw"), "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got != "extracted:raw" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL})
	if _, err := c.ExtractText(context.Background(), strings.NewReader("x"), "a.bin"); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestNewClientDisabled(t *testing.T) {
	if NewClient(config.TikaConfig{}) != nil {
		t.Fatal("empty server url should disable the client")
	}
	if got := DetectMimeType("noext"); got != "application/octet-stream" {
		t.Fatalf("DetectMimeType = %q", got)
	}
}
