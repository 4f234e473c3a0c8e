package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testTavily(endpoint string) Tavily {
	t := NewTavily("test-key", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.endpoint = endpoint
	return t
}

func TestTavilySearch(t *testing.T) {
	var gotReq tavilySearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(tavilySearchResponse{
			Results: []tavilyResult{
				{Title: "First", URL: "https://a.example", Content: "snippet a", RawContent: "full a"},
				{Title: "Second", URL: "https://b.example", Content: "snippet b"},
			},
		})
	}))
	defer srv.Close()

	results, err := testTavily(srv.URL).Search(context.Background(), "go concurrency")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if gotReq.APIKey != "test-key" || gotReq.Query != "go concurrency" {
		t.Errorf("request = %+v, want key and query forwarded", gotReq)
	}
	if !gotReq.IncludeRawContent {
		t.Error("request did not ask for raw content")
	}

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Content != "full a" || results[0].Snippet != "snippet a" {
		t.Errorf("results[0] = %+v, want raw content preferred", results[0])
	}
	// Without raw content, the snippet doubles as the content.
	if results[1].Content != "snippet b" {
		t.Errorf("results[1].Content = %q, want snippet fallback", results[1].Content)
	}
}

func TestTavilySearchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "quota exceeded", http.StatusTooManyRequests)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := testTavily(srv.URL).Search(context.Background(), "query")
			if !errors.Is(err, ErrSearchUnavailable) {
				t.Errorf("Search() error = %v, want ErrSearchUnavailable", err)
			}
		})
	}
}

func TestTavilySearchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := testTavily(srv.URL).Search(context.Background(), "query")
	if !errors.Is(err, ErrSearchUnavailable) {
		t.Errorf("Search() error = %v, want ErrSearchUnavailable", err)
	}
}
