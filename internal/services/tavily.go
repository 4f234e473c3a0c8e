package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/models"
)

const defaultTavilyEndpoint = "https://api.tavily.com/search"

// Tavily provides web search through the Tavily REST API. Every failure,
// transport or API level, is reported as search unavailability so the pipeline
// can skip the affected sub-query and continue.
type Tavily struct {
	apiKey     string
	endpoint   string
	maxResults int

	client *http.Client

	logger *slog.Logger
}

type tavilySearchRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilySearchResponse struct {
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Content    string `json:"content"`
	RawContent string `json:"raw_content"`
}

// NewTavily creates a Tavily search client with the given API key.
func NewTavily(apiKey string, logger *slog.Logger) Tavily {
	return Tavily{
		apiKey:     apiKey,
		endpoint:   defaultTavilyEndpoint,
		maxResults: 5,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With(slog.String("module", "tavily")),
	}
}

// Search runs one sub-query and returns hits in the provider's ranking order.
func (t Tavily) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	reqBody, err := json.Marshal(tavilySearchRequest{
		APIKey:            t.apiKey,
		Query:             query,
		MaxResults:        t.maxResults,
		IncludeRawContent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.logger.Warn("Search request rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		return nil, fmt.Errorf("%w: unexpected status %d", ErrSearchUnavailable, resp.StatusCode)
	}

	var searchResp tavilySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrSearchUnavailable, err)
	}

	results := make([]models.SearchResult, len(searchResp.Results))
	for i, res := range searchResp.Results {
		content := res.RawContent
		if content == "" {
			content = res.Content
		}
		results[i] = models.SearchResult{
			Title:   res.Title,
			URL:     res.URL,
			Snippet: res.Content,
			Content: content,
		}
	}
	return results, nil
}
