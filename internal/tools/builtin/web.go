package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/michaelbrown/convo/internal/tools"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// searchURL is the Tavily search endpoint.
var searchURL = "https://api.tavily.com/search"

type fetchArgs struct {
	URL string `json:"url" jsonschema:"description=The URL to fetch"`
}

var WebFetch = tools.MustTyped("web_fetch",
	"Fetch the text content of a URL via HTTP GET.",
	func(ctx context.Context, args fetchArgs) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", "convo/0.1")

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 50_000))
		if err != nil {
			return "", fmt.Errorf("reading body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("GET %s: %s", args.URL, resp.Status)
		}
		return truncate(string(body)), nil
	})

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=The search query"`
}

var WebSearch = tools.MustTyped("web_search",
	"Search the web using the Tavily API. Returns relevant results with snippets.",
	func(ctx context.Context, args searchArgs) (string, error) {
		apiKey := os.Getenv("TAVILY_API_KEY")
		if apiKey == "" {
			return "", errors.New("TAVILY_API_KEY not set")
		}

		body, _ := json.Marshal(map[string]any{
			"query":          args.Query,
			"max_results":    5,
			"include_answer": true,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("search API returned %d: %s", resp.StatusCode, respBody)
		}

		var result struct {
			Answer  string `json:"answer"`
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Content string `json:"content"`
			} `json:"results"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return "", fmt.Errorf("parsing response: %w", err)
		}

		var sb strings.Builder
		if result.Answer != "" {
			sb.WriteString("Answer: " + result.Answer + "\n\n")
		}
		for i, r := range result.Results {
			fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Content)
		}
		return sb.String(), nil
	})
