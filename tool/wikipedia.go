package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// NoWikipediaResult is returned as text when a search finds nothing.
const NoWikipediaResult = "No good Wikipedia Search Result was found"

// WikipediaSearch queries the MediaWiki API and returns page summaries.
type WikipediaSearch struct {
	BaseURL  string
	Lang     string
	TopK     int
	MaxChars int
	opts     HTTPOptions
}

type WikipediaOption func(*WikipediaSearch)

// WithWikipediaBaseURL overrides the API host, e.g. for a mirror.
func WithWikipediaBaseURL(baseURL string) WikipediaOption {
	return func(w *WikipediaSearch) {
		w.BaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithWikipediaLang sets the wiki language (e.g., "en", "fr").
func WithWikipediaLang(lang string) WikipediaOption {
	return func(w *WikipediaSearch) {
		w.Lang = lang
	}
}

// WithWikipediaTopK sets the number of pages to summarise (1-10).
func WithWikipediaTopK(k int) WikipediaOption {
	return func(w *WikipediaSearch) {
		w.TopK = min(max(k, 1), 10)
	}
}

// WithWikipediaHTTP sets the client, user agent and size cap.
func WithWikipediaHTTP(opts HTTPOptions) WikipediaOption {
	return func(w *WikipediaSearch) {
		w.opts = opts
	}
}

// NewWikipediaSearch creates a new WikipediaSearch tool.
func NewWikipediaSearch(opts ...WikipediaOption) *WikipediaSearch {
	w := &WikipediaSearch{
		Lang:     "en",
		TopK:     3,
		MaxChars: 4000,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.BaseURL == "" {
		w.BaseURL = fmt.Sprintf("https://%s.wikipedia.org", w.Lang)
	}
	w.opts = w.opts.withDefaults()
	return w
}

// Name returns the name of the tool.
func (w *WikipediaSearch) Name() string {
	return "Wikipedia_Search"
}

// Description returns the description of the tool.
func (w *WikipediaSearch) Description() string {
	return "Looks up encyclopedia articles. Input should be a search query."
}

// Call executes the search.
func (w *WikipediaSearch) Call(ctx context.Context, input string) (string, error) {
	return w.Search(ctx, input)
}

type wikiResponse struct {
	Query struct {
		Pages map[string]struct {
			Title   string `json:"title"`
			Extract string `json:"extract"`
			Index   int    `json:"index"`
		} `json:"pages"`
	} `json:"query"`
}

// Search returns "Page: <title>\nSummary: <extract>" blocks for the best
// matching articles, truncated to MaxChars.
func (w *WikipediaSearch) Search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("empty wikipedia query")
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("format", "json")
	params.Set("generator", "search")
	params.Set("gsrsearch", query)
	params.Set("gsrlimit", strconv.Itoa(w.TopK))
	params.Set("prop", "extracts")
	params.Set("exintro", "1")
	params.Set("explaintext", "1")
	reqURL := fmt.Sprintf("%s/w/api.php?%s", w.BaseURL, params.Encode())

	body, err := w.opts.get(ctx, reqURL, "application/json")
	if err != nil {
		return "", err
	}

	var resp wikiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	type page struct {
		title, extract string
		index          int
	}
	pages := make([]page, 0, len(resp.Query.Pages))
	for _, p := range resp.Query.Pages {
		if strings.TrimSpace(p.Extract) == "" {
			continue
		}
		pages = append(pages, page{p.Title, strings.TrimSpace(p.Extract), p.Index})
	}
	if len(pages) == 0 {
		return NoWikipediaResult, nil
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].index < pages[j].index })

	blocks := make([]string, len(pages))
	for i, p := range pages {
		blocks[i] = fmt.Sprintf("Page: %s\nSummary: %s", p.title, p.extract)
	}
	out := strings.Join(blocks, "\n\n")
	if w.MaxChars > 0 && len(out) > w.MaxChars {
		out = out[:w.MaxChars]
	}
	return out, nil
}
