package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// ErrNoTextContent is returned when a page has no readable text.
var ErrNoTextContent = errors.New("no text content found")

// blockSelectors end a line of extracted text.
const blockSelectors = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, pre, blockquote, section, article"

// WebFetch downloads a page and extracts its readable text.
type WebFetch struct {
	opts   HTTPOptions
	policy *bluemonday.Policy
}

// NewWebFetch creates a new WebFetch tool.
func NewWebFetch(opts HTTPOptions) *WebFetch {
	return &WebFetch{
		opts:   opts.withDefaults(),
		policy: bluemonday.StrictPolicy(),
	}
}

// Name returns the name of the tool.
func (w *WebFetch) Name() string {
	return "Web_Fetch"
}

// Description returns the description of the tool.
func (w *WebFetch) Description() string {
	return "Fetches a web page and returns its readable text. Input should be a URL."
}

// Call fetches the URL given as input.
func (w *WebFetch) Call(ctx context.Context, input string) (string, error) {
	return w.Fetch(ctx, strings.TrimSpace(input))
}

// Fetch returns the title and body text of the page at url. Scripts, styles
// and markup are removed.
func (w *WebFetch) Fetch(ctx context.Context, url string) (string, error) {
	body, err := w.opts.get(ctx, url, "text/html")
	if err != nil {
		return "", err
	}
	return w.Extract(body)
}

// Extract returns the readable text of an HTML document.
func (w *WebFetch) Extract(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	doc.Find("script, style, noscript, iframe, svg, head > link").Remove()
	doc.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	title := strings.TrimSpace(doc.Find("title").First().Text())
	markup, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("failed to render body: %w", err)
	}
	text := normalizeLines(html.UnescapeString(w.policy.Sanitize(markup)))
	if text == "" {
		return "", ErrNoTextContent
	}
	if title != "" && !strings.HasPrefix(text, title) {
		text = title + "\n\n" + text
	}
	return text, nil
}

// normalizeLines collapses runs of spaces and drops blank lines.
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
