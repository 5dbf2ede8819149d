package nodes

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"github.com/tmc/langchaingo/documentloaders"

	"github.com/MR-GREEN1337/wakil/rag"
	"github.com/MR-GREEN1337/wakil/tool"
)

type loader interface {
	load(ctx context.Context) (string, error)
}

// sourceNode gives every loader the Source contract.
type sourceNode struct {
	cfg      Config
	loader   loader
	consumed atomic.Bool
}

func (s *sourceNode) Load(ctx context.Context) (string, error) {
	text, err := s.loader.load(ctx)
	if err != nil {
		return "", fmt.Errorf("%s node %s: %w", s.cfg.Type, s.cfg.ID, err)
	}
	return strings.TrimSpace(text), nil
}

func (s *sourceNode) Chunks(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if s.consumed.Swap(true) {
			yield("", fmt.Errorf("%s node %s: %w", s.cfg.Type, s.cfg.ID, ErrSourceConsumed))
			return
		}
		text, err := s.Load(ctx)
		if err != nil {
			yield("", err)
			return
		}
		chunks, err := rag.SplitText(rag.NewRecursiveSplitter(), text)
		if err != nil {
			yield("", err)
			return
		}
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type urlScraper struct {
	url   string
	fetch *tool.WebFetch
}

func newURLScraper(d Deps, cfg Config) (Source, error) {
	u := cfg.String("urlSearch")
	if u == "" {
		return nil, missing(cfg, "urlSearch")
	}
	if _, err := url.ParseRequestURI(u); err != nil {
		return nil, initError(cfg, fmt.Errorf("invalid urlSearch: %w", err))
	}
	return &sourceNode{cfg: cfg, loader: &urlScraper{url: u, fetch: tool.NewWebFetch(d.HTTP)}}, nil
}

func (s *urlScraper) load(ctx context.Context) (string, error) {
	text, err := s.fetch.Fetch(ctx, s.url)
	if err != nil {
		return "", fmt.Errorf("error loading data from URL %s: %w", s.url, err)
	}
	return text, nil
}

type wikipediaSource struct {
	query  string
	search *tool.WikipediaSearch
}

func newWikipediaSource(d Deps, cfg Config) (Source, error) {
	q := cfg.String("query")
	if q == "" {
		return nil, missing(cfg, "query")
	}
	opts := append([]tool.WikipediaOption{tool.WithWikipediaHTTP(d.HTTP)}, d.Wikipedia...)
	return &sourceNode{cfg: cfg, loader: &wikipediaSource{query: q, search: tool.NewWikipediaSearch(opts...)}}, nil
}

func (s *wikipediaSource) load(ctx context.Context) (string, error) {
	text, err := s.search.Search(ctx, s.query)
	if err != nil {
		return "", fmt.Errorf("error loading data from Wikipedia for query %q: %w", s.query, err)
	}
	return text, nil
}

// FileKind is an uploaded file format, chosen by the URL path suffix.
type FileKind string

const (
	FilePDF      FileKind = "pdf"
	FileText     FileKind = "txt"
	FileHTML     FileKind = "html"
	FileMarkdown FileKind = "md"
)

var fileKinds = map[string]FileKind{
	".pdf":  FilePDF,
	".txt":  FileText,
	".html": FileHTML,
	".htm":  FileHTML,
	".md":   FileMarkdown,
}

// DetectFileKind returns the kind of the file a URL points at. Query strings
// such as presigned-URL signatures are ignored.
func DetectFileKind(rawURL string) (FileKind, error) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	kind, ok := fileKinds[ext]
	if !ok {
		return "", fmt.Errorf("unsupported file type %q: only PDF, TXT, HTML and MD are allowed", ext)
	}
	return kind, nil
}

type fileUpload struct {
	url   string
	kind  FileKind
	blobs tool.BlobFetcher
}

func newFileUpload(d Deps, cfg Config) (Source, error) {
	u := cfg.String("url")
	if u == "" {
		return nil, missing(cfg, "url")
	}
	kind, err := DetectFileKind(u)
	if err != nil {
		return nil, initError(cfg, err)
	}
	return &sourceNode{cfg: cfg, loader: &fileUpload{url: u, kind: kind, blobs: d.Blobs}}, nil
}

func (s *fileUpload) load(ctx context.Context) (string, error) {
	data, err := s.blobs.Fetch(ctx, s.url)
	if err != nil {
		return "", fmt.Errorf("error loading file %s: %w", s.url, err)
	}

	var l documentloaders.Loader
	switch s.kind {
	case FilePDF:
		l = documentloaders.NewPDF(bytes.NewReader(data), int64(len(data)))
	case FileHTML:
		l = documentloaders.NewHTML(bytes.NewReader(data))
	default:
		l = documentloaders.NewText(bytes.NewReader(data))
	}
	docs, err := rag.LoadDocuments(ctx, l)
	if err != nil {
		return "", fmt.Errorf("error reading %s file %s: %w", s.kind, s.url, err)
	}
	return rag.JoinDocuments(docs), nil
}
