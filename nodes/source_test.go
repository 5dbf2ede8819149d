package nodes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-GREEN1337/wakil/tool"
)

func newSourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			_, _ = w.Write([]byte(`<html><head><title>Wakil</title></head><body><p>Agents answer from their sources.</p></body></html>`))
		case "/files/notes.txt":
			_, _ = w.Write([]byte("\n  plain notes about graphs  \n"))
		case "/files/readme.md":
			_, _ = w.Write([]byte("# Title\n\nSome *markdown* text."))
		case "/files/page.html":
			_, _ = w.Write([]byte(`<html><body><p>Hello HTML</p></body></html>`))
		case "/w/api.php":
			_, _ = w.Write([]byte(`{"query":{"pages":{"1":{"title":"Graph","extract":"A graph has nodes.","index":1}}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, src Source) ([]string, error) {
	t.Helper()
	var out []string
	for chunk, err := range src.Chunks(context.Background()) {
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

func TestURLScraper(t *testing.T) {
	srv := newSourceServer(t)
	reg := NewRegistry(Deps{})

	src, err := reg.NewSource(Config{ID: "u1", Type: TypeURLScraper, Metadata: map[string]any{"urlSearch": srv.URL + "/page"}})
	require.NoError(t, err)

	chunks, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "Agents answer from their sources.")

	_, err = collect(t, src)
	assert.ErrorIs(t, err, ErrSourceConsumed)
}

func TestURLScraper_FetchError(t *testing.T) {
	srv := newSourceServer(t)
	src, err := NewRegistry(Deps{}).NewSource(Config{ID: "u1", Type: TypeURLScraper, Metadata: map[string]any{"urlSearch": srv.URL + "/gone"}})
	require.NoError(t, err)

	_, err = src.Load(context.Background())
	assert.ErrorContains(t, err, "status code 404")
	assert.ErrorContains(t, err, "URL Scraper node u1")
}

func TestSource_MissingMetadata(t *testing.T) {
	reg := NewRegistry(Deps{})
	cases := map[NodeType]string{
		TypeURLScraper:      "urlSearch",
		TypeWikipediaSearch: "query",
		TypeFileUpload:      "url",
	}
	for typ, key := range cases {
		_, err := reg.NewSource(Config{ID: "n", Type: typ, Metadata: map[string]any{key: "  "}})
		var initErr *NodeInitializationError
		require.True(t, errors.As(err, &initErr), typ)
		assert.ErrorIs(t, err, ErrMissingMetadata)
		assert.Contains(t, err.Error(), key)
	}

	_, err := reg.NewSource(Config{ID: "n", Type: TypeURLScraper, Metadata: map[string]any{"urlSearch": "not a url"}})
	assert.ErrorContains(t, err, "invalid urlSearch")
}

func TestWikipediaSource(t *testing.T) {
	srv := newSourceServer(t)
	reg := NewRegistry(Deps{Wikipedia: []tool.WikipediaOption{tool.WithWikipediaBaseURL(srv.URL)}})

	src, err := reg.NewSource(Config{ID: "w1", Type: TypeWikipediaSearch, Metadata: map[string]any{"query": "graph"}})
	require.NoError(t, err)

	text, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Page: Graph\nSummary: A graph has nodes.", text)
}

func TestFileUpload(t *testing.T) {
	srv := newSourceServer(t)
	reg := NewRegistry(Deps{})
	ctx := context.Background()

	cases := map[string]string{
		"/files/notes.txt": "plain notes about graphs",
		"/files/readme.md": "Some *markdown* text.",
		"/files/page.html": "Hello HTML",
	}
	for p, want := range cases {
		src, err := reg.NewSource(Config{ID: "f1", Type: TypeFileUpload, Metadata: map[string]any{"url": srv.URL + p}})
		require.NoError(t, err, p)
		text, err := src.Load(ctx)
		require.NoError(t, err, p)
		assert.Contains(t, text, want, p)
		assert.Equal(t, strings.TrimSpace(text), text)
	}
}

func TestFileUpload_UnsupportedType(t *testing.T) {
	_, err := NewRegistry(Deps{}).NewSource(Config{ID: "f1", Type: TypeFileUpload, Metadata: map[string]any{"url": "https://files.example.com/report.docx"}})
	var initErr *NodeInitializationError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, "f1", initErr.NodeID)
	assert.ErrorContains(t, err, `unsupported file type ".docx"`)
}

func TestDetectFileKind(t *testing.T) {
	cases := map[string]FileKind{
		"https://x.test/a.PDF":               FilePDF,
		"https://x.test/a.pdf?X-Amz-Sig=abc": FilePDF,
		"https://x.test/dir/notes.txt":       FileText,
		"https://x.test/index.htm":           FileHTML,
		"https://x.test/index.html#section":  FileHTML,
		"https://x.test/README.md":           FileMarkdown,
	}
	for u, want := range cases {
		got, err := DetectFileKind(u)
		require.NoError(t, err, u)
		assert.Equal(t, want, got, u)
	}

	_, err := DetectFileKind("https://x.test/archive")
	assert.Error(t, err)
}

type failingBlobs struct{}

func (failingBlobs) Fetch(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket unreachable")
}

func TestFileUpload_BlobError(t *testing.T) {
	src, err := NewRegistry(Deps{Blobs: failingBlobs{}}).NewSource(Config{ID: "f1", Type: TypeFileUpload, Metadata: map[string]any{"url": "https://x.test/a.txt"}})
	require.NoError(t, err)

	_, err = collect(t, src)
	assert.ErrorContains(t, err, "bucket unreachable")
}
