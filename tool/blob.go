package tool

import "context"

// BlobFetcher retrieves an uploaded file, typically through a presigned URL.
type BlobFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPBlobFetcher fetches blobs with a plain GET.
type HTTPBlobFetcher struct {
	opts HTTPOptions
}

var _ BlobFetcher = (*HTTPBlobFetcher)(nil)

// NewHTTPBlobFetcher creates a BlobFetcher over HTTP.
func NewHTTPBlobFetcher(opts HTTPOptions) *HTTPBlobFetcher {
	return &HTTPBlobFetcher{opts: opts.withDefaults()}
}

func (f *HTTPBlobFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.opts.get(ctx, url, "")
}
