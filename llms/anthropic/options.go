package anthropic

import (
	"net/http"
	"os"

	"github.com/tmc/langchaingo/callbacks"
)

const (
	ModelClaude35Sonnet = "claude-3-5-sonnet-20241022"
	ModelClaude3Haiku   = "claude-3-haiku-20240307"

	defaultMaxTokens = 1024
)

type options struct {
	apiKey           string
	model            string
	baseURL          string
	httpClient       *http.Client
	maxTokens        int
	callbacksHandler callbacks.Handler
}

// Option configures the Anthropic LLM.
type Option func(*options)

// WithAPIKey sets the API key. Defaults to ANTHROPIC_API_KEY.
func WithAPIKey(apiKey string) Option {
	return func(o *options) {
		o.apiKey = apiKey
	}
}

// WithModel sets the default model id.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithBaseURL overrides the API base URL, including the version path.
func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithMaxTokens sets the completion budget used when a call does not set one.
func WithMaxTokens(n int) Option {
	return func(o *options) {
		o.maxTokens = n
	}
}

// WithCallback sets the callbacks handler.
func WithCallback(handler callbacks.Handler) Option {
	return func(o *options) {
		o.callbacksHandler = handler
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
