package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/MR-GREEN1337/wakil/config"
	"github.com/MR-GREEN1337/wakil/log"
	"github.com/MR-GREEN1337/wakil/nodes"
	"github.com/MR-GREEN1337/wakil/rag"
	vectors "github.com/MR-GREEN1337/wakil/rag/store"
	"github.com/MR-GREEN1337/wakil/store"
	"github.com/MR-GREEN1337/wakil/store/memory"
	"github.com/MR-GREEN1337/wakil/store/postgres"
	"github.com/MR-GREEN1337/wakil/store/redis"
	"github.com/MR-GREEN1337/wakil/store/sqlite"
	"github.com/MR-GREEN1337/wakil/tool"
)

// backends owns every client handle opened from the configuration.
type backends struct {
	checkpoints store.CheckpointStore
	vectors     rag.VectorStore
	embedder    rag.Embedder
	registry    *nodes.Registry
}

func openBackends(ctx context.Context, cfg *config.Config, logger log.Logger) (*backends, error) {
	logger = log.OrDefault(logger)
	cps, err := openCheckpointStore(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	vs, err := openVectorStore(ctx, cfg.Vector)
	if err != nil {
		cps.Close()
		return nil, err
	}
	emb, err := newEmbedder(cfg)
	if err != nil {
		vs.Close()
		cps.Close()
		return nil, err
	}
	b := &backends{
		checkpoints: cps,
		vectors:     vs,
		embedder:    emb,
	}
	b.registry = nodes.NewRegistry(nodes.Deps{
		HTTP:            httpOptions(cfg.HTTP),
		Vectors:         vs,
		Embedder:        b.embedder,
		Collection:      cfg.Vector.Collection,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		Logger:          logger,
	})
	logger.Debug("opened %s checkpoints and %s vectors", cfg.Checkpoint.Backend, cfg.Vector.Backend)
	return b, nil
}

func (b *backends) Close() error {
	return errors.Join(b.vectors.Close(), b.checkpoints.Close())
}

func openCheckpointStore(ctx context.Context, cfg config.CheckpointConfig) (store.CheckpointStore, error) {
	switch cfg.Backend {
	case "memory":
		return memory.NewMemoryCheckpointStore(), nil
	case "sqlite":
		return sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
			Path:      cfg.Path,
			TableName: cfg.Table,
		})
	case "postgres":
		return postgres.NewPostgresCheckpointStore(ctx, postgres.PostgresOptions{
			ConnString: cfg.DSN,
			TableName:  cfg.Table,
		})
	case "redis":
		s := redis.NewRedisCheckpointStore(redis.RedisOptions{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
			TTL:      time.Duration(cfg.TTL),
		})
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

func openVectorStore(ctx context.Context, cfg config.VectorConfig) (rag.VectorStore, error) {
	switch cfg.Backend {
	case "memory":
		return vectors.NewInMemoryVectorStore(), nil
	case "pgvector":
		return vectors.NewPGVectorStore(ctx, vectors.PGVectorOptions{
			ConnString: cfg.DSN,
			TableName:  cfg.Table,
		})
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

func newEmbedder(cfg *config.Config) (rag.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "mock":
		return rag.NewMockEmbedder(cfg.Vector.Dimension), nil
	case "langchaingo":
		opts := []openai.Option{openai.WithToken(cfg.Embedding.APIKey)}
		if cfg.Embedding.Model != "" {
			opts = append(opts, openai.WithEmbeddingModel(cfg.Embedding.Model))
		}
		if cfg.Embedding.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Embedding.BaseURL))
		}
		client, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding client: %w", err)
		}
		emb, err := embeddings.NewEmbedder(client)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return rag.NewLangChainEmbedder(emb, cfg.Vector.Dimension), nil
	default:
		return rag.NewOpenAIEmbedder(rag.OpenAIEmbedderOptions{
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Vector.Dimension,
		}), nil
	}
}

func httpOptions(cfg config.HTTPConfig) tool.HTTPOptions {
	return tool.HTTPOptions{
		Client:    &http.Client{Timeout: time.Duration(cfg.Timeout)},
		UserAgent: cfg.UserAgent,
	}
}
