package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/oceanbase/contextmem-go/pkg/embedder"
	"github.com/oceanbase/contextmem-go/pkg/embedder/mock"
	"github.com/oceanbase/contextmem-go/pkg/embedder/ollama"
	"github.com/oceanbase/contextmem-go/pkg/embedder/openai"
	"github.com/oceanbase/contextmem-go/pkg/embedder/qwen"
	"github.com/oceanbase/contextmem-go/pkg/intelligence"
	"github.com/oceanbase/contextmem-go/pkg/logger"
	"github.com/oceanbase/contextmem-go/pkg/storage"
	"github.com/oceanbase/contextmem-go/pkg/storage/oceanbase"
	"github.com/oceanbase/contextmem-go/pkg/storage/postgres"
	"github.com/oceanbase/contextmem-go/pkg/storage/sqlite"
	"github.com/oceanbase/contextmem-go/pkg/vector"
)

// Client is the main entry point of contextmem.
//
// It owns one record store, one activation engine and one conflict
// resolver, all sharing the same embedding provider and logger. Every
// method is safe for concurrent use.
//
// Example:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, err := core.NewClient(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Add(ctx, "Paris is the capital of France")
//	results, _ := client.Retrieve(ctx, "capital of France", 3)
type Client struct {
	config   *Config
	embedder embedder.Provider
	store    *storage.Store
	engine   *intelligence.ActivationEngine
	resolver *intelligence.ConflictResolver
	logger   *zap.Logger

	// queryCache holds query embeddings keyed by query text; nil when disabled.
	queryCache *ristretto.Cache

	ownsEmbedder bool
}

// DefaultQueryCacheSize is the number of query embeddings cached when
// EmbedderConfig.QueryCacheSize is zero.
const DefaultQueryCacheSize = 1024

// NewClient creates a client from config, building the embedder it names
// and a console logger at config.LogLevel.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, NewMemoryError("NewClient", fmt.Errorf("%w: nil config", ErrInvalidConfig))
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	emb, err := initEmbedder(config.Embedder)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	client, err := NewClientWithEmbedder(config, emb, logger.New(config.LogLevel))
	if err != nil {
		_ = emb.Close()
		return nil, err
	}
	client.ownsEmbedder = true
	return client, nil
}

// NewClientWithEmbedder creates a client around an existing embedding
// provider. config.Embedder is ignored. A nil log disables logging.
// The provider is not closed by Client.Close.
func NewClientWithEmbedder(config *Config, emb embedder.Provider, log *zap.Logger) (*Client, error) {
	if config == nil {
		return nil, NewMemoryError("NewClient", fmt.Errorf("%w: nil config", ErrInvalidConfig))
	}
	if emb == nil {
		return nil, NewMemoryError("NewClient", fmt.Errorf("%w: nil embedder", ErrInvalidConfig))
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := config.validate(false); err != nil {
		return nil, err
	}

	ctx := context.Background()

	accessLog, err := initAccessLog(config.Store)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	store, err := storage.New(ctx, storage.Config{
		Dir:                 config.Store.Dir,
		Namespace:           config.Store.Namespace,
		BatchSize:           config.Store.BatchSize,
		EncodeWorkers:       config.Store.EncodeWorkers,
		MaxEventsPerRecord:  config.Store.MaxEventsPerRecord,
		AccessLog:           accessLog,
		DeferAccessLogFlush: config.Store.DeferAccessLogFlush,
		Logger:              log.Named("store"),
	}, checkedEncoder{emb})
	if err != nil {
		if accessLog != nil {
			_ = accessLog.Close()
		}
		return nil, NewMemoryError("NewClient", err)
	}

	engine, err := intelligence.NewActivationEngine(config.Activation, log.Named("activation"))
	if err != nil {
		_ = store.Close()
		return nil, NewMemoryError("NewClient", err)
	}

	resolver, err := intelligence.NewConflictResolver(intelligence.ResolverConfig{
		DefaultStrategy: config.Conflict.DefaultStrategy,
		AuditLogPath:    config.Conflict.AuditLogPath,
		NodeID:          config.Conflict.NodeID,
	}, log.Named("conflict"))
	if err != nil {
		_ = store.Close()
		return nil, NewMemoryError("NewClient", err)
	}
	if config.Conflict.AuditLogPath != "" {
		if err := resolver.LoadAuditLog(""); err != nil {
			log.Warn("conflict audit log not loaded, starting empty",
				zap.String("path", config.Conflict.AuditLogPath), zap.Error(err))
		}
	}

	queryCache, err := newQueryCache(config.Embedder.QueryCacheSize)
	if err != nil {
		_ = store.Close()
		return nil, NewMemoryError("NewClient", err)
	}

	log.Info("contextmem client ready",
		zap.String("dir", config.Store.Dir),
		zap.String("namespace", config.Store.Namespace),
		zap.Int("records", store.Len()))

	return &Client{
		config:     config,
		embedder:   emb,
		store:      store,
		engine:     engine,
		resolver:   resolver,
		logger:     log,
		queryCache: queryCache,
	}, nil
}

func newQueryCache(size int) (*ristretto.Cache, error) {
	if size < 0 {
		return nil, nil
	}
	if size == 0 {
		size = DefaultQueryCacheSize
	}
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
	})
}

// initEmbedder builds the embedding provider named by cfg.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewClient(&openai.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "qwen":
		return qwen.NewClient(&qwen.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "ollama":
		return ollama.NewClient(&ollama.Config{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "mock":
		return mock.New(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("%w: unsupported embedder provider: %s", ErrInvalidConfig, cfg.Provider)
	}
}

// initAccessLog opens the access log backend of cfg. A nil result selects
// the store's JSON file.
func initAccessLog(cfg StoreConfig) (storage.AccessLogStore, error) {
	switch cfg.AccessLog.Provider {
	case "", "json":
		return nil, nil
	case "sqlite":
		dbPath := cfg.AccessLog.DSN
		if dbPath == "" {
			dbPath = filepath.Join(cfg.Dir, fmt.Sprintf("access_history_%s.db", cfg.Namespace))
		}
		return sqlite.NewClient(&sqlite.Config{
			DBPath:    dbPath,
			TableName: cfg.AccessLog.Table,
			Namespace: cfg.Namespace,
		})
	case "postgres":
		return postgres.NewClient(&postgres.Config{
			DSN:       cfg.AccessLog.DSN,
			TableName: cfg.AccessLog.Table,
			Namespace: cfg.Namespace,
		})
	case "oceanbase":
		return oceanbase.NewClient(&oceanbase.Config{
			DSN:       cfg.AccessLog.DSN,
			TableName: cfg.AccessLog.Table,
			Namespace: cfg.Namespace,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported access log provider: %s", ErrInvalidConfig, cfg.AccessLog.Provider)
	}
}

// checkedEncoder tags provider failures with ErrEmbeddingFailed and rejects
// vectors whose length differs from the provider's dimension.
type checkedEncoder struct {
	embedder.Provider
}

func (c checkedEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := c.Provider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	if dims := c.Provider.Dimensions(); dims > 0 {
		for _, v := range vectors {
			if len(v) != dims {
				return nil, fmt.Errorf("%w: %w: provider returned %d, expected %d",
					ErrEmbeddingFailed, ErrDimensionMismatch, len(v), dims)
			}
		}
	}
	return vectors, nil
}

// embedQuery encodes query, or returns nil for an empty query. Results
// are served from the query cache when enabled.
func (c *Client) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if query == "" {
		return nil, nil
	}
	if c.queryCache != nil {
		if cached, ok := c.queryCache.Get(query); ok {
			return vector.Clone(cached.([]float32)), nil
		}
	}

	vectors, err := checkedEncoder{c.embedder}.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	if c.queryCache != nil {
		c.queryCache.Set(query, vector.Clone(vectors[0]), 1)
		c.queryCache.Wait()
	}
	return vectors[0], nil
}

// Add stores texts that are not already present, encoding only the new
// ones. Existing texts are reported, not re-encoded.
func (c *Client) Add(ctx context.Context, texts ...string) (*storage.UpsertResult, error) {
	result, err := c.store.Upsert(ctx, texts)
	if err != nil {
		return nil, NewMemoryError("Add", err)
	}
	return result, nil
}

// Delete removes records by id. Unknown ids return ErrNotFound and nothing
// is deleted.
func (c *Client) Delete(ctx context.Context, ids ...string) error {
	return NewMemoryError("Delete", c.store.Delete(ctx, ids))
}

// Get returns the record stored under id.
func (c *Client) Get(id string) (*storage.Record, error) {
	record, err := c.store.Get(id)
	if err != nil {
		return nil, NewMemoryError("Get", err)
	}
	return record, nil
}

// Retrieve returns the topK records most similar to query, best first.
//
// Each returned record gets an access event carrying its rank and score,
// and the query joins the activation engine's context window.
func (c *Client) Retrieve(ctx context.Context, query string, topK int) ([]*RetrievalResult, error) {
	if topK <= 0 {
		return nil, NewMemoryError("Retrieve", fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidInput, topK))
	}
	if query == "" {
		return nil, NewMemoryError("Retrieve", fmt.Errorf("%w: empty query", ErrInvalidInput))
	}

	queryEmbedding, err := c.embedQuery(ctx, query)
	if err != nil {
		return nil, NewMemoryError("Retrieve", err)
	}

	records := c.store.Records()
	results := make([]*RetrievalResult, 0, len(records))
	for _, record := range records {
		score, err := vector.Cosine(queryEmbedding, record.Embedding)
		if err != nil {
			return nil, NewMemoryError("Retrieve", err)
		}
		results = append(results, &RetrievalResult{HashID: record.HashID, Content: record.Content, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}

	returned := results[:0]
	for _, r := range results {
		score := r.Score
		_, err := c.store.RecordAccess(ctx, r.HashID, storage.AccessOptions{
			Query:           query,
			QueryEmbedding:  queryEmbedding,
			RankingPosition: len(returned),
			SimilarityScore: &score,
		})
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted since the snapshot.
			continue
		}
		if err != nil {
			return nil, NewMemoryError("Retrieve", err)
		}
		r.Rank = len(returned)
		returned = append(returned, r)
	}

	c.engine.AddQueryContext(query, queryEmbedding)

	c.logger.Debug("retrieve",
		zap.String("query", query),
		zap.Int("top_k", topK),
		zap.Int("returned", len(returned)))
	return returned, nil
}

// Activation scores every record against query. An empty query scores
// semantic relevance as 0.
func (c *Client) Activation(ctx context.Context, query string) (map[string]*intelligence.ActivationScore, error) {
	queryEmbedding, err := c.embedQuery(ctx, query)
	if err != nil {
		return nil, NewMemoryError("Activation", err)
	}
	scores, err := c.engine.CalculateBatchActivation(c.store, queryEmbedding)
	if err != nil {
		return nil, NewMemoryError("Activation", err)
	}
	return scores, nil
}

// Decay keeps the retentionRatio share of records with the highest
// activation for query and deletes the rest that are not retained.
func (c *Client) Decay(ctx context.Context, query string, retentionRatio float64) (*DecayResult, error) {
	queryEmbedding, err := c.embedQuery(ctx, query)
	if err != nil {
		return nil, NewMemoryError("Decay", err)
	}

	total := c.store.Len()
	forget, err := c.engine.GetMemoriesToForget(c.store, queryEmbedding, retentionRatio)
	if err != nil {
		return nil, NewMemoryError("Decay", err)
	}
	if len(forget) > 0 {
		if err := c.store.Delete(ctx, forget); err != nil {
			return nil, NewMemoryError("Decay", err)
		}
	}

	c.logger.Info("decay pass complete",
		zap.Float64("retention_ratio", retentionRatio),
		zap.Int("total", total),
		zap.Int("forgotten", len(forget)))
	return &DecayResult{Total: total, Forgotten: forget}, nil
}

// Cleanup removes every record whose activation for query is below
// threshold. With dryRun the plan is returned and nothing is deleted.
func (c *Client) Cleanup(ctx context.Context, query string, threshold float64, dryRun bool) (*CleanupResult, error) {
	queryEmbedding, err := c.embedQuery(ctx, query)
	if err != nil {
		return nil, NewMemoryError("Cleanup", err)
	}

	plan, err := c.engine.PlanCleanup(c.store, queryEmbedding, threshold)
	if err != nil {
		return nil, NewMemoryError("Cleanup", err)
	}
	result := &CleanupResult{Plan: plan, DryRun: dryRun}
	if dryRun {
		return result, nil
	}

	deleted, err := intelligence.CommitCleanup(ctx, c.store, plan)
	if err != nil {
		return nil, NewMemoryError("Cleanup", err)
	}
	result.Deleted = deleted

	c.logger.Info("cleanup complete",
		zap.Float64("threshold", threshold),
		zap.Int("total", plan.Total),
		zap.Int("deleted", deleted))
	return result, nil
}

// ResolveFacts detects conflicts between existing and incoming facts and
// resolves them with strategy. Source ids come from ids and access counts
// from the record store. When an audit log path is configured the history
// is saved afterwards; a failed save is logged, not returned.
func (c *Client) ResolveFacts(
	existing, incoming []intelligence.Fact,
	ids *intelligence.FactIndex,
	strategy intelligence.Strategy,
) (*FactResolution, error) {
	if ids == nil {
		ids = intelligence.NewFactIndex()
	}

	conflicts := c.resolver.DetectConflicts(existing, incoming)
	resolution := &FactResolution{Conflicts: conflicts}
	if len(conflicts) == 0 {
		return resolution, nil
	}

	counts := make(map[string]int)
	for _, pair := range conflicts {
		for _, fact := range []intelligence.Fact{existing[pair.ExistingIndex], incoming[pair.NewIndex]} {
			id := ids.Lookup(fact)
			if _, seen := counts[id]; !seen && id != intelligence.UnknownHashID {
				counts[id] = c.store.AccessCount(id)
			}
		}
	}

	result, err := c.resolver.BatchResolveConflicts(conflicts, existing, incoming, ids, counts, strategy)
	if err != nil {
		return nil, NewMemoryError("ResolveFacts", err)
	}
	resolution.Result = result

	if c.resolver.AuditLogPath() != "" {
		if err := c.resolver.SaveAuditLog(""); err != nil {
			c.logger.Warn("conflict audit log not saved", zap.Error(err))
		}
	}
	return resolution, nil
}

// SaveState writes the activation engine state to path as JSON.
func (c *Client) SaveState(path string) error {
	data, err := json.MarshalIndent(c.engine.ExportState(), "", "  ")
	if err != nil {
		return NewMemoryError("SaveState", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return NewMemoryError("SaveState", err)
		}
	}
	return NewMemoryError("SaveState", os.WriteFile(path, data, 0644))
}

// LoadState restores the activation engine state from path. A missing file
// leaves the engine unchanged.
func (c *Client) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return NewMemoryError("LoadState", err)
	}

	var state intelligence.EngineState
	if err := json.Unmarshal(data, &state); err != nil {
		return NewMemoryError("LoadState", fmt.Errorf("%w: %s: %v", ErrMalformedData, path, err))
	}
	return NewMemoryError("LoadState", c.engine.LoadState(&state))
}

// Flush persists a deferred access log.
func (c *Client) Flush(ctx context.Context) error {
	return NewMemoryError("Flush", c.store.Flush(ctx))
}

// Store returns the underlying record store.
func (c *Client) Store() *storage.Store {
	return c.store
}

// Engine returns the activation engine.
func (c *Client) Engine() *intelligence.ActivationEngine {
	return c.engine
}

// Resolver returns the conflict resolver.
func (c *Client) Resolver() *intelligence.ConflictResolver {
	return c.resolver
}

// Config returns the client configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Close flushes and closes the store, and the embedder when the client
// created it.
func (c *Client) Close() error {
	var errs []error
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.queryCache != nil {
		c.queryCache.Close()
	}
	if c.ownsEmbedder {
		if err := c.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = c.logger.Sync()
	return NewMemoryError("Close", errors.Join(errs...))
}
