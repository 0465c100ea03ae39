package intelligence

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oceanbase/contextmem-go/pkg/storage"
	"github.com/oceanbase/contextmem-go/pkg/vector"
)

const (
	// DefaultMinActivation is the activation below which a record that has
	// been accessed at least once is no longer retained.
	DefaultMinActivation = 0.05

	// relevantContextsForFullFrequency is the number of relevant past
	// accesses at which context frequency saturates at 1.
	relevantContextsForFullFrequency = 5.0
)

// ActivationConfig contains the tunables of an ActivationEngine.
type ActivationConfig struct {
	// ContextWindowSize is the number of recent queries kept (default: 10).
	ContextWindowSize int `json:"context_window_size" toml:"context_window_size"`

	// RelevanceWeight weights semantic relevance to the current query (default: 0.5).
	RelevanceWeight float64 `json:"relevance_weight" toml:"relevance_weight"`

	// RecencyWeight weights the recency bonus (default: 0.3).
	RecencyWeight float64 `json:"recency_weight" toml:"recency_weight"`

	// FrequencyWeight weights context frequency (default: 0.2).
	FrequencyWeight float64 `json:"frequency_weight" toml:"frequency_weight"`

	// RelevanceThreshold is the computed similarity at which a past access
	// counts as relevant (default: 0.3).
	RelevanceThreshold float64 `json:"relevance_threshold" toml:"relevance_threshold"`

	// DecayRate is the per-day rate of the recency curve (default: 0.01).
	DecayRate float64 `json:"decay_rate" toml:"decay_rate"`

	// MinActivation is the retain cutoff (default: 0.05).
	MinActivation float64 `json:"min_activation" toml:"min_activation"`
}

// DefaultActivationConfig returns the default engine settings.
func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{
		ContextWindowSize:  10,
		RelevanceWeight:    0.5,
		RecencyWeight:      0.3,
		FrequencyWeight:    0.2,
		RelevanceThreshold: 0.3,
		DecayRate:          0.01,
		MinActivation:      DefaultMinActivation,
	}
}

// Validate checks that the settings are usable.
func (c ActivationConfig) Validate() error {
	if c.ContextWindowSize < 1 {
		return fmt.Errorf("%w: context window size must be at least 1, got %d", ErrInvalidConfig, c.ContextWindowSize)
	}
	for name, v := range map[string]float64{
		"relevance weight":    c.RelevanceWeight,
		"recency weight":      c.RecencyWeight,
		"frequency weight":    c.FrequencyWeight,
		"relevance threshold": c.RelevanceThreshold,
		"decay rate":          c.DecayRate,
		"min activation":      c.MinActivation,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite, got %v", ErrInvalidConfig, name, v)
		}
	}
	if c.RelevanceWeight < 0 || c.RecencyWeight < 0 || c.FrequencyWeight < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidConfig)
	}
	if c.RelevanceWeight+c.RecencyWeight+c.FrequencyWeight <= 0 {
		return fmt.Errorf("%w: weights must not all be zero", ErrInvalidConfig)
	}
	if c.DecayRate < 0 {
		return fmt.Errorf("%w: decay rate must be non-negative, got %v", ErrInvalidConfig, c.DecayRate)
	}
	if c.MinActivation < 0 || c.MinActivation > 1 {
		return fmt.Errorf("%w: min activation must be in [0, 1], got %v", ErrInvalidConfig, c.MinActivation)
	}
	return nil
}

// normalized returns c with the three weights scaled to sum to 1.
func (c ActivationConfig) normalized() ActivationConfig {
	total := c.RelevanceWeight + c.RecencyWeight + c.FrequencyWeight
	if math.Abs(total-1) < 1e-12 {
		return c
	}
	c.RelevanceWeight /= total
	c.RecencyWeight /= total
	c.FrequencyWeight /= total
	return c
}

// QueryContext is one entry of the query context window.
type QueryContext struct {
	Timestamp time.Time `json:"timestamp"`
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
}

// ActivationScore is the scored relevance of one record to the current query.
type ActivationScore struct {
	HashID            string  `json:"hash_id"`
	SemanticRelevance float64 `json:"semantic_relevance"`
	RecencyBonus      float64 `json:"recency_bonus"`
	ContextFrequency  float64 `json:"context_frequency"`
	TotalActivation   float64 `json:"total_activation"`
	ShouldRetain      bool    `json:"should_retain"`
}

// MemorySource is the read side of a record store the engine scores.
// *storage.Store satisfies it.
type MemorySource interface {
	AllIDs() []string
	GetEmbedding(id string) ([]float32, error)
	AccessHistory(id string) []storage.AccessEvent
}

// ActivationEngine computes context-dependent activation scores.
//
// It keeps a bounded FIFO window of recent queries. All methods are safe
// for concurrent use.
type ActivationEngine struct {
	mu     sync.RWMutex
	cfg    ActivationConfig
	window []QueryContext
	logger *zap.Logger
}

// NewActivationEngine validates cfg and returns an engine whose weights are
// normalized to sum to 1.
func NewActivationEngine(cfg ActivationConfig, logger *zap.Logger) (*ActivationEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivationEngine{
		cfg:    cfg.normalized(),
		logger: logger,
	}, nil
}

// Config returns the engine settings with normalized weights.
func (e *ActivationEngine) Config() ActivationConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// AddQueryContext appends a query to the window, evicting the oldest entry
// once the window is full.
func (e *ActivationEngine) AddQueryContext(query string, embedding []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.window = append(e.window, QueryContext{
		Timestamp: time.Now(),
		Query:     query,
		Embedding: vector.Clone(embedding),
	})
	if over := len(e.window) - e.cfg.ContextWindowSize; over > 0 {
		e.window = append([]QueryContext(nil), e.window[over:]...)
	}
	e.logger.Debug("added query context", zap.Int("window", len(e.window)))
}

// Window returns a copy of the query context window, oldest first.
func (e *ActivationEngine) Window() []QueryContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneWindow(e.window)
}

// CalculateActivationScore scores one record.
//
//	total = w_rel*semantic_relevance + w_rec*recency_bonus + w_freq*context_frequency
//
// semantic_relevance is the non-negative cosine of the query and record
// embeddings (0 when either is empty). recency_bonus decays from the last
// access and is 0 without history. context_frequency is the number of past
// accesses whose computed similarity reached the relevance threshold,
// divided by 5 and capped at 1. A record is retained when total reaches
// MinActivation or it has never been accessed. A zero now means time.Now.
func (e *ActivationEngine) CalculateActivationScore(
	hashID string,
	history []storage.AccessEvent,
	queryEmbedding, recordEmbedding []float32,
	now time.Time,
) (*ActivationScore, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	return score(cfg, hashID, history, queryEmbedding, recordEmbedding, now)
}

func score(
	cfg ActivationConfig,
	hashID string,
	history []storage.AccessEvent,
	queryEmbedding, recordEmbedding []float32,
	now time.Time,
) (*ActivationScore, error) {
	if now.IsZero() {
		now = time.Now()
	}

	s := &ActivationScore{HashID: hashID}

	if len(queryEmbedding) > 0 && len(recordEmbedding) > 0 {
		sim, err := vector.Cosine(queryEmbedding, recordEmbedding)
		if err != nil {
			return nil, fmt.Errorf("CalculateActivationScore: %s: %w", hashID, err)
		}
		s.SemanticRelevance = math.Max(0, sim)
	}

	if len(history) > 0 {
		s.RecencyBonus = RecencyBonus(cfg.DecayRate, history[len(history)-1].Timestamp, now)

		relevant := 0
		for _, ev := range history {
			if ev.ComputedSimilarity != nil && *ev.ComputedSimilarity >= cfg.RelevanceThreshold {
				relevant++
			}
		}
		s.ContextFrequency = math.Min(1, float64(relevant)/relevantContextsForFullFrequency)
	}

	s.TotalActivation = cfg.RelevanceWeight*s.SemanticRelevance +
		cfg.RecencyWeight*s.RecencyBonus +
		cfg.FrequencyWeight*s.ContextFrequency
	s.ShouldRetain = s.TotalActivation >= cfg.MinActivation || len(history) == 0

	return s, nil
}

// CalculateBatchActivation scores every record of src against the query.
// All records are scored at the same instant.
func (e *ActivationEngine) CalculateBatchActivation(src MemorySource, queryEmbedding []float32) (map[string]*ActivationScore, error) {
	ranked, err := e.rank(src, queryEmbedding)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*ActivationScore, len(ranked))
	for _, s := range ranked {
		out[s.HashID] = s
	}
	return out, nil
}

// rank scores every record of src and orders them by total activation,
// highest first. Ties keep the store order.
func (e *ActivationEngine) rank(src MemorySource, queryEmbedding []float32) ([]*ActivationScore, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	now := time.Now()
	ids := src.AllIDs()
	scores := make([]*ActivationScore, 0, len(ids))
	for _, id := range ids {
		emb, err := src.GetEmbedding(id)
		if err != nil {
			return nil, fmt.Errorf("CalculateBatchActivation: %w", err)
		}
		s, err := score(cfg, id, src.AccessHistory(id), queryEmbedding, emb, now)
		if err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].TotalActivation > scores[j].TotalActivation
	})
	return scores, nil
}

// RetainCount returns how many of total records a retention ratio keeps:
// ceil(total*ratio), but at least 1 when there is any record.
func RetainCount(total int, retentionRatio float64) int {
	if total == 0 {
		return 0
	}
	// The epsilon keeps 10*0.9 from rounding up to 10.
	n := int(math.Ceil(float64(total)*retentionRatio - 1e-9))
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	return n
}

// GetMemoriesToForget ranks all records by activation and returns the ids
// to forget.
//
// The top RetainCount records are always kept. Of the rest only records
// whose ShouldRetain is false are returned, so the result can be shorter
// than the quota suggests and never-accessed records are never returned.
func (e *ActivationEngine) GetMemoriesToForget(src MemorySource, queryEmbedding []float32, retentionRatio float64) ([]string, error) {
	if retentionRatio < 0 || retentionRatio > 1 || math.IsNaN(retentionRatio) {
		return nil, fmt.Errorf("%w: retention ratio must be in [0, 1], got %v", ErrInvalidConfig, retentionRatio)
	}

	ranked, err := e.rank(src, queryEmbedding)
	if err != nil {
		return nil, err
	}

	retain := RetainCount(len(ranked), retentionRatio)
	toForget := []string{}
	for _, s := range ranked[retain:] {
		if !s.ShouldRetain {
			toForget = append(toForget, s.HashID)
		}
	}

	e.logger.Info("memory management",
		zap.Int("total", len(ranked)),
		zap.Int("retaining", retain),
		zap.Int("to_forget", len(toForget)))

	return toForget, nil
}

// ContextSimilarityMatrix returns the pairwise cosine similarity of the
// queries in the window. With fewer than two queries the result is empty.
func (e *ActivationEngine) ContextSimilarityMatrix() ([][]float64, error) {
	e.mu.RLock()
	embeddings := make([][]float32, len(e.window))
	for i, q := range e.window {
		embeddings[i] = q.Embedding
	}
	e.mu.RUnlock()

	if len(embeddings) < 2 {
		return [][]float64{}, nil
	}
	return vector.SimilarityMatrix(embeddings)
}

// EngineState is the serializable state of an ActivationEngine.
//
// Fields missing from a decoded document take their defaults.
type EngineState struct {
	ActivationConfig
	QueryHistory []QueryContext `json:"query_history"`
}

// UnmarshalJSON decodes data over the default configuration.
func (s *EngineState) UnmarshalJSON(data []byte) error {
	type plain EngineState
	p := plain{ActivationConfig: DefaultActivationConfig()}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = EngineState(p)
	return nil
}

// ExportState returns a deep copy of the configuration and window.
func (e *ActivationEngine) ExportState() *EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &EngineState{
		ActivationConfig: e.cfg,
		QueryHistory:     cloneWindow(e.window),
	}
}

// LoadState replaces the configuration and window with state. A window
// longer than the configured size keeps its newest entries.
func (e *ActivationEngine) LoadState(state *EngineState) error {
	if state == nil {
		return fmt.Errorf("%w: nil engine state", ErrInvalidConfig)
	}
	if err := state.ActivationConfig.Validate(); err != nil {
		return err
	}

	window := cloneWindow(state.QueryHistory)
	if over := len(window) - state.ContextWindowSize; over > 0 {
		window = window[over:]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = state.ActivationConfig.normalized()
	e.window = window
	return nil
}

func cloneWindow(window []QueryContext) []QueryContext {
	out := make([]QueryContext, len(window))
	for i, q := range window {
		out[i] = q
		out[i].Embedding = vector.Clone(q.Embedding)
	}
	return out
}
