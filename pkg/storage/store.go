package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oceanbase/contextmem-go/pkg/vector"
)

const (
	// DefaultBatchSize is the number of texts sent per EmbedBatch call.
	DefaultBatchSize = 16

	// DefaultEncodeWorkers bounds concurrent EmbedBatch calls during Upsert.
	DefaultEncodeWorkers = 4

	// DefaultMaxEventsPerRecord bounds each record's access log.
	DefaultMaxEventsPerRecord = 1000
)

// Config contains configuration for a Store.
type Config struct {
	// Dir is the working directory holding the persisted files (required).
	Dir string

	// Namespace separates stores sharing a directory and prefixes every id (required).
	Namespace string

	// BatchSize is the number of texts per encoder call (default: 16).
	BatchSize int

	// EncodeWorkers is the number of encoder calls in flight (default: 4).
	EncodeWorkers int

	// MaxEventsPerRecord caps each access log; oldest events are dropped
	// first. Zero means DefaultMaxEventsPerRecord, negative means unbounded.
	MaxEventsPerRecord int

	// AccessLog persists access logs. Defaults to a JSON file
	// access_history_<namespace>.json in Dir.
	AccessLog AccessLogStore

	// DeferAccessLogFlush stops RecordAccess from saving the access log on
	// every call. Callers then persist with Flush. Backends implementing
	// AccessLogAppender only append the new event per call, so deferring
	// matters most for the JSON file, which is rewritten whole.
	DeferAccessLogFlush bool

	// Logger receives store events. Nil disables logging.
	Logger *zap.Logger
}

// Store is the vector record store of one namespace.
//
// The id, text and embedding slices are parallel and idToIdx always maps
// each id to its position in them. Every structural mutation rebuilds the
// index under the write lock before returning.
type Store struct {
	mu sync.RWMutex

	cfg        Config
	encoder    Encoder
	logger     *zap.Logger
	recordPath string
	accessLog  AccessLogStore

	hashIDs    []string
	texts      []string
	embeddings [][]float32
	idToIdx    map[string]int
	history    map[string][]AccessEvent
	// logDirty is set when the persisted access log may lag the in-memory
	// one, so the next save must rewrite it in full.
	logDirty bool
}

// New opens the store persisted under cfg.Dir, creating the directory if needed.
//
// A missing record file or access log starts empty. A corrupt record file
// is an error; a corrupt or unreadable access log is logged and replaced by
// an empty in-memory log.
func New(ctx context.Context, cfg Config, encoder Encoder) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage: Dir is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("storage: Namespace is required")
	}
	if encoder == nil {
		return nil, errors.New("storage: encoder is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.EncodeWorkers <= 0 {
		cfg.EncodeWorkers = DefaultEncodeWorkers
	}
	if cfg.MaxEventsPerRecord == 0 {
		cfg.MaxEventsPerRecord = DefaultMaxEventsPerRecord
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create working directory: %w", err)
	}

	accessLog := cfg.AccessLog
	if accessLog == nil {
		accessLog = NewJSONAccessLog(filepath.Join(cfg.Dir, fmt.Sprintf("access_history_%s.json", cfg.Namespace)))
	}

	s := &Store{
		cfg:        cfg,
		encoder:    encoder,
		logger:     logger.With(zap.String("namespace", cfg.Namespace)),
		recordPath: filepath.Join(cfg.Dir, fmt.Sprintf("vdb_%s.parquet", cfg.Namespace)),
		accessLog:  accessLog,
		history:    map[string][]AccessEvent{},
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := readRecordFile(s.recordPath)
	if err != nil {
		return err
	}

	s.hashIDs = make([]string, 0, len(rows))
	s.texts = make([]string, 0, len(rows))
	s.embeddings = make([][]float32, 0, len(rows))
	for _, r := range rows {
		s.hashIDs = append(s.hashIDs, r.HashID)
		s.texts = append(s.texts, r.Content)
		s.embeddings = append(s.embeddings, r.Embedding)
	}
	s.rebuildIndex()
	if len(rows) > 0 {
		s.logger.Info("loaded records", zap.Int("count", len(rows)), zap.String("path", s.recordPath))
	}

	logs, err := s.accessLog.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load access log, starting empty", zap.Error(err))
		return nil
	}
	for id, events := range logs {
		if _, ok := s.idToIdx[id]; !ok {
			continue
		}
		s.history[id] = s.bound(events)
	}
	return nil
}

func (s *Store) rebuildIndex() {
	s.idToIdx = make(map[string]int, len(s.hashIDs))
	for i, id := range s.hashIDs {
		s.idToIdx[id] = i
	}
}

func (s *Store) bound(events []AccessEvent) []AccessEvent {
	limit := s.cfg.MaxEventsPerRecord
	if limit > 0 && len(events) > limit {
		trimmed := make([]AccessEvent, limit)
		copy(trimmed, events[len(events)-limit:])
		return trimmed
	}
	return events
}

func (s *Store) saveRecords() error {
	rows := make([]recordRow, len(s.hashIDs))
	for i := range s.hashIDs {
		rows[i] = recordRow{HashID: s.hashIDs[i], Content: s.texts[i], Embedding: s.embeddings[i]}
	}
	if err := writeRecordFile(s.recordPath, rows); err != nil {
		return err
	}
	s.logger.Info("saved records", zap.Int("count", len(rows)), zap.String("path", s.recordPath))
	return nil
}

// saveAccessLog must be called with the write lock held. Failures are
// logged and the in-memory log is kept.
func (s *Store) saveAccessLog(ctx context.Context) {
	if err := s.accessLog.Save(ctx, s.history); err != nil {
		s.logDirty = true
		s.logger.Warn("failed to save access log, keeping in memory", zap.Error(err))
		return
	}
	s.logDirty = false
}

// persistEvent saves a newly recorded event of id, appending when the
// backend supports it and nothing is pending. Called with the write lock held.
func (s *Store) persistEvent(ctx context.Context, id string, event AccessEvent) {
	appender, ok := s.accessLog.(AccessLogAppender)
	if !ok || s.logDirty {
		s.saveAccessLog(ctx)
		return
	}
	if err := appender.Append(ctx, id, event, s.cfg.MaxEventsPerRecord); err != nil {
		s.logDirty = true
		s.logger.Warn("failed to append access event, keeping in memory",
			zap.String("hash_id", id), zap.Error(err))
	}
}

// Namespace returns the store namespace.
func (s *Store) Namespace() string {
	return s.cfg.Namespace
}

// HashIDForText returns the identifier text would be stored under.
func (s *Store) HashIDForText(text string) string {
	return ComputeHashID(s.cfg.Namespace, text)
}

// MissingHashIDs returns, in input order and without duplicates, the
// identifiers of texts that Upsert would encode.
func (s *Store) MissingHashIDs(texts []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, missing := s.missing(texts)
	out := make([]string, 0, len(missing))
	for _, i := range missing {
		out = append(out, ids[i])
	}
	return out
}

// missing returns the id of every text plus the positions of the first
// occurrence of each id not yet stored.
func (s *Store) missing(texts []string) ([]string, []int) {
	ids := make([]string, len(texts))
	seen := make(map[string]bool, len(texts))
	var missing []int
	for i, t := range texts {
		id := ComputeHashID(s.cfg.Namespace, t)
		ids[i] = id
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := s.idToIdx[id]; !ok {
			missing = append(missing, i)
		}
	}
	return ids, missing
}

// Upsert stores every text not already present.
//
// Missing texts are encoded in batches, concurrently, before anything is
// changed. The records are then appended and persisted as one unit; if the
// record file cannot be written the in-memory state is rolled back.
func (s *Store) Upsert(ctx context.Context, texts []string) (*UpsertResult, error) {
	s.mu.RLock()
	ids, missing := s.missing(texts)
	s.mu.RUnlock()

	result := &UpsertResult{IDs: ids}
	if len(texts) == 0 {
		return result, nil
	}

	toEncode := make([]string, len(missing))
	for i, pos := range missing {
		toEncode[i] = texts[pos]
	}

	vectors, err := s.encode(ctx, toEncode)
	if err != nil {
		return nil, fmt.Errorf("Upsert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevLen := len(s.hashIDs)
	for i, pos := range missing {
		id := ids[pos]
		// Another Upsert may have stored it while we were encoding.
		if _, ok := s.idToIdx[id]; ok {
			continue
		}
		s.hashIDs = append(s.hashIDs, id)
		s.texts = append(s.texts, texts[pos])
		s.embeddings = append(s.embeddings, vectors[i])
		s.idToIdx[id] = len(s.hashIDs) - 1
	}

	result.Inserted = len(s.hashIDs) - prevLen
	result.Existing = len(texts) - result.Inserted
	s.logger.Info("upsert",
		zap.Int("inserted", result.Inserted),
		zap.Int("already_present", result.Existing))

	if result.Inserted == 0 {
		return result, nil
	}

	if err := s.saveRecords(); err != nil {
		s.hashIDs = s.hashIDs[:prevLen]
		s.texts = s.texts[:prevLen]
		s.embeddings = s.embeddings[:prevLen]
		s.rebuildIndex()
		return nil, fmt.Errorf("Upsert: %w", err)
	}
	s.rebuildIndex()

	return result, nil
}

func (s *Store) encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EncodeWorkers)

	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			batch, err := s.encoder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(batch) != end-start {
				return fmt.Errorf("encoder returned %d vectors for %d texts", len(batch), end-start)
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Delete removes the records and their access logs.
//
// Every id must exist; otherwise ErrNotFound is returned and nothing changes.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.idToIdx[id]; !ok {
			return fmt.Errorf("Delete: %w: %s", ErrNotFound, id)
		}
	}
	if _, err := s.remove(ctx, ids); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

// DeletePresent removes whichever of ids are stored and returns them.
// Unknown ids are skipped.
func (s *Store) DeletePresent(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.remove(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("DeletePresent: %w", err)
	}
	if skipped := len(ids) - len(removed); skipped > 0 {
		s.logger.Debug("skipped unknown ids on delete", zap.Int("skipped", skipped))
	}
	return removed, nil
}

// remove deletes the stored ids among ids. The caller holds the write lock.
func (s *Store) remove(ctx context.Context, ids []string) ([]string, error) {
	positions := make([]int, 0, len(ids))
	removed := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		idx, ok := s.idToIdx[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		positions = append(positions, idx)
		removed = append(removed, id)
	}
	if len(positions) == 0 {
		return removed, nil
	}

	prevIDs := append([]string(nil), s.hashIDs...)
	prevTexts := append([]string(nil), s.texts...)
	prevEmbeddings := append([][]float32(nil), s.embeddings...)

	// Highest position first so earlier positions stay valid.
	sort.Sort(sort.Reverse(sort.IntSlice(positions)))
	for _, idx := range positions {
		s.hashIDs = append(s.hashIDs[:idx], s.hashIDs[idx+1:]...)
		s.texts = append(s.texts[:idx], s.texts[idx+1:]...)
		s.embeddings = append(s.embeddings[:idx], s.embeddings[idx+1:]...)
	}

	if err := s.saveRecords(); err != nil {
		s.hashIDs, s.texts, s.embeddings = prevIDs, prevTexts, prevEmbeddings
		s.rebuildIndex()
		return nil, err
	}
	s.rebuildIndex()

	for _, id := range removed {
		delete(s.history, id)
	}
	s.saveAccessLog(ctx)

	s.logger.Info("deleted records", zap.Int("count", len(positions)), zap.Int("remaining", len(s.hashIDs)))
	return removed, nil
}

// GetEmbedding returns a copy of the stored vector of id.
func (s *Store) GetEmbedding(id string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.idToIdx[id]
	if !ok {
		return nil, fmt.Errorf("GetEmbedding: %w: %s", ErrNotFound, id)
	}
	return vector.Clone(s.embeddings[idx]), nil
}

// GetEmbeddings returns copies of the stored vectors of ids, in order.
func (s *Store) GetEmbeddings(ids []string) ([][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]float32, len(ids))
	for i, id := range ids {
		idx, ok := s.idToIdx[id]
		if !ok {
			return nil, fmt.Errorf("GetEmbeddings: %w: %s", ErrNotFound, id)
		}
		out[i] = vector.Clone(s.embeddings[idx])
	}
	return out, nil
}

// EmbeddingAs returns the vector of id converted to element type T.
func EmbeddingAs[T vector.Float](s *Store, id string) ([]T, error) {
	emb, err := s.GetEmbedding(id)
	if err != nil {
		return nil, err
	}
	return vector.Convert[T](emb), nil
}

// EmbeddingsAs returns the vectors of ids converted to element type T.
func EmbeddingsAs[T vector.Float](s *Store, ids []string) ([][]T, error) {
	embs, err := s.GetEmbeddings(ids)
	if err != nil {
		return nil, err
	}
	out := make([][]T, len(embs))
	for i, e := range embs {
		out[i] = vector.Convert[T](e)
	}
	return out, nil
}

// Text returns the stored content of id.
func (s *Store) Text(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.idToIdx[id]
	if !ok {
		return "", fmt.Errorf("Text: %w: %s", ErrNotFound, id)
	}
	return s.texts[idx], nil
}

// Get returns a copy of the record stored under id.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.idToIdx[id]
	if !ok {
		return nil, fmt.Errorf("Get: %w: %s", ErrNotFound, id)
	}
	return &Record{
		HashID:    id,
		Content:   s.texts[idx],
		Embedding: vector.Clone(s.embeddings[idx]),
	}, nil
}

// Records returns a consistent copy of every record in insertion order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.hashIDs))
	for i, id := range s.hashIDs {
		out[i] = Record{HashID: id, Content: s.texts[i], Embedding: vector.Clone(s.embeddings[i])}
	}
	return out
}

// AllIDs returns every identifier in insertion order.
func (s *Store) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.hashIDs...)
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashIDs)
}

// RecordAccess appends an access event to the log of id.
//
// When opts.QueryEmbedding is set its cosine similarity with the record
// embedding is stored on the event; a zero-norm vector on either side
// gives 0. Unless DeferAccessLogFlush is set the log is saved afterwards.
func (s *Store) RecordAccess(ctx context.Context, id string, opts AccessOptions) (*AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.idToIdx[id]
	if !ok {
		return nil, fmt.Errorf("RecordAccess: %w: %s", ErrNotFound, id)
	}

	ts := opts.At
	if ts.IsZero() {
		ts = time.Now()
	}

	event := AccessEvent{
		Timestamp:       ts,
		Query:           opts.Query,
		RankingPosition: opts.RankingPosition,
	}
	if opts.SimilarityScore != nil {
		v := *opts.SimilarityScore
		event.SimilarityScore = &v
	}
	if len(opts.QueryEmbedding) > 0 && len(s.embeddings[idx]) > 0 {
		sim, err := vector.Cosine(opts.QueryEmbedding, s.embeddings[idx])
		if err != nil {
			return nil, fmt.Errorf("RecordAccess: %w", err)
		}
		event.ComputedSimilarity = &sim
	}

	s.history[id] = s.bound(append(s.history[id], event))

	if !s.cfg.DeferAccessLogFlush {
		s.persistEvent(ctx, id, event)
	}

	out := cloneEvents([]AccessEvent{event})[0]
	return &out, nil
}

// AccessHistory returns a copy of the log of id, oldest first. Unknown or
// never accessed ids return an empty slice.
func (s *Store) AccessHistory(id string) []AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEvents(s.history[id])
}

// AllAccessHistory returns a copy of every non-empty log.
func (s *Store) AllAccessHistory() map[string][]AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]AccessEvent, len(s.history))
	for id, events := range s.history {
		out[id] = cloneEvents(events)
	}
	return out
}

// AccessCount returns the number of logged events of id.
func (s *Store) AccessCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[id])
}

// LastAccessTime returns the timestamp of the newest event of id.
func (s *Store) LastAccessTime(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[id]
	if len(events) == 0 {
		return time.Time{}, false
	}
	return events[len(events)-1].Timestamp, true
}

// RelevantContextQueries returns the events of id whose computed similarity
// is at least minSimilarity. Events without a computed similarity count as 0.
func (s *Store) RelevantContextQueries(id string, minSimilarity float64) []AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var relevant []AccessEvent
	for _, e := range s.history[id] {
		sim := 0.0
		if e.ComputedSimilarity != nil {
			sim = *e.ComputedSimilarity
		}
		if sim >= minSimilarity {
			relevant = append(relevant, e)
		}
	}
	return cloneEvents(relevant)
}

// Flush saves the access log, returning the error instead of logging it.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.accessLog.Save(ctx, s.history); err != nil {
		s.logDirty = true
		return fmt.Errorf("Flush: %w", err)
	}
	s.logDirty = false
	return nil
}

// Close flushes a deferred access log and closes the access log backend.
func (s *Store) Close() error {
	var errs []error
	if s.cfg.DeferAccessLogFlush {
		if err := s.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.accessLog.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
