package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/contextmem-go/pkg/embedder/mock"
	"github.com/oceanbase/contextmem-go/pkg/storage"
)

var corpus = []string{
	"Erik Hort's birthplace is Montebello.",
	"Marina is bordered by Montebello.",
	"Montebello is a part of Rockland County.",
}

func newStore(t *testing.T, dir string, opts ...func(*storage.Config)) (*storage.Store, *mock.Embedder) {
	t.Helper()
	enc := mock.New(16)
	cfg := storage.Config{Dir: dir, Namespace: "passage"}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := storage.New(context.Background(), cfg, enc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, enc
}

func TestComputeHashID(t *testing.T) {
	a := storage.ComputeHashID("passage", "hello")
	b := storage.ComputeHashID("passage", "hello")
	c := storage.ComputeHashID("passage", "hello!")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "passage-5d41402abc4b2a76b9719d911017c592", a)
	assert.NotEqual(t, a, storage.ComputeHashID("entity", "hello"))

	seen := map[string]bool{}
	for _, text := range corpus {
		id := storage.ComputeHashID("passage", text)
		assert.False(t, seen[id], "collision for %q", text)
		seen[id] = true
	}
}

func TestStore_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s, enc := newStore(t, t.TempDir())

	res, err := s.Upsert(ctx, corpus)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 0, res.Existing)
	assert.Len(t, res.IDs, 3)

	calls := enc.Calls()
	res, err = s.Upsert(ctx, corpus[:1])
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Existing)
	assert.Equal(t, calls, enc.Calls(), "nothing should be encoded")
	assert.Equal(t, 3, s.Len())

	res, err = s.Upsert(ctx, []string{"new text", "new text"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, res.IDs[0], res.IDs[1])
}

func TestStore_MissingHashIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, t.TempDir())

	_, err := s.Upsert(ctx, corpus[:1])
	require.NoError(t, err)

	missing := s.MissingHashIDs(corpus)
	assert.Equal(t, []string{s.HashIDForText(corpus[1]), s.HashIDForText(corpus[2])}, missing)
}

func TestStore_BatchedEncoding(t *testing.T) {
	ctx := context.Background()
	s, enc := newStore(t, t.TempDir(), func(c *storage.Config) {
		c.BatchSize = 2
		c.EncodeWorkers = 2
	})

	texts := []string{"a", "b", "c", "d", "e"}
	res, err := s.Upsert(ctx, texts)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
	assert.Equal(t, int64(3), enc.Calls())

	for i, text := range texts {
		got, err := s.Text(res.IDs[i])
		require.NoError(t, err)
		assert.Equal(t, text, got)

		want, _ := enc.Embed(ctx, text)
		emb, err := s.GetEmbedding(res.IDs[i])
		require.NoError(t, err)
		assert.Equal(t, want, emb)
	}
}

type failingEncoder struct{}

func (failingEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("model unavailable")
}

func TestStore_EncodeFailureStoresNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.New(context.Background(), storage.Config{Dir: dir, Namespace: "passage"}, failingEncoder{})
	require.NoError(t, err)

	_, err = s.Upsert(context.Background(), corpus)
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
	assert.NoFileExists(t, filepath.Join(dir, "vdb_passage.parquet"))
}

func TestStore_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, _ := newStore(t, dir)
	res, err := s.Upsert(ctx, corpus)
	require.NoError(t, err)

	query, _ := mock.New(16).Embed(ctx, "Where was Erik Hort born?")
	_, err = s.RecordAccess(ctx, res.IDs[0], storage.AccessOptions{
		Query:           "Where was Erik Hort born?",
		QueryEmbedding:  query,
		RankingPosition: 0,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.FileExists(t, filepath.Join(dir, "vdb_passage.parquet"))
	assert.FileExists(t, filepath.Join(dir, "access_history_passage.json"))

	reopened, _ := newStore(t, dir)
	assert.Equal(t, res.IDs, reopened.AllIDs())

	emb, err := reopened.GetEmbedding(res.IDs[1])
	require.NoError(t, err)
	want, _ := mock.New(16).Embed(ctx, corpus[1])
	assert.Equal(t, want, emb)

	history := reopened.AccessHistory(res.IDs[0])
	require.Len(t, history, 1)
	assert.Equal(t, "Where was Erik Hort born?", history[0].Query)
	require.NotNil(t, history[0].ComputedSimilarity)
}

func TestStore_MissingFilesStartEmpty(t *testing.T) {
	s, _ := newStore(t, filepath.Join(t.TempDir(), "nested", "dir"))
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.AllAccessHistory())
}

func TestStore_CorruptRecordFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vdb_passage.parquet"), []byte("not parquet"), 0644))

	_, err := storage.New(context.Background(), storage.Config{Dir: dir, Namespace: "passage"}, mock.New(8))
	assert.ErrorIs(t, err, storage.ErrMalformedData)
}

func TestStore_CorruptAccessLogStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "access_history_passage.json"), []byte("{broken"), 0644))

	s, _ := newStore(t, dir)
	assert.Empty(t, s.AllAccessHistory())
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, t.TempDir())

	res, err := s.Upsert(ctx, corpus)
	require.NoError(t, err)
	_, err = s.RecordAccess(ctx, res.IDs[0], storage.AccessOptions{Query: "q", RankingPosition: 0})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, []string{res.IDs[0], res.IDs[2]}))
	assert.Equal(t, []string{res.IDs[1]}, s.AllIDs())
	assert.Equal(t, 0, s.AccessCount(res.IDs[0]))

	// The remaining record keeps its own text after positions shift.
	text, err := s.Text(res.IDs[1])
	require.NoError(t, err)
	assert.Equal(t, corpus[1], text)

	err = s.Delete(ctx, []string{res.IDs[1], "passage-unknown"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, s.Len())
}

func TestStore_DeletePresent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, _ := newStore(t, dir)

	res, err := s.Upsert(ctx, corpus)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, []string{res.IDs[0]}))

	removed, err := s.DeletePresent(ctx, []string{res.IDs[0], res.IDs[1], res.IDs[1], "passage-unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{res.IDs[1]}, removed)
	assert.Equal(t, []string{res.IDs[2]}, s.AllIDs())

	removed, err = s.DeletePresent(ctx, []string{"passage-unknown"})
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Close())
	reopened, _ := newStore(t, dir)
	assert.Equal(t, []string{res.IDs[2]}, reopened.AllIDs())
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, t.TempDir())

	_, err := s.GetEmbedding("nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetEmbeddings([]string{"nope"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Text("nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.RecordAccess(ctx, "nope", storage.AccessOptions{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_EmbeddingAs(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, t.TempDir())
	res, err := s.Upsert(ctx, corpus)
	require.NoError(t, err)

	f32, err := s.GetEmbedding(res.IDs[0])
	require.NoError(t, err)
	f64, err := storage.EmbeddingAs[float64](s, res.IDs[0])
	require.NoError(t, err)
	require.Len(t, f64, len(f32))
	assert.Equal(t, float64(f32[3]), f64[3])

	all, err := storage.EmbeddingsAs[float64](s, res.IDs)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_RecordAccess(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, t.TempDir())
	res, err := s.Upsert(ctx, corpus)
	require.NoError(t, err)
	id := res.IDs[0]

	self, err := s.GetEmbedding(id)
	require.NoError(t, err)

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	score := 0.8
	_, err = s.RecordAccess(ctx, id, storage.AccessOptions{
		Query: "first", QueryEmbedding: self, RankingPosition: 0, SimilarityScore: &score, At: t0,
	})
	require.NoError(t, err)

	ev, err := s.RecordAccess(ctx, id, storage.AccessOptions{
		Query: "zero", QueryEmbedding: make([]float32, len(self)), RankingPosition: storage.NotReturned, At: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, ev.ComputedSimilarity)
	assert.Equal(t, 0.0, *ev.ComputedSimilarity)

	_, err = s.RecordAccess(ctx, id, storage.AccessOptions{Query: "no embedding", At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	history := s.AccessHistory(id)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"first", "zero", "no embedding"}, []string{history[0].Query, history[1].Query, history[2].Query})
	assert.InDelta(t, 1.0, *history[0].ComputedSimilarity, 1e-6)
	assert.Equal(t, 0.8, *history[0].SimilarityScore)
	assert.Nil(t, history[2].ComputedSimilarity)
	assert.Equal(t, storage.NotReturned, history[1].RankingPosition)

	assert.Equal(t, 3, s.AccessCount(id))
	last, ok := s.LastAccessTime(id)
	require.True(t, ok)
	assert.True(t, last.Equal(t0.Add(2*time.Hour)))

	_, ok = s.LastAccessTime(res.IDs[1])
	assert.False(t, ok)
	assert.Empty(t, s.AccessHistory(res.IDs[1]))

	relevant := s.RelevantContextQueries(id, 0.5)
	require.Len(t, relevant, 1)
	assert.Equal(t, "first", relevant[0].Query)

	// Returned history is a copy.
	history[0].Query = "mutated"
	assert.Equal(t, "first", s.AccessHistory(id)[0].Query)

	_, err = s.RecordAccess(ctx, id, storage.AccessOptions{QueryEmbedding: []float32{1, 2}})
	assert.Error(t, err)
}

func TestStore_BoundedAccessLog(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, t.TempDir(), func(c *storage.Config) { c.MaxEventsPerRecord = 3 })
	res, err := s.Upsert(ctx, corpus[:1])
	require.NoError(t, err)

	for _, q := range []string{"q1", "q2", "q3", "q4", "q5"} {
		_, err := s.RecordAccess(ctx, res.IDs[0], storage.AccessOptions{Query: q})
		require.NoError(t, err)
	}

	history := s.AccessHistory(res.IDs[0])
	require.Len(t, history, 3)
	assert.Equal(t, "q3", history[0].Query)
	assert.Equal(t, "q5", history[2].Query)
}

func TestStore_DeferredFlush(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "access_history_passage.json")

	enc := mock.New(16)
	s, err := storage.New(ctx, storage.Config{Dir: dir, Namespace: "passage", DeferAccessLogFlush: true}, enc)
	require.NoError(t, err)

	res, err := s.Upsert(ctx, corpus[:1])
	require.NoError(t, err)
	_, err = s.RecordAccess(ctx, res.IDs[0], storage.AccessOptions{Query: "q"})
	require.NoError(t, err)
	assert.NoFileExists(t, logPath)

	require.NoError(t, s.Flush(ctx))
	assert.FileExists(t, logPath)
	require.NoError(t, s.Close())
}

// appendingLog is an in-memory AccessLogStore that also appends.
type appendingLog struct {
	saves      int
	appends    int
	failAppend bool
	lastKeep   int
}

func (l *appendingLog) Load(context.Context) (map[string][]storage.AccessEvent, error) {
	return map[string][]storage.AccessEvent{}, nil
}

func (l *appendingLog) Save(context.Context, map[string][]storage.AccessEvent) error {
	l.saves++
	return nil
}

func (l *appendingLog) Append(_ context.Context, _ string, _ storage.AccessEvent, keep int) error {
	l.appends++
	l.lastKeep = keep
	if l.failAppend {
		return errors.New("append failed")
	}
	return nil
}

func (l *appendingLog) Close() error { return nil }

func TestStore_RecordAccessAppends(t *testing.T) {
	ctx := context.Background()
	backend := &appendingLog{}
	s, _ := newStore(t, t.TempDir(), func(c *storage.Config) {
		c.AccessLog = backend
		c.MaxEventsPerRecord = 5
	})

	res, err := s.Upsert(ctx, corpus[:1])
	require.NoError(t, err)
	id := res.IDs[0]

	for i := 0; i < 3; i++ {
		_, err = s.RecordAccess(ctx, id, storage.AccessOptions{Query: "q"})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, backend.appends)
	assert.Equal(t, 0, backend.saves)
	assert.Equal(t, 5, backend.lastKeep)

	// A failed append forces a full rewrite on the next access.
	backend.failAppend = true
	_, err = s.RecordAccess(ctx, id, storage.AccessOptions{Query: "q"})
	require.NoError(t, err)
	backend.failAppend = false
	_, err = s.RecordAccess(ctx, id, storage.AccessOptions{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 4, backend.appends)
	assert.Equal(t, 1, backend.saves)
	assert.Equal(t, 5, s.AccessCount(id))

	_, err = s.RecordAccess(ctx, id, storage.AccessOptions{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 5, backend.appends, "appending resumes after a full save")
}
