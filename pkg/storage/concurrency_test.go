package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/contextmem-go/pkg/embedder/mock"
	"github.com/oceanbase/contextmem-go/pkg/storage"
)

// gatedEncoder holds every EmbedBatch call until the first n have arrived,
// so n concurrent upserts all pass the missing-id check before any of them
// takes the write lock.
type gatedEncoder struct {
	inner   *mock.Embedder
	n       int32
	arrived atomic.Int32
	open    chan struct{}
	once    sync.Once
}

func newGatedEncoder(n int) *gatedEncoder {
	return &gatedEncoder{inner: mock.New(16), n: int32(n), open: make(chan struct{})}
}

func (g *gatedEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if g.arrived.Add(1) >= g.n {
		g.once.Do(func() { close(g.open) })
	}
	select {
	case <-g.open:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, errors.New("gate never opened")
	}
	return g.inner.EmbedBatch(ctx, texts)
}

func TestStore_ConcurrentUpsertSameTexts(t *testing.T) {
	const writers = 4
	enc := newGatedEncoder(writers)
	s, err := storage.New(context.Background(), storage.Config{Dir: t.TempDir(), Namespace: "passage"}, enc)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var (
		wg       sync.WaitGroup
		inserted atomic.Int64
		existing atomic.Int64
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Upsert(context.Background(), corpus)
			if !assert.NoError(t, err) {
				return
			}
			inserted.Add(int64(res.Inserted))
			existing.Add(int64(res.Existing))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(writers), int64(enc.arrived.Load()), "every writer encoded")
	assert.Equal(t, int64(len(corpus)), inserted.Load())
	assert.Equal(t, int64((writers-1)*len(corpus)), existing.Load())
	assert.Equal(t, len(corpus), s.Len())
	assert.Empty(t, s.MissingHashIDs(corpus))
}

func TestStore_ConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, t.TempDir())

	base := make([]string, 8)
	for i := range base {
		base[i] = fmt.Sprintf("base record %d", i)
	}
	baseRes, err := s.Upsert(ctx, base)
	require.NoError(t, err)

	shared := make([]string, 20)
	for i := range shared {
		shared[i] = fmt.Sprintf("shared record %d", i)
	}
	sharedIDs := make([]string, len(shared))
	for i, text := range shared {
		sharedIDs[i] = s.HashIDForText(text)
	}

	var (
		wg       sync.WaitGroup
		inserted atomic.Int64
	)

	// Writers upsert overlapping windows of the shared texts.
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < len(shared); i += 5 {
				start := (i + w*3) % len(shared)
				end := start + 7
				if end > len(shared) {
					end = len(shared)
				}
				res, err := s.Upsert(ctx, shared[start:end])
				if !assert.NoError(t, err) {
					return
				}
				inserted.Add(int64(res.Inserted))
			}
		}(w)
	}

	// Deleters each remove one base record.
	for _, id := range baseRes.IDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.Delete(ctx, []string{id}))
		}(id)
	}

	// Readers log accesses on everything; records not yet stored or
	// already deleted report ErrNotFound.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := append(append([]string{}, baseRes.IDs...), sharedIDs...)
			for _, id := range ids {
				_, err := s.RecordAccess(ctx, id, storage.AccessOptions{
					Query:           "q",
					QueryEmbedding:  make([]float32, 16),
					RankingPosition: storage.NotReturned,
				})
				if err != nil {
					assert.ErrorIs(t, err, storage.ErrNotFound)
				}
				_ = s.AccessCount(id)
				_ = s.Len()
			}
		}()
	}
	wg.Wait()

	// A fill-in pass guarantees every shared text exists regardless of
	// how the windows interleaved.
	res, err := s.Upsert(ctx, shared)
	require.NoError(t, err)
	inserted.Add(int64(res.Inserted))

	assert.Equal(t, int64(len(shared)), inserted.Load(), "each text inserted exactly once")
	assert.Equal(t, len(shared), s.Len())
	assert.ElementsMatch(t, sharedIDs, s.AllIDs())

	for i, id := range s.AllIDs() {
		emb, err := s.GetEmbedding(id)
		require.NoError(t, err, "id %d", i)
		assert.Len(t, emb, 16)
		text, err := s.Text(id)
		require.NoError(t, err)
		assert.Equal(t, id, s.HashIDForText(text))
	}
	for _, id := range baseRes.IDs {
		assert.Empty(t, s.AccessHistory(id))
	}
}
