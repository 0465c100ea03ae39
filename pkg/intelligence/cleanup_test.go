package intelligence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/contextmem-go/pkg/embedder/mock"
	"github.com/oceanbase/contextmem-go/pkg/intelligence"
	"github.com/oceanbase/contextmem-go/pkg/storage"
)

type recordingDeleter struct {
	deleted []string
	err     error
}

func (d *recordingDeleter) Delete(ctx context.Context, ids []string) error {
	if d.err != nil {
		return d.err
	}
	d.deleted = append(d.deleted, ids...)
	return nil
}

type presentDeleter struct {
	recordingDeleter
	stored map[string]bool
}

func (d *presentDeleter) DeletePresent(ctx context.Context, ids []string) ([]string, error) {
	var removed []string
	for _, id := range ids {
		if d.stored[id] {
			delete(d.stored, id)
			removed = append(removed, id)
		}
	}
	d.deleted = append(d.deleted, removed...)
	return removed, nil
}

func TestPlanCleanup(t *testing.T) {
	e := newEngine(t)
	now := time.Now()

	src := newFakeSource()
	src.add("match", []float32{1, 0})
	src.add("partial", []float32{1, 1})
	src.add("orthogonal", []float32{0, 1})
	src.add("stale", []float32{0, 1}, storage.AccessEvent{Timestamp: now.Add(-10 * 365 * 24 * time.Hour)})

	plan, err := e.PlanCleanup(src, []float32{1, 0}, 0.4)
	require.NoError(t, err)

	assert.Equal(t, 4, plan.Total)
	assert.NotEqual(t, uuid.Nil, plan.ID)
	// Threshold cleanup ignores the never-accessed exemption.
	assert.ElementsMatch(t, []string{"partial", "orthogonal", "stale"}, plan.IDs())
	assert.Equal(t, "partial", plan.IDs()[2], "highest activation last")

	d := &recordingDeleter{}
	n, err := intelligence.CommitCleanup(context.Background(), d, plan)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, plan.IDs(), d.deleted)
}

func TestPlanCleanup_NothingBelowThreshold(t *testing.T) {
	e := newEngine(t)
	src := newFakeSource()
	src.add("match", []float32{1, 0})

	plan, err := e.PlanCleanup(src, []float32{1, 0}, 0.1)
	require.NoError(t, err)
	assert.True(t, plan.Empty())

	again, err := e.PlanCleanup(src, []float32{1, 0}, 0.1)
	require.NoError(t, err)
	assert.NotEqual(t, plan.ID, again.ID, "every plan gets its own id")

	d := &recordingDeleter{err: errors.New("must not be called")}
	n, err := intelligence.CommitCleanup(context.Background(), d, plan)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPlanCleanup_InvalidThreshold(t *testing.T) {
	e := newEngine(t)
	_, err := e.PlanCleanup(newFakeSource(), nil, -0.1)
	assert.ErrorIs(t, err, intelligence.ErrInvalidConfig)
}

func TestCommitCleanup_DeleteFails(t *testing.T) {
	plan := &intelligence.CleanupPlan{Candidates: []*intelligence.ActivationScore{{HashID: "x"}}}
	_, err := intelligence.CommitCleanup(context.Background(), &recordingDeleter{err: storage.ErrNotFound}, plan)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitCleanup_SkipsAlreadyDeleted(t *testing.T) {
	plan := &intelligence.CleanupPlan{Candidates: []*intelligence.ActivationScore{
		{HashID: "a"}, {HashID: "gone"}, {HashID: "b"},
	}}
	d := &presentDeleter{stored: map[string]bool{"a": true, "b": true, "c": true}}

	n, err := intelligence.CommitCleanup(context.Background(), d, plan)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, d.deleted)
	assert.Equal(t, map[string]bool{"c": true}, d.stored)
}

func TestCommitCleanup_StoreRecordDeletedAfterPlan(t *testing.T) {
	ctx := context.Background()
	enc := mock.New(8)
	s, err := storage.New(ctx, storage.Config{Dir: t.TempDir(), Namespace: "passage"}, enc)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	res, err := s.Upsert(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)

	plan := &intelligence.CleanupPlan{Candidates: []*intelligence.ActivationScore{
		{HashID: res.IDs[0]}, {HashID: res.IDs[1]},
	}}
	require.NoError(t, s.Delete(ctx, []string{res.IDs[0]}))

	n, err := intelligence.CommitCleanup(ctx, s, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{res.IDs[2]}, s.AllIDs())
}
