package intelligence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CleanupPlan is the preview of a threshold cleanup. Nothing is deleted
// until it is passed to CommitCleanup.
type CleanupPlan struct {
	// ID identifies the plan in logs between preview and commit.
	ID uuid.UUID `json:"id"`

	// Threshold is the activation below which records are planned for removal.
	Threshold float64 `json:"threshold"`

	// Total is the number of records scored.
	Total int `json:"total"`

	// Candidates are the records to remove, lowest activation first.
	Candidates []*ActivationScore `json:"candidates"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// IDs returns the identifiers of the planned records.
func (p *CleanupPlan) IDs() []string {
	ids := make([]string, len(p.Candidates))
	for i, c := range p.Candidates {
		ids[i] = c.HashID
	}
	return ids
}

// Empty reports whether the plan removes nothing.
func (p *CleanupPlan) Empty() bool {
	return len(p.Candidates) == 0
}

// Deleter removes records by id. *storage.Store satisfies it.
type Deleter interface {
	Delete(ctx context.Context, ids []string) error
}

// PresentDeleter removes whichever of ids still exist and returns them.
// *storage.Store satisfies it.
type PresentDeleter interface {
	DeletePresent(ctx context.Context, ids []string) ([]string, error)
}

// PlanCleanup selects every record whose total activation is below
// threshold. Unlike GetMemoriesToForget there is no retention quota and the
// retain flag is not consulted.
func (e *ActivationEngine) PlanCleanup(src MemorySource, queryEmbedding []float32, threshold float64) (*CleanupPlan, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: cleanup threshold must be in [0, 1], got %v", ErrInvalidConfig, threshold)
	}

	ranked, err := e.rank(src, queryEmbedding)
	if err != nil {
		return nil, err
	}

	plan := &CleanupPlan{
		ID:         uuid.New(),
		Threshold:  threshold,
		Total:      len(ranked),
		Candidates: []*ActivationScore{},
		CreatedAt:  time.Now(),
	}
	for _, s := range ranked {
		if s.TotalActivation < threshold {
			plan.Candidates = append(plan.Candidates, s)
		}
	}
	sort.SliceStable(plan.Candidates, func(i, j int) bool {
		return plan.Candidates[i].TotalActivation < plan.Candidates[j].TotalActivation
	})

	e.logger.Info("cleanup planned",
		zap.Stringer("plan_id", plan.ID),
		zap.Float64("threshold", threshold),
		zap.Int("total", plan.Total),
		zap.Int("candidates", len(plan.Candidates)))

	return plan, nil
}

// CommitCleanup deletes the records of plan and returns how many were
// removed. Records deleted since the plan was computed are skipped when d
// is a PresentDeleter; a plain Deleter fails on them and deletes nothing.
func CommitCleanup(ctx context.Context, d Deleter, plan *CleanupPlan) (int, error) {
	if plan == nil || plan.Empty() {
		return 0, nil
	}
	ids := plan.IDs()
	if pd, ok := d.(PresentDeleter); ok {
		removed, err := pd.DeletePresent(ctx, ids)
		if err != nil {
			return 0, fmt.Errorf("CommitCleanup: plan %s: %w", plan.ID, err)
		}
		return len(removed), nil
	}
	if err := d.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("CommitCleanup: plan %s: %w", plan.ID, err)
	}
	return len(ids), nil
}
