// Package core provides the contextmem client, which ties the record store,
// the activation engine and the conflict resolver to one embedding provider.
package core

import "github.com/oceanbase/contextmem-go/pkg/intelligence"

// RetrievalResult is one record returned by Retrieve.
type RetrievalResult struct {
	// HashID is the record identifier.
	HashID string `json:"hash_id"`

	// Content is the stored text.
	Content string `json:"content"`

	// Score is the cosine similarity between the query and the record.
	Score float64 `json:"score"`

	// Rank is the zero-based position in the result list. It is also the
	// ranking position written to the record's access log.
	Rank int `json:"rank"`
}

// DecayResult reports a retention-ratio forgetting pass.
type DecayResult struct {
	// Total is the number of records considered.
	Total int `json:"total"`

	// Forgotten lists the deleted record ids, lowest activation last.
	Forgotten []string `json:"forgotten"`
}

// CleanupResult reports a threshold cleanup.
type CleanupResult struct {
	// Plan is the cleanup plan, lowest activation first.
	Plan *intelligence.CleanupPlan `json:"plan"`

	// Deleted is the number of records removed; zero for a dry run.
	Deleted int `json:"deleted"`

	// DryRun reports whether deletion was skipped.
	DryRun bool `json:"dry_run"`
}

// FactResolution reports a ResolveFacts call.
type FactResolution struct {
	// Conflicts are the detected pairs, in detection order.
	Conflicts []intelligence.ConflictPair `json:"conflicts"`

	// Result is the batch resolution; nil when nothing conflicted.
	Result *intelligence.BatchResult `json:"result,omitempty"`
}
