// Package storage implements the vector record store: content-addressed
// (id, text, embedding) records persisted in a columnar file, plus a
// per-record access log persisted separately through an AccessLogStore.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// NotReturned is the ranking position recorded when a record was touched
// by a query but not returned in its result set.
const NotReturned = -1

// Record is one stored memory.
type Record struct {
	// HashID is the content-hash identifier, see ComputeHashID.
	HashID string

	// Content is the original text.
	Content string

	// Embedding is the encoded vector of Content.
	Embedding []float32
}

// AccessEvent is a single retrieval touch of a record.
//
// The query embedding itself is not kept; only its cosine similarity to the
// record embedding at the time of access.
type AccessEvent struct {
	Timestamp          time.Time `json:"timestamp"`
	Query              string    `json:"query"`
	RankingPosition    int       `json:"ranking_position"`
	SimilarityScore    *float64  `json:"similarity_score"`
	ComputedSimilarity *float64  `json:"computed_similarity,omitempty"`
}

// UnmarshalJSON accepts timestamps with or without a zone offset.
func (e *AccessEvent) UnmarshalJSON(data []byte) error {
	type plain AccessEvent
	aux := struct {
		*plain
		Timestamp string `json:"timestamp"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timestamp == "" {
		e.Timestamp = time.Time{}
		return nil
	}
	ts, err := ParseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	return nil
}

// AccessLogStore persists the access logs of one namespace.
//
// Load on a store that has never been saved returns an empty map and no error.
type AccessLogStore interface {
	Load(ctx context.Context) (map[string][]AccessEvent, error)
	Save(ctx context.Context, logs map[string][]AccessEvent) error
	Close() error
}

// AccessLogAppender is implemented by backends that can persist one new
// event without rewriting the namespace. keep bounds the stored log of
// hashID to its newest events; keep <= 0 keeps everything.
type AccessLogAppender interface {
	Append(ctx context.Context, hashID string, event AccessEvent, keep int) error
}

// Encoder turns texts into embeddings. embedder.Provider satisfies it.
type Encoder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// AccessOptions describes one access passed to Store.RecordAccess.
type AccessOptions struct {
	// Query is the text that triggered the access.
	Query string

	// QueryEmbedding, when set, is compared with the record embedding and
	// the cosine similarity is stored on the event.
	QueryEmbedding []float32

	// RankingPosition is the position in the result set, or NotReturned.
	RankingPosition int

	// SimilarityScore is an optional externally supplied score.
	SimilarityScore *float64

	// At overrides the event timestamp. Zero means now.
	At time.Time
}

// UpsertResult reports what Store.Upsert did.
type UpsertResult struct {
	// Inserted is the number of new records encoded and stored.
	Inserted int `json:"inserted"`

	// Existing is the number of input texts already present.
	Existing int `json:"existing"`

	// IDs holds the identifier of every input text, in input order.
	IDs []string `json:"ids"`
}

func cloneEvents(events []AccessEvent) []AccessEvent {
	if len(events) == 0 {
		return []AccessEvent{}
	}
	out := make([]AccessEvent, len(events))
	for i, e := range events {
		out[i] = e
		if e.SimilarityScore != nil {
			v := *e.SimilarityScore
			out[i].SimilarityScore = &v
		}
		if e.ComputedSimilarity != nil {
			v := *e.ComputedSimilarity
			out[i].ComputedSimilarity = &v
		}
	}
	return out
}
