package intelligence

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/oceanbase/contextmem-go/pkg/storage"
)

// UnknownHashID is reported for a fact that has no known source record.
const UnknownHashID = "unknown"

// Fact is a (subject, predicate, object) triple.
//
// It is stored exactly as given; comparisons go through Key. In JSON a
// fact is a three-element array.
type Fact struct {
	Subject   string
	Predicate string
	Object    string
}

// NewFact builds a fact.
func NewFact(subject, predicate, object string) Fact {
	return Fact{Subject: subject, Predicate: predicate, Object: object}
}

// Key returns the fact case-folded and trimmed, suitable for equality and
// as a map key.
func (f Fact) Key() Fact {
	return Fact{
		Subject:   normalize(f.Subject),
		Predicate: normalize(f.Predicate),
		Object:    normalize(f.Object),
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// String formats the fact as (subject, predicate, object).
func (f Fact) String() string {
	return fmt.Sprintf("(%s, %s, %s)", f.Subject, f.Predicate, f.Object)
}

// MarshalJSON encodes the fact as [subject, predicate, object].
func (f Fact) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{f.Subject, f.Predicate, f.Object})
}

// UnmarshalJSON decodes a three-element array.
func (f *Fact) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("fact must have 3 elements, got %d", len(parts))
	}
	*f = Fact{Subject: parts[0], Predicate: parts[1], Object: parts[2]}
	return nil
}

// Strategy selects how a conflict is resolved.
type Strategy int

const (
	// StrategyDefault uses the resolver's configured default strategy.
	StrategyDefault Strategy = iota

	// StrategyKeepNew adopts the new object; the old fact is superseded.
	StrategyKeepNew

	// StrategyKeepOld keeps the old object; the new fact is rejected.
	StrategyKeepOld

	// StrategyMerge keeps both objects as "(old or new)".
	StrategyMerge

	// StrategyKeepFrequent keeps the more accessed side; ties keep the old.
	StrategyKeepFrequent
)

var strategyNames = map[Strategy]string{
	StrategyDefault:      "default",
	StrategyKeepNew:      "keep_new",
	StrategyKeepOld:      "keep_old",
	StrategyMerge:        "merge",
	StrategyKeepFrequent: "keep_frequent",
}

// String returns the strategy name.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps a strategy name to its Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStrategy, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ConflictPair identifies a conflict by position in the existing and new
// fact lists.
type ConflictPair struct {
	ExistingIndex int `json:"existing_index"`
	NewIndex      int `json:"new_index"`
}

// ConflictRecord is the audited outcome of one resolved conflict.
type ConflictRecord struct {
	ID             snowflake.ID `json:"id"`
	Timestamp      time.Time    `json:"timestamp"`
	OldFact        Fact         `json:"old_fact"`
	NewFact        Fact         `json:"new_fact"`
	OldHashID      string       `json:"old_hash_id"`
	NewHashID      string       `json:"new_hash_id"`
	OldAccessCount int          `json:"old_access_count"`
	NewAccessCount int          `json:"new_access_count"`
	Strategy       Strategy     `json:"resolution_strategy"`
	Result         string       `json:"resolution_result"`
	Notes          string       `json:"notes,omitempty"`
}

// UnmarshalJSON accepts timestamps with or without a zone offset.
func (c *ConflictRecord) UnmarshalJSON(data []byte) error {
	type plain ConflictRecord
	aux := struct {
		*plain
		Timestamp string `json:"timestamp"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timestamp == "" {
		c.Timestamp = time.Time{}
		return nil
	}
	ts, err := storage.ParseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	c.Timestamp = ts
	return nil
}

// FactIndex maps facts to the identifiers of the records they came from.
// Lookups compare normalized facts.
type FactIndex struct {
	ids map[Fact]string
}

// NewFactIndex returns an empty index.
func NewFactIndex() *FactIndex {
	return &FactIndex{ids: map[Fact]string{}}
}

// Put associates fact with hashID.
func (x *FactIndex) Put(fact Fact, hashID string) {
	x.ids[fact.Key()] = hashID
}

// Lookup returns the identifier of fact, or UnknownHashID.
func (x *FactIndex) Lookup(fact Fact) string {
	if x != nil {
		if id, ok := x.ids[fact.Key()]; ok {
			return id
		}
	}
	return UnknownHashID
}

// Len returns the number of indexed facts.
func (x *FactIndex) Len() int {
	return len(x.ids)
}

// MergeCandidate is a pair of records to combine under a merged value.
type MergeCandidate struct {
	OldHashID   string `json:"old_hash"`
	NewHashID   string `json:"new_hash"`
	MergedValue string `json:"merged_value"`
}

// BatchResult aggregates a BatchResolveConflicts call.
//
// keep_new fills FactsToDelete with old ids, keep_old with new ids, and
// merge fills FactsToMerge. keep_frequent fills neither; read each
// record's Result instead.
type BatchResult struct {
	ConflictsDetected int              `json:"conflicts_detected"`
	Records           []ConflictRecord `json:"conflict_records"`
	FactsToDelete     []string         `json:"facts_to_delete"`
	FactsToMerge      []MergeCandidate `json:"facts_to_merge"`
}

// ResolverConfig contains configuration for a ConflictResolver.
type ResolverConfig struct {
	// DefaultStrategy applies when StrategyDefault is requested (default: keep_new).
	DefaultStrategy Strategy

	// AuditLogPath is where SaveAuditLog writes when given no path.
	AuditLogPath string

	// NodeID is the snowflake node used for record ids (0-1023).
	NodeID int64
}

// ConflictResolver detects and resolves contradictory facts and keeps an
// ordered audit history of every resolution.
type ConflictResolver struct {
	mu      sync.RWMutex
	cfg     ResolverConfig
	node    *snowflake.Node
	history []ConflictRecord
	logger  *zap.Logger
}

// NewConflictResolver creates a resolver.
func NewConflictResolver(cfg ResolverConfig, logger *zap.Logger) (*ConflictResolver, error) {
	if cfg.DefaultStrategy == StrategyDefault {
		cfg.DefaultStrategy = StrategyKeepNew
	}
	if _, ok := strategyNames[cfg.DefaultStrategy]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStrategy, int(cfg.DefaultStrategy))
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConflictResolver{
		cfg:    cfg,
		node:   node,
		logger: logger,
	}, nil
}

// DefaultStrategy returns the strategy used for StrategyDefault.
func (r *ConflictResolver) DefaultStrategy() Strategy {
	return r.cfg.DefaultStrategy
}

// DetectConflicts returns every (existing, new) pair sharing a normalized
// subject and predicate but differing in normalized object. Pairs are
// ordered by new index, then existing index.
func (r *ConflictResolver) DetectConflicts(existing, incoming []Fact) []ConflictPair {
	existingKeys := make([]Fact, len(existing))
	for i, f := range existing {
		existingKeys[i] = f.Key()
	}

	conflicts := []ConflictPair{}
	for newIdx, nf := range incoming {
		nk := nf.Key()
		for existIdx, ek := range existingKeys {
			if nk.Subject == ek.Subject && nk.Predicate == ek.Predicate && nk.Object != ek.Object {
				r.logger.Warn("conflict detected",
					zap.String("subject", ek.Subject),
					zap.String("predicate", ek.Predicate),
					zap.String("existing", ek.Object),
					zap.String("new", nk.Object))
				conflicts = append(conflicts, ConflictPair{ExistingIndex: existIdx, NewIndex: newIdx})
			}
		}
	}
	return conflicts
}

func (r *ConflictResolver) effective(strategy Strategy) (Strategy, error) {
	if strategy == StrategyDefault {
		strategy = r.cfg.DefaultStrategy
	}
	switch strategy {
	case StrategyKeepNew, StrategyKeepOld, StrategyMerge, StrategyKeepFrequent:
		return strategy, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidStrategy, strategy)
	}
}

// ResolveConflict resolves one conflict, appends the record to the audit
// history and returns it.
func (r *ConflictResolver) ResolveConflict(
	oldFact, newFact Fact,
	oldHashID, newHashID string,
	oldAccessCount, newAccessCount int,
	strategy Strategy,
) (*ConflictRecord, error) {
	strategy, err := r.effective(strategy)
	if err != nil {
		return nil, err
	}

	record := ConflictRecord{
		ID:             r.node.Generate(),
		Timestamp:      time.Now(),
		OldFact:        oldFact,
		NewFact:        newFact,
		OldHashID:      oldHashID,
		NewHashID:      newHashID,
		OldAccessCount: oldAccessCount,
		NewAccessCount: newAccessCount,
		Strategy:       strategy,
	}

	switch strategy {
	case StrategyKeepNew:
		record.Result = newFact.Object
		record.Notes = "New fact replaces old fact"
	case StrategyKeepOld:
		record.Result = oldFact.Object
		record.Notes = "Old fact retained, new fact rejected"
	case StrategyMerge:
		record.Result = fmt.Sprintf("(%s or %s)", oldFact.Object, newFact.Object)
		record.Notes = "Facts merged into uncertain knowledge"
	case StrategyKeepFrequent:
		if oldAccessCount >= newAccessCount {
			record.Result = oldFact.Object
			record.Notes = fmt.Sprintf("Old fact retained (accessed %d vs %d)", oldAccessCount, newAccessCount)
		} else {
			record.Result = newFact.Object
			record.Notes = fmt.Sprintf("New fact adopted (accessed %d vs %d)", newAccessCount, oldAccessCount)
		}
	}

	r.mu.Lock()
	r.history = append(r.history, record)
	r.mu.Unlock()

	r.logger.Info("conflict resolved",
		zap.Stringer("strategy", strategy),
		zap.String("result", record.Result),
		zap.Int64("record_id", record.ID.Int64()))

	return &record, nil
}

// BatchResolveConflicts resolves every pair with one strategy. Source ids
// come from ids and access counts from accessCounts (missing ids count 0).
//
// The strategy and all indices are checked before anything is resolved.
func (r *ConflictResolver) BatchResolveConflicts(
	conflicts []ConflictPair,
	existing, incoming []Fact,
	ids *FactIndex,
	accessCounts map[string]int,
	strategy Strategy,
) (*BatchResult, error) {
	strategy, err := r.effective(strategy)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if c.ExistingIndex < 0 || c.ExistingIndex >= len(existing) || c.NewIndex < 0 || c.NewIndex >= len(incoming) {
			return nil, fmt.Errorf("BatchResolveConflicts: pair (%d, %d) out of range", c.ExistingIndex, c.NewIndex)
		}
	}

	result := &BatchResult{
		ConflictsDetected: len(conflicts),
		Records:           make([]ConflictRecord, 0, len(conflicts)),
		FactsToDelete:     []string{},
		FactsToMerge:      []MergeCandidate{},
	}

	for _, c := range conflicts {
		oldFact, newFact := existing[c.ExistingIndex], incoming[c.NewIndex]
		oldHash, newHash := ids.Lookup(oldFact), ids.Lookup(newFact)

		record, err := r.ResolveConflict(oldFact, newFact, oldHash, newHash,
			accessCounts[oldHash], accessCounts[newHash], strategy)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, *record)

		switch strategy {
		case StrategyKeepNew:
			result.FactsToDelete = append(result.FactsToDelete, oldHash)
		case StrategyKeepOld:
			result.FactsToDelete = append(result.FactsToDelete, newHash)
		case StrategyMerge:
			result.FactsToMerge = append(result.FactsToMerge, MergeCandidate{
				OldHashID:   oldHash,
				NewHashID:   newHash,
				MergedValue: record.Result,
			})
		}
	}

	return result, nil
}

// History returns a copy of the audit history, oldest first.
func (r *ConflictResolver) History() []ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConflictRecord{}, r.history...)
}

// ConflictSummary aggregates the audit history.
type ConflictSummary struct {
	TotalConflicts int            `json:"total_conflicts"`
	StrategiesUsed map[string]int `json:"strategies_used,omitempty"`
	LatestConflict *time.Time     `json:"latest_conflict,omitempty"`
}

// Summary reports the number of resolutions, the count per strategy and the
// timestamp of the latest one.
func (r *ConflictResolver) Summary() ConflictSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := ConflictSummary{TotalConflicts: len(r.history)}
	if len(r.history) == 0 {
		return summary
	}

	summary.StrategiesUsed = map[string]int{}
	for _, rec := range r.history {
		summary.StrategiesUsed[rec.Strategy.String()]++
	}
	latest := r.history[len(r.history)-1].Timestamp
	summary.LatestConflict = &latest
	return summary
}
