// Package sqlaccess implements storage.AccessLogStore on database/sql.
//
// All events of all namespaces share one table; rows are keyed by
// (namespace, hash_id, seq) where seq preserves insertion order. The
// sqlite, postgres and oceanbase packages supply the driver and Dialect.
package sqlaccess

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oceanbase/contextmem-go/pkg/storage"
)

// Dialect captures the SQL differences between backends.
type Dialect struct {
	// Name identifies the dialect in errors.
	Name string

	// Placeholder returns the bind parameter for the n-th argument (1-based).
	Placeholder func(n int) string

	// CreateTable is a format string taking the table name.
	CreateTable string
}

// QuestionPlaceholder is the "?" style used by SQLite and MySQL.
func QuestionPlaceholder(int) string { return "?" }

// DollarPlaceholder is the "$n" style used by PostgreSQL.
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// Store is an AccessLogStore bound to one table and namespace.
type Store struct {
	db        *sql.DB
	table     string
	namespace string
	dialect   Dialect
	ownsDB    bool
}

// Options configures New.
type Options struct {
	// Table is the table name (default: access_events).
	Table string

	// Namespace selects the rows this store reads and writes (required).
	Namespace string

	// Dialect is the backend SQL dialect (required).
	Dialect Dialect

	// CloseDB makes Close also close db.
	CloseDB bool
}

// New creates the table if needed and returns a Store.
func New(ctx context.Context, db *sql.DB, opts Options) (*Store, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("sqlaccess: namespace is required")
	}
	if opts.Dialect.Placeholder == nil || opts.Dialect.CreateTable == "" {
		return nil, fmt.Errorf("sqlaccess: incomplete dialect %q", opts.Dialect.Name)
	}
	table := opts.Table
	if table == "" {
		table = "access_events"
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(opts.Dialect.CreateTable, table)); err != nil {
		return nil, fmt.Errorf("sqlaccess: %s: create table: %w", opts.Dialect.Name, err)
	}

	return &Store{
		db:        db,
		table:     table,
		namespace: opts.Namespace,
		dialect:   opts.Dialect,
		ownsDB:    opts.CloseDB,
	}, nil
}

// Load reads every event of the namespace, oldest first per id.
func (s *Store) Load(ctx context.Context) (map[string][]storage.AccessEvent, error) {
	query := fmt.Sprintf(`
		SELECT hash_id, ts, query_text, ranking_position, similarity_score, computed_similarity
		FROM %s WHERE namespace = %s
		ORDER BY hash_id, seq
	`, s.table, s.dialect.Placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs := map[string][]storage.AccessEvent{}
	for rows.Next() {
		var (
			hashID     string
			ts         int64
			queryText  sql.NullString
			rank       int
			similarity sql.NullFloat64
			computed   sql.NullFloat64
		)
		if err := rows.Scan(&hashID, &ts, &queryText, &rank, &similarity, &computed); err != nil {
			return nil, fmt.Errorf("Load: %w: %v", storage.ErrMalformedData, err)
		}

		event := storage.AccessEvent{
			Timestamp:       time.Unix(0, ts),
			Query:           queryText.String,
			RankingPosition: rank,
		}
		if similarity.Valid {
			v := similarity.Float64
			event.SimilarityScore = &v
		}
		if computed.Valid {
			v := computed.Float64
			event.ComputedSimilarity = &v
		}
		logs[hashID] = append(logs[hashID], event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	return logs, nil
}

// Save replaces every row of the namespace in one transaction.
func (s *Store) Save(ctx context.Context, logs map[string][]storage.AccessEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := fmt.Sprintf("DELETE FROM %s WHERE namespace = %s", s.table, s.dialect.Placeholder(1))
	if _, err := tx.ExecContext(ctx, del, s.namespace); err != nil {
		return fmt.Errorf("Save: %w", err)
	}

	p := s.dialect.Placeholder
	insert := fmt.Sprintf(`
		INSERT INTO %s
		(namespace, hash_id, seq, ts, query_text, ranking_position, similarity_score, computed_similarity)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
	`, s.table, p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8))

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for hashID, events := range logs {
		for seq, e := range events {
			if _, err := stmt.ExecContext(ctx,
				s.namespace, hashID, seq, e.Timestamp.UnixNano(), e.Query, e.RankingPosition,
				nullFloat(e.SimilarityScore), nullFloat(e.ComputedSimilarity),
			); err != nil {
				return fmt.Errorf("Save: %s: %w", hashID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// Append inserts one event after the newest stored event of hashID, then
// drops all but the newest keep events of hashID when keep > 0.
func (s *Store) Append(ctx context.Context, hashID string, event storage.AccessEvent, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p := s.dialect.Placeholder
	var seq int64
	last := fmt.Sprintf("SELECT COALESCE(MAX(seq), -1) FROM %s WHERE namespace = %s AND hash_id = %s",
		s.table, p(1), p(2))
	if err := tx.QueryRowContext(ctx, last, s.namespace, hashID).Scan(&seq); err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	seq++

	insert := fmt.Sprintf(`
		INSERT INTO %s
		(namespace, hash_id, seq, ts, query_text, ranking_position, similarity_score, computed_similarity)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
	`, s.table, p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8))
	if _, err := tx.ExecContext(ctx, insert,
		s.namespace, hashID, seq, event.Timestamp.UnixNano(), event.Query, event.RankingPosition,
		nullFloat(event.SimilarityScore), nullFloat(event.ComputedSimilarity),
	); err != nil {
		return fmt.Errorf("Append: %s: %w", hashID, err)
	}

	if keep > 0 {
		trim := fmt.Sprintf("DELETE FROM %s WHERE namespace = %s AND hash_id = %s AND seq <= %s",
			s.table, p(1), p(2), p(3))
		if _, err := tx.ExecContext(ctx, trim, s.namespace, hashID, seq-int64(keep)); err != nil {
			return fmt.Errorf("Append: trim %s: %w", hashID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	return nil
}

// Close closes the database when the store owns it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
