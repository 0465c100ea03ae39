// Package sqlite provides a SQLite access-log backend.
//
// SQLite is a lightweight, file-based database suitable for local development
// and single-process deployments. Each access appends one row; the JSON
// access log is rewritten whole.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oceanbase/contextmem-go/pkg/storage/sqlaccess"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS %s (
		namespace TEXT NOT NULL,
		hash_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		query_text TEXT,
		ranking_position INTEGER NOT NULL,
		similarity_score REAL,
		computed_similarity REAL,
		PRIMARY KEY (namespace, hash_id, seq)
	)
`

// Dialect is the SQLite dialect for sqlaccess.
var Dialect = sqlaccess.Dialect{
	Name:        "sqlite",
	Placeholder: sqlaccess.QuestionPlaceholder,
	CreateTable: createTable,
}

// Client implements storage.AccessLogStore on SQLite.
type Client struct {
	*sqlaccess.Store
}

// Config contains configuration for a SQLite access log.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// TableName is the name of the events table (default: access_events).
	TableName string

	// Namespace is the store namespace whose events this client holds.
	Namespace string
}

// NewClient opens (creating if needed) the database and its table.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	store, err := sqlaccess.New(context.Background(), db, sqlaccess.Options{
		Table:     cfg.TableName,
		Namespace: cfg.Namespace,
		Dialect:   Dialect,
		CloseDB:   true,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	return &Client{Store: store}, nil
}
