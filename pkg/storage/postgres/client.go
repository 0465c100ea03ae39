// Package postgres provides a PostgreSQL access-log backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/oceanbase/contextmem-go/pkg/storage/sqlaccess"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS %s (
		namespace VARCHAR(255) NOT NULL,
		hash_id VARCHAR(255) NOT NULL,
		seq INTEGER NOT NULL,
		ts BIGINT NOT NULL,
		query_text TEXT,
		ranking_position INTEGER NOT NULL,
		similarity_score DOUBLE PRECISION,
		computed_similarity DOUBLE PRECISION,
		PRIMARY KEY (namespace, hash_id, seq)
	)
`

// Dialect is the PostgreSQL dialect for sqlaccess.
var Dialect = sqlaccess.Dialect{
	Name:        "postgres",
	Placeholder: sqlaccess.DollarPlaceholder,
	CreateTable: createTable,
}

// Client implements storage.AccessLogStore on PostgreSQL.
type Client struct {
	*sqlaccess.Store
}

// Config contains PostgreSQL configuration.
type Config struct {
	// DSN, when set, is used as is and the connection fields are ignored.
	DSN string

	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	SSLMode   string
	TableName string
	Namespace string
}

// ConnString returns the lib/pq connection string for cfg.
func (cfg *Config) ConnString() string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, port, cfg.User, cfg.Password, cfg.DBName, sslMode)
}

// NewClient connects and creates the events table if needed.
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	store, err := sqlaccess.New(context.Background(), db, sqlaccess.Options{
		Table:     cfg.TableName,
		Namespace: cfg.Namespace,
		Dialect:   Dialect,
		CloseDB:   true,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	return &Client{Store: store}, nil
}
