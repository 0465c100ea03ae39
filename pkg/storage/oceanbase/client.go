// Package oceanbase provides an access-log backend for OceanBase, or any
// server speaking the MySQL protocol.
package oceanbase

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/oceanbase/contextmem-go/pkg/storage/sqlaccess"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS %s (
		namespace VARCHAR(255) NOT NULL,
		hash_id VARCHAR(255) NOT NULL,
		seq INT NOT NULL,
		ts BIGINT NOT NULL,
		query_text LONGTEXT,
		ranking_position INT NOT NULL,
		similarity_score DOUBLE,
		computed_similarity DOUBLE,
		PRIMARY KEY (namespace, hash_id, seq)
	)
`

// Dialect is the MySQL-protocol dialect for sqlaccess.
var Dialect = sqlaccess.Dialect{
	Name:        "oceanbase",
	Placeholder: sqlaccess.QuestionPlaceholder,
	CreateTable: createTable,
}

// Client implements storage.AccessLogStore on OceanBase.
type Client struct {
	*sqlaccess.Store
}

// Config contains OceanBase configuration.
type Config struct {
	// DSN, when set, is used as is and the connection fields are ignored.
	DSN string

	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	TableName string
	Namespace string
}

// ConnString returns the go-sql-driver/mysql DSN for cfg.
func (cfg *Config) ConnString() string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	port := cfg.Port
	if port == 0 {
		port = 2881
	}

	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	mc.DBName = cfg.DBName
	return mc.FormatDSN()
}

// NewClient connects and creates the events table if needed.
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("mysql", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	store, err := sqlaccess.New(context.Background(), db, sqlaccess.Options{
		Table:     cfg.TableName,
		Namespace: cfg.Namespace,
		Dialect:   Dialect,
		CloseDB:   true,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	return &Client{Store: store}, nil
}
