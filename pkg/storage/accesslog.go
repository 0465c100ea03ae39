package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONAccessLog keeps access logs in a single JSON document mapping
// identifier to its ordered event list.
type JSONAccessLog struct {
	path string
}

// NewJSONAccessLog returns a file-backed AccessLogStore at path.
func NewJSONAccessLog(path string) *JSONAccessLog {
	return &JSONAccessLog{path: path}
}

// Path returns the backing file path.
func (j *JSONAccessLog) Path() string {
	return j.path
}

// Load reads the document. A missing file is an empty log.
func (j *JSONAccessLog) Load(ctx context.Context) (map[string][]AccessEvent, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]AccessEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load access log: %w", err)
	}

	logs := map[string][]AccessEvent{}
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedData, j.path, err)
	}
	return logs, nil
}

// Save rewrites the whole document.
func (j *JSONAccessLog) Save(ctx context.Context, logs map[string][]AccessEvent) error {
	data, err := json.MarshalIndent(logs, "", "  ")
	if err != nil {
		return fmt.Errorf("save access log: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("save access log: %w", err)
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("save access log: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save access log: %w", err)
	}
	return nil
}

// Close is a no-op.
func (j *JSONAccessLog) Close() error {
	return nil
}
