package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/parquet-go/parquet-go"
)

type recordRow struct {
	HashID    string    `parquet:"hash_id"`
	Content   string    `parquet:"content"`
	Embedding []float32 `parquet:"embedding"`
}

// readRecordFile loads the columnar record file. A missing file yields no rows.
func readRecordFile(path string) ([]recordRow, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	rows, err := parquet.ReadFile[recordRow](path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedData, path, err)
	}
	return rows, nil
}

// writeRecordFile replaces the record file. The rows are written to a
// sibling temp file first so a failed write never truncates the old file.
func writeRecordFile(path string, rows []recordRow) error {
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write records: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write records: %w", err)
	}
	return nil
}
