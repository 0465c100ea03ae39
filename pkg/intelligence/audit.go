package intelligence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/oceanbase/contextmem-go/pkg/storage"
)

type auditLog struct {
	TotalConflicts int              `json:"total_conflicts"`
	Conflicts      []ConflictRecord `json:"conflicts"`
}

// AuditLogPath returns the configured audit log path, possibly empty.
func (r *ConflictResolver) AuditLogPath() string {
	return r.cfg.AuditLogPath
}

// SaveAuditLog writes the audit history to path, or to the configured path
// when path is empty.
func (r *ConflictResolver) SaveAuditLog(path string) error {
	if path == "" {
		path = r.cfg.AuditLogPath
	}
	if path == "" {
		return ErrNoAuditLogPath
	}

	history := r.History()
	data, err := json.MarshalIndent(auditLog{TotalConflicts: len(history), Conflicts: history}, "", "  ")
	if err != nil {
		return fmt.Errorf("SaveAuditLog: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("SaveAuditLog: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("SaveAuditLog: %w", err)
	}

	r.logger.Info("conflict audit log saved", zap.String("path", path), zap.Int("records", len(history)))
	return nil
}

// LoadAuditLog replaces the audit history with the one stored at path, or
// at the configured path when path is empty. A missing file loads an
// empty history.
func (r *ConflictResolver) LoadAuditLog(path string) error {
	if path == "" {
		path = r.cfg.AuditLogPath
	}
	if path == "" {
		return ErrNoAuditLogPath
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.mu.Lock()
		r.history = nil
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("LoadAuditLog: %w", err)
	}

	var log auditLog
	if err := json.Unmarshal(data, &log); err != nil {
		return fmt.Errorf("LoadAuditLog: %w: %s: %v", storage.ErrMalformedData, path, err)
	}

	r.mu.Lock()
	r.history = log.Conflicts
	r.mu.Unlock()

	r.logger.Info("conflict audit log loaded", zap.String("path", path), zap.Int("records", len(log.Conflicts)))
	return nil
}
