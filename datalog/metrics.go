package datalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteSessionMetrics writes the snapshot to <dir>/session_<id>_metrics.json.
func WriteSessionMetrics(dir string, m SessionMetrics) error {
	path := filepath.Join(dir, fmt.Sprintf("session_%s_metrics.json", m.SessionID))
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session metrics: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write session metrics: %w", err)
	}
	return nil
}
