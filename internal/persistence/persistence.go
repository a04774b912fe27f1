// Package persistence stores side-policy overrides as one flat key→value
// JSON file per policy. Keys are fully-qualified references; the on-disk
// "{deviceKey}.{reference}" encoding is a compatibility contract with
// previously written files.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"modbus-bridge/internal/logger"
)

// separator joins a device key and a mapping reference into a
// fully-qualified reference.
const separator = "."

// FQRef builds the fully-qualified reference used as a persistence key and
// bridge index.
func FQRef(deviceKey, reference string) string {
	return deviceKey + separator + reference
}

// Store is a durable key→string map backed by a single JSON file.
// Last writer wins; every Put rewrites the whole file atomically.
type Store struct {
	path string
}

// NewStore creates a store over the given file path. The file does not
// need to exist; absence means no overrides.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Put stores one value and flushes the whole file. The previous file
// content is merged in first so unrelated keys survive.
func (s *Store) Put(key, value string) error {
	values := s.LoadAll()
	values[key] = value
	return s.flush(values)
}

// LoadAll reads the whole file. A missing or unreadable file yields an
// empty map; a corrupt file is logged and treated as empty.
func (s *Store) LoadAll() map[string]string {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read persistence file",
				zap.String("path", s.path), zap.Error(err))
		}
		return values
	}
	if err := json.Unmarshal(data, &values); err != nil {
		logger.Warn("persistence file is corrupt, ignoring old values",
			zap.String("path", s.path), zap.Error(err))
		return make(map[string]string)
	}
	return values
}

// flush writes the map to a temp file in the same directory and renames it
// over the target, so a crash never leaves a half-written file.
func (s *Store) flush(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal persistence values: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create persistence directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp persistence file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp persistence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp persistence file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace persistence file: %w", err)
	}
	return nil
}
