// Package local implements a filesystem-backed record store: one JSON
// document per item under results/<session>/.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
)

// Config captures the parameters for the local record store.
type Config struct {
	// RootDir is the directory sessions are stored under (default "results").
	RootDir string `mapstructure:"root_dir" yaml:"root_dir"`
	// Session scopes records into RootDir/Session.
	Session string `mapstructure:"session" yaml:"session"`
}

// Store writes one <id>.json file per record.
type Store struct {
	baseDir string
	hasher  parser.Hasher
}

// New creates a filesystem-backed record store rooted at RootDir/Session.
func New(cfg Config, hasher parser.Hasher) (*Store, error) {
	if strings.TrimSpace(cfg.Session) == "" {
		return nil, fmt.Errorf("session is required")
	}
	root := cfg.RootDir
	if strings.TrimSpace(root) == "" {
		root = "results"
	}
	baseDir := filepath.Join(root, cfg.Session)

	info, err := os.Stat(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: baseDir, hasher: hasher}, nil
}

// Save writes rec as <id>.json, stamping it with _saved_at and, when a
// hasher is configured, a _hash digest of the original payload. It returns
// the file path.
func (s *Store) Save(_ context.Context, rec delivery.Record) (string, error) {
	id := rec.ID()
	path, err := s.pathFor(id)
	if err != nil {
		return "", err
	}

	enriched := make(delivery.Record, len(rec)+2)
	for k, v := range rec {
		enriched[k] = v
	}
	enriched["_saved_at"] = time.Now().UTC().Format(time.RFC3339)
	if s.hasher != nil {
		payload, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("marshal record %s: %w", id, err)
		}
		digest, err := s.hasher.Hash(payload)
		if err != nil {
			return "", fmt.Errorf("hash record %s: %w", id, err)
		}
		enriched["_hash"] = digest
	}

	data, err := json.MarshalIndent(enriched, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal record %s: %w", id, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write record %s: %w", id, err)
	}
	return path, nil
}

// Load reads the record saved under id, or parser.ErrNotFound.
func (s *Store) Load(_ context.Context, id string) (delivery.Record, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("record %s: %w", id, parser.ErrNotFound)
		}
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	var rec delivery.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// Exists reports whether a record is saved under id.
func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat record %s: %w", id, err)
	}
	return true, nil
}

// ListIDs returns the IDs of all saved records in filename order.
func (s *Store) ListIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Stats returns the record count and total size on disk.
func (s *Store) Stats(_ context.Context) (parser.StoreStats, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return parser.StoreStats{}, fmt.Errorf("stat records: %w", err)
	}
	var stats parser.StoreStats
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return parser.StoreStats{}, fmt.Errorf("stat record %s: %w", entry.Name(), err)
		}
		stats.Count++
		stats.Bytes += info.Size()
	}
	return stats, nil
}

// Clear deletes every saved record and returns how many were removed.
func (s *Store) Clear(_ context.Context) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("clear records: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.baseDir, entry.Name())); err != nil {
			return count, fmt.Errorf("remove record %s: %w", entry.Name(), err)
		}
		count++
	}
	return count, nil
}

// pathFor maps a record ID to its file, rejecting IDs that would escape the
// base directory.
func (s *Store) pathFor(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("record id is required")
	}
	if strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	fullPath := filepath.Join(s.baseDir, id+".json")
	cleanBase := filepath.Clean(s.baseDir)
	cleanFull := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return fullPath, nil
}
