// Package memory stores parser state in-memory for tests and development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
)

// RecordStore keeps saved records in a map and returns pseudo URIs.
type RecordStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewRecordStore creates a new in-memory record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{data: make(map[string][]byte)}
}

// Save persists a copy of rec stamped with _saved_at and returns a
// memory:// URI.
func (s *RecordStore) Save(_ context.Context, rec delivery.Record) (string, error) {
	id := rec.ID()
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("record id is required")
	}

	enriched := make(delivery.Record, len(rec)+1)
	for k, v := range rec {
		enriched[k] = v
	}
	enriched["_saved_at"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(enriched)
	if err != nil {
		return "", fmt.Errorf("marshal record %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = data
	return fmt.Sprintf("memory://%s.json", id), nil
}

// Load returns the record saved under id, or parser.ErrNotFound.
func (s *RecordStore) Load(_ context.Context, id string) (delivery.Record, error) {
	s.mu.RLock()
	data, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, parser.ErrNotFound)
	}
	var rec delivery.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// Exists reports whether a record is saved under id.
func (s *RecordStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[id]
	return ok, nil
}

// ListIDs returns the IDs of all saved records in sorted order.
func (s *RecordStore) ListIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats returns the record count and total encoded size.
func (s *RecordStore) Stats(_ context.Context) (parser.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats parser.StoreStats
	for _, data := range s.data {
		stats.Count++
		stats.Bytes += int64(len(data))
	}
	return stats, nil
}

// Clear removes every saved record and returns how many were removed.
func (s *RecordStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.data)
	s.data = make(map[string][]byte)
	return count, nil
}
