// Package gcs provides a record store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
)

// Config captures the parameters required to store records in GCS.
type Config struct {
	// Bucket is the target bucket name.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Prefix optionally roots all sessions under a common object prefix.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// Session scopes records into <Prefix>/<Session>/.
	Session string `mapstructure:"session" yaml:"session"`
}

// Store writes one <id>.json object per record under the session prefix.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	hasher parser.Hasher
}

// New creates a GCS-backed record store.
func New(client *storage.Client, cfg Config, hasher parser.Hasher) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(cfg.Session) == "" {
		return nil, fmt.Errorf("session is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: path.Join(cfg.Prefix, cfg.Session),
		hasher: hasher,
	}, nil
}

// Save uploads rec as <id>.json, stamping it with _saved_at and, when a
// hasher is configured, a _hash digest of the original payload. It returns
// a gs:// URI.
func (s *Store) Save(ctx context.Context, rec delivery.Record) (string, error) {
	id := rec.ID()
	name, err := s.objectName(id)
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

	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("write record %s: %w (close writer: %v)", id, err, closeErr)
		}
		return "", fmt.Errorf("write record %s: %w", id, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for record %s: %w", id, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Load reads the record saved under id, or parser.ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (delivery.Record, error) {
	name, err := s.objectName(id)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("record %s: %w", id, parser.ErrNotFound)
		}
		return nil, fmt.Errorf("open record %s: %w", id, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	var rec delivery.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// Exists reports whether a record is saved under id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	name, err := s.objectName(id)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat record %s: %w", id, err)
	}
	return true, nil
}

// ListIDs returns the IDs of all saved records under the session prefix.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.eachObject(ctx, func(attrs *storage.ObjectAttrs) {
		if id, ok := s.idFromName(attrs.Name); ok {
			ids = append(ids, id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return ids, nil
}

// Stats returns the record count and total object size.
func (s *Store) Stats(ctx context.Context) (parser.StoreStats, error) {
	var stats parser.StoreStats
	err := s.eachObject(ctx, func(attrs *storage.ObjectAttrs) {
		if _, ok := s.idFromName(attrs.Name); !ok {
			return
		}
		stats.Count++
		stats.Bytes += attrs.Size
	})
	if err != nil {
		return parser.StoreStats{}, fmt.Errorf("stat records: %w", err)
	}
	return stats, nil
}

// Clear deletes every saved record and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	var names []string
	err := s.eachObject(ctx, func(attrs *storage.ObjectAttrs) {
		if _, ok := s.idFromName(attrs.Name); ok {
			names = append(names, attrs.Name)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("clear records: %w", err)
	}
	count := 0
	for _, name := range names {
		if err := s.client.Bucket(s.bucket).Object(name).Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				continue
			}
			return count, fmt.Errorf("remove record %s: %w", name, err)
		}
		count++
	}
	return count, nil
}

// eachObject walks every object under the session prefix.
func (s *Store) eachObject(ctx context.Context, visit func(*storage.ObjectAttrs)) error {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		visit(attrs)
	}
}

// objectName maps a record ID to its object, rejecting IDs that would escape
// the session prefix.
func (s *Store) objectName(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("record id is required")
	}
	if strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return s.prefix + "/" + id + ".json", nil
}

// idFromName extracts the record ID from an object name directly under the
// session prefix.
func (s *Store) idFromName(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, s.prefix+"/")
	if !ok || rest == "" {
		return "", false
	}
	if strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".json") {
		return "", false
	}
	return strings.TrimSuffix(rest, ".json"), true
}
