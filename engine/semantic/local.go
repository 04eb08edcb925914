package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const localFile = "records.json"

// LocalStore is a Store backed by an in-memory slice with optional JSON
// persistence under a data directory. It performs exact cosine search with
// ties broken by insertion order. Intended for single-node deployments and
// tests; Qdrant serves the same contract at scale.
type LocalStore struct {
	mu      sync.RWMutex
	dir     string // empty means memory-only
	records []VectorRecord
	pos     map[string]int // record ID -> position in records
}

var _ Store = (*LocalStore)(nil)

// NewLocal creates a memory-only store.
func NewLocal() *LocalStore {
	return &LocalStore{pos: make(map[string]int)}
}

// OpenLocal opens (or creates) a store persisted under dir. Reopening an
// existing directory restores previously written records.
func OpenLocal(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("semantic: create store dir: %w", err)
	}
	s := &LocalStore{dir: dir, pos: make(map[string]int)}

	data, err := os.ReadFile(filepath.Join(dir, localFile))
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("semantic: read store: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("semantic: decode store: %w", err)
	}
	for i, r := range s.records {
		s.pos[r.ID] = i
	}
	return s, nil
}

// Len returns the number of stored records.
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Upsert inserts or replaces records by ID. Replacement keeps the record's
// original insertion position so tie-breaking stays stable.
func (s *LocalStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if i, ok := s.pos[r.ID]; ok {
			s.records[i] = r
			continue
		}
		s.pos[r.ID] = len(s.records)
		s.records = append(s.records, r)
	}
	return s.flushLocked()
}

// DeleteByDocID removes all records belonging to one document. Remaining
// records keep their relative order, so tie-breaking stays stable.
func (s *LocalStore) DeleteByDocID(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, r := range s.records {
		if payloadString(r.Payload["doc_id"]) == docID {
			delete(s.pos, r.ID)
			continue
		}
		s.pos[r.ID] = len(kept)
		kept = append(kept, r)
	}
	s.records = kept
	return s.flushLocked()
}

// flushLocked writes the record set to disk via a temp-file rename.
// Must hold mu.
func (s *LocalStore) flushLocked() error {
	if s.dir == "" {
		return nil
	}
	data, err := json.Marshal(s.records)
	if err != nil {
		return fmt.Errorf("semantic: encode store: %w", err)
	}
	tmp := filepath.Join(s.dir, localFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("semantic: write store: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, localFile)); err != nil {
		return fmt.Errorf("semantic: commit store: %w", err)
	}
	return nil
}

// Search returns the topK records by cosine similarity, descending, with
// ties resolved in favour of earlier-indexed records.
func (s *LocalStore) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]Hit, len(s.records))
	for i, r := range s.records {
		scored[i] = hitFromRecord(r, cosine(vector, r.Embedding))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored, nil
}

// cosine computes cosine similarity; mismatched or zero vectors score 0.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
