// Package export persists resolved keys per title and track so they can be
// reused outside a run.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"tessera/internal/keys"
)

// Record is the exported entry of one track.
type Record struct {
	URL        string            `json:"url,omitempty"`
	Descriptor string            `json:"descriptor,omitempty"`
	Keys       map[string]string `json:"keys"`
}

// Document is the whole export file: title to track to record.
type Document map[string]map[string]Record

// Store reads and merges the export file. Concurrent processes are
// serialized by an exclusive lock on <path>.lock.
type Store struct {
	path      string
	lock      *flock.Flock
	retryWait time.Duration
}

// NewStore returns a store for path. The file is created on first merge.
func NewStore(path string) *Store {
	return &Store{
		path:      path,
		lock:      flock.New(path + ".lock"),
		retryWait: 50 * time.Millisecond,
	}
}

// Path returns the export file location.
func (s *Store) Path() string { return s.path }

// NewRecord builds a record from a key set, dropping blank keys.
func NewRecord(url, descriptor string, set keys.Set) Record {
	return Record{URL: url, Descriptor: descriptor, Keys: set.WithoutBlank().HexMap()}
}

// Merge adds record under title and track. Other titles and tracks are left
// as they are; keys already recorded for the same track are kept and the new
// keys are added.
func (s *Store) Merge(ctx context.Context, title, track string, record Record) error {
	if title == "" || track == "" {
		return errors.New("export merge requires a title and a track")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	locked, err := s.lock.TryLockContext(ctx, s.retryWait)
	if err != nil {
		return fmt.Errorf("lock export file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock export file: %s is busy", s.lock.Path())
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.read()
	if err != nil {
		return err
	}
	tracks, ok := doc[title]
	if !ok {
		tracks = make(map[string]Record)
		doc[title] = tracks
	}
	existing := tracks[track]
	merged := Record{
		URL:        firstNonEmpty(record.URL, existing.URL),
		Descriptor: firstNonEmpty(record.Descriptor, existing.Descriptor),
		Keys:       make(map[string]string, len(existing.Keys)+len(record.Keys)),
	}
	maps.Copy(merged.Keys, existing.Keys)
	for kid, key := range record.Keys {
		parsed, err := keys.ParseContentKey(key)
		if err != nil || parsed.IsBlank() {
			continue
		}
		merged.Keys[kid] = key
	}
	tracks[track] = merged
	return s.write(doc)
}

// Load returns the current document. A missing file is an empty document.
func (s *Store) Load() (Document, error) {
	return s.read()
}

func (s *Store) read() (Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read export file: %w", err)
	}
	if len(data) == 0 {
		return Document{}, nil
	}
	doc := Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse export file %s: %w", s.path, err)
	}
	return doc, nil
}

// write replaces the file atomically through a temp file in the same
// directory.
func (s *Store) write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".export-*.json")
	if err != nil {
		return fmt.Errorf("create temp export file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp export file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp export file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace export file: %w", err)
	}
	return nil
}

// Titles returns the exported titles in order.
func (d Document) Titles() []string {
	out := make([]string, 0, len(d))
	for title := range d {
		out = append(out, title)
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
