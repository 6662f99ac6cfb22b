// Package report keeps the per-run key ledger that the pipeline appends to
// and the CLI renders.
package report

import (
	"slices"
	"sync"

	"tessera/internal/keys"
)

// Entry is one KID under a content identity.
type Entry struct {
	KID keys.KID
	Key keys.ContentKey
	// Source names the vault the key came from, or "license".
	Source string
	// Required marks the KID the track itself needs.
	Required bool
	Err      string
}

// Row groups the KIDs of one scheme and content identity.
type Row struct {
	Identity string
	Scheme   string
	Label    string
	Tracks   []string
	Entries  []Entry
	Cached   int
	Vaults   int
}

// Ledger is safe for concurrent use. Readers work on snapshots.
type Ledger struct {
	mu    sync.Mutex
	order []string
	rows  map[string]*Row
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{rows: make(map[string]*Row)}
}

func (l *Ledger) row(identity, scheme string) *Row {
	row, ok := l.rows[identity]
	if !ok {
		row = &Row{Identity: identity, Scheme: scheme}
		l.rows[identity] = row
		l.order = append(l.order, identity)
	}
	return row
}

// Open ensures a row exists for identity and records that track uses it.
func (l *Ledger) Open(identity, scheme, label, trackID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.row(identity, scheme)
	if label != "" && row.Label == "" {
		row.Label = label
	}
	if trackID != "" && !slices.Contains(row.Tracks, trackID) {
		row.Tracks = append(row.Tracks, trackID)
	}
}

// Record adds or updates the entry for entry.KID. A later key replaces an
// earlier error; a Required flag, once set, sticks.
func (l *Ledger) Record(identity, scheme string, entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.row(identity, scheme)
	for i := range row.Entries {
		existing := &row.Entries[i]
		if existing.KID != entry.KID {
			continue
		}
		required := existing.Required || entry.Required
		if len(entry.Key) > 0 || existing.Key == nil {
			*existing = entry
			existing.Key = entry.Key.Clone()
		}
		existing.Required = required
		return
	}
	entry.Key = entry.Key.Clone()
	row.Entries = append(row.Entries, entry)
}

// Cached records the outcome of the batched write-back for identity.
func (l *Ledger) Cached(identity string, written, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if row, ok := l.rows[identity]; ok {
		row.Cached = written
		row.Vaults = total
	}
}

// Snapshot returns a deep copy of the rows in first-seen order.
func (l *Ledger) Snapshot() []Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Row, 0, len(l.order))
	for _, identity := range l.order {
		row := *l.rows[identity]
		row.Tracks = slices.Clone(row.Tracks)
		row.Entries = make([]Entry, len(l.rows[identity].Entries))
		for i, entry := range l.rows[identity].Entries {
			entry.Key = entry.Key.Clone()
			row.Entries[i] = entry
		}
		out = append(out, row)
	}
	return out
}

// Len returns the number of rows.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
