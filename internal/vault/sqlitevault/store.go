// Package sqlitevault stores content keys in a local SQLite file, one table
// per service tag.
package sqlitevault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"tessera/internal/keys"
	"tessera/internal/vault"
)

// Vault is a file-backed key vault.
type Vault struct {
	db   *sql.DB
	path string
	info vault.Info

	// tables caches service tables known to exist.
	mu     sync.Mutex
	tables map[string]bool
}

// Open creates or opens the database at path and applies migrations.
func Open(ctx context.Context, path string, info vault.Info) (*Vault, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure vault directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite vault: %w", err)
	}
	// One connection keeps pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	info.Kind = "sqlite"
	v := &Vault{db: db, path: path, info: info, tables: make(map[string]bool)}
	if err := v.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

func (v *Vault) Info() vault.Info { return v.info }

// Path returns the database file location.
func (v *Vault) Path() string { return v.path }

func (v *Vault) GetKey(ctx context.Context, service string, kid keys.KID) (keys.ContentKey, bool, error) {
	table, err := vault.ServiceTable(service)
	if err != nil {
		return nil, false, err
	}
	exists, err := v.tableExists(ctx, table)
	if err != nil || !exists {
		return nil, false, err
	}
	var value string
	query := fmt.Sprintf(`SELECT key_ FROM "%s" WHERE kid = ? LIMIT 1`, table)
	err = v.db.QueryRowContext(ctx, query, kid.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query %s key: %w", table, err)
	}
	key, err := keys.ParseContentKey(value)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s key for %s: %w", table, kid, err)
	}
	if key.IsBlank() {
		return nil, false, nil
	}
	return key, true, nil
}

func (v *Vault) AddKey(ctx context.Context, service string, kid keys.KID, key keys.ContentKey) (vault.InsertResult, error) {
	if key.IsBlank() {
		return vault.InsertFailed, keys.ErrBlankKey
	}
	if v.info.NoPush {
		return vault.InsertSkipped, nil
	}
	table, err := v.ensureTable(ctx, service)
	if err != nil {
		return vault.InsertFailed, err
	}
	query := fmt.Sprintf(`INSERT OR IGNORE INTO "%s" (kid, key_) VALUES (?, ?)`, table)
	res, err := v.db.ExecContext(ctx, query, kid.String(), key.String())
	if err != nil {
		return vault.InsertFailed, fmt.Errorf("insert %s key: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.AlreadyExists, nil
	}
	return vault.Inserted, nil
}

func (v *Vault) AddKeys(ctx context.Context, service string, set keys.Set) (int, error) {
	if v.info.NoPush {
		return 0, nil
	}
	table, err := v.ensureTable(ctx, service)
	if err != nil {
		return 0, err
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk insert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT OR IGNORE INTO "%s" (kid, key_) VALUES (?, ?)`, table))
	if err != nil {
		return 0, fmt.Errorf("prepare bulk insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, kid := range set.SortedKIDs() {
		key := set[kid]
		if key.IsBlank() {
			continue
		}
		res, err := stmt.ExecContext(ctx, kid.String(), key.String())
		if err != nil {
			return 0, fmt.Errorf("bulk insert %s key: %w", table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk insert: %w", err)
	}
	return inserted, nil
}

// Services lists every service that has a key table.
func (v *Vault) Services(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, "SELECT name FROM services ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Keys returns every key stored for service.
func (v *Vault) Keys(ctx context.Context, service string) (keys.Set, error) {
	table, err := vault.ServiceTable(service)
	if err != nil {
		return nil, err
	}
	out := make(keys.Set)
	exists, err := v.tableExists(ctx, table)
	if err != nil || !exists {
		return out, err
	}
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(`SELECT kid, key_ FROM "%s"`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var kidValue, keyValue string
		if err := rows.Scan(&kidValue, &keyValue); err != nil {
			return nil, fmt.Errorf("scan %s key: %w", table, err)
		}
		kid, err := keys.ParseKID(kidValue)
		if err != nil {
			continue
		}
		key, err := keys.ParseContentKey(keyValue)
		if err != nil || key.IsBlank() {
			continue
		}
		out[kid] = key
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

func (v *Vault) tableExists(ctx context.Context, table string) (bool, error) {
	v.mu.Lock()
	known := v.tables[table]
	v.mu.Unlock()
	if known {
		return true, nil
	}
	var count int
	row := v.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	if count > 0 {
		v.mu.Lock()
		v.tables[table] = true
		v.mu.Unlock()
	}
	return count > 0, nil
}

func (v *Vault) ensureTable(ctx context.Context, service string) (string, error) {
	table, err := vault.ServiceTable(service)
	if err != nil {
		return "", err
	}
	exists, err := v.tableExists(ctx, table)
	if err != nil {
		return "", err
	}
	if exists {
		return table, nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kid TEXT NOT NULL COLLATE NOCASE UNIQUE,
    key_ TEXT NOT NULL COLLATE NOCASE
)`, table)
	if _, err := v.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("create table %s: %w", table, err)
	}
	if _, err := v.db.ExecContext(ctx, "INSERT OR IGNORE INTO services (name) VALUES (?)", strings.TrimSpace(table)); err != nil {
		return "", fmt.Errorf("register service %s: %w", table, err)
	}
	v.mu.Lock()
	v.tables[table] = true
	v.mu.Unlock()
	return table, nil
}
