// Package sqlvault stores content keys in MySQL or PostgreSQL, one table per
// service tag, created on first insert.
package sqlvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"tessera/internal/keys"
	"tessera/internal/vault"
)

// Options configures a relational vault.
type Options struct {
	Info     vault.Info
	Dialect  Dialect
	MaxBatch int
}

// Vault is a relational key vault.
type Vault struct {
	db       *sql.DB
	dialect  Dialect
	info     vault.Info
	maxBatch int
}

// Open connects with the dialect's driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Vault, error) {
	db, err := sql.Open(opts.Dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s vault: %w", opts.Dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s vault: %w", opts.Dialect, err)
	}
	return New(db, opts), nil
}

// New wraps an existing connection.
func New(db *sql.DB, opts Options) *Vault {
	if opts.Dialect == "" {
		opts.Dialect = MySQL
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}
	info := opts.Info
	info.Kind = string(opts.Dialect)
	return &Vault{db: db, dialect: opts.Dialect, info: info, maxBatch: opts.MaxBatch}
}

func (v *Vault) Info() vault.Info { return v.info }

func (v *Vault) GetKey(ctx context.Context, service string, kid keys.KID) (keys.ContentKey, bool, error) {
	table, err := vault.ServiceTable(service)
	if err != nil {
		return nil, false, err
	}
	query, args, err := v.dialect.builder().
		Select("key_").
		From(v.dialect.quote(table)).
		Where(sq.Eq{"kid": kid.String()}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build lookup: %w", err)
	}

	var value string
	err = v.db.QueryRowContext(ctx, query, args...).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows), isMissingTable(err):
		return nil, false, nil
	case err != nil:
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
	query, args, err := v.dialect.insert(table).Values(kid.String(), key.String()).ToSql()
	if err != nil {
		return vault.InsertFailed, fmt.Errorf("build insert: %w", err)
	}
	res, err := v.db.ExecContext(ctx, query, args...)
	if isDuplicate(err) {
		return vault.AlreadyExists, nil
	}
	if err != nil {
		return vault.InsertFailed, fmt.Errorf("insert %s key: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.AlreadyExists, nil
	}
	return vault.Inserted, nil
}

// AddKeys inserts the set in chunks of at most MaxBatch rows per statement.
func (v *Vault) AddKeys(ctx context.Context, service string, set keys.Set) (int, error) {
	if v.info.NoPush {
		return 0, nil
	}
	kids := make([]keys.KID, 0, len(set))
	for _, kid := range set.SortedKIDs() {
		if !set[kid].IsBlank() {
			kids = append(kids, kid)
		}
	}
	if len(kids) == 0 {
		return 0, nil
	}
	table, err := v.ensureTable(ctx, service)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for start := 0; start < len(kids); start += v.maxBatch {
		end := min(start+v.maxBatch, len(kids))
		builder := v.dialect.insert(table)
		for _, kid := range kids[start:end] {
			builder = builder.Values(kid.String(), set[kid].String())
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return inserted, fmt.Errorf("build bulk insert: %w", err)
		}
		res, err := v.db.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("bulk insert %s keys: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

// Services lists the tables in the current schema.
func (v *Vault) Services(ctx context.Context) ([]string, error) {
	query, args := v.dialect.listTables()
	rows, err := v.db.QueryContext(ctx, query, args...)
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
		if _, err := vault.ServiceTable(name); err == nil {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

// Keys returns every key stored for service.
func (v *Vault) Keys(ctx context.Context, service string) (keys.Set, error) {
	table, err := vault.ServiceTable(service)
	if err != nil {
		return nil, err
	}
	query, args, err := v.dialect.builder().Select("kid", "key_").From(v.dialect.quote(table)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build key listing: %w", err)
	}
	out := make(keys.Set)
	rows, err := v.db.QueryContext(ctx, query, args...)
	if isMissingTable(err) {
		return out, nil
	}
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
		key, err := keys.ParseContentKey(strings.TrimSpace(keyValue))
		if err != nil || key.IsBlank() {
			continue
		}
		out[kid] = key
	}
	return out, rows.Err()
}

func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

func (v *Vault) ensureTable(ctx context.Context, service string) (string, error) {
	table, err := vault.ServiceTable(service)
	if err != nil {
		return "", err
	}
	if _, err := v.db.ExecContext(ctx, v.dialect.createTable(table)); err != nil {
		return "", fmt.Errorf("create table %s: %w", table, err)
	}
	return table, nil
}
