package sqlvault_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"tessera/internal/keys"
	"tessera/internal/vault"
	"tessera/internal/vault/sqlvault"
)

var (
	kidA = keys.MustParseKID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	kidB = keys.MustParseKID("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	kidC = keys.MustParseKID("cccccccccccccccccccccccccccccccc")
	kidD = keys.MustParseKID("dddddddddddddddddddddddddddddddd")
	keyA = keys.ContentKey{0xa1}
	keyB = keys.ContentKey{0xb1}
	keyC = keys.ContentKey{0xc1}
)

func newMock(t *testing.T, dialect sqlvault.Dialect, maxBatch int) (*sqlvault.Vault, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %v", err)
		}
		_ = db.Close()
	})
	v := sqlvault.New(db, sqlvault.Options{
		Info:     vault.Info{Name: "remote-db"},
		Dialect:  dialect,
		MaxBatch: maxBatch,
	})
	return v, mock
}

func TestMySQLLookupHit(t *testing.T) {
	v, mock := newMock(t, sqlvault.MySQL, 0)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key_ FROM `EXAMPLE` WHERE kid = ?")).
		WithArgs(kidA.String()).
		WillReturnRows(sqlmock.NewRows([]string{"key_"}).AddRow(keyA.String()))

	key, ok, err := v.GetKey(context.Background(), "EXAMPLE", kidA)
	if err != nil || !ok {
		t.Fatalf("expected hit: ok=%v err=%v", ok, err)
	}
	if !key.Equal(keyA) {
		t.Fatalf("unexpected key %s", key)
	}
	if v.Info().Kind != "mysql" {
		t.Fatalf("unexpected kind %q", v.Info().Kind)
	}
}

func TestMissingTableIsMiss(t *testing.T) {
	v, mock := newMock(t, sqlvault.MySQL, 0)
	mock.ExpectQuery("SELECT key_ FROM").
		WillReturnError(&mysql.MySQLError{Number: 1146, Message: "Table 'keys.EXAMPLE' doesn't exist"})

	_, ok, err := v.GetKey(context.Background(), "EXAMPLE", kidA)
	if err != nil || ok {
		t.Fatalf("expected miss without error: ok=%v err=%v", ok, err)
	}
}

func TestPostgresLookupUsesDollarPlaceholders(t *testing.T) {
	v, mock := newMock(t, sqlvault.Postgres, 0)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key_ FROM "EXAMPLE" WHERE kid = $1`)).
		WithArgs(kidA.String()).
		WillReturnRows(sqlmock.NewRows([]string{"key_"}))

	_, ok, err := v.GetKey(context.Background(), "EXAMPLE", kidA)
	if err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}
}

func TestLookupConnectionErrorSurfaces(t *testing.T) {
	v, mock := newMock(t, sqlvault.Postgres, 0)
	mock.ExpectQuery("SELECT key_ FROM").WillReturnError(errors.New("connection reset"))

	if _, _, err := v.GetKey(context.Background(), "EXAMPLE", kidA); err == nil {
		t.Fatal("expected connectivity error to surface")
	}
}

func TestBulkInsertChunksByMaxBatch(t *testing.T) {
	v, mock := newMock(t, sqlvault.MySQL, 2)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `EXAMPLE`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `EXAMPLE` (kid,key_) VALUES (?,?),(?,?)")).
		WithArgs(kidA.String(), keyA.String(), kidB.String(), keyB.String()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `EXAMPLE` (kid,key_) VALUES (?,?)")).
		WithArgs(kidC.String(), keyC.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := v.AddKeys(context.Background(), "EXAMPLE", keys.Set{
		kidA: keyA,
		kidB: keyB,
		kidC: keyC,
		kidD: keys.ContentKey{0, 0},
	})
	if err != nil {
		t.Fatalf("AddKeys returned error: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("expected 3 inserted, got %d", inserted)
	}
}

func TestPostgresInsertConflict(t *testing.T) {
	v, mock := newMock(t, sqlvault.Postgres, 0)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "EXAMPLE"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "EXAMPLE" (kid,key_) VALUES ($1,$2) ON CONFLICT (kid) DO NOTHING`)).
		WithArgs(kidA.String(), keyA.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "EXAMPLE"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "EXAMPLE"`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	res, err := v.AddKey(context.Background(), "EXAMPLE", kidA, keyA)
	if err != nil || res != vault.AlreadyExists {
		t.Fatalf("expected already_exists for ignored row: res=%s err=%v", res, err)
	}
	res, err = v.AddKey(context.Background(), "EXAMPLE", kidA, keyA)
	if err != nil || res != vault.AlreadyExists {
		t.Fatalf("expected already_exists for unique violation: res=%s err=%v", res, err)
	}
}

func TestBlankAndNoPushNeverTouchDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	v := sqlvault.New(db, sqlvault.Options{Info: vault.Info{Name: "ro", NoPush: true}, Dialect: sqlvault.MySQL})

	if _, err := v.AddKey(context.Background(), "EXAMPLE", kidA, keys.ContentKey{}); !errors.Is(err, keys.ErrBlankKey) {
		t.Fatalf("expected ErrBlankKey, got %v", err)
	}
	if res, err := v.AddKey(context.Background(), "EXAMPLE", kidA, keyA); err != nil || res != vault.InsertSkipped {
		t.Fatalf("expected skipped insert: res=%s err=%v", res, err)
	}
	if n, err := v.AddKeys(context.Background(), "EXAMPLE", keys.Set{kidA: keyA}); err != nil || n != 0 {
		t.Fatalf("expected no bulk insert: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database calls: %v", err)
	}
}
