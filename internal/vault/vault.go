package vault

import (
	"context"

	"tessera/internal/keys"
)

// InsertResult reports what an insert did to the vault.
type InsertResult int

const (
	// InsertFailed means the vault could not store the key.
	InsertFailed InsertResult = iota
	// Inserted means a new row was written.
	Inserted
	// AlreadyExists means the vault already held a key for the KID and kept it.
	AlreadyExists
	// InsertSkipped means the vault is read-only and nothing was written.
	InsertSkipped
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	case InsertSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Cached reports whether the key is present in the vault after the insert.
func (r InsertResult) Cached() bool {
	return r == Inserted || r == AlreadyExists
}

// Info describes a configured vault.
type Info struct {
	Name   string
	Kind   string
	NoPush bool
}

// Vault is a persistent store of content keys scoped by service tag.
//
// Implementations never overwrite an existing key for a KID and reject blank
// keys with keys.ErrBlankKey. A lookup miss is (nil, false, nil); errors are
// reserved for connectivity or query failures.
type Vault interface {
	Info() Info
	GetKey(ctx context.Context, service string, kid keys.KID) (keys.ContentKey, bool, error)
	AddKey(ctx context.Context, service string, kid keys.KID, key keys.ContentKey) (InsertResult, error)
	// AddKeys stores every non-blank key of set and returns how many rows were
	// newly written.
	AddKeys(ctx context.Context, service string, set keys.Set) (int, error)
	Close() error
}

// Enumerator is implemented by vaults that can list their contents.
type Enumerator interface {
	Services(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, service string) (keys.Set, error)
}
