package testsupport

import (
	"context"
	"sync"
	"testing"

	"tessera/internal/keys"
	"tessera/internal/vault"
)

// RecordingVault wraps a memory vault and counts calls.
type RecordingVault struct {
	*vault.Memory

	mu      sync.Mutex
	gets    int
	inserts int
	bulk    int
	failGet error
}

// NewRecordingVault returns an empty recording vault.
func NewRecordingVault(name string, noPush bool) *RecordingVault {
	return &RecordingVault{Memory: vault.NewMemory(name, noPush)}
}

// FailGets makes every later GetKey return err.
func (r *RecordingVault) FailGets(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failGet = err
}

func (r *RecordingVault) GetKey(ctx context.Context, service string, kid keys.KID) (keys.ContentKey, bool, error) {
	r.mu.Lock()
	r.gets++
	fail := r.failGet
	r.mu.Unlock()
	if fail != nil {
		return nil, false, fail
	}
	return r.Memory.GetKey(ctx, service, kid)
}

func (r *RecordingVault) AddKey(ctx context.Context, service string, kid keys.KID, key keys.ContentKey) (vault.InsertResult, error) {
	r.mu.Lock()
	r.inserts++
	r.mu.Unlock()
	return r.Memory.AddKey(ctx, service, kid, key)
}

func (r *RecordingVault) AddKeys(ctx context.Context, service string, set keys.Set) (int, error) {
	r.mu.Lock()
	r.bulk++
	r.mu.Unlock()
	return r.Memory.AddKeys(ctx, service, set)
}

// Counts returns the GetKey, AddKey and AddKeys call counts.
func (r *RecordingVault) Counts() (gets, inserts, bulk int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets, r.inserts, r.bulk
}

// Seed stores a key without counting it as a write.
func (r *RecordingVault) Seed(t testing.TB, service string, kid keys.KID, key keys.ContentKey) {
	t.Helper()
	if _, err := r.Memory.AddKey(context.Background(), service, kid, key); err != nil {
		t.Fatalf("seed %s: %v", r.Info().Name, err)
	}
}
