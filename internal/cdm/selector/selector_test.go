package selector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"tessera/internal/cdm"
	"tessera/internal/config"
	"tessera/internal/keys"
)

type countingFactory struct {
	mu     sync.Mutex
	builds map[string]int
	scheme cdm.Scheme
}

func (f *countingFactory) Build(_ context.Context, name string, scheme cdm.Scheme) (cdm.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.builds == nil {
		f.builds = map[string]int{}
	}
	f.builds[name]++
	handleScheme := f.scheme
	if handleScheme == "" {
		handleScheme = scheme
	}
	return &fakeHandle{id: cdm.Identity{Name: name, Scheme: handleScheme, Locality: cdm.Local}}, nil
}

type fakeHandle struct {
	id cdm.Identity
}

func (h *fakeHandle) Identity() cdm.Identity { return h.id }

func (h *fakeHandle) RequiresCertificate() bool { return false }

func (h *fakeHandle) Open(context.Context) (cdm.Session, error) { return nil, errors.New("unused") }

func newTestSelector(t *testing.T, factory Factory) *Selector {
	t.Helper()
	cfg := config.Default()
	cfg.CDM = map[string]any{
		"default": "chrome",
		"example": map[string]any{">=1080": "android_l1", "default": "chrome"},
	}
	sel, err := New(&cfg, factory, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sel
}

func TestSelectCachesHandles(t *testing.T) {
	factory := &countingFactory{}
	sel := newTestSelector(t, factory)
	ctx := context.Background()

	first, err := sel.Select(ctx, Request{Service: "example", Scheme: cdm.Widevine, Quality: 2160})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	second, err := sel.Select(ctx, Request{Service: "example", Scheme: cdm.Widevine, Quality: 1080})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached handle")
	}
	if first.Identity().Name != "android_l1" {
		t.Fatalf("unexpected cdm %s", first.Identity().Name)
	}
	if factory.builds["android_l1"] != 1 {
		t.Fatalf("expected single build, got %d", factory.builds["android_l1"])
	}
}

func TestSelectRejectsSchemeMismatch(t *testing.T) {
	sel := newTestSelector(t, &countingFactory{scheme: cdm.Widevine})
	_, err := sel.Select(context.Background(), Request{Service: "other", Scheme: cdm.PlayReady})
	if !errors.Is(err, keys.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestHolderSwapKeepsCapturedHandle(t *testing.T) {
	a := &fakeHandle{id: cdm.Identity{Name: "a"}}
	b := &fakeHandle{id: cdm.Identity{Name: "b"}}
	holder := NewHolder(a)

	captured, err := holder.Acquire(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if old := holder.Swap(b); old != a {
		t.Fatalf("expected previous handle a")
	}
	if captured.Identity().Name != "a" {
		t.Fatalf("captured handle changed")
	}
	if holder.Load().Identity().Name != "b" {
		t.Fatalf("expected holder to carry b")
	}

	if _, err := NewHolder(nil).Acquire(context.Background(), Request{}); !errors.Is(err, keys.ErrConfiguration) {
		t.Fatalf("expected configuration error on empty holder, got %v", err)
	}
}

func TestSwitchingSourceSwapsOnChange(t *testing.T) {
	sel := newTestSelector(t, &countingFactory{})
	holder := NewHolder(nil)
	source := NewSwitching(sel, holder, nil)
	ctx := context.Background()

	low, err := source.Acquire(ctx, Request{Service: "example", Scheme: cdm.Widevine, Quality: 720})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if holder.Load() != low || low.Identity().Name != "chrome" {
		t.Fatalf("expected chrome in holder")
	}
	high, err := source.Acquire(ctx, Request{Service: "example", Scheme: cdm.Widevine, Quality: 1080})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if holder.Load() != high || high.Identity().Name != "android_l1" {
		t.Fatalf("expected android_l1 in holder")
	}
	if low.Identity().Name != "chrome" {
		t.Fatalf("earlier handle must be unaffected by the swap")
	}
}

type nopEngine struct{}

func (nopEngine) Challenge(context.Context, cdm.ChallengeRequest) (cdm.ChallengeResult, error) {
	return cdm.ChallengeResult{}, nil
}

func (nopEngine) Parse(context.Context, cdm.ParseRequest) (keys.Set, error) { return keys.Set{}, nil }

func TestConfigFactoryBuildsEachKind(t *testing.T) {
	dir := t.TempDir()
	data, err := cdm.EncodeWVD("ANDROID", 3, []byte("pk"), []byte("client"))
	if err != nil {
		t.Fatalf("EncodeWVD: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pixel.wvd"), data, 0o644); err != nil {
		t.Fatalf("write device: %v", err)
	}
	factory := &ConfigFactory{
		DeviceDir: dir,
		Engine:    nopEngine{},
		Remote: []config.RemoteCDM{{
			Name: "remote_l1", Host: "http://127.0.0.1:1", DeviceName: "l1", Scheme: "widevine",
		}},
	}
	ctx := context.Background()

	local, err := factory.Build(ctx, "pixel", cdm.Widevine)
	if err != nil {
		t.Fatalf("Build local: %v", err)
	}
	if id := local.Identity(); id.Locality != cdm.Local || id.DeviceType != "ANDROID" || id.SecurityLevel != 3 {
		t.Fatalf("unexpected local identity %+v", id)
	}
	remote, err := factory.Build(ctx, "REMOTE_L1", "")
	if err != nil {
		t.Fatalf("Build remote: %v", err)
	}
	if remote.Identity().Locality != cdm.Remote {
		t.Fatalf("expected remote handle")
	}
	ck, err := factory.Build(ctx, "clearkey", cdm.ClearKey)
	if err != nil || ck.Identity().Scheme != cdm.ClearKey {
		t.Fatalf("expected clearkey handle, got %v %v", ck, err)
	}
	if _, err := factory.Build(ctx, "missing", cdm.Widevine); !errors.Is(err, keys.ErrDeviceLoad) {
		t.Fatalf("expected device load error, got %v", err)
	}
}
