package vaultserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tessera/internal/keys"
	"tessera/internal/logging"
	"tessera/internal/vault"
	"tessera/internal/vault/httpvault"
	"tessera/internal/vaultserver"
)

var (
	kidA = keys.MustParseKID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	kidB = keys.MustParseKID("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	keyA = keys.ContentKey{0xa1, 0xa2}
	keyB = keys.ContentKey{0xb1, 0xb2}
)

func newChain(t *testing.T) (*vault.Chain, *vault.Memory) {
	t.Helper()
	mem := vault.NewMemory("backing", false)
	return vault.NewChain(logging.NewNop(), mem), mem
}

func post(t *testing.T, srv *httptest.Server, body map[string]any) (int, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

func TestRejectsBadToken(t *testing.T) {
	chain, _ := newChain(t)
	srv := httptest.NewServer(vaultserver.New(chain, "secret", logging.NewNop()))
	defer srv.Close()

	status, body := post(t, srv, map[string]any{"method": "GetServices", "params": map[string]any{}, "token": "nope"})
	if status != http.StatusUnauthorized || body["status_code"] != float64(401) {
		t.Fatalf("expected 401, got http=%d body=%v", status, body)
	}
}

func TestUnknownMethod(t *testing.T) {
	chain, _ := newChain(t)
	srv := httptest.NewServer(vaultserver.New(chain, "", logging.NewNop()))
	defer srv.Close()

	_, body := post(t, srv, map[string]any{"method": "DropEverything", "params": map[string]any{}, "token": ""})
	if body["status_code"] != float64(400) {
		t.Fatalf("expected status_code 400, got %v", body)
	}
}

func TestBlankKeyRejected(t *testing.T) {
	chain, mem := newChain(t)
	srv := httptest.NewServer(vaultserver.New(chain, "", logging.NewNop()))
	defer srv.Close()

	_, body := post(t, srv, map[string]any{
		"method": "InsertKey",
		"params": map[string]any{"kid": kidA.String(), "key": "00000000000000000000000000000000", "service": "EXAMPLE"},
		"token":  "",
	})
	if body["status_code"] != float64(400) {
		t.Fatalf("expected status_code 400, got %v", body)
	}
	if _, ok, _ := mem.GetKey(context.Background(), "example", kidA); ok {
		t.Fatal("blank key was stored")
	}
}

func TestRoundTripThroughHTTPVault(t *testing.T) {
	chain, mem := newChain(t)
	srv := httptest.NewServer(vaultserver.New(chain, "secret", logging.NewNop()))
	defer srv.Close()

	client := httpvault.New(httpvault.Options{
		Info:   vault.Info{Name: "shared"},
		Host:   srv.URL,
		APIKey: "secret",
	})
	ctx := vault.WithTitle(context.Background(), "Some Title")

	if _, ok, err := client.GetKey(ctx, "EXAMPLE", kidA); err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}
	res, err := client.AddKey(ctx, "EXAMPLE", kidA, keyA)
	if err != nil || res != vault.Inserted {
		t.Fatalf("expected insert: res=%s err=%v", res, err)
	}
	res, err = client.AddKey(ctx, "EXAMPLE", kidA, keyB)
	if err != nil || res != vault.AlreadyExists {
		t.Fatalf("expected already_exists: res=%s err=%v", res, err)
	}
	key, ok, err := client.GetKey(ctx, "EXAMPLE", kidA)
	if err != nil || !ok || !key.Equal(keyA) {
		t.Fatalf("unexpected lookup: key=%s ok=%v err=%v", key, ok, err)
	}

	inserted, err := client.AddKeys(ctx, "EXAMPLE", keys.Set{kidA: keyA, kidB: keyB})
	if err != nil || inserted != 1 {
		t.Fatalf("expected one new key from batch: n=%d err=%v", inserted, err)
	}

	services, err := client.Services(ctx)
	if err != nil || len(services) != 1 || services[0] != "example" {
		t.Fatalf("unexpected services %v err=%v", services, err)
	}
	all, err := client.Keys(ctx, "EXAMPLE")
	if err != nil || len(all) != 2 {
		t.Fatalf("unexpected keys %v err=%v", all.HexMap(), err)
	}

	stored, _ := mem.Keys(context.Background(), "example")
	if !stored.Has(kidA) || !stored.Has(kidB) {
		t.Fatalf("backing vault missing keys: %v", stored.HexMap())
	}
}

func TestServiceNamesLowerCased(t *testing.T) {
	chain, mem := newChain(t)
	if _, err := mem.AddKey(context.Background(), "example", kidA, keyA); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv := httptest.NewServer(vaultserver.New(chain, "", logging.NewNop()))
	defer srv.Close()

	_, body := post(t, srv, map[string]any{
		"method": "GetKey",
		"params": map[string]any{"kid": kidA.String(), "service": "EXAMPLE", "session_id": nil},
		"token":  "",
	})
	message, _ := body["message"].(map[string]any)
	if message == nil || message["status"] != "found" || message["session_id"] == "" {
		t.Fatalf("unexpected response %v", body)
	}
}
