package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tessera/internal/config"
	"tessera/internal/keys"
	"tessera/internal/testsupport"
)

const (
	testKID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testKey = "00112233445566778899aabbccddeeff"
)

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

// writeTestConfig encodes cfg to a file and returns its path.
func writeTestConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	cfg.Logging.Level = "error"
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	return testsupport.WriteFile(t, filepath.Join(t.TempDir(), "config.toml"), data)
}

func sqliteConfig(t *testing.T, opts ...testsupport.ConfigOption) (*config.Config, string) {
	t.Helper()
	opts = append([]testsupport.ConfigOption{
		testsupport.WithVaults(config.Vault{Kind: "sqlite", Name: "local", Path: "keys.db"}),
	}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	return cfg, writeTestConfig(t, cfg)
}

func TestConfigInitAndShow(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "config.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	out, _, err = runCLI(t, []string{"config", "show"}, target)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, target)
	requireContains(t, out, "track_workers")

	out, _, err = runCLI(t, []string{"config", "validate"}, target)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
}

func TestConfigRejectsConflictingModes(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkflow(config.Workflow{
		TrackWorkers: 1, SegmentWorkers: 1, CDMOnly: true, VaultsOnly: true,
	}))
	path := writeTestConfig(t, cfg)
	_, _, err := runCLI(t, []string{"vaults", "list"}, path)
	if !errors.Is(err, keys.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestKeysAddGetList(t *testing.T) {
	_, path := sqliteConfig(t)

	out, _, err := runCLI(t, []string{"keys", "add", testKID + ":" + testKey, "--service", "svc"}, path)
	if err != nil {
		t.Fatalf("keys add: %v", err)
	}
	requireContains(t, out, "cached 1 keys to 1/1 vaults")

	out, _, err = runCLI(t, []string{"keys", "get", testKID, "--service", "svc"}, path)
	if err != nil {
		t.Fatalf("keys get: %v", err)
	}
	requireContains(t, out, testKID+":"+testKey+" (local)")

	_, _, err = runCLI(t, []string{"keys", "get", testKID, "--service", "other"}, path)
	if !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatalf("expected key not found for another service, got %v", err)
	}

	out, _, err = runCLI(t, []string{"keys", "list", "--service", "svc"}, path)
	if err != nil {
		t.Fatalf("keys list: %v", err)
	}
	requireContains(t, out, testKID)
	if strings.Contains(out, testKey) {
		t.Fatalf("keys list printed key values without --show-keys:\n%s", out)
	}

	out, _, err = runCLI(t, []string{"vaults", "services"}, path)
	if err != nil {
		t.Fatalf("vaults services: %v", err)
	}
	requireContains(t, out, "svc")
}

func TestKeysAddRejectsBadPairs(t *testing.T) {
	_, path := sqliteConfig(t)
	cases := map[string]string{
		"blank":   testKID + ":00000000000000000000000000000000",
		"no-sep":  testKID,
		"bad-kid": "zz:" + testKey,
	}
	for name, arg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := runCLI(t, []string{"keys", "add", arg, "--service", "svc"}, path); err == nil {
				t.Fatalf("expected %q to be rejected", arg)
			}
		})
	}
	if _, err := parseKeyPairs([]string{testKID + ":00"}); !errors.Is(err, keys.ErrBlankKey) {
		t.Fatalf("expected ErrBlankKey, got %v", err)
	}
}

func TestVaultsList(t *testing.T) {
	_, path := sqliteConfig(t, testsupport.WithVaults(
		config.Vault{Kind: "sqlite", Name: "local", Path: "keys.db"},
		config.Vault{Kind: "memory", Name: "scratch", NoPush: true},
	))
	out, _, err := runCLI(t, []string{"vaults", "list"}, path)
	if err != nil {
		t.Fatalf("vaults list: %v", err)
	}
	for _, want := range []string{"local", "sqlite", "scratch", "memory", "loaded"} {
		requireContains(t, out, want)
	}
}

func TestCDMResolve(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCDMTree(map[string]any{
		"default": "chrome_l3",
		"svc": map[string]any{
			">=1080":  "android_l1",
			"default": "chrome_l3",
		},
	}))
	path := writeTestConfig(t, cfg)

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"--service", "svc", "--quality", "2160"}, "android_l1"},
		{[]string{"--service", "svc", "--quality", "720"}, "chrome_l3"},
		{[]string{"--service", "unknown", "--quality", "2160"}, "chrome_l3"},
	}
	for _, tc := range cases {
		out, _, err := runCLI(t, append([]string{"cdm", "resolve"}, tc.args...), path)
		if err != nil {
			t.Fatalf("cdm resolve %v: %v", tc.args, err)
		}
		if strings.TrimSpace(out) != tc.want {
			t.Fatalf("cdm resolve %v = %q, want %q", tc.args, strings.TrimSpace(out), tc.want)
		}
	}

	if _, _, err := runCLI(t, []string{"cdm", "resolve", "--scheme", "fairplay"}, path); err == nil {
		t.Fatal("expected unknown scheme to fail")
	}
}

func TestPrepareFromVaultsAndExport(t *testing.T) {
	segments := map[string]string{"/init.mp4": "init-", "/seg1.m4s": "one-", "/seg2.m4s": "two"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := segments[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	binDir := t.TempDir()
	decrypt := testsupport.WriteScript(t, binDir, "mp4decrypt", "cp \"$3\" \"$4\"\n")
	cfg, _ := sqliteConfig(t)
	cfg.Decrypt.Binary = decrypt
	path := writeTestConfig(t, cfg)

	if _, _, err := runCLI(t, []string{"keys", "add", testKID + ":" + testKey, "--service", "svc"}, path); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	jobDir := t.TempDir()
	job := jobFile{
		Service: "SVC",
		Title:   "Example Title",
		Tracks: []jobTrack{{
			ID:         "video",
			Descriptor: "DASH",
			Segments:   []string{server.URL + "/init.mp4", server.URL + "/seg1.m4s", server.URL + "/seg2.m4s"},
			Quality:    1080,
			Output:     "video.mp4",
			TrackKID:   testKID,
			DRM:        []jobDRM{{Scheme: "widevine", KIDs: []string{testKID}}},
		}},
	}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	jobPath := testsupport.WriteFile(t, filepath.Join(jobDir, "job.json"), data)

	out, _, err := runCLI(t, []string{"prepare", "--job", jobPath, "--vaults-only"}, path)
	if err != nil {
		t.Fatalf("prepare: %v\n%s", err, out)
	}
	requireContains(t, out, "1 completed, 0 failed, 0 skipped")
	requireContains(t, out, "WIDEVINE")
	if strings.Contains(out, testKey) {
		t.Fatalf("report printed key without --show-keys:\n%s", out)
	}

	decrypted, err := os.ReadFile(filepath.Join(jobDir, "video.mp4"))
	if err != nil || string(decrypted) != "init-one-two" {
		t.Fatalf("unexpected output %q: %v", decrypted, err)
	}

	out, _, err = runCLI(t, []string{"export", "show", "--show-keys"}, path)
	if err != nil {
		t.Fatalf("export show: %v", err)
	}
	requireContains(t, out, "Example Title")
	requireContains(t, out, testKey)
}

func TestPrepareVaultsOnlyMissingKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("segment"))
	}))
	defer server.Close()

	_, path := sqliteConfig(t)
	jobDir := t.TempDir()
	data := `{"service":"svc","title":"T","tracks":[{"id":"video","segments":["` + server.URL + `/a"],` +
		`"track_kid":"` + testKID + `","drm":[{"scheme":"widevine","kids":["` + testKID + `"]}]}]}`
	jobPath := testsupport.WriteFile(t, filepath.Join(jobDir, "job.json"), []byte(data))

	out, _, err := runCLI(t, []string{"prepare", "--job", jobPath, "--vaults-only"}, path)
	if !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatalf("expected key not found, got %v\n%s", err, out)
	}
	requireContains(t, out, "0 completed, 1 failed")
	if _, statErr := os.Stat(filepath.Join(jobDir, "video.mp4")); !os.IsNotExist(statErr) {
		t.Fatal("track without its key must not produce output")
	}
}

func TestJobParsing(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadJob(testsupport.WriteFile(t, filepath.Join(dir, "empty.json"), []byte(`{"service":"svc","title":"T"}`))); err == nil {
		t.Fatal("expected a job without tracks to fail")
	}

	job := &jobFile{Service: "svc", Title: "T", Tracks: []jobTrack{
		{Segments: []string{"http://x/a"}},
		{ID: "v", Segments: []string{"http://x/b"}, Output: "/abs/v.mp4", DRM: []jobDRM{{Scheme: "pr", KIDs: []string{testKID}, PSSH: "AAEC"}}},
	}}
	jobs, err := job.schedulerJobs(dir)
	if err != nil {
		t.Fatalf("schedulerJobs: %v", err)
	}
	if jobs[0].ID != "track1" || jobs[0].Output != filepath.Join(dir, "track1.mp4") || jobs[0].DRM != nil {
		t.Fatalf("unexpected clear job %+v", jobs[0])
	}
	if jobs[1].Output != "/abs/v.mp4" || len(jobs[1].DRM.Contexts) != 1 {
		t.Fatalf("unexpected drm job %+v", jobs[1])
	}
	if got := jobs[1].DRM.Contexts[0].PSSH(); !bytes.Equal(got, []byte{0, 1, 2}) {
		t.Fatalf("unexpected pssh %x", got)
	}
	if _, ok := job.track("track1"); !ok {
		t.Fatal("expected generated id to resolve back to its track")
	}

	dup := &jobFile{Tracks: []jobTrack{{ID: "a", Segments: []string{"x"}}, {ID: "a", Segments: []string{"y"}}}}
	if _, err := dup.schedulerJobs(dir); err == nil {
		t.Fatal("expected duplicate ids to fail")
	}
}
