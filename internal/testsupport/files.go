package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"tessera/internal/cdm"
)

// WriteFile writes data to path, creating parent directories.
func WriteFile(t testing.TB, path string, data []byte) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// WriteDevice places a version 2 Android L3 .wvd file named name in dir.
func WriteDevice(t testing.TB, dir, name string) string {
	t.Helper()

	data, err := cdm.EncodeWVD("ANDROID", 3, []byte("test-private-key"), []byte("test-client-id"))
	if err != nil {
		t.Fatalf("encode device: %v", err)
	}
	return WriteFile(t, filepath.Join(dir, name+".wvd"), data)
}

// WriteScript writes an executable shell script to dir and returns its path.
func WriteScript(t testing.TB, dir, name, body string) string {
	t.Helper()

	path := WriteFile(t, filepath.Join(dir, name), []byte("#!/bin/sh\n"+body))
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
	return path
}
