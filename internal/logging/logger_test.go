package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tessera/internal/config"
	"tessera/internal/logging"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("hello file")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "tessera.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "hello file") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerFormatsComponentAndTrack(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := logging.WithTrackID(context.Background(), "video-1")
	ctx = logging.WithService(ctx, "EXAMPLE")
	logging.WithContext(ctx, logging.NewComponentLogger(logger, "drm")).Info("keys resolved", logging.Int("count", 2))

	line := buf.String()
	if !strings.Contains(line, " INFO drm [video-1]: keys resolved") {
		t.Fatalf("unexpected console line %q", line)
	}
	if !strings.Contains(line, "service=EXAMPLE") || !strings.Contains(line, "count=2") {
		t.Fatalf("expected structured fields in %q", line)
	}
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", line)
	}
}

func TestConsoleLoggerQuotesValues(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("msg", logging.String("reason", "has space"))
	if !strings.Contains(buf.String(), `reason="has space"`) {
		t.Fatalf("expected quoted value, got %q", buf.String())
	}
}

func TestJSONLoggerRenamesTime(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("debug line", logging.String(logging.FieldKID, "abc"))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatalf("expected ts field, got %v", payload)
	}
	if payload["level"] != "debug" || payload["kid"] != "abc" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if _, ok := payload["source"]; !ok {
		t.Fatal("expected source at debug level")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "vault disabled", "vault_unavailable", logging.String(logging.FieldImpact, "vault skipped"))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if payload["event_type"] != "vault_unavailable" {
		t.Fatalf("unexpected event_type: %v", payload["event_type"])
	}
	if payload["error_hint"] == nil {
		t.Fatal("expected default error_hint")
	}
	if payload["impact"] != "vault skipped" {
		t.Fatalf("expected caller impact to win, got %v", payload["impact"])
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

type hexString string

func (h hexString) String() string { return string(h) }

func TestContentKeysRedactedAboveDebug(t *testing.T) {
	key := hexString("00112233445566778899aabbccddeeff")
	for _, format := range []string{"console", "json"} {
		var info, debug bytes.Buffer
		infoLogger, err := logging.New(logging.Options{Format: format, Level: "info", Writer: &info})
		if err != nil {
			t.Fatalf("New(%s): %v", format, err)
		}
		debugLogger, err := logging.New(logging.Options{Format: format, Level: "debug", Writer: &debug})
		if err != nil {
			t.Fatalf("New(%s): %v", format, err)
		}
		infoLogger.Info("key cached", logging.KID(hexString("aa")), logging.ContentKey(key))
		debugLogger.Debug("key cached", logging.KID(hexString("aa")), logging.ContentKey(key))

		if strings.Contains(info.String(), string(key)) || !strings.Contains(info.String(), "redacted") {
			t.Fatalf("%s: expected key redacted at info, got %q", format, info.String())
		}
		if !strings.Contains(debug.String(), string(key)) {
			t.Fatalf("%s: expected key at debug, got %q", format, debug.String())
		}
	}
}

func TestConsolePrefixIncludesStage(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := logging.WithStage(logging.WithTrackID(context.Background(), "audio-2"), "decrypt")
	logging.WithContext(ctx, logging.NewComponentLogger(logger, "scheduler")).Info("track complete")
	if !strings.Contains(buf.String(), " INFO scheduler [audio-2/decrypt]: track complete") {
		t.Fatalf("unexpected console line %q", buf.String())
	}
}
