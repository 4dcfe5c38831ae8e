package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupRenamesKeysAndTagsService(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("canvasd", "test", WithOutput(&buf), WithLevel(slog.LevelDebug))
	logger.Debug("hello", "component", "server")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"message":   "hello",
		"severity":  "DEBUG",
		"service":   "canvasd",
		"env":       "test",
		"component": "server",
	} {
		if line[key] != want {
			t.Fatalf("expected %s=%q, got %v", key, want, line[key])
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("expected timestamp key in %v", line)
	}
}

func TestSetupBridgesStdlibLogAndRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "canvasd.log")
	Setup("canvasd", "", WithOutput(&buf), WithFile(FileSink{Path: path, MaxSizeMB: 1}))
	log.Printf("legacy line")

	if !strings.Contains(buf.String(), `"message":"legacy line"`) {
		t.Fatalf("expected bridged stdlib log, got %q", buf.String())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "legacy line") {
		t.Fatalf("expected file sink to receive the line, got %q", raw)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("warn") != slog.LevelWarn || ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatalf("unexpected level parsing")
	}
	if ParseLevel("loud") != slog.LevelInfo {
		t.Fatalf("expected unknown level to default to info")
	}
}

func TestMaskHelpers(t *testing.T) {
	if got := MaskField("admin_secret", "s3cret").Value.String(); got != RedactedValue {
		t.Fatalf("expected secret to be masked, got %q", got)
	}
	if got := MaskField("component", "server").Value.String(); got != "server" {
		t.Fatalf("expected allowlisted key to pass through, got %q", got)
	}
	if got := MaskURL("redis", "redis://:pw@cache:6379/0").Value.String(); got != "redis://cache:6379/"+RedactedValue {
		t.Fatalf("unexpected masked url %q", got)
	}
	if got := MaskURL("rpc", "https://rpc.example.org").Value.String(); got != "https://rpc.example.org" {
		t.Fatalf("expected bare host to pass through, got %q", got)
	}
	if got := MaskURL("dsn", "host=db user=canvas password=x").Value.String(); got != RedactedValue {
		t.Fatalf("expected keyword dsn to be fully masked, got %q", got)
	}
}
