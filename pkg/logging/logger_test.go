package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse JSON output %q: %v", buf.String(), err)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo {
		t.Errorf("expected default level info, got %s", cfg.Level)
	}
	if cfg.ServiceName != "canonid" {
		t.Errorf("expected service name canonid, got %s", cfg.ServiceName)
	}
	if cfg.JSONFormat {
		t.Error("expected console output by default")
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	if NewLogger(nil) == nil {
		t.Error("expected non-nil logger with nil config")
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelDebug, ServiceName: "resolver", JSONFormat: true, Output: buf})
	log.Info("run finished", F("scope_id", "league-9"), F("auto_matched", 3))

	out := decodeLine(t, buf)
	if out["message"] != "run finished" {
		t.Errorf("message = %v", out["message"])
	}
	if out["service_name"] != "resolver" {
		t.Errorf("service_name = %v", out["service_name"])
	}
	if out["scope_id"] != "league-9" {
		t.Errorf("scope_id = %v", out["scope_id"])
	}
	if out["auto_matched"] != float64(3) {
		t.Errorf("auto_matched = %v", out["auto_matched"])
	}
	if out["level"] != "info" {
		t.Errorf("level = %v", out["level"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelWarn, JSONFormat: true, Output: buf})

	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug/info to be filtered, got %q", buf.String())
	}

	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected warn output, got %q", buf.String())
	}
	buf.Reset()

	log.Error("also shown", Err(errors.New("boom")))
	out := decodeLine(t, buf)
	if out["error"] != "boom" {
		t.Errorf("error = %v", out["error"])
	}
}

func TestLogger_With(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{JSONFormat: true, Output: buf}).With(F("component", "merge_split"), F("identity_id", int64(42)))
	log.Info("merged")

	out := decodeLine(t, buf)
	if out["component"] != "merge_split" {
		t.Errorf("component = %v", out["component"])
	}
	if out["identity_id"] != float64(42) {
		t.Errorf("identity_id = %v", out["identity_id"])
	}
}

func TestLogger_WithContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithActor(WithRunID(context.Background(), "run-1"), "alice")
	NewLogger(&Config{JSONFormat: true, Output: buf}).WithContext(ctx).Info("hello")

	out := decodeLine(t, buf)
	if out["run_id"] != "run-1" {
		t.Errorf("run_id = %v", out["run_id"])
	}
	if out["actor"] != "alice" {
		t.Errorf("actor = %v", out["actor"])
	}

	buf.Reset()
	NewLogger(&Config{JSONFormat: true, Output: buf}).WithContext(context.Background()).Info("bare")
	out = decodeLine(t, buf)
	if _, ok := out["run_id"]; ok {
		t.Error("run_id should be absent for empty context")
	}
}

func TestLogger_FieldTypes(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{JSONFormat: true, Output: buf})
	log.Info("types",
		F("b", true),
		F("f", 0.5),
		F("d", 2*time.Second),
		F("ids", []int64{1, 2}),
		F("m", map[string]int{"x": 1}),
	)

	out := decodeLine(t, buf)
	if out["b"] != true {
		t.Errorf("b = %v", out["b"])
	}
	if out["f"] != 0.5 {
		t.Errorf("f = %v", out["f"])
	}
	if ids, ok := out["ids"].([]interface{}); !ok || len(ids) != 2 {
		t.Errorf("ids = %v", out["ids"])
	}
}

func TestLogger_ConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	NewLogger(&Config{Output: buf}).Info("human readable")
	if !strings.Contains(buf.String(), "human readable") {
		t.Errorf("console output missing message: %q", buf.String())
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("console output should not be JSON")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{" warn ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.Info("nothing")
	if log.With(F("a", 1)) != log {
		t.Error("nop With should return itself")
	}
	if log.WithContext(context.Background()) != log {
		t.Error("nop WithContext should return itself")
	}
}
