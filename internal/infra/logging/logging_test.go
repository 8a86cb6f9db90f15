//go:build !integration

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"vibephoto/internal/config"
)

func TestWithContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(config.LogConfig{Level: "debug", Format: "json"}, false, &buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithAccountID(ctx, "acc-1")
	ctx = WithJobID(ctx, "job-1")

	With(ctx, base).Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{"trace_id": "trace-1", "account_id": "acc-1", "job_id": "job-1", "message": "hello"} {
		if line[key] != want {
			t.Errorf("expected %s=%q, but got %v", key, want, line[key])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(config.LogConfig{Level: "warn", Format: "json"}, false, &buf)
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
	l.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Error("expected warn line to be written")
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("user@example.com", false); got != "user...om" {
		t.Errorf("unexpected redaction: %q", got)
	}
	if got := Redact("short", false); got != "***" {
		t.Errorf("unexpected redaction: %q", got)
	}
	if got := Redact("user@example.com", true); got != "user@example.com" {
		t.Errorf("expected no redaction in dev, got %q", got)
	}
}
