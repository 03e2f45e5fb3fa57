package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerIncludesOperationID(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithOperationID(context.Background(), "op-1")
	log.With(String("component", "registry")).Warn(ctx, "file system not found",
		String("fs_id", "fs-9"),
		Err(errors.New("boom")),
	)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"msg":          "file system not found",
		"level":        "WARN",
		"component":    "registry",
		"fs_id":        "fs-9",
		"error":        "boom",
		"operation_id": "op-1",
	} {
		if got := line[key]; got != want {
			t.Fatalf("line[%q] = %v, want %q", key, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	log.Error(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("error line not written")
	}
}

func TestOrNoop(t *testing.T) {
	if OrNoop(nil) == nil {
		t.Fatalf("OrNoop(nil) returned nil")
	}
	if OperationIDFromContext(context.Background()) != "" {
		t.Fatalf("expected empty operation id")
	}
}
