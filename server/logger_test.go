package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.log")
	log, err := NewLogger(LogConfig{File: path, Level: "info"})
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	log.Named("room").Infow("玩家加入", "player", 1)
	log.Debugw("filtered")
	_ = log.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile returned error: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "room") || !strings.Contains(out, "player") {
		t.Fatalf("unexpected log output %q", out)
	}
	if strings.Contains(out, "filtered") {
		t.Fatalf("expected debug line to be filtered at info level")
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}
