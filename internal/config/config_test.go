package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, DefaultChunkSize)
	}
	if cfg.ZstdLevel != DefaultZstdLevel {
		t.Errorf("ZstdLevel = %d, want %d", cfg.ZstdLevel, DefaultZstdLevel)
	}
	if cfg.VerifyRawDigest != DefaultVerifyDigest {
		t.Errorf("VerifyRawDigest = %v, want %v", cfg.VerifyRawDigest, DefaultVerifyDigest)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	if err := Set("zstd_level", "9"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, err := Get("zstd_level")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != "9" {
		t.Errorf("Get(zstd_level) = %q, want %q", val, "9")
	}
}

func TestSetUnknownKey(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	if err := Set("nonexistent", "1"); err == nil {
		t.Error("expected error for unknown key, got nil")
	}
}

func TestPathJoinsHomeAndFile(t *testing.T) {
	SetConfigDir("/tmp/ctrm-test-home")
	defer SetConfigDir("")

	if got, want := Path(), filepath.Join("/tmp/ctrm-test-home", "config.toml"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}
