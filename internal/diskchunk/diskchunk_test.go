package diskchunk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctrm-project/ctrm-core/internal/disklayout"
	"github.com/ctrm-project/ctrm-core/internal/diskrebuild"
)

func TestPackAndRebuildRoundTrip(t *testing.T) {
	dir := t.TempDir()

	diskPath := filepath.Join(dir, "disk.img")
	f, err := os.Create(diskPath)
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	const chunkLength = 64 * 1024
	content := bytes.Repeat([]byte{0x5a}, 4096)
	if _, err := f.WriteAt(content, 8192); err != nil {
		t.Fatalf("writing data region: %v", err)
	}
	if err := f.Truncate(chunkLength); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	blobDir := filepath.Join(dir, "blobs", "sha256")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		t.Fatalf("mkdir blobs: %v", err)
	}

	result, err := Pack(f, 0, 0, chunkLength, 3, blobDir)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	f.Close()

	if result.RawLength != chunkLength {
		t.Errorf("RawLength = %d, want %d", result.RawLength, chunkLength)
	}

	layout, err := disklayout.New(chunkLength, chunkLength, 3)
	if err != nil {
		t.Fatalf("disklayout.New: %v", err)
	}
	layout.Chunks = append(layout.Chunks, disklayout.ChunkInfo{
		Index: 0, Offset: 0, Length: chunkLength,
		LayerDigest: result.LayerDigest, LayerSize: result.LayerSize,
		RawDigest: result.RawDigest, RawLength: result.RawLength,
	})

	outputPath := filepath.Join(dir, "rebuilt.img")
	blobByDigest := map[string]string{result.LayerDigest: result.BlobPath}
	if err := diskrebuild.Rebuild(layout, blobByDigest, outputPath, diskrebuild.Options{VerifyRawDigest: true}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rebuilt, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("reading rebuilt disk: %v", err)
	}
	original, err := os.ReadFile(diskPath)
	if err != nil {
		t.Fatalf("reading original disk: %v", err)
	}
	if !bytes.Equal(rebuilt, original) {
		t.Error("rebuilt disk does not match the original byte-for-byte")
	}
}

func TestRawDigestZeroPadsShortRead(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "short.img"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	digestShort, err := RawDigest(f, 0, 2)
	if err != nil {
		t.Fatalf("RawDigest: %v", err)
	}
	digestPadded, err := RawDigest(f, 0, 16)
	if err != nil {
		t.Fatalf("RawDigest: %v", err)
	}
	if digestShort == digestPadded {
		t.Error("expected different digests for unpadded vs zero-padded regions")
	}
}
