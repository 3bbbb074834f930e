// Package ocilayout builds the on-disk OCI artifact tree for a packaged VM
// image: oci-layout, index.json, blobs/sha256/<digest>, and the fixed-order
// manifest (spec §4.4, §6). It is grounded on the disk layout model in
// internal/disklayout and uses the same opencontainers/image-spec and
// opencontainers/go-digest types the rest of the retrieval pack's OCI-facing
// repos (robert-cronin-aikit, opencontainers-umoci) depend on.
package ocilayout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/diskchunk"
	"github.com/ctrm-project/ctrm-core/internal/disklayout"
)

// Media types and annotation keys, exact strings per spec §6.
const (
	MediaTypeHardwareModel    = "application/vnd.apple.container.macos.hardware-model"
	MediaTypeAuxiliaryStorage = "application/vnd.apple.container.macos.auxiliary-storage"
	MediaTypeDiskImageV0      = "application/vnd.apple.container.macos.disk-image"
	MediaTypeDiskLayoutV1     = "application/vnd.apple.container.macos.disk-layout.v1+json"
	MediaTypeDiskChunkV1      = "application/vnd.apple.container.macos.disk-chunk.v1.tar+zstd"

	AnnotationChunkIndex     = "org.apple.container.macos.chunk.index"
	AnnotationChunkOffset    = "org.apple.container.macos.chunk.offset"
	AnnotationChunkLength    = "org.apple.container.macos.chunk.length"
	AnnotationChunkRawDigest = "org.apple.container.macos.chunk.raw.digest"
	AnnotationChunkRawLength = "org.apple.container.macos.chunk.raw.length"
	ociLayoutFileContents    = `{"imageLayoutVersion":"1.0.0"}` + "\n"
)

// Builder lays out blobs and the manifest for one VM image under Dir.
type Builder struct {
	Dir string
}

// New returns a Builder rooted at dir, creating blobs/sha256 if needed.
func New(dir string) (*Builder, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs", "sha256"), 0o755); err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "mkdir blobs", dir, err)
	}
	return &Builder{Dir: dir}, nil
}

// addJSONBlob deterministically encodes v, writes it under blobs/sha256, and
// returns its descriptor. The builder never recomputes a digest it has
// already produced for the same logical blob (spec §4.4).
func (b *Builder) addJSONBlob(mediaType string, v any, annotations map[string]string) (v1.Descriptor, error) {
	raw, err := disklayout.MarshalDeterministic(v)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("ocilayout: marshaling %s: %w", mediaType, err)
	}
	return b.addBytesBlob(mediaType, raw, annotations)
}

func (b *Builder) addBytesBlob(mediaType string, raw []byte, annotations map[string]string) (v1.Descriptor, error) {
	sum := sha256.Sum256(raw)
	hexDigest := hex.EncodeToString(sum[:])
	dest := filepath.Join(b.Dir, "blobs", "sha256", hexDigest)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := os.WriteFile(dest, raw, 0o644); err != nil {
			return v1.Descriptor{}, ctrmerr.New(ctrmerr.KindIO, "write blob", dest, err)
		}
	}
	return v1.Descriptor{
		MediaType:   mediaType,
		Digest:      digest.NewDigestFromEncoded(digest.SHA256, hexDigest),
		Size:        int64(len(raw)),
		Annotations: annotations,
	}, nil
}

// AddChunk registers an already-packed chunk blob (produced by
// internal/diskchunk) and returns its descriptor with the replicated
// ChunkInfo annotations (spec §3, "technically redundant but authoritative").
func (b *Builder) AddChunk(r *diskchunk.Result, offset int64) (v1.Descriptor, error) {
	info, err := os.Stat(r.BlobPath)
	if err != nil {
		return v1.Descriptor{}, ctrmerr.New(ctrmerr.KindIO, "stat chunk blob", r.BlobPath, err)
	}
	dgst, err := digest.Parse(r.LayerDigest)
	if err != nil {
		return v1.Descriptor{}, ctrmerr.New(ctrmerr.KindFormat, "parse chunk digest", r.LayerDigest, err)
	}
	return v1.Descriptor{
		MediaType: MediaTypeDiskChunkV1,
		Digest:    dgst,
		Size:      info.Size(),
		Annotations: map[string]string{
			AnnotationChunkIndex:     fmt.Sprintf("%d", r.Index),
			AnnotationChunkOffset:    fmt.Sprintf("%d", offset),
			AnnotationChunkLength:    fmt.Sprintf("%d", r.RawLength),
			AnnotationChunkRawDigest: r.RawDigest,
			AnnotationChunkRawLength: fmt.Sprintf("%d", r.RawLength),
		},
	}, nil
}

// AddHardwareModel stages the hardware-model blob.
func (b *Builder) AddHardwareModel(raw []byte) (v1.Descriptor, error) {
	return b.addBytesBlob(MediaTypeHardwareModel, raw, nil)
}

// AddAuxiliaryStorage stages the auxiliary-storage blob.
func (b *Builder) AddAuxiliaryStorage(raw []byte) (v1.Descriptor, error) {
	return b.addBytesBlob(MediaTypeAuxiliaryStorage, raw, nil)
}

// AddDiskLayout stages the disk layout JSON blob.
func (b *Builder) AddDiskLayout(layout *disklayout.DiskLayout) (v1.Descriptor, error) {
	return b.addJSONBlob(MediaTypeDiskLayoutV1, layout, nil)
}

// WriteManifest assembles the fixed-order manifest
// [hardwareModel, auxiliaryStorage, diskLayout, diskChunks...] and the
// minimal config blob, then writes index.json and oci-layout.
func (b *Builder) WriteManifest(hardwareModel, auxStorage, diskLayout v1.Descriptor, chunks []v1.Descriptor) (v1.Descriptor, error) {
	configDesc, err := b.addJSONBlob(v1.MediaTypeImageConfig, map[string]any{}, nil)
	if err != nil {
		return v1.Descriptor{}, err
	}

	layers := make([]v1.Descriptor, 0, 3+len(chunks))
	layers = append(layers, hardwareModel, auxStorage, diskLayout)
	layers = append(layers, chunks...)

	manifest := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    layers,
	}
	manifestDesc, err := b.addJSONBlob(v1.MediaTypeImageManifest, manifest, nil)
	if err != nil {
		return v1.Descriptor{}, err
	}

	index := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{manifestDesc},
	}
	indexRaw, err := disklayout.MarshalDeterministic(index)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("ocilayout: marshaling index.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.Dir, "index.json"), indexRaw, 0o644); err != nil {
		return v1.Descriptor{}, ctrmerr.New(ctrmerr.KindIO, "write index.json", b.Dir, err)
	}
	if err := os.WriteFile(filepath.Join(b.Dir, "oci-layout"), []byte(ociLayoutFileContents), 0o644); err != nil {
		return v1.Descriptor{}, ctrmerr.New(ctrmerr.KindIO, "write oci-layout", b.Dir, err)
	}

	return manifestDesc, nil
}

// Archive streams the staged layout into a single tar archive at archivePath
// in two phases: small metadata files first, then each blob appended and
// deleted immediately after (spec §4.4, bounding peak disk use).
func (b *Builder) Archive(archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return ctrmerr.New(ctrmerr.KindIO, "create archive", archivePath, err)
	}
	defer out.Close()

	tw := newArchiver(out)
	defer tw.Close()

	for _, name := range []string{"oci-layout", "index.json"} {
		if err := tw.addFile(filepath.Join(b.Dir, name), name); err != nil {
			return err
		}
	}

	blobDir := filepath.Join(b.Dir, "blobs", "sha256")
	entries, err := os.ReadDir(blobDir)
	if err != nil {
		return ctrmerr.New(ctrmerr.KindIO, "read blobs dir", blobDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(blobDir, e.Name())
		if err := tw.addFile(src, filepath.Join("blobs", "sha256", e.Name())); err != nil {
			return err
		}
		if err := os.Remove(src); err != nil {
			return ctrmerr.New(ctrmerr.KindIO, "remove staged blob", src, err)
		}
	}
	return nil
}

func copyFileInto(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, ctrmerr.New(ctrmerr.KindIO, "open", path, err)
	}
	defer f.Close()
	return io.Copy(dst, f)
}
