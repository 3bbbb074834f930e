package ocilayout

import (
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"testing"
)

func TestClassifyLayersV1(t *testing.T) {
	layers := []v1.Descriptor{
		{MediaType: MediaTypeHardwareModel},
		{MediaType: MediaTypeAuxiliaryStorage},
		{MediaType: MediaTypeDiskLayoutV1},
		{MediaType: MediaTypeDiskChunkV1},
		{MediaType: MediaTypeDiskChunkV1},
	}
	result, err := ClassifyLayers(layers)
	if err != nil {
		t.Fatalf("ClassifyLayers: %v", err)
	}
	if result.Variant != "v1" {
		t.Errorf("Variant = %q, want v1", result.Variant)
	}
	if len(result.DiskChunks) != 2 {
		t.Errorf("DiskChunks = %d, want 2", len(result.DiskChunks))
	}
}

func TestClassifyLayersRejectsMixedVariants(t *testing.T) {
	layers := []v1.Descriptor{
		{MediaType: MediaTypeHardwareModel},
		{MediaType: MediaTypeAuxiliaryStorage},
		{MediaType: MediaTypeDiskImageV0},
		{MediaType: MediaTypeDiskLayoutV1},
	}
	if _, err := ClassifyLayers(layers); err == nil {
		t.Error("expected an error for a manifest mixing v0 and v1 disk layers, got nil")
	}
}

func TestClassifyLayersRejectsMissingRequired(t *testing.T) {
	layers := []v1.Descriptor{
		{MediaType: MediaTypeDiskLayoutV1},
	}
	if _, err := ClassifyLayers(layers); err == nil {
		t.Error("expected an error for missing hardware-model/auxiliary-storage, got nil")
	}
}
