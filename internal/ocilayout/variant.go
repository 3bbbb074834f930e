package ocilayout

import (
	"fmt"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
)

// ImageLayers is the tagged union described in spec §9: a manifest's layer
// set is either the legacy v0 shape (a single disk-image blob) or the v1
// shape (a disk layout blob plus N chunk blobs). This package only reads v0
// manifests for recognition purposes; building new v0 artifacts is out of
// scope.
type ImageLayers struct {
	Variant          string // "v0" or "v1"
	HardwareModel    v1.Descriptor
	AuxiliaryStorage v1.Descriptor
	DiskImage        v1.Descriptor // v0 only
	DiskLayout       v1.Descriptor // v1 only
	DiskChunks       []v1.Descriptor
}

// ClassifyLayers parses a manifest's layer set into the tagged union,
// rejecting duplicate or missing required media types.
func ClassifyLayers(layers []v1.Descriptor) (*ImageLayers, error) {
	var result ImageLayers
	var haveHW, haveAux, haveDiskImage, haveLayout bool

	for _, l := range layers {
		switch l.MediaType {
		case MediaTypeHardwareModel:
			if haveHW {
				return nil, ctrmerr.New(ctrmerr.KindFormat, "classify layers", "", fmt.Errorf("duplicate hardware-model layer"))
			}
			haveHW = true
			result.HardwareModel = l
		case MediaTypeAuxiliaryStorage:
			if haveAux {
				return nil, ctrmerr.New(ctrmerr.KindFormat, "classify layers", "", fmt.Errorf("duplicate auxiliary-storage layer"))
			}
			haveAux = true
			result.AuxiliaryStorage = l
		case MediaTypeDiskImageV0:
			if haveDiskImage {
				return nil, ctrmerr.New(ctrmerr.KindFormat, "classify layers", "", fmt.Errorf("duplicate disk-image layer"))
			}
			haveDiskImage = true
			result.DiskImage = l
		case MediaTypeDiskLayoutV1:
			if haveLayout {
				return nil, ctrmerr.New(ctrmerr.KindFormat, "classify layers", "", fmt.Errorf("duplicate disk-layout layer"))
			}
			haveLayout = true
			result.DiskLayout = l
		case MediaTypeDiskChunkV1:
			result.DiskChunks = append(result.DiskChunks, l)
		}
	}

	if !haveHW || !haveAux {
		return nil, ctrmerr.New(ctrmerr.KindFormat, "classify layers", "", fmt.Errorf("missing required hardware-model or auxiliary-storage layer"))
	}
	switch {
	case haveDiskImage && haveLayout:
		return nil, ctrmerr.New(ctrmerr.KindFormat, "classify layers", "", fmt.Errorf("manifest carries both v0 and v1 disk layers"))
	case haveDiskImage:
		result.Variant = "v0"
	case haveLayout:
		result.Variant = "v1"
	default:
		return nil, ctrmerr.New(ctrmerr.KindFormat, "classify layers", "", fmt.Errorf("manifest carries neither v0 nor v1 disk layers"))
	}

	return &result, nil
}
