package oci

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
)

// LayerMediaType is the media type given to asset layers by Push.
const LayerMediaType = "application/vnd.meigma.asset.layer.v1"

// File is one asset to push.
type File struct {
	Name string
	Data []byte
}

// Push stores files as titled layers of a new artifact in target and tags
// the manifest with tag. It returns the manifest descriptor.
func Push(ctx context.Context, target oras.Target, tag string, files ...File) (ocispec.Descriptor, error) {
	layers := make([]ocispec.Descriptor, 0, len(files))
	for _, f := range files {
		if f.Name == "" {
			return ocispec.Descriptor{}, errors.New("oci: push: empty file name")
		}
		desc := content.NewDescriptorFromBytes(LayerMediaType, f.Data)
		err := target.Push(ctx, desc, bytes.NewReader(f.Data))
		if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
			return ocispec.Descriptor{}, fmt.Errorf("oci: push %s: %w", f.Name, err)
		}
		desc.Annotations = map[string]string{ocispec.AnnotationTitle: f.Name}
		layers = append(layers, desc)
	}

	manifest, err := oras.PackManifest(ctx, target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers: layers,
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("oci: pack manifest: %w", err)
	}
	if err := target.Tag(ctx, manifest, tag); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("oci: tag %s: %w", tag, err)
	}
	return manifest, nil
}
