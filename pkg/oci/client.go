package oci

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// Client provides OCI registry operations.
type Client struct {
	auth     authn.Keychain
	nameOpts []name.Option
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithKeychain sets the credential source. Defaults to the docker config.
func WithKeychain(k authn.Keychain) ClientOption {
	return func(c *Client) {
		c.auth = k
	}
}

// WithInsecure allows plain HTTP registries.
func WithInsecure() ClientOption {
	return func(c *Client) {
		c.nameOpts = append(c.nameOpts, name.Insecure)
	}
}

// NewClient creates a new OCI client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{auth: authn.DefaultKeychain}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{remote.WithAuthFromKeychain(c.auth), remote.WithContext(ctx)}
}

// BuildFromDirectory archives dir into a single-layer bundle.
func (c *Client) BuildFromDirectory(dir string, artifactType ArtifactType, bundleName string) (*Artifact, error) {
	if _, _, err := artifactType.mediaTypes(); err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	data, files, err := tarGz(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	if files == 0 {
		return nil, fmt.Errorf("nothing to bundle in %s", dir)
	}
	if bundleName == "" {
		bundleName = filepath.Base(filepath.Clean(dir))
	}

	return &Artifact{
		Type: artifactType,
		Config: BundleConfig{
			SchemaVersion: "v1",
			Type:          artifactType,
			Name:          bundleName,
			Files:         files,
			BuildTime:     time.Now().UTC().Format(time.RFC3339),
		},
		Layers: []Layer{{Data: data}},
	}, nil
}

// Push uploads the artifact and returns the manifest digest.
func (c *Client) Push(ctx context.Context, artifact *Artifact) (string, error) {
	ref, err := name.ParseReference(artifact.Reference, c.nameOpts...)
	if err != nil {
		return "", fmt.Errorf("invalid reference: %w", err)
	}
	configType, layerType, err := artifact.Type.mediaTypes()
	if err != nil {
		return "", err
	}

	img := mutate.ConfigMediaType(empty.Image, types.MediaType(configType))
	for _, layer := range artifact.Layers {
		img, err = mutate.AppendLayers(img, static.NewLayer(layer.Data, types.MediaType(layerType)))
		if err != nil {
			return "", fmt.Errorf("failed to append layer: %w", err)
		}
	}

	config, err := json.Marshal(artifact.Config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle config: %w", err)
	}
	annotations := map[string]string{AnnotationConfig: string(config)}
	for k, v := range artifact.Annotations {
		annotations[k] = v
	}
	img = mutate.Annotations(img, annotations).(v1.Image)

	if err := remote.Write(ref, img, c.remoteOptions(ctx)...); err != nil {
		return "", fmt.Errorf("failed to push: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("failed to compute digest: %w", err)
	}
	return digest.String(), nil
}

// PushDirectory builds a bundle from dir and pushes it to reference.
func (c *Client) PushDirectory(ctx context.Context, dir, reference string, artifactType ArtifactType) (string, error) {
	artifact, err := c.BuildFromDirectory(dir, artifactType, "")
	if err != nil {
		return "", err
	}
	artifact.Reference = reference
	return c.Push(ctx, artifact)
}

// Pull downloads a bundle and extracts its layers into destDir.
func (c *Client) Pull(ctx context.Context, reference string, destDir string) (*Pulled, error) {
	ref, err := name.ParseReference(reference, c.nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid reference: %w", err)
	}

	img, err := remote.Image(ref, c.remoteOptions(ctx)...)
	if err != nil {
		return nil, registryError(reference, err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	config, err := decodeConfig(manifest.Annotations[AnnotationConfig])
	if err != nil {
		return nil, fmt.Errorf("%s is not a chainctl bundle: %w", reference, err)
	}
	_, layerType, err := config.Type.mediaTypes()
	if err != nil {
		return nil, err
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("failed to get layers: %w", err)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	for _, layer := range layers {
		mt, err := layer.MediaType()
		if err != nil {
			return nil, fmt.Errorf("failed to read layer media type: %w", err)
		}
		if string(mt) != layerType {
			continue
		}
		if err := extractLayer(layer, destDir); err != nil {
			return nil, err
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("failed to compute digest: %w", err)
	}
	return &Pulled{Reference: reference, Digest: digest.String(), Config: config}, nil
}

func extractLayer(layer v1.Layer, destDir string) error {
	rc, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("failed to read layer: %w", err)
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("failed to decompress layer: %w", err)
	}
	defer zr.Close()

	if err := extractTar(zr, destDir); err != nil {
		return fmt.Errorf("failed to extract layer: %w", err)
	}
	return nil
}

// Digest returns the manifest digest currently published at reference.
func (c *Client) Digest(ctx context.Context, reference string) (string, error) {
	ref, err := name.ParseReference(reference, c.nameOpts...)
	if err != nil {
		return "", fmt.Errorf("invalid reference: %w", err)
	}
	desc, err := remote.Head(ref, c.remoteOptions(ctx)...)
	if err != nil {
		return "", registryError(reference, err)
	}
	return desc.Digest.String(), nil
}

// ErrArtifactNotFound is returned when a reference does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// registryError translates OCI registry errors into user-friendly messages.
func registryError(reference string, err error) error {
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		for _, diagnostic := range transportErr.Errors {
			switch diagnostic.Code {
			case transport.ManifestUnknownErrorCode, transport.NameUnknownErrorCode:
				return fmt.Errorf("%w: %s", ErrArtifactNotFound, reference)
			case transport.UnauthorizedErrorCode:
				return fmt.Errorf("authentication required: you may need to log in to access %s", reference)
			case transport.DeniedErrorCode:
				return fmt.Errorf("access denied: you don't have permission to pull %s", reference)
			}
		}
		if transportErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, reference)
		}
	}
	return fmt.Errorf("registry request for %s failed: %w", reference, err)
}
