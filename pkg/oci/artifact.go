// Package oci stores plan and contract bundles in OCI registries.
package oci

import (
	"encoding/json"
	"fmt"
)

// ArtifactType identifies what a bundle contains.
type ArtifactType string

const (
	ArtifactTypePlan      ArtifactType = "plan"
	ArtifactTypeContracts ArtifactType = "contracts"
)

// Media types for chainctl bundles.
const (
	MediaTypePlanConfig      = "application/vnd.chainctl.plan.config.v1+json"
	MediaTypePlanLayer       = "application/vnd.chainctl.plan.layer.v1.tar+gzip"
	MediaTypeContractsConfig = "application/vnd.chainctl.contracts.config.v1+json"
	MediaTypeContractsLayer  = "application/vnd.chainctl.contracts.layer.v1.tar+gzip"
)

// AnnotationConfig carries the bundle config on the manifest.
const AnnotationConfig = "dev.chainctl.bundle.config"

// mediaTypes returns the config and layer media types for t.
func (t ArtifactType) mediaTypes() (config, layer string, err error) {
	switch t {
	case ArtifactTypePlan:
		return MediaTypePlanConfig, MediaTypePlanLayer, nil
	case ArtifactTypeContracts:
		return MediaTypeContractsConfig, MediaTypeContractsLayer, nil
	}
	return "", "", fmt.Errorf("unknown artifact type %q", t)
}

// Artifact is a bundle ready to push.
type Artifact struct {
	Type        ArtifactType
	Reference   string // OCI reference (repo:tag)
	Config      BundleConfig
	Layers      []Layer
	Annotations map[string]string
}

// Layer is one archive in the bundle.
type Layer struct {
	Data []byte
}

// BundleConfig describes a pushed bundle.
type BundleConfig struct {
	SchemaVersion string       `json:"schemaVersion"`
	Type          ArtifactType `json:"type"`
	Name          string       `json:"name,omitempty"`
	Files         int          `json:"files"`
	BuildTime     string       `json:"buildTime,omitempty"`
}

// Pulled describes a bundle extracted by Pull.
type Pulled struct {
	Reference string
	Digest    string
	Config    BundleConfig
}

func decodeConfig(raw string) (BundleConfig, error) {
	var cfg BundleConfig
	if raw == "" {
		return cfg, fmt.Errorf("manifest has no %s annotation", AnnotationConfig)
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid bundle config: %w", err)
	}
	return cfg, nil
}
