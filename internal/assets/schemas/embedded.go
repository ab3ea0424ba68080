// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works in
// installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// DeploymentManifestSchema validates deployment manifests.
//
//go:embed deployment-manifest.schema.json
var DeploymentManifestSchema []byte

// CloudConfigSchema validates cloud configs.
//
//go:embed cloud-config.schema.json
var CloudConfigSchema []byte

// RuntimeConfigSchema validates runtime configs.
//
//go:embed runtime-config.schema.json
var RuntimeConfigSchema []byte

// ReleaseSchema validates release descriptors uploaded with upload-release.
//
//go:embed release.schema.json
var ReleaseSchema []byte
