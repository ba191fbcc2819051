// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI and library work
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// RunManifestSchema is the embedded run-manifest JSON schema.
//
//go:embed run-manifest.schema.json
var RunManifestSchema []byte
