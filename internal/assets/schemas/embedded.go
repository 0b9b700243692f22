// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so catalog validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// ToolCatalogSchema is the embedded tool-catalog JSON schema.
//
//go:embed tool-catalog.schema.json
var ToolCatalogSchema []byte
