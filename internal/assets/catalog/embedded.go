// Package catalogassets embeds the default tool catalog so the server works
// without a catalog file on disk.
package catalogassets

import _ "embed"

// DefaultCatalog is the built-in tools.yaml.
//
//go:embed tools.yaml
var DefaultCatalog []byte

// DefaultCatalogName is the pseudo path used in error messages.
const DefaultCatalogName = "embedded:tools.yaml"
