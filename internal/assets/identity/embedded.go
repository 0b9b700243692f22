// Package identityassets embeds the application identity used when no
// .fulmen/app.yaml is found on disk.
package identityassets

import _ "embed"

//go:embed app.yaml
var AppYAML []byte
