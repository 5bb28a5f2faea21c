// Package openapi embeds the API description for builds that cannot
// read it from disk.
package openapi

import _ "embed"

//go:embed openapi.yaml
var Spec []byte
