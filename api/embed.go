// Package api carries the OpenAPI description of the broker REST surface.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte
