//go:build embed_openapi

package api

import "fieldroute/openapi"

func openAPILoad() ([]byte, error) { return openapi.Spec, nil }
