package integrations

import (
	"io"

	"fieldroute/internal/model"
)

// CatalogAdapter is the interface for bulk shop-catalogue sources
// (CSV drops, partner feeds). Parsed rows go through the normal shop
// creation path so id allocation and validation still apply.
type CatalogAdapter interface {
	Name() string
	ParseShops(r io.Reader) ([]model.ShopInput, error)
}
