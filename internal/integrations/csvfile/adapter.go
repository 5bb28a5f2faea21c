package csvfile

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fieldroute/internal/model"
)

// Adapter parses shop catalogue CSV files. Expected header:
// shop_id,name,address,lat,lng,segment — shop_id may be blank to let
// the store allocate one.
type Adapter struct{}

func (a Adapter) Name() string { return "csv-file" }

func (a Adapter) ParseShops(r io.Reader) ([]model.ShopInput, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"name", "lat", "lng"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	out := []model.ShopInput{}
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		lat, err := strconv.ParseFloat(field(row, "lat"), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad lat: %w", line, err)
		}
		lng, err := strconv.ParseFloat(field(row, "lng"), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad lng: %w", line, err)
		}
		name := field(row, "name")
		if name == "" {
			return nil, fmt.Errorf("line %d: name is required", line)
		}
		out = append(out, model.ShopInput{
			ShopID:  field(row, "shop_id"),
			Name:    name,
			Address: field(row, "address"),
			Lat:     lat,
			Lng:     lng,
			Segment: field(row, "segment"),
		})
	}
	return out, nil
}
