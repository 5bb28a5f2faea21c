package csvfile

import (
	"strings"
	"testing"
)

func TestParseShops(t *testing.T) {
	csv := "shop_id,name,address,lat,lng,segment\n" +
		"S001,Corner Mart,12 Main Rd,12.91,77.61,fmcg\n" +
		",New Corner,,12.95,77.70,pipes\n"
	shops, err := Adapter{}.ParseShops(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(shops) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(shops))
	}
	if shops[0].ShopID != "S001" || shops[0].Lat != 12.91 || shops[0].Segment != "fmcg" {
		t.Fatalf("row 1: %+v", shops[0])
	}
	if shops[1].ShopID != "" || shops[1].Name != "New Corner" {
		t.Fatalf("row 2: %+v", shops[1])
	}
}

func TestParseShopsBadRow(t *testing.T) {
	if _, err := (Adapter{}).ParseShops(strings.NewReader("name,lat,lng\nX,abc,77.7\n")); err == nil {
		t.Fatalf("expected error for non-numeric lat")
	}
	if _, err := (Adapter{}).ParseShops(strings.NewReader("name,lat\nX,1\n")); err == nil {
		t.Fatalf("expected error for missing lng column")
	}
}
