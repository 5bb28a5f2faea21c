package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPqStringArray(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, "{}"},
		{[]string{"S001"}, `{"S001"}`},
		{[]string{"S001", "S002"}, `{"S001","S002"}`},
		{[]string{`a"b`}, `{"a\"b"}`},
	}
	for _, c := range cases {
		if got := pqStringArray(c.in); got != c.want {
			t.Errorf("pqStringArray(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParsePgArray(t *testing.T) {
	got := parsePgArray(`{"visit.completed","route.assigned"}`)
	if len(got) != 2 || got[0] != "visit.completed" || got[1] != "route.assigned" {
		t.Fatalf("got %v", got)
	}
	if got := parsePgArray("{}"); len(got) != 0 {
		t.Fatalf("empty array should parse to zero elements, got %v", got)
	}
}

func TestPad3AndParseSeq(t *testing.T) {
	if pad3(7) != "007" || pad3(42) != "042" || pad3(1234) != "1234" {
		t.Fatalf("pad3 wrong: %s %s %s", pad3(7), pad3(42), pad3(1234))
	}
	if n, ok := parseSeq("S012", "S"); !ok || n != 12 {
		t.Fatalf("parseSeq(S012) = %d, %v", n, ok)
	}
	if _, ok := parseSeq("X012", "S"); ok {
		t.Fatal("wrong prefix must not parse")
	}
	if _, ok := parseSeq("Sabc", "S"); ok {
		t.Fatal("non-numeric must not parse")
	}
}

// The visit cursor carries both timestamp and row id so pages split in
// the middle of a burst of same-second visits do not drop rows.
func TestVisitCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 500, time.UTC)
	cur := visitCursor(at, "0f2c1a9e")
	ts, id := parseVisitCursor(cur)
	if ts != at.Format(time.RFC3339Nano) {
		t.Fatalf("ts = %s", ts)
	}
	if id != "0f2c1a9e" {
		t.Fatalf("id = %s", id)
	}

	// Plain-timestamp cursors from older clients still parse.
	ts, id = parseVisitCursor("2026-03-10T12:00:00Z")
	if ts != "2026-03-10T12:00:00Z" || id != "" {
		t.Fatalf("legacy cursor parsed as %s / %s", ts, id)
	}
}

func TestUniqueViolation(t *testing.T) {
	if !uniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("23505 should be a unique violation")
	}
	if uniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("23503 is not a unique violation")
	}
	if uniqueViolation(errors.New("plain")) {
		t.Fatal("plain errors are not unique violations")
	}
}

func TestDbErr(t *testing.T) {
	if dbErr(nil) != nil {
		t.Fatal("nil should pass through")
	}
	if !errors.Is(dbErr(errors.New("connection refused")), ErrUnavailable) {
		t.Fatal("backend failures should wrap ErrUnavailable")
	}
	if errors.Is(dbErr(context.Canceled), ErrUnavailable) {
		t.Fatal("cancellation should not be tagged unavailable")
	}
}
