package timeutil

import (
	"testing"
	"time"
)

func TestParseUTCAcceptedShapes(t *testing.T) {
	want := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	cases := []string{
		"2026-03-15T10:30:00Z",
		"2026-03-15T10:30:00.000000Z",
		"2026-03-15 10:30:00Z",
		"2026-03-15 10:30:00.000000Z",
		"2026-03-15T10:30:00+00:00",
	}
	for _, in := range cases {
		got, err := ParseUTC(in)
		if err != nil {
			t.Fatalf("ParseUTC(%q): %v", in, err)
		}
		if got == nil || !got.Equal(want) {
			t.Fatalf("ParseUTC(%q): want=%s got=%v", in, want, got)
		}
	}
}

func TestParseUTCNormalizesOffsets(t *testing.T) {
	got, err := ParseUTC("2026-03-15T12:30:00+02:00")
	if err != nil {
		t.Fatalf("ParseUTC: %v", err)
	}
	want := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("want=%s got=%s loc=%v", want, got, got.Location())
	}
}

func TestParseUTCEmptyAndInvalid(t *testing.T) {
	got, err := ParseUTC("   ")
	if err != nil || got != nil {
		t.Fatalf("blank input: got=%v err=%v", got, err)
	}
	if _, err := ParseUTC("not-a-date"); err == nil {
		t.Fatalf("expected error for garbage input")
	}
	if _, err := ParseUTC("2026-03-15"); err == nil {
		t.Fatalf("date-only input is not a supported shape")
	}
}

func TestParseUTCKeepsFractionalSeconds(t *testing.T) {
	got, err := ParseUTC("2026-03-15T10:30:00.123456Z")
	if err != nil {
		t.Fatalf("ParseUTC: %v", err)
	}
	if got.Nanosecond() != 123456000 {
		t.Fatalf("fractional seconds lost: %d", got.Nanosecond())
	}
}
