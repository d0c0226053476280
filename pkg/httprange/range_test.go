package httprange

import "testing"

func TestParseOpenAndClosedRanges(t *testing.T) {
	ranges, err := Parse("bytes=0-", 1000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != (Range{0, 999}) {
		t.Fatalf("unexpected ranges: %+v", ranges)
	}

	ranges, err = Parse("bytes=100-199", 1000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != (Range{100, 199}) {
		t.Fatalf("unexpected ranges: %+v", ranges)
	}
}

func TestParseSuffixRangeClamps(t *testing.T) {
	ranges, err := Parse("bytes=-50", 1000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != (Range{950, 999}) {
		t.Fatalf("unexpected ranges: %+v", ranges)
	}

	// Suffix length greater than total clamps to [0, total).
	ranges, err = Parse("bytes=-5000", 1000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != (Range{0, 999}) {
		t.Fatalf("unexpected clamped range: %+v", ranges)
	}
}

func TestParseMultiRangeDropsOutOfRangePart(t *testing.T) {
	ranges, err := Parse("bytes=100-199,5000-6000", 1000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != (Range{100, 199}) {
		t.Fatalf("expected only the valid part to survive, got %+v", ranges)
	}
}

func TestParseEndBeyondTotalClampsToLastByte(t *testing.T) {
	ranges, err := Parse("bytes=900-999999", 1000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != (Range{900, 999}) {
		t.Fatalf("unexpected ranges: %+v", ranges)
	}
}

func TestParseNoOverlapYieldsEmpty(t *testing.T) {
	ranges, err := Parse("bytes=5000-6000", 1000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ranges) != 0 {
		t.Fatalf("expected no satisfiable ranges, got %+v", ranges)
	}
}

func TestParseMalformedReturnsError(t *testing.T) {
	if _, err := Parse("items=0-10", 1000); err == nil {
		t.Error("expected error for non-bytes unit")
	}
	if _, err := Parse("bytes=abc-10", 1000); err == nil {
		t.Error("expected error for non-numeric start")
	}
}

func TestParseEmptyHeaderIsNoRange(t *testing.T) {
	ranges, err := Parse("", 1000)
	if err != nil || ranges != nil {
		t.Fatalf("expected nil, nil for empty header, got %+v, %v", ranges, err)
	}
}

func TestRangeLen(t *testing.T) {
	r := Range{Start: 10, End: 19}
	if r.Len() != 10 {
		t.Errorf("Len() = %d, want 10", r.Len())
	}
}

func TestContentRange(t *testing.T) {
	got := ContentRange(Range{Start: 0, End: 99}, 1000)
	want := "bytes 0-99/1000"
	if got != want {
		t.Errorf("ContentRange = %q, want %q", got, want)
	}
}
