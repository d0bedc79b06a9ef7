package services

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestOrderNumberGeneratorPrefixesTimestamp(t *testing.T) {
	gen := NewOrderNumberGenerator(nil)
	now := time.Date(2025, 3, 9, 12, 30, 45, 0, time.FixedZone("CST", 8*3600))

	number, err := gen.Next(now)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if !strings.HasPrefix(number, "250309043045") {
		t.Fatalf("expected utc timestamp prefix, got %s", number)
	}
	if len(number) != len(orderNumberTimeLayout)+orderNumberSuffixLen {
		t.Fatalf("unexpected length %d for %s", len(number), number)
	}
}

func TestOrderNumberGeneratorUniqueWithinSameSecond(t *testing.T) {
	gen := NewOrderNumberGenerator(nil)
	now := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		number, err := gen.Next(now)
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if _, dup := seen[number]; dup {
			t.Fatalf("duplicate number %s after %d draws", number, i)
		}
		seen[number] = struct{}{}
	}
}

func TestOrderNumberGeneratorSurfacesEntropyErrors(t *testing.T) {
	gen := NewOrderNumberGenerator(bytes.NewReader(nil))
	if _, err := gen.Next(time.Now()); err == nil {
		t.Fatalf("expected error from exhausted entropy")
	}
}
