package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestWithPrefixRoundTripsTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := WithPrefix("RCN")
	if !strings.HasPrefix(id, "rcn_") {
		t.Fatalf("unexpected prefix: %s", id)
	}
	ts, ok := Time(id)
	if !ok {
		t.Fatalf("expected parsable id %s", id)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Fatalf("unexpected timestamp %v", ts)
	}
	if _, ok := Time("not-an-id"); ok {
		t.Fatalf("expected parse failure")
	}
}
