package pipeline

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(base, max, attempt)
		if d <= 0 || d > max {
			t.Fatalf("attempt %d: delay %s out of range", attempt, d)
		}
	}
	if d := Backoff(base, max, 3); d < 200*time.Millisecond || d >= 400*time.Millisecond {
		t.Fatalf("attempt 3 should fall in [200ms, 400ms), got %s", d)
	}
	if d := Backoff(base, max, 60); d < max/2 {
		t.Fatalf("large attempt should be capped near max, got %s", d)
	}
	if d := Backoff(base, max, 0); d != base {
		t.Fatalf("attempt 0 should return base, got %s", d)
	}
	if d := Backoff(0, 0, 4); d != 0 {
		t.Fatalf("zero base should stay zero, got %s", d)
	}
}
