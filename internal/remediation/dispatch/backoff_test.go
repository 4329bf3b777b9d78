package dispatch

import (
	"testing"
	"time"
)

func TestBackoff_GrowsAndClamps(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(attempt, base, max)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %v", attempt, d)
		}
		if d > max {
			t.Fatalf("attempt %d: backoff %v exceeds max %v", attempt, d, max)
		}
	}

	// 首次重试带抖动，应落在 [base/2, base*1.5] 内
	for i := 0; i < 100; i++ {
		d := Backoff(1, base, max)
		if d < base/2 || d > base*3/2 {
			t.Fatalf("attempt 1 backoff %v outside jitter window", d)
		}
	}
}

func TestBackoff_InvalidAttemptTreatedAsFirst(t *testing.T) {
	d := Backoff(0, time.Second, time.Minute)
	if d < 500*time.Millisecond || d > 1500*time.Millisecond {
		t.Errorf("backoff for attempt 0 = %v", d)
	}
}
