package attendance

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(15*time.Minute, 45*time.Minute)
	start := time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    Status
	}{
		{name: "at start", elapsed: 0, want: Present},
		{name: "within grace", elapsed: 7 * time.Minute, want: Present},
		{name: "exactly grace", elapsed: 15 * time.Minute, want: Present},
		{name: "just past grace", elapsed: 15*time.Minute + time.Second, want: Late},
		{name: "late window", elapsed: 26 * time.Minute, want: Late},
		{name: "exactly absent threshold", elapsed: 45 * time.Minute, want: Late},
		{name: "past absent threshold", elapsed: 45*time.Minute + time.Second, want: Absent},
		{name: "clock skew clamps to present", elapsed: -2 * time.Minute, want: Present},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(&start, start.Add(tt.elapsed)); got != tt.want {
				t.Errorf("Classify(start+%s) = %s, want %s", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestClassifyNeverStartedDefaultsLate(t *testing.T) {
	c := NewClassifier(0, 0) // defaults
	if got := c.Classify(nil, time.Now()); got != Late {
		t.Errorf("Classify(nil start) = %s, want Late", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	if !Present.Terminal() || !Late.Terminal() {
		t.Error("Present and Late must be terminal")
	}
	if Absent.Terminal() {
		t.Error("Absent must be promotable")
	}
}
