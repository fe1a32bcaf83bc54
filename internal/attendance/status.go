package attendance

import "time"

// Status defines the possible classification values for a check-in.
type Status string

const (
	Present Status = "Present"
	Late    Status = "Late"
	Absent  Status = "Absent"
)

// Terminal reports whether a record with this status may never change again.
// Only Absent records (pre-seeded by a sweep) may be promoted.
func (s Status) Terminal() bool {
	return s == Present || s == Late
}

// Classifier maps elapsed time since the session's actual start to a status.
type Classifier struct {
	Grace       time.Duration
	AbsentAfter time.Duration
}

// NewClassifier builds a classifier; zero thresholds get the defaults
// (15 and 45 minutes).
func NewClassifier(grace, absentAfter time.Duration) Classifier {
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	if absentAfter <= 0 {
		absentAfter = 45 * time.Minute
	}
	return Classifier{Grace: grace, AbsentAfter: absentAfter}
}

// Classify returns the status for a scan against the session's actual start.
// Negative elapsed (clock skew) counts as within grace. A session that never
// actually started classifies as Late, never silently Present.
func (c Classifier) Classify(actualStart *time.Time, scanTime time.Time) Status {
	if actualStart == nil {
		return Late
	}
	elapsed := scanTime.Sub(*actualStart)
	switch {
	case elapsed <= c.Grace:
		return Present
	case elapsed <= c.AbsentAfter:
		return Late
	default:
		return Absent
	}
}
