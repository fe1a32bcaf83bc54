package attendance

import "time"

// Record is one student's attendance outcome for one class session. Exactly
// one exists per (session, student).
type Record struct {
	ID        int64      `json:"id"`
	SessionID int64      `json:"class_session_id"`
	StudentID string     `json:"student_id"`
	Status    Status     `json:"status"`
	TimeIn    *time.Time `json:"time_in,omitempty"`
	TimeOut   *time.Time `json:"time_out,omitempty"`
	MarkedBy  *int64     `json:"marked_by,omitempty"`
	MarkedAt  *time.Time `json:"marked_at,omitempty"`
}

// InstructorAttendance is the instructor's own presence row for a class on a
// date. TimeOut stays nil when the session was closed automatically, which is
// how manual and timeout-driven closures are told apart.
type InstructorAttendance struct {
	ID           int64      `json:"id"`
	InstructorID int64      `json:"instructor_id"`
	ClassID      int64      `json:"class_id"`
	Date         time.Time  `json:"date"`
	Status       string     `json:"status"`
	TimeIn       *time.Time `json:"time_in,omitempty"`
	TimeOut      *time.Time `json:"time_out,omitempty"`
}
