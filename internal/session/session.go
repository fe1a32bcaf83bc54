// Package session owns the class-session lifecycle: one authoritative session
// per (class, date) and the advisory view lock kiosks use to claim a
// session's live roster.
package session

import "time"

// Class is the slice of a class row the coordinator needs: schedule, room,
// and who may run its sessions.
type Class struct {
	ID                     int64
	ClassCode              string
	Schedule               string
	RoomNumber             string
	InstructorID           int64
	SubstituteInstructorID *int64
}

// AssignedTo reports whether the instructor is the class's primary or
// designated substitute.
func (c Class) AssignedTo(instructorID int64) bool {
	if c.InstructorID == instructorID {
		return true
	}
	return c.SubstituteInstructorID != nil && *c.SubstituteInstructorID == instructorID
}

// ClassSession is one meeting of a class on a specific date.
type ClassSession struct {
	ID             int64
	ClassID        int64
	InstructorID   *int64
	Date           time.Time
	StartTime      *time.Time
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	Processed      bool
	RoomNumber     string

	ViewLockOwner      *string
	ViewLockAcquiredAt *time.Time
}

// LockState is the externally visible view-lock snapshot.
type LockState struct {
	SessionID  int64      `json:"class_session_id"`
	Owner      *string    `json:"view_lock_owner"`
	AcquiredAt *time.Time `json:"view_lock_acquired_at"`
}

// DateOf truncates a timestamp to its calendar date.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
