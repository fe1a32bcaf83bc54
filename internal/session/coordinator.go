package session

import (
	"context"
	"log"
	"time"

	"classtrack/internal/apperr"
	"classtrack/internal/schedule"
	"classtrack/internal/store"
)

// Store is the persistence surface the coordinator needs. Mutate must run fn
// with the session row locked so lock changes and attendance-state changes
// serialize on the same row.
type Store interface {
	GetClass(ctx context.Context, classID int64) (*Class, error)
	LatestUnprocessed(ctx context.Context, classID int64, date time.Time) (*ClassSession, error)
	AnyForClassDate(ctx context.Context, classID int64, date time.Time) (*ClassSession, error)
	Insert(ctx context.Context, s ClassSession) (ClassSession, error)
	Backfill(ctx context.Context, s ClassSession) error
	Mutate(ctx context.Context, sessionID int64, fn func(*ClassSession) error) (ClassSession, error)
}

// Coordinator creates or reuses the one authoritative session per
// (class, date) and arbitrates the advisory view lock.
type Coordinator struct {
	store          Store
	defaultTimeout time.Duration
}

// NewCoordinator builds a coordinator. defaultTimeout is the session length
// assumed when the class has no resolvable schedule window.
func NewCoordinator(store Store, defaultTimeout time.Duration) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Minute
	}
	return &Coordinator{store: store, defaultTimeout: defaultTimeout}
}

// GetOrCreate returns the active session for (classID, date), creating it if
// none exists; the bool reports whether a new session was created. Reuse
// backfills instructor, room, and scheduled end when they are empty.
// (class_id, date) carries no storage uniqueness guarantee, so an insert that
// loses a race is recovered by re-reading the winner.
func (c *Coordinator) GetOrCreate(ctx context.Context, classID int64, date time.Time, instructorID int64, room string, now time.Time) (ClassSession, bool, error) {
	class, err := c.store.GetClass(ctx, classID)
	if err != nil {
		return ClassSession{}, false, err
	}
	if class == nil {
		return ClassSession{}, false, apperr.NotFound("class %d not found", classID)
	}

	date = DateOf(date)
	window := schedule.Resolve(class.Schedule, date)

	existing, err := c.store.LatestUnprocessed(ctx, classID, date)
	if err != nil {
		return ClassSession{}, false, apperr.Transient(err, "session lookup failed")
	}
	if existing != nil {
		changed := false
		if existing.InstructorID == nil || *existing.InstructorID != instructorID {
			existing.InstructorID = &instructorID
			changed = true
		}
		if room != "" && existing.RoomNumber == "" {
			existing.RoomNumber = room
			changed = true
		}
		if existing.ScheduledEnd == nil && window != nil {
			end := window.End
			existing.ScheduledEnd = &end
			changed = true
		}
		if changed {
			if err := c.store.Backfill(ctx, *existing); err != nil {
				return ClassSession{}, false, apperr.Transient(err, "session backfill failed")
			}
		}
		log.Printf("session: reusing session %d for class %d on %s", existing.ID, classID, date.Format("2006-01-02"))
		return *existing, false, nil
	}

	scheduledStart, scheduledEnd := now, now.Add(c.defaultTimeout)
	if window != nil {
		scheduledStart, scheduledEnd = window.Start, window.End
	}
	start := now
	fresh := ClassSession{
		ClassID:        classID,
		InstructorID:   &instructorID,
		Date:           date,
		StartTime:      &start,
		ScheduledStart: &scheduledStart,
		ScheduledEnd:   &scheduledEnd,
	}
	if room != "" {
		fresh.RoomNumber = room
	} else {
		fresh.RoomNumber = class.RoomNumber
	}

	created, err := c.store.Insert(ctx, fresh)
	if err == nil {
		log.Printf("session: created session %d for class %d on %s", created.ID, classID, date.Format("2006-01-02"))
		return created, true, nil
	}

	// A unique violation on a first-check-in race means another writer won;
	// the winning session is the authoritative one. Any other insert failure
	// surfaces as-is.
	if store.IsUniqueViolation(err) {
		winner, lookupErr := c.store.AnyForClassDate(ctx, classID, date)
		if lookupErr == nil && winner != nil {
			log.Printf("session: insert race for class %d on %s, using session %d", classID, date.Format("2006-01-02"), winner.ID)
			return *winner, false, nil
		}
	}
	return ClassSession{}, false, apperr.Transient(err, "session create failed")
}

// LockAction selects between acquiring and releasing the view lock.
type LockAction string

const (
	ActionLock   LockAction = "lock"
	ActionUnlock LockAction = "unlock"
)

// Lock acquires or releases a session's advisory view lock. Locking is
// idempotent for the current owner and conflicts for anyone else. Unlock by a
// non-owner requires force. A processed session always has its lock cleared:
// lock attempts then fail Conflict, unlocks succeed reporting cleared state.
func (c *Coordinator) Lock(ctx context.Context, sessionID int64, lockerID string, action LockAction, force bool, now time.Time) (LockState, error) {
	if lockerID == "" {
		return LockState{}, apperr.Validation("missing locker_id")
	}
	if action != ActionLock && action != ActionUnlock {
		return LockState{}, apperr.Validation("invalid action %q", action)
	}

	var lockErr error
	updated, err := c.store.Mutate(ctx, sessionID, func(s *ClassSession) error {
		if s.Processed {
			s.ViewLockOwner = nil
			s.ViewLockAcquiredAt = nil
			if action == ActionLock {
				lockErr = apperr.Conflict("class session already ended")
			}
			return nil
		}
		switch action {
		case ActionLock:
			if s.ViewLockOwner != nil && *s.ViewLockOwner != lockerID {
				lockErr = &apperr.Error{
					Kind:    apperr.KindConflict,
					Message: "session already locked by another kiosk",
					Detail:  *s.ViewLockOwner,
				}
				return nil
			}
			s.ViewLockOwner = &lockerID
			s.ViewLockAcquiredAt = &now
		case ActionUnlock:
			if s.ViewLockOwner != nil && *s.ViewLockOwner != lockerID && !force {
				lockErr = &apperr.Error{
					Kind:    apperr.KindForbidden,
					Message: "unable to unlock session held by another kiosk",
					Detail:  *s.ViewLockOwner,
				}
				return nil
			}
			s.ViewLockOwner = nil
			s.ViewLockAcquiredAt = nil
		}
		return nil
	})
	if err != nil {
		return LockState{}, err
	}
	if lockErr != nil {
		return LockState{}, lockErr
	}
	return LockState{SessionID: updated.ID, Owner: updated.ViewLockOwner, AcquiredAt: updated.ViewLockAcquiredAt}, nil
}
