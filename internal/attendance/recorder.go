package attendance

import (
	"context"
	"errors"
	"log"
	"time"

	"classtrack/internal/apperr"
	"classtrack/internal/session"
)

// errDuplicateInsert signals a lost insert race inside a scan transaction so
// the recorder can retry the whole check-then-insert pass.
var errDuplicateInsert = errors.New("duplicate attendance insert")

// Tx is the per-scan transactional view the store provides with the session
// row locked.
type Tx interface {
	Session() session.ClassSession
	Enrolled(studentID string) (bool, error)
	Record(studentID string) (*Record, error)
	Insert(rec Record) (Record, error)
	Promote(rec Record) error
}

// Store is the persistence surface the recorder needs. WithSession runs fn in
// a transaction holding a row lock on the session, so concurrent scans for
// the same session serialize.
type Store interface {
	StudentExists(ctx context.Context, studentID string) (bool, error)
	WithSession(ctx context.Context, sessionID int64, fn func(Tx) error) error
}

// Recorder enforces one attendance record per (session, student) and the
// single legal promotion Absent -> {Present, Late}.
type Recorder struct {
	store      Store
	classifier Classifier
	window     time.Duration
	maxRetries int
	retryDelay time.Duration
}

// NewRecorder builds a recorder. window is how long past the actual start a
// session still accepts scans.
func NewRecorder(store Store, classifier Classifier, window time.Duration, maxRetries int, retryDelay time.Duration) *Recorder {
	if window <= 0 {
		window = 4 * time.Hour
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Recorder{store: store, classifier: classifier, window: window, maxRetries: maxRetries, retryDelay: retryDelay}
}

// RecordScan classifies and persists one check-in scan. Duplicate concurrent
// scans are retried a bounded number of times before surfacing Conflict; a
// terminal record never changes.
func (r *Recorder) RecordScan(ctx context.Context, sessionID int64, studentID string, scanTime time.Time) (Record, error) {
	if studentID == "" {
		return Record{}, apperr.Validation("missing student_id")
	}
	ok, err := r.store.StudentExists(ctx, studentID)
	if err != nil {
		return Record{}, apperr.Transient(err, "student lookup failed")
	}
	if !ok {
		return Record{}, apperr.NotFound("student %s not found", studentID)
	}

	var result Record
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err = r.store.WithSession(ctx, sessionID, func(tx Tx) error {
			sess := tx.Session()
			if sess.StartTime != nil && scanTime.Sub(*sess.StartTime) > r.window {
				return apperr.Validation("class session has ended")
			}
			enrolled, err := tx.Enrolled(studentID)
			if err != nil {
				return apperr.Transient(err, "enrollment lookup failed")
			}
			if !enrolled {
				return apperr.Forbidden("student %s not enrolled in class %d", studentID, sess.ClassID)
			}

			existing, err := tx.Record(studentID)
			if err != nil {
				return apperr.Transient(err, "record lookup failed")
			}
			status := r.classifier.Classify(sess.StartTime, scanTime)

			switch {
			case existing == nil:
				scanAt := scanTime
				rec, err := tx.Insert(Record{
					SessionID: sessionID,
					StudentID: studentID,
					Status:    status,
					TimeIn:    &scanAt,
					MarkedAt:  &scanAt,
				})
				if err != nil {
					return err
				}
				result = rec
			case existing.Status.Terminal():
				return apperr.Conflict("already checked in")
			default:
				// Pre-seeded Absent record: the only legal promotion.
				scanAt := scanTime
				existing.Status = status
				existing.TimeIn = &scanAt
				existing.MarkedAt = &scanAt
				existing.MarkedBy = nil
				if err := tx.Promote(*existing); err != nil {
					return apperr.Transient(err, "record promote failed")
				}
				result = *existing
			}
			return nil
		})
		if err == nil {
			log.Printf("attendance: student %s session %d marked %s", studentID, sessionID, result.Status)
			return result, nil
		}
		if !errors.Is(err, errDuplicateInsert) {
			return Record{}, err
		}
		log.Printf("attendance: retry %d/%d for student %s session %d", attempt+1, r.maxRetries, studentID, sessionID)
		if r.retryDelay > 0 {
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return Record{}, ctx.Err()
			}
		}
	}
	return Record{}, apperr.Conflict("already recorded")
}
