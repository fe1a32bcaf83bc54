// Package sweep closes class sessions: it materializes Absent records for
// enrolled students who never scanned, seals the session, and clears its view
// lock. The same finalize pass backs both the timeout-driven sweeper and
// explicit instructor checkout.
package sweep

import (
	"context"
	"log"
	"time"

	"classtrack/internal/apperr"
	"classtrack/internal/attendance"
	"classtrack/internal/session"
)

// FinalizeTx is the per-session transactional view the store provides with
// the session row locked.
type FinalizeTx interface {
	Session() session.ClassSession
	EnrolledStudentIDs() ([]string, error)
	Records() ([]attendance.Record, error)
	InsertAbsent(rec attendance.Record) error
	StampTimeOut(recordID int64, t time.Time) error
	UpsertInstructorAttendance(att attendance.InstructorAttendance) error
	Seal()
}

// Store is the persistence surface the sweeper needs.
type Store interface {
	DueSessions(ctx context.Context, now time.Time, endGrace, maxAge time.Duration) ([]session.ClassSession, error)
	ActiveSessions(ctx context.Context, instructorID int64, date time.Time, classID *int64) ([]session.ClassSession, error)
	GetSession(ctx context.Context, id int64) (*session.ClassSession, error)
	GetClass(ctx context.Context, classID int64) (*session.Class, error)
	InstructorExists(ctx context.Context, instructorID int64) (bool, error)
	Finalize(ctx context.Context, sessionID int64, fn func(FinalizeTx) error) error
}

// Service runs the absence sweep and instructor checkout.
type Service struct {
	store    Store
	endGrace time.Duration
	maxAge   time.Duration
}

// NewService builds the sweeper. endGrace is how long past the scheduled end
// a session may idle before the sweep claims it; maxAge is the hard cutoff
// past the scheduled start.
func NewService(store Store, endGrace, maxAge time.Duration) *Service {
	if endGrace <= 0 {
		endGrace = 15 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 4 * time.Hour
	}
	return &Service{store: store, endGrace: endGrace, maxAge: maxAge}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	SessionsProcessed int `json:"sessions_processed"`
	SessionsFailed    int `json:"sessions_failed"`
	AbsentMarked      int `json:"absent_marked"`
}

// Sweep finalizes every unprocessed session whose deadline has passed. One
// session's failure is logged and the sweep continues with the rest.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	due, err := s.store.DueSessions(ctx, now, s.endGrace, s.maxAge)
	if err != nil {
		return SweepResult{}, apperr.Transient(err, "due-session lookup failed")
	}
	log.Printf("sweep: found %d completed sessions to process", len(due))

	var res SweepResult
	for _, sess := range due {
		marked, err := s.finalize(ctx, sess.ID, finalizeOpts{now: now})
		if err != nil {
			log.Printf("sweep: session %d failed: %v", sess.ID, err)
			res.SessionsFailed++
			continue
		}
		res.SessionsProcessed++
		res.AbsentMarked += marked
	}
	return res, nil
}

// CheckoutRequest targets the session(s) an instructor is closing. SessionID
// pins one session explicitly; otherwise today's active sessions for the
// instructor are used, narrowed by ClassID when set. Auto marks a
// timeout-driven closure, which leaves the instructor's own time_out null.
type CheckoutRequest struct {
	InstructorID int64
	ClassID      *int64
	SessionID    *int64
	Auto         bool
	Now          time.Time
}

// SessionResult reports one closed session.
type SessionResult struct {
	SessionID     int64  `json:"class_session_id"`
	ClassID       int64  `json:"class_id"`
	ClassCode     string `json:"class_code"`
	AbsentMarked  int    `json:"absent_students_marked"`
	TotalEnrolled int    `json:"total_enrolled"`
	CheckedIn     int    `json:"checked_in"`
}

// CheckoutResult summarizes an instructor checkout.
type CheckoutResult struct {
	AlreadyEnded bool            `json:"already_ended,omitempty"`
	AbsentMarked int             `json:"total_absent_students_marked"`
	Sessions     []SessionResult `json:"session_details"`
}

// Checkout closes the targeted session(s) immediately: pre-seeds Absent for
// non-attendees, stamps time_out on attendees, updates the instructor's own
// attendance row, and seals each session.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	ok, err := s.store.InstructorExists(ctx, req.InstructorID)
	if err != nil {
		return CheckoutResult{}, apperr.Transient(err, "instructor lookup failed")
	}
	if !ok {
		return CheckoutResult{}, apperr.NotFound("instructor %d not found", req.InstructorID)
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	sessions, alreadyEnded, err := s.resolveSessions(ctx, req)
	if err != nil {
		return CheckoutResult{}, err
	}
	if alreadyEnded {
		return CheckoutResult{AlreadyEnded: true}, nil
	}

	var out CheckoutResult
	for _, sess := range sessions {
		class, err := s.store.GetClass(ctx, sess.ClassID)
		if err != nil {
			return out, apperr.Transient(err, "class lookup failed")
		}
		var sr SessionResult
		opts := finalizeOpts{
			now:          now,
			checkout:     true,
			instructorID: req.InstructorID,
			auto:         req.Auto,
			result:       &sr,
		}
		marked, err := s.finalize(ctx, sess.ID, opts)
		if err != nil {
			return out, err
		}
		sr.SessionID = sess.ID
		sr.ClassID = sess.ClassID
		if class != nil {
			sr.ClassCode = class.ClassCode
		}
		sr.AbsentMarked = marked
		out.AbsentMarked += marked
		out.Sessions = append(out.Sessions, sr)
	}
	return out, nil
}

func (s *Service) resolveSessions(ctx context.Context, req CheckoutRequest) ([]session.ClassSession, bool, error) {
	if req.SessionID != nil {
		sess, err := s.store.GetSession(ctx, *req.SessionID)
		if err != nil {
			return nil, false, apperr.Transient(err, "session lookup failed")
		}
		if sess == nil {
			return nil, false, apperr.NotFound("class session %d not found", *req.SessionID)
		}
		class, err := s.store.GetClass(ctx, sess.ClassID)
		if err != nil {
			return nil, false, apperr.Transient(err, "class lookup failed")
		}
		if class == nil {
			return nil, false, apperr.NotFound("class %d not found", sess.ClassID)
		}
		if !s.mayClose(req.InstructorID, sess, *class) {
			return nil, false, apperr.Forbidden("only the instructor who started the session or an assigned substitute may end it")
		}
		if req.ClassID != nil && sess.ClassID != *req.ClassID {
			return nil, false, apperr.Validation("class_id does not match the targeted class session")
		}
		if sess.Processed {
			return nil, true, nil
		}
		return []session.ClassSession{*sess}, false, nil
	}

	if req.ClassID != nil {
		class, err := s.store.GetClass(ctx, *req.ClassID)
		if err != nil {
			return nil, false, apperr.Transient(err, "class lookup failed")
		}
		if class == nil {
			return nil, false, apperr.NotFound("class %d not found", *req.ClassID)
		}
		if !class.AssignedTo(req.InstructorID) {
			return nil, false, apperr.Forbidden("only the primary or designated substitute may end this session")
		}
	}

	today := session.DateOf(req.Now)
	sessions, err := s.store.ActiveSessions(ctx, req.InstructorID, today, req.ClassID)
	if err != nil {
		return nil, false, apperr.Transient(err, "session lookup failed")
	}
	return sessions, false, nil
}

func (s *Service) mayClose(instructorID int64, sess *session.ClassSession, class session.Class) bool {
	if sess.InstructorID != nil && *sess.InstructorID == instructorID {
		return true
	}
	return class.AssignedTo(instructorID)
}

type finalizeOpts struct {
	now          time.Time
	checkout     bool
	instructorID int64
	auto         bool
	result       *SessionResult
}

// finalize is the enrolled-minus-attended pass, one isolated transaction per
// session. The sweep and the live scan path share the same check-then-insert
// discipline: an Absent row is only written where no record exists.
func (s *Service) finalize(ctx context.Context, sessionID int64, opts finalizeOpts) (int, error) {
	marked := 0
	err := s.store.Finalize(ctx, sessionID, func(tx FinalizeTx) error {
		sess := tx.Session()
		if sess.Processed {
			return nil
		}
		enrolled, err := tx.EnrolledStudentIDs()
		if err != nil {
			return err
		}
		records, err := tx.Records()
		if err != nil {
			return err
		}
		attended := make(map[string]bool, len(records))
		for _, rec := range records {
			attended[rec.StudentID] = true
		}
		log.Printf("sweep: session %d: %d enrolled, %d attended", sess.ID, len(enrolled), len(records))

		markedAt := opts.now
		for _, studentID := range enrolled {
			if attended[studentID] {
				continue
			}
			rec := attendance.Record{
				SessionID: sess.ID,
				StudentID: studentID,
				Status:    attendance.Absent,
				MarkedAt:  &markedAt,
			}
			if opts.checkout {
				rec.TimeOut = &markedAt
			}
			if err := tx.InsertAbsent(rec); err != nil {
				return err
			}
			marked++
		}

		if opts.checkout {
			for _, rec := range records {
				if rec.TimeOut == nil {
					if err := tx.StampTimeOut(rec.ID, opts.now); err != nil {
						return err
					}
				}
			}
			timeIn := sess.StartTime
			if timeIn == nil {
				timeIn = &markedAt
			}
			att := attendance.InstructorAttendance{
				InstructorID: opts.instructorID,
				ClassID:      sess.ClassID,
				Date:         sess.Date,
				Status:       "Present",
				TimeIn:       timeIn,
			}
			// Auto (timeout) closures deliberately leave the instructor's
			// time_out null.
			if !opts.auto {
				att.TimeOut = &markedAt
			}
			if err := tx.UpsertInstructorAttendance(att); err != nil {
				return err
			}
			if opts.result != nil {
				opts.result.TotalEnrolled = len(enrolled)
				opts.result.CheckedIn = len(records)
			}
		}

		tx.Seal()
		return nil
	})
	return marked, err
}
