package sweep

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classtrack/internal/apperr"
	"classtrack/internal/attendance"
	"classtrack/internal/session"
	"classtrack/internal/store"
)

// Repository is the Postgres store behind the sweeper.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, class_id, instructor_id, date, start_time, scheduled_start_time,
	scheduled_end_time, is_attendance_processed, COALESCE(session_room_number, ''),
	view_lock_owner, view_lock_acquired_at`

func scanSession(row interface{ Scan(...any) error }) (*session.ClassSession, error) {
	var s session.ClassSession
	err := row.Scan(&s.ID, &s.ClassID, &s.InstructorID, &s.Date, &s.StartTime,
		&s.ScheduledStart, &s.ScheduledEnd, &s.Processed, &s.RoomNumber,
		&s.ViewLockOwner, &s.ViewLockAcquiredAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DueSessions selects unprocessed sessions past their deadline: endGrace past
// the scheduled end, or maxAge past the scheduled start.
func (r *Repository) DueSessions(ctx context.Context, now time.Time, endGrace, maxAge time.Duration) ([]session.ClassSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM class_sessions
		WHERE is_attendance_processed = FALSE
		  AND (
			(scheduled_end_time IS NOT NULL AND scheduled_end_time + $2 * interval '1 second' < $1)
			OR
			(scheduled_start_time IS NOT NULL AND scheduled_start_time + $3 * interval '1 second' < $1)
		  )
	`, now, int64(endGrace.Seconds()), int64(maxAge.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ActiveSessions returns an instructor's started sessions for a date,
// narrowed to one class when classID is set.
func (r *Repository) ActiveSessions(ctx context.Context, instructorID int64, date time.Time, classID *int64) ([]session.ClassSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM class_sessions
		WHERE date = $1 AND instructor_id = $2 AND start_time IS NOT NULL
		  AND is_attendance_processed = FALSE`
	args := []any{date, instructorID}
	if classID != nil {
		query += ` AND class_id = $3`
		args = append(args, *classID)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]session.ClassSession, error) {
	var res []session.ClassSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// GetSession returns a session by id, or nil.
func (r *Repository) GetSession(ctx context.Context, id int64) (*session.ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// GetClass returns a class by id, or nil.
func (r *Repository) GetClass(ctx context.Context, classID int64) (*session.Class, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_code, COALESCE(schedule, ''), COALESCE(room_number, ''),
		       instructor_id, substitute_instructor_id
		FROM classes WHERE id = $1
	`, classID)
	var c session.Class
	if err := row.Scan(&c.ID, &c.ClassCode, &c.Schedule, &c.RoomNumber, &c.InstructorID, &c.SubstituteInstructorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// InstructorExists reports whether a user with the instructor role exists.
func (r *Repository) InstructorExists(ctx context.Context, instructorID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = 'instructor')
	`, instructorID).Scan(&exists)
	return exists, err
}

type finalizeTx struct {
	ctx    context.Context
	tx     *sql.Tx
	sess   session.ClassSession
	sealed bool
}

func (t *finalizeTx) Session() session.ClassSession { return t.sess }

func (t *finalizeTx) EnrolledStudentIDs() ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT student_id FROM enrollments WHERE class_id = $1
	`, t.sess.ClassID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *finalizeTx) Records() ([]attendance.Record, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, class_session_id, student_id, status, time_in, time_out, marked_by, marked_at
		FROM attendance_records WHERE class_session_id = $1
	`, t.sess.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []attendance.Record
	for rows.Next() {
		var rec attendance.Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.TimeIn, &rec.TimeOut, &rec.MarkedBy, &rec.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (t *finalizeTx) InsertAbsent(rec attendance.Record) error {
	// ON CONFLICT keeps the sweep idempotent against a scan that lands
	// between the read and this insert.
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO attendance_records
			(student_id, class_session_id, date, status, time_out, marked_by, marked_at)
		VALUES ($1,$2,$3,$4,$5,NULL,$6)
		ON CONFLICT (class_session_id, student_id) DO NOTHING
	`, rec.StudentID, rec.SessionID, t.sess.Date, rec.Status, rec.TimeOut, rec.MarkedAt)
	return err
}

func (t *finalizeTx) StampTimeOut(recordID int64, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE attendance_records SET time_out = $2, updated_at = NOW()
		WHERE id = $1 AND time_out IS NULL
	`, recordID, at)
	return err
}

func (t *finalizeTx) UpsertInstructorAttendance(att attendance.InstructorAttendance) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE instructor_attendance
		SET status = $4, time_in = COALESCE(time_in, $5), time_out = $6, updated_at = NOW()
		WHERE instructor_id = $1 AND class_id = $2 AND date = $3
	`, att.InstructorID, att.ClassID, att.Date, att.Status, att.TimeIn, att.TimeOut)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO instructor_attendance (instructor_id, class_id, date, status, time_in, time_out)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, att.InstructorID, att.ClassID, att.Date, att.Status, att.TimeIn, att.TimeOut)
	return err
}

func (t *finalizeTx) Seal() { t.sealed = true }

// Finalize runs fn in a transaction with the session row locked, then seals
// the session and clears its view lock if fn asked for it.
func (r *Repository) Finalize(ctx context.Context, sessionID int64, fn func(FinalizeTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient(err, "begin failed")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1 FOR UPDATE
	`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("class session %d not found", sessionID)
		}
		return apperr.Transient(err, "session load failed")
	}

	ftx := &finalizeTx{ctx: ctx, tx: tx, sess: *s}
	if err := fn(ftx); err != nil {
		return err
	}
	if ftx.sealed {
		_, err = tx.ExecContext(ctx, `
			UPDATE class_sessions
			SET is_attendance_processed = TRUE, view_lock_owner = NULL, view_lock_acquired_at = NULL
			WHERE id = $1
		`, sessionID)
		if err != nil {
			return apperr.Transient(err, "session seal failed")
		}
	}
	if err := tx.Commit(); err != nil {
		if store.IsUniqueViolation(err) {
			return apperr.Conflict("attendance record already exists")
		}
		return apperr.Transient(err, "commit failed")
	}
	return nil
}
