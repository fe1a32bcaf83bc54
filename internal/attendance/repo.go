package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classtrack/internal/apperr"
	"classtrack/internal/session"
	"classtrack/internal/store"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// StudentExists reports whether a student id is registered.
func (r *Repository) StudentExists(ctx context.Context, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM students WHERE id = $1)`, studentID).Scan(&exists)
	return exists, err
}

type sqlTx struct {
	ctx  context.Context
	tx   *sql.Tx
	sess session.ClassSession
}

func (t *sqlTx) Session() session.ClassSession { return t.sess }

func (t *sqlTx) Enrolled(studentID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND class_id = $2)
	`, studentID, t.sess.ClassID).Scan(&exists)
	return exists, err
}

func (t *sqlTx) Record(studentID string) (*Record, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT id, class_session_id, student_id, status, time_in, time_out, marked_by, marked_at
		FROM attendance_records
		WHERE class_session_id = $1 AND student_id = $2
	`, t.sess.ID, studentID)
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.TimeIn, &rec.TimeOut, &rec.MarkedBy, &rec.MarkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *sqlTx) Insert(rec Record) (Record, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO attendance_records
			(student_id, class_session_id, date, status, time_in, time_out, marked_by, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, rec.StudentID, rec.SessionID, recordDate(rec, t.sess), rec.Status, rec.TimeIn, rec.TimeOut, rec.MarkedBy, rec.MarkedAt)
	if err := row.Scan(&rec.ID); err != nil {
		if store.IsUniqueViolation(err) {
			return Record{}, errDuplicateInsert
		}
		return Record{}, err
	}
	return rec, nil
}

func (t *sqlTx) Promote(rec Record) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE attendance_records
		SET status = $2, time_in = $3, marked_by = $4, marked_at = $5, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.Status, rec.TimeIn, rec.MarkedBy, rec.MarkedAt)
	return err
}

func recordDate(rec Record, sess session.ClassSession) time.Time {
	if rec.TimeIn != nil {
		return *rec.TimeIn
	}
	return sess.Date
}

// WithSession runs fn in a transaction holding a row lock on the session so
// concurrent scans for the same session cannot both observe "no record".
func (r *Repository) WithSession(ctx context.Context, sessionID int64, fn func(Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient(err, "begin failed")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, class_id, date, start_time, is_attendance_processed
		FROM class_sessions WHERE id = $1 FOR UPDATE
	`, sessionID)
	var sess session.ClassSession
	if err := row.Scan(&sess.ID, &sess.ClassID, &sess.Date, &sess.StartTime, &sess.Processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("class session %d not found", sessionID)
		}
		return apperr.Transient(err, "session load failed")
	}

	if err := fn(&sqlTx{ctx: ctx, tx: tx, sess: sess}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if store.IsUniqueViolation(err) {
			return errDuplicateInsert
		}
		return apperr.Transient(err, "commit failed")
	}
	return nil
}

// ListBySession returns all records for a session, newest time_in first.
func (r *Repository) ListBySession(ctx context.Context, sessionID int64) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_session_id, student_id, status, time_in, time_out, marked_by, marked_at
		FROM attendance_records
		WHERE class_session_id = $1
		ORDER BY time_in DESC NULLS LAST
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.TimeIn, &rec.TimeOut, &rec.MarkedBy, &rec.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpsertInstructorCheckIn ensures the instructor's own attendance row for a
// class/date is Present with a time_in, creating it on first check-in.
func (r *Repository) UpsertInstructorCheckIn(ctx context.Context, instructorID, classID int64, date, timeIn time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE instructor_attendance
		SET status = 'Present', time_in = COALESCE(time_in, $4), updated_at = NOW()
		WHERE instructor_id = $1 AND class_id = $2 AND date = $3
	`, instructorID, classID, date, timeIn)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO instructor_attendance (instructor_id, class_id, date, status, time_in)
		VALUES ($1, $2, $3, 'Present', $4)
	`, instructorID, classID, date, timeIn)
	if err != nil && store.IsUniqueViolation(err) {
		// Concurrent check-in already created the row.
		return nil
	}
	return err
}
