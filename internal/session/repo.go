package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classtrack/internal/apperr"
)

// Repository persists class sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, class_id, instructor_id, date, start_time, scheduled_start_time,
	scheduled_end_time, is_attendance_processed, session_room_number,
	view_lock_owner, view_lock_acquired_at`

func scanSession(row interface{ Scan(...any) error }) (*ClassSession, error) {
	var s ClassSession
	var room sql.NullString
	err := row.Scan(&s.ID, &s.ClassID, &s.InstructorID, &s.Date, &s.StartTime,
		&s.ScheduledStart, &s.ScheduledEnd, &s.Processed, &room,
		&s.ViewLockOwner, &s.ViewLockAcquiredAt)
	if err != nil {
		return nil, err
	}
	s.RoomNumber = room.String
	return &s, nil
}

// GetClass loads the class fields the coordinator needs.
func (r *Repository) GetClass(ctx context.Context, classID int64) (*Class, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_code, COALESCE(schedule, ''), COALESCE(room_number, ''),
		       instructor_id, substitute_instructor_id
		FROM classes WHERE id = $1
	`, classID)
	var c Class
	if err := row.Scan(&c.ID, &c.ClassCode, &c.Schedule, &c.RoomNumber, &c.InstructorID, &c.SubstituteInstructorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// LatestUnprocessed returns the most recent non-processed session for a
// (class, date), or nil.
func (r *Repository) LatestUnprocessed(ctx context.Context, classID int64, date time.Time) (*ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM class_sessions
		WHERE class_id = $1 AND date = $2 AND is_attendance_processed = FALSE
		ORDER BY start_time DESC NULLS LAST
		LIMIT 1
	`, classID, date)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// AnyForClassDate returns any session for (class, date), used to recover the
// winner after a lost insert race.
func (r *Repository) AnyForClassDate(ctx context.Context, classID int64, date time.Time) (*ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM class_sessions
		WHERE class_id = $1 AND date = $2
		ORDER BY is_attendance_processed ASC, start_time DESC NULLS LAST
		LIMIT 1
	`, classID, date)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// Get returns a session by id, or nil.
func (r *Repository) Get(ctx context.Context, id int64) (*ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// Insert writes a new session and returns it with its id.
func (r *Repository) Insert(ctx context.Context, s ClassSession) (ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO class_sessions
			(class_id, instructor_id, date, start_time, scheduled_start_time,
			 scheduled_end_time, is_attendance_processed, session_room_number)
		VALUES ($1,$2,$3,$4,$5,$6,FALSE,NULLIF($7,''))
		RETURNING id
	`, s.ClassID, s.InstructorID, s.Date, s.StartTime, s.ScheduledStart, s.ScheduledEnd, s.RoomNumber)
	if err := row.Scan(&s.ID); err != nil {
		return ClassSession{}, err
	}
	return s, nil
}

// Backfill persists the reuse-path fields: instructor, room, scheduled end.
func (r *Repository) Backfill(ctx context.Context, s ClassSession) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE class_sessions
		SET instructor_id = $2,
		    session_room_number = COALESCE(session_room_number, NULLIF($3, '')),
		    scheduled_end_time = COALESCE(scheduled_end_time, $4)
		WHERE id = $1
	`, s.ID, s.InstructorID, s.RoomNumber, s.ScheduledEnd)
	return err
}

// Mutate loads the session under a row lock, applies fn, and writes back the
// lock and processed fields. Lock mutation and attendance-state mutation share
// this row lock.
func (r *Repository) Mutate(ctx context.Context, sessionID int64, fn func(*ClassSession) error) (ClassSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ClassSession{}, apperr.Transient(err, "begin failed")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1 FOR UPDATE
	`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ClassSession{}, apperr.NotFound("class session %d not found", sessionID)
		}
		return ClassSession{}, apperr.Transient(err, "session load failed")
	}

	if err := fn(s); err != nil {
		return ClassSession{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE class_sessions
		SET is_attendance_processed = $2, view_lock_owner = $3, view_lock_acquired_at = $4
		WHERE id = $1
	`, s.ID, s.Processed, s.ViewLockOwner, s.ViewLockAcquiredAt)
	if err != nil {
		return ClassSession{}, apperr.Transient(err, "session update failed")
	}
	if err := tx.Commit(); err != nil {
		return ClassSession{}, apperr.Transient(err, "commit failed")
	}
	return *s, nil
}

// ListActive returns the date's started, unprocessed sessions with their
// lock state, for kiosk pickup. Sessions that never started, or started
// before notBefore, are not offered to kiosks.
func (r *Repository) ListActive(ctx context.Context, date, notBefore time.Time) ([]ClassSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM class_sessions
		WHERE date = $1 AND is_attendance_processed = FALSE
		  AND start_time IS NOT NULL AND start_time >= $2
		ORDER BY start_time DESC
	`, date, notBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ClassSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}
