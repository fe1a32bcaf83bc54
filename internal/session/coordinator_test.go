package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"classtrack/internal/apperr"
)

type fakeStore struct {
	classes   map[int64]*Class
	sessions  map[int64]*ClassSession
	nextID    int64
	insertErr error
	backfills int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		classes:  map[int64]*Class{},
		sessions: map[int64]*ClassSession{},
	}
}

func (f *fakeStore) GetClass(_ context.Context, classID int64) (*Class, error) {
	if c, ok := f.classes[classID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) LatestUnprocessed(_ context.Context, classID int64, date time.Time) (*ClassSession, error) {
	var latest *ClassSession
	for _, s := range f.sessions {
		if s.ClassID == classID && s.Date.Equal(date) && !s.Processed {
			if latest == nil || s.ID > latest.ID {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) AnyForClassDate(_ context.Context, classID int64, date time.Time) (*ClassSession, error) {
	for _, s := range f.sessions {
		if s.ClassID == classID && s.Date.Equal(date) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Insert(_ context.Context, s ClassSession) (ClassSession, error) {
	if f.insertErr != nil {
		return ClassSession{}, f.insertErr
	}
	f.nextID++
	s.ID = f.nextID
	stored := s
	f.sessions[s.ID] = &stored
	return s, nil
}

func (f *fakeStore) Backfill(_ context.Context, s ClassSession) error {
	f.backfills++
	stored := s
	f.sessions[s.ID] = &stored
	return nil
}

func (f *fakeStore) Mutate(_ context.Context, sessionID int64, fn func(*ClassSession) error) (ClassSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return ClassSession{}, apperr.NotFound("class session %d not found", sessionID)
	}
	if err := fn(s); err != nil {
		return ClassSession{}, err
	}
	return *s, nil
}

// 2026-08-24 is a Monday; the class meets MTW 9:00-10:30.
var (
	testDay = time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	nineOh5 = time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)
)

func setupCoordinator() (*Coordinator, *fakeStore) {
	store := newFakeStore()
	sub := int64(8)
	store.classes[10] = &Class{
		ID:           10,
		ClassCode:    "IT-101",
		Schedule:     "MTW 9:00 AM-10:30 AM",
		RoomNumber:   "R204",
		InstructorID: 7,
		SubstituteInstructorID: &sub,
	}
	return NewCoordinator(store, time.Hour), store
}

func TestGetOrCreateCreatesFromScheduleWindow(t *testing.T) {
	coord, _ := setupCoordinator()

	sess, created, err := coord.GetOrCreate(context.Background(), 10, nineOh5, 7, "", nineOh5)
	assert.NoError(t, err)
	assert.True(t, created)
	assert.NotNil(t, sess.StartTime)
	assert.Equal(t, nineOh5, *sess.StartTime)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), *sess.ScheduledStart)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC), *sess.ScheduledEnd)
	assert.Equal(t, "R204", sess.RoomNumber, "room falls back to the class room")
}

func TestGetOrCreateDefaultsWindowWithoutSchedule(t *testing.T) {
	coord, store := setupCoordinator()
	store.classes[10].Schedule = ""

	sess, created, err := coord.GetOrCreate(context.Background(), 10, nineOh5, 7, "LAB-2", nineOh5)
	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, nineOh5, *sess.ScheduledStart)
	assert.Equal(t, nineOh5.Add(time.Hour), *sess.ScheduledEnd)
	assert.Equal(t, "LAB-2", sess.RoomNumber)
}

func TestGetOrCreateReusesActiveSession(t *testing.T) {
	coord, _ := setupCoordinator()

	first, created, err := coord.GetOrCreate(context.Background(), 10, nineOh5, 7, "", nineOh5)
	assert.NoError(t, err)
	assert.True(t, created)

	second, created, err := coord.GetOrCreate(context.Background(), 10, nineOh5.Add(time.Minute), 7, "", nineOh5.Add(time.Minute))
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateBackfillsOnReuse(t *testing.T) {
	coord, store := setupCoordinator()
	store.nextID = 1
	store.sessions[1] = &ClassSession{ID: 1, ClassID: 10, Date: testDay}

	sess, created, err := coord.GetOrCreate(context.Background(), 10, nineOh5, 8, "R301", nineOh5)
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(8), *sess.InstructorID)
	assert.Equal(t, "R301", sess.RoomNumber)
	assert.NotNil(t, sess.ScheduledEnd)
	assert.Equal(t, 1, store.backfills)
}

func TestGetOrCreateRecoversInsertRace(t *testing.T) {
	coord, store := setupCoordinator()
	store.insertErr = &pgconn.PgError{Code: "23505"}
	winner := &ClassSession{ID: 77, ClassID: 10, Date: testDay}
	store.sessions[77] = winner
	// The winner is processed=false but LatestUnprocessed is raced past;
	// simulate by making it invisible to the reuse lookup.
	winner.Processed = true

	sess, created, err := coord.GetOrCreate(context.Background(), 10, nineOh5, 7, "", nineOh5)
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(77), sess.ID)
}

func TestGetOrCreateSurfacesNonConflictInsertError(t *testing.T) {
	coord, store := setupCoordinator()
	store.insertErr = errors.New("connection reset by peer")
	// A sealed session for the same date must not be mistaken for a race
	// winner when the insert failed for an unrelated reason.
	store.sessions[77] = &ClassSession{ID: 77, ClassID: 10, Date: testDay, Processed: true}

	_, created, err := coord.GetOrCreate(context.Background(), 10, nineOh5, 7, "", nineOh5)
	assert.False(t, created)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
}

func TestGetOrCreateUnknownClass(t *testing.T) {
	coord, _ := setupCoordinator()

	_, _, err := coord.GetOrCreate(context.Background(), 99, nineOh5, 7, "", nineOh5)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func newLockedSession(store *fakeStore, owner string) *ClassSession {
	s := &ClassSession{ID: 5, ClassID: 10, Date: testDay}
	if owner != "" {
		at := nineOh5
		s.ViewLockOwner = &owner
		s.ViewLockAcquiredAt = &at
	}
	store.sessions[5] = s
	return s
}

func TestLockAcquireAndIdempotentReacquire(t *testing.T) {
	coord, store := setupCoordinator()
	newLockedSession(store, "")

	state, err := coord.Lock(context.Background(), 5, "kioskA", ActionLock, false, nineOh5)
	assert.NoError(t, err)
	assert.Equal(t, "kioskA", *state.Owner)

	state, err = coord.Lock(context.Background(), 5, "kioskA", ActionLock, false, nineOh5.Add(time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, "kioskA", *state.Owner)
}

func TestLockConflictsForOtherKiosk(t *testing.T) {
	coord, store := setupCoordinator()
	newLockedSession(store, "kioskA")

	_, err := coord.Lock(context.Background(), 5, "kioskB", ActionLock, false, nineOh5)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	var appErr *apperr.Error
	assert.ErrorAs(t, err, &appErr)
	assert.Equal(t, "kioskA", appErr.Detail, "conflict reports the current owner")
}

func TestUnlockByNonOwner(t *testing.T) {
	coord, store := setupCoordinator()
	newLockedSession(store, "kioskA")

	_, err := coord.Lock(context.Background(), 5, "kioskB", ActionUnlock, false, nineOh5)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	state, err := coord.Lock(context.Background(), 5, "kioskB", ActionUnlock, true, nineOh5)
	assert.NoError(t, err)
	assert.Nil(t, state.Owner, "forced unlock clears the owner")
}

func TestUnlockWhenUnowned(t *testing.T) {
	coord, store := setupCoordinator()
	newLockedSession(store, "")

	state, err := coord.Lock(context.Background(), 5, "kioskA", ActionUnlock, false, nineOh5)
	assert.NoError(t, err)
	assert.Nil(t, state.Owner)
}

func TestLockOnProcessedSession(t *testing.T) {
	coord, store := setupCoordinator()
	s := newLockedSession(store, "kioskA")
	s.Processed = true

	_, err := coord.Lock(context.Background(), 5, "kioskB", ActionLock, false, nineOh5)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Nil(t, s.ViewLockOwner, "lock attempt on a processed session clears the stale lock")

	state, err := coord.Lock(context.Background(), 5, "kioskB", ActionUnlock, false, nineOh5)
	assert.NoError(t, err)
	assert.Nil(t, state.Owner)
}

func TestLockValidation(t *testing.T) {
	coord, store := setupCoordinator()
	newLockedSession(store, "")

	_, err := coord.Lock(context.Background(), 5, "", ActionLock, false, nineOh5)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = coord.Lock(context.Background(), 5, "kioskA", LockAction("steal"), false, nineOh5)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = coord.Lock(context.Background(), 404, "kioskA", ActionLock, false, nineOh5)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
