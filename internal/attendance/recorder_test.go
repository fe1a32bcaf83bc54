package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"classtrack/internal/apperr"
	"classtrack/internal/session"
)

type fakeStore struct {
	mu          sync.Mutex
	students    map[string]bool
	sessions    map[int64]session.ClassSession
	enrolled    map[string]int64             // student -> class
	records     map[int64]map[string]*Record // session -> student -> record
	nextID      int64
	failInserts int // number of inserts to fail with a duplicate race
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		students: map[string]bool{},
		sessions: map[int64]session.ClassSession{},
		enrolled: map[string]int64{},
		records:  map[int64]map[string]*Record{},
	}
}

func (f *fakeStore) StudentExists(_ context.Context, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.students[studentID], nil
}

func (f *fakeStore) WithSession(_ context.Context, sessionID int64, fn func(Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return apperr.NotFound("class session %d not found", sessionID)
	}
	return fn(&fakeTx{store: f, sess: sess})
}

type fakeTx struct {
	store *fakeStore
	sess  session.ClassSession
}

func (t *fakeTx) Session() session.ClassSession { return t.sess }

func (t *fakeTx) Enrolled(studentID string) (bool, error) {
	return t.store.enrolled[studentID] == t.sess.ClassID, nil
}

func (t *fakeTx) Record(studentID string) (*Record, error) {
	if rec, ok := t.store.records[t.sess.ID][studentID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (t *fakeTx) Insert(rec Record) (Record, error) {
	if t.store.failInserts > 0 {
		t.store.failInserts--
		return Record{}, errDuplicateInsert
	}
	if _, ok := t.store.records[t.sess.ID][rec.StudentID]; ok {
		return Record{}, errDuplicateInsert
	}
	t.store.nextID++
	rec.ID = t.store.nextID
	if t.store.records[t.sess.ID] == nil {
		t.store.records[t.sess.ID] = map[string]*Record{}
	}
	stored := rec
	t.store.records[t.sess.ID][rec.StudentID] = &stored
	return rec, nil
}

func (t *fakeTx) Promote(rec Record) error {
	stored := rec
	t.store.records[t.sess.ID][rec.StudentID] = &stored
	return nil
}

var sessionStart = time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)

func setupRecorder(t *testing.T) (*Recorder, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	store.students["23-00001"] = true
	store.students["23-00002"] = true
	start := sessionStart
	store.sessions[1] = session.ClassSession{ID: 1, ClassID: 10, StartTime: &start}
	store.enrolled["23-00001"] = 10
	classifier := NewClassifier(15*time.Minute, 45*time.Minute)
	rec := NewRecorder(store, classifier, 4*time.Hour, 3, 0)
	return rec, store
}

func TestRecordScanNewRecord(t *testing.T) {
	rec, _ := setupRecorder(t)

	got, err := rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(7*time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, Present, got.Status)
	assert.NotNil(t, got.TimeIn)
	assert.Equal(t, sessionStart.Add(7*time.Minute), *got.TimeIn)
}

func TestRecordScanLateAfterGrace(t *testing.T) {
	rec, _ := setupRecorder(t)

	got, err := rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(26*time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, Late, got.Status)
}

func TestRecordScanSecondScanConflicts(t *testing.T) {
	rec, _ := setupRecorder(t)

	first, err := rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(5*time.Minute))
	assert.NoError(t, err)

	_, err = rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(20*time.Minute))
	assert.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// The first write is untouched.
	again, err := rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(30*time.Minute))
	_ = again
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, Present, first.Status)
}

func TestRecordScanPromotesPreSeededAbsent(t *testing.T) {
	rec, store := setupRecorder(t)
	seeded := Record{ID: 99, SessionID: 1, StudentID: "23-00001", Status: Absent}
	store.records[1] = map[string]*Record{"23-00001": &seeded}

	got, err := rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(5*time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, Present, got.Status)
	assert.Equal(t, int64(99), got.ID, "promotion must update in place")
	assert.NotNil(t, got.TimeIn)
}

func TestRecordScanNotEnrolled(t *testing.T) {
	rec, _ := setupRecorder(t)

	_, err := rec.RecordScan(context.Background(), 1, "23-00002", sessionStart.Add(time.Minute))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestRecordScanUnknownStudent(t *testing.T) {
	rec, _ := setupRecorder(t)

	_, err := rec.RecordScan(context.Background(), 1, "99-99999", sessionStart)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRecordScanUnknownSession(t *testing.T) {
	rec, _ := setupRecorder(t)

	_, err := rec.RecordScan(context.Background(), 42, "23-00001", sessionStart)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRecordScanOutsideAcceptanceWindow(t *testing.T) {
	rec, _ := setupRecorder(t)

	_, err := rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(4*time.Hour+time.Minute))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRecordScanRetriesDuplicateRaceThenSucceeds(t *testing.T) {
	rec, store := setupRecorder(t)
	store.failInserts = 1

	got, err := rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, Present, got.Status)
}

func TestRecordScanSurfacesConflictAfterRetryBudget(t *testing.T) {
	rec, store := setupRecorder(t)
	store.failInserts = 10 // more than maxRetries

	_, err := rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(time.Minute))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestRecordScanAtMostOneRecordUnderConcurrency(t *testing.T) {
	rec, store := setupRecorder(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(offset time.Duration) {
			defer wg.Done()
			_, _ = rec.RecordScan(context.Background(), 1, "23-00001", sessionStart.Add(offset))
		}(time.Duration(i) * time.Second)
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.records[1], 1)
}
