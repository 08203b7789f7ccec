package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/netcheck"
	"github.com/stemsi/exstem-agent/internal/store"
	"github.com/stemsi/exstem-agent/internal/vault"
)

// ─── fakes ──────────────────────────────────────────────────────────

type fakeSessionStore struct {
	mu          sync.Mutex
	byKey       map[string]*model.Session
	submitCalls int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{byKey: make(map[string]*model.Session)}
}

func sessionKey(examID uuid.UUID, nis string) string {
	return examID.String() + "/" + nis
}

func (s *fakeSessionStore) CreateOrResume(ctx context.Context, examID uuid.UUID, studentNIS string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKey[sessionKey(examID, studentNIS)]; ok {
		cp := *sess
		return &cp, nil
	}
	sess := &model.Session{
		ID:             uuid.New(),
		ExamID:         examID,
		StudentNIS:     studentNIS,
		Status:         model.SessionStatusNotStarted,
		LastActivityAt: time.Now().UTC(),
	}
	s.byKey[sessionKey(examID, studentNIS)] = sess
	cp := *sess
	return &cp, nil
}

func (s *fakeSessionStore) find(sessionID uuid.UUID) *model.Session {
	for _, sess := range s.byKey {
		if sess.ID == sessionID {
			return sess
		}
	}
	return nil
}

func (s *fakeSessionStore) Start(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(sessionID)
	if sess == nil {
		return store.ErrSessionNotFound
	}
	sess.Status = model.SessionStatusInProgress
	if sess.StartedAt == nil {
		sess.StartedAt = &startedAt
	}
	return nil
}

func (s *fakeSessionStore) UpdateStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(sessionID)
	if sess == nil {
		return store.ErrSessionNotFound
	}
	sess.Status = status
	return nil
}

func (s *fakeSessionStore) Submit(ctx context.Context, sessionID uuid.UUID, submittedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(sessionID)
	if sess == nil {
		return store.ErrSessionNotFound
	}
	s.submitCalls++
	sess.Status = model.SessionStatusSubmitted
	if sess.SubmittedAt == nil {
		sess.SubmittedAt = &submittedAt
	}
	return nil
}

func (s *fakeSessionStore) UpdateProgress(ctx context.Context, sessionID uuid.UUID, index int, answeredIDs []uuid.UUID, lastActivity time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(sessionID)
	if sess == nil {
		return store.ErrSessionNotFound
	}
	sess.CurrentIndex = index
	sess.AnsweredIDs = append([]uuid.UUID(nil), answeredIDs...)
	sess.LastActivityAt = lastActivity
	return nil
}

func (s *fakeSessionStore) ListPending(ctx context.Context) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []model.Session
	for _, sess := range s.byKey {
		if sess.Status == model.SessionStatusSubmissionPending {
			pending = append(pending, *sess)
		}
	}
	return pending, nil
}

func (s *fakeSessionStore) stored(sessionID uuid.UUID) model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.find(sessionID)
}

func (s *fakeSessionStore) submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls
}

type fakeAnswerStore struct {
	mu        sync.Mutex
	recs      map[uuid.UUID]map[uuid.UUID]*model.EncryptedAnswer
	saveErr   error
	saveCalls int

	// Optional gates for interleaving tests: a write signals started
	// (if set) and then blocks until released (if set).
	saveStarted  chan struct{}
	saveRelease  chan struct{}
	batchStarted chan struct{}
	batchRelease chan struct{}
}

func newFakeAnswerStore() *fakeAnswerStore {
	return &fakeAnswerStore{recs: make(map[uuid.UUID]map[uuid.UUID]*model.EncryptedAnswer)}
}

func (s *fakeAnswerStore) Save(ctx context.Context, sessionID uuid.UUID, rec *model.EncryptedAnswer) error {
	if s.saveStarted != nil {
		s.saveStarted <- struct{}{}
	}
	if s.saveRelease != nil {
		<-s.saveRelease
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.recs[sessionID] == nil {
		s.recs[sessionID] = make(map[uuid.UUID]*model.EncryptedAnswer)
	}
	s.recs[sessionID][rec.QuestionID] = rec
	return nil
}

func (s *fakeAnswerStore) SaveBatch(ctx context.Context, sessionID uuid.UUID, recs []*model.EncryptedAnswer) error {
	if s.batchStarted != nil {
		s.batchStarted <- struct{}{}
	}
	if s.batchRelease != nil {
		<-s.batchRelease
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs[sessionID] == nil {
		s.recs[sessionID] = make(map[uuid.UUID]*model.EncryptedAnswer)
	}
	for _, rec := range recs {
		s.recs[sessionID][rec.QuestionID] = rec
	}
	return nil
}

func (s *fakeAnswerStore) List(ctx context.Context, sessionID uuid.UUID) ([]*model.EncryptedAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.EncryptedAnswer
	for _, rec := range s.recs[sessionID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeAnswerStore) count(sessionID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs[sessionID])
}

func (s *fakeAnswerStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

type flipOracle struct {
	mu sync.Mutex
	ok bool
}

func (o *flipOracle) IsConnected(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ok
}

func (o *flipOracle) set(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ok = ok
}

// ─── helpers ────────────────────────────────────────────────────────

type testRig struct {
	eng      *Engine
	sessions *fakeSessionStore
	answers  *fakeAnswerStore
	keys     *vault.MemoryKeyStore
	examID   uuid.UUID
	qids     []uuid.UUID
}

func newTestRig(t *testing.T, oracle netcheck.Oracle, debounce time.Duration) *testRig {
	t.Helper()
	keys := vault.NewMemoryKeyStore()
	if err := keys.EnsureKey(context.Background()); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	rig := &testRig{
		sessions: newFakeSessionStore(),
		answers:  newFakeAnswerStore(),
		keys:     keys,
		examID:   uuid.New(),
		qids:     []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()},
	}
	rig.eng = rig.newEngine(oracle, debounce)
	t.Cleanup(rig.eng.Close)
	return rig
}

// newEngine builds a second engine over the same stores and key, for
// restart-and-resume scenarios.
func (r *testRig) newEngine(oracle netcheck.Oracle, debounce time.Duration) *Engine {
	cipher := vault.NewCipher(r.keys, zerolog.Nop())
	return New(cipher, r.sessions, r.answers, oracle, debounce, 20*time.Millisecond, zerolog.Nop())
}

func (r *testRig) open(t *testing.T, eng *Engine, duration time.Duration) *State {
	t.Helper()
	st, err := eng.Open(context.Background(), r.examID, "2023001", duration, r.qids)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// ─── tests ──────────────────────────────────────────────────────────

func TestBeginStampsStartExactlyOnce(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), time.Hour)

	st := rig.open(t, rig.eng, time.Hour)
	if st.Session.Status != model.SessionStatusNotStarted {
		t.Fatalf("status after open = %s, want NOT_STARTED", st.Session.Status)
	}
	if st.Session.StartedAt != nil {
		t.Fatal("started_at set before begin")
	}

	st, err := rig.eng.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if st.Session.Status != model.SessionStatusInProgress {
		t.Fatalf("status after begin = %s, want IN_PROGRESS", st.Session.Status)
	}
	if st.Session.StartedAt == nil {
		t.Fatal("started_at not set by begin")
	}
	first := *st.Session.StartedAt

	// A repeated begin must not restart the clock.
	st, err = rig.eng.Begin(ctx)
	if err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	if !st.Session.StartedAt.Equal(first) {
		t.Errorf("second begin moved started_at from %v to %v", first, *st.Session.StartedAt)
	}
}

func TestSetAnswerDebouncesToOneSave(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), 50*time.Millisecond)
	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	qid := rig.qids[0]
	for _, text := range []string{"j", "ja", "jaw", "jawa", "jawaban final"} {
		if err := rig.eng.SetAnswer(ctx, qid, text); err != nil {
			t.Fatalf("SetAnswer: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sessID := rig.eng.SessionID()
	waitFor(t, func() bool { return rig.answers.count(sessID) == 1 })
	time.Sleep(120 * time.Millisecond)

	if got := rig.answers.saves(); got != 1 {
		t.Errorf("save calls = %d, want 1 (edits must coalesce)", got)
	}

	cipher := vault.NewCipher(rig.keys, zerolog.Nop())
	recs, _ := rig.answers.List(ctx, sessID)
	text, err := cipher.Decrypt(ctx, recs[0], sessID)
	if err != nil {
		t.Fatalf("Decrypt stored answer: %v", err)
	}
	if text != "jawaban final" {
		t.Errorf("stored answer = %q, want the last edit", text)
	}
}

func TestEmptiedAnswerIsNeverPersisted(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), 30*time.Millisecond)
	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	qid := rig.qids[0]
	if err := rig.eng.SetAnswer(ctx, qid, "draft"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := rig.eng.SetAnswer(ctx, qid, ""); err != nil {
		t.Fatalf("clear answer: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	sessID := rig.eng.SessionID()
	if got := rig.answers.count(sessID); got != 0 {
		t.Errorf("stored answers = %d, want 0", got)
	}

	st, err := rig.eng.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(st.Session.AnsweredIDs) != 0 {
		t.Errorf("answered ids = %v, want empty", st.Session.AnsweredIDs)
	}
	if got := rig.answers.count(sessID); got != 0 {
		t.Errorf("stored answers after submit = %d, want 0", got)
	}
}

func TestSubmitFlushesEveryAnswer(t *testing.T) {
	ctx := context.Background()
	// Debounce far beyond the test so nothing auto-saves: the flush
	// alone must persist the answers.
	rig := newTestRig(t, netcheck.Static(true), time.Hour)
	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for i, qid := range rig.qids[:3] {
		if err := rig.eng.SetAnswer(ctx, qid, "jawaban "+string(rune('A'+i))); err != nil {
			t.Fatalf("SetAnswer: %v", err)
		}
	}

	st, err := rig.eng.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st.Session.Status != model.SessionStatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", st.Session.Status)
	}
	if st.Session.SubmittedAt == nil {
		t.Fatal("submitted_at not set")
	}

	sessID := rig.eng.SessionID()
	if got := rig.answers.count(sessID); got != 3 {
		t.Errorf("flushed answers = %d, want 3", got)
	}
	stored := rig.sessions.stored(sessID)
	if stored.Status != model.SessionStatusSubmitted {
		t.Errorf("stored status = %s, want SUBMITTED", stored.Status)
	}

	// Terminal means terminal.
	if err := rig.eng.SetAnswer(ctx, rig.qids[0], "too late"); !errors.Is(err, ErrSessionAlreadySubmitted) {
		t.Errorf("SetAnswer after submit = %v, want ErrSessionAlreadySubmitted", err)
	}
	if _, err := rig.eng.Submit(ctx); !errors.Is(err, ErrSessionAlreadySubmitted) {
		t.Errorf("second Submit = %v, want ErrSessionAlreadySubmitted", err)
	}
}

func TestSubmitOfflineParksPending(t *testing.T) {
	ctx := context.Background()
	oracle := &flipOracle{}
	rig := newTestRig(t, oracle, time.Hour)
	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := rig.eng.SetAnswer(ctx, rig.qids[0], "jawaban offline"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	st, err := rig.eng.Submit(ctx)
	if err != nil {
		t.Fatalf("offline Submit: %v", err)
	}
	if st.Session.Status != model.SessionStatusSubmissionPending {
		t.Fatalf("status = %s, want SUBMISSION_PENDING", st.Session.Status)
	}
	if st.Session.SubmittedAt != nil {
		t.Error("submitted_at set while pending")
	}

	sessID := rig.eng.SessionID()
	if got := rig.answers.count(sessID); got != 1 {
		t.Errorf("flushed answers = %d, want 1 (answers are safe before parking)", got)
	}
	if got := rig.sessions.submits(); got != 0 {
		t.Errorf("store submits while offline = %d, want 0", got)
	}

	// Connectivity returns; the retry completes the submission.
	oracle.set(true)
	st, err = rig.eng.Submit(ctx)
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if st.Session.Status != model.SessionStatusSubmitted {
		t.Fatalf("status after retry = %s, want SUBMITTED", st.Session.Status)
	}
	if got := rig.sessions.submits(); got != 1 {
		t.Errorf("store submits = %d, want 1", got)
	}
}

func TestResumeRestoresAnswersAndPosition(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), 10*time.Millisecond)
	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sessID := rig.eng.SessionID()

	answers := map[int]string{0: "alpha", 1: "beta", 3: "delta"}
	for i, text := range answers {
		if err := rig.eng.SetAnswer(ctx, rig.qids[i], text); err != nil {
			t.Fatalf("SetAnswer: %v", err)
		}
		// Let each auto-save land before the next edit; only the latest
		// scheduled question is saved when edits overlap.
		want := rig.answers.count(sessID) + 1
		waitFor(t, func() bool { return rig.answers.count(sessID) == want })
	}
	if err := rig.eng.Navigate(ctx, 3); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	rig.eng.Close()

	// Agent restart: fresh engine, same stores, same device key.
	resumed := rig.newEngine(netcheck.Static(true), time.Hour)
	defer resumed.Close()
	st := rig.open(t, resumed, time.Hour)

	if st.Session.ID != sessID {
		t.Fatalf("resumed session id = %s, want %s", st.Session.ID, sessID)
	}
	if st.Session.Status != model.SessionStatusInProgress {
		t.Fatalf("resumed status = %s, want IN_PROGRESS", st.Session.Status)
	}
	if st.Session.CurrentIndex != 3 {
		t.Errorf("resumed index = %d, want 3", st.Session.CurrentIndex)
	}
	if len(st.Answers) != len(answers) {
		t.Fatalf("resumed answers = %d, want %d", len(st.Answers), len(answers))
	}
	for i, text := range answers {
		if got := st.Answers[rig.qids[i].String()]; got != text {
			t.Errorf("answer %d = %q, want %q", i, got, text)
		}
	}
	if len(st.Session.AnsweredIDs) != len(answers) {
		t.Errorf("answered ids = %d, want %d", len(st.Session.AnsweredIDs), len(answers))
	}
}

func TestOpenRejectsSubmittedSession(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), time.Hour)
	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := rig.eng.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resumed := rig.newEngine(netcheck.Static(true), time.Hour)
	defer resumed.Close()
	_, err := resumed.Open(ctx, rig.examID, "2023001", time.Hour, rig.qids)
	if !errors.Is(err, ErrSessionAlreadySubmitted) {
		t.Fatalf("Open of submitted session = %v, want ErrSessionAlreadySubmitted", err)
	}
}

func TestCountdownAutoSubmitsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), time.Hour)

	// The clock ran out while the agent was down: the session resumes
	// with no time left and must be submitted immediately, once.
	past := time.Now().UTC().Add(-2 * time.Second)
	sess, err := rig.sessions.CreateOrResume(ctx, rig.examID, "2023001")
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := rig.sessions.Start(ctx, sess.ID, past); err != nil {
		t.Fatalf("seed start: %v", err)
	}

	rig.open(t, rig.eng, time.Second)

	waitFor(t, func() bool { return rig.eng.Status() == model.SessionStatusSubmitted })
	time.Sleep(100 * time.Millisecond)

	if got := rig.sessions.submits(); got != 1 {
		t.Errorf("store submits = %d, want exactly 1", got)
	}
}

func TestFlushFailureLeavesStatusUntouched(t *testing.T) {
	ctx := context.Background()
	// No device key yet: every encryption fails.
	rig := &testRig{
		sessions: newFakeSessionStore(),
		answers:  newFakeAnswerStore(),
		keys:     vault.NewMemoryKeyStore(),
		examID:   uuid.New(),
		qids:     []uuid.UUID{uuid.New(), uuid.New()},
	}
	rig.eng = rig.newEngine(netcheck.Static(true), time.Hour)
	defer rig.eng.Close()

	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := rig.eng.SetAnswer(ctx, rig.qids[0], "belum terkirim"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	_, err := rig.eng.Submit(ctx)
	if !errors.Is(err, ErrFlushIncomplete) {
		t.Fatalf("Submit = %v, want ErrFlushIncomplete", err)
	}
	if !errors.Is(err, vault.ErrKeyNotFound) {
		t.Errorf("Submit error does not carry the cause: %v", err)
	}
	if got := rig.eng.Status(); got != model.SessionStatusInProgress {
		t.Errorf("status after failed flush = %s, want IN_PROGRESS", got)
	}
	if got := rig.sessions.submits(); got != 0 {
		t.Errorf("store submits = %d, want 0", got)
	}

	// The key turns up; the manual retry goes through.
	if err := rig.keys.EnsureKey(ctx); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	st, err := rig.eng.Submit(ctx)
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if st.Session.Status != model.SessionStatusSubmitted {
		t.Fatalf("status after retry = %s, want SUBMITTED", st.Session.Status)
	}
}

func TestAutoSaveFailureIsSilent(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), 10*time.Millisecond)
	rig.answers.saveErr = errors.New("disk full")

	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := rig.eng.SetAnswer(ctx, rig.qids[0], "tetap aman di memori"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	waitFor(t, func() bool { return rig.answers.saves() >= 1 })

	// The failed save must not disturb the in-memory answer.
	st := rig.eng.State()
	if got := st.Answers[rig.qids[0].String()]; got != "tetap aman di memori" {
		t.Errorf("in-memory answer = %q, want it untouched", got)
	}

	// SaveBatch is unaffected; the submit flush recovers everything.
	st, err := rig.eng.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st.Session.Status != model.SessionStatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", st.Session.Status)
	}
	if got := rig.answers.count(rig.eng.SessionID()); got != 1 {
		t.Errorf("flushed answers = %d, want 1", got)
	}
}

func TestGuardsRejectBadInput(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), time.Hour)

	// Before any open, everything refuses.
	if err := rig.eng.SetAnswer(ctx, uuid.New(), "x"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("SetAnswer without session = %v, want ErrNoActiveSession", err)
	}
	if _, err := rig.eng.Submit(ctx); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Submit without session = %v, want ErrNoActiveSession", err)
	}

	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := rig.eng.SetAnswer(ctx, uuid.New(), "x"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("SetAnswer foreign question = %v, want ErrUnknownQuestion", err)
	}
	if err := rig.eng.Navigate(ctx, len(rig.qids)); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Navigate past end = %v, want ErrInvalidIndex", err)
	}
	if err := rig.eng.Navigate(ctx, -1); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Navigate negative = %v, want ErrInvalidIndex", err)
	}
}

func TestEditDuringFlushIsRejected(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), time.Hour)
	rig.answers.batchStarted = make(chan struct{}, 1)
	rig.answers.batchRelease = make(chan struct{})

	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := rig.eng.SetAnswer(ctx, rig.qids[0], "jawaban sebelum submit"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := rig.eng.Submit(ctx)
		errCh <- err
	}()
	<-rig.answers.batchStarted

	// The flush already snapshotted the answer map. An edit accepted
	// here would be acknowledged to the student but never stored.
	if err := rig.eng.SetAnswer(ctx, rig.qids[1], "diketik saat flush"); !errors.Is(err, ErrSubmitInFlight) {
		t.Errorf("SetAnswer mid-flush = %v, want ErrSubmitInFlight", err)
	}
	if err := rig.eng.Navigate(ctx, 1); !errors.Is(err, ErrSubmitInFlight) {
		t.Errorf("Navigate mid-flush = %v, want ErrSubmitInFlight", err)
	}

	close(rig.answers.batchRelease)
	if err := <-errCh; err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// One record per non-empty in-memory answer, nothing dangling.
	st := rig.eng.State()
	if st.Session.Status != model.SessionStatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", st.Session.Status)
	}
	nonEmpty := 0
	for _, text := range st.Answers {
		if text != "" {
			nonEmpty++
		}
	}
	if stored := rig.answers.count(rig.eng.SessionID()); stored != nonEmpty {
		t.Errorf("records at rest = %d, in-memory non-empty answers = %d", stored, nonEmpty)
	}
}

func TestAutoSaveDoesNotRollBackNavigation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), 10*time.Millisecond)
	rig.answers.saveStarted = make(chan struct{}, 1)
	rig.answers.saveRelease = make(chan struct{})

	rig.open(t, rig.eng, time.Hour)
	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := rig.eng.SetAnswer(ctx, rig.qids[0], "jawaban"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	<-rig.answers.saveStarted

	// Navigation lands while the auto-save write is still in flight.
	if err := rig.eng.Navigate(ctx, 3); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	close(rig.answers.saveRelease)
	sessID := rig.eng.SessionID()
	waitFor(t, func() bool { return rig.answers.count(sessID) == 1 })
	time.Sleep(50 * time.Millisecond)

	if got := rig.sessions.stored(sessID).CurrentIndex; got != 3 {
		t.Errorf("stored index = %d, want 3 (auto-save must not rewind progress)", got)
	}
}

func TestSubscribeDeliversStatusEvents(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, netcheck.Static(true), time.Hour)
	rig.open(t, rig.eng, time.Hour)

	events, cancel := rig.eng.Subscribe()
	defer cancel()

	if _, err := rig.eng.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventStatus && ev.Status == model.SessionStatusInProgress {
				return
			}
		case <-deadline:
			t.Fatal("no IN_PROGRESS status event received")
		}
	}
}
