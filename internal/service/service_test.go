package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/executor"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

type fakeExamLoader struct {
	mu    sync.Mutex
	exams map[uuid.UUID]*model.ExamDefinition
	calls int
	err   error
}

func (f *fakeExamLoader) GetByID(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	exam, ok := f.exams[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *exam
	return &cp, nil
}

func (f *fakeExamLoader) ListPublishedIDs(context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, e := range f.exams {
		if e.Status == model.ExamStatusPublished {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeExamLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubmissionRepo struct {
	mu   sync.Mutex
	rows map[string]model.Submission
}

func (f *fakeSubmissionRepo) Upsert(_ context.Context, s *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string]model.Submission)
	}
	f.rows[s.ExamID.String()+"/"+s.CandidateID] = *s
	return nil
}

func (f *fakeSubmissionRepo) GetByExamAndCandidate(_ context.Context, examID uuid.UUID, candidateID string) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[examID.String()+"/"+candidateID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &s, nil
}

type echoBackend struct{}

func (echoBackend) Run(_ context.Context, source string) (*model.ExecutionResult, error) {
	return &model.ExecutionResult{Stdout: source}, nil
}

func publishedExam(questions int) *model.ExamDefinition {
	exam := &model.ExamDefinition{
		ID:              uuid.New(),
		Title:           "SQL joins",
		Language:        model.LanguagePython,
		DurationMinutes: 30,
		Status:          model.ExamStatusPublished,
	}
	for i := 0; i < questions; i++ {
		exam.Questions = append(exam.Questions, model.Question{ID: uuid.New(), Position: i, Prompt: "q"})
	}
	return exam
}

type fixture struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	loader   *fakeExamLoader
	subs     *fakeSubmissionRepo
	exams    *ExamService
	auth     *AuthService
	sessions *SessionService
}

func newFixture(t *testing.T, exams ...*model.ExamDefinition) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		mr:     mr,
		rdb:    rdb,
		loader: &fakeExamLoader{exams: make(map[uuid.UUID]*model.ExamDefinition)},
		subs:   &fakeSubmissionRepo{},
		auth:   NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour, BcryptCost: 4}),
	}
	for _, e := range exams {
		f.loader.exams[e.ID] = e
	}
	f.exams = NewExamService(f.loader, rdb, time.Hour, zerolog.Nop())
	f.sessions = NewSessionService(config.SessionConfig{
		TickInterval:       time.Second,
		SubmitMaxRetries:   2,
		SubmitRetryInitial: time.Millisecond,
		SubmitRetryMax:     time.Millisecond,
		EvictAfter:         time.Hour,
	}, SessionDeps{
		Exams:       f.exams,
		Auth:        f.auth,
		Submissions: f.subs,
		Backends:    map[model.Language]executor.Backend{model.LanguagePython: echoBackend{}},
		Redis:       rdb,
	}, zerolog.Nop())
	t.Cleanup(f.sessions.Close)
	return f
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestExamServiceCachesPublishedExam(t *testing.T) {
	exam := publishedExam(2)
	exam.AccessCodeHash = "$2a$04$hash"
	f := newFixture(t, exam)
	ctx := context.Background()

	got, err := f.exams.Get(ctx, exam.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(got.Questions))
	}
	if !f.mr.Exists(config.CacheKey.ExamDefinitionKey(exam.ID.String())) {
		t.Fatalf("expected exam to be cached")
	}

	f.loader.err = errors.New("database down")
	cached, err := f.exams.Get(ctx, exam.ID)
	if err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if cached.AccessCodeHash != exam.AccessCodeHash {
		t.Fatalf("access code hash lost in cache: %q", cached.AccessCodeHash)
	}
	if f.loader.callCount() != 1 {
		t.Fatalf("expected one database read, got %d", f.loader.callCount())
	}
}

func TestExamServiceNotFound(t *testing.T) {
	draft := publishedExam(1)
	draft.Status = model.ExamStatusDraft
	f := newFixture(t, draft)

	for name, id := range map[string]uuid.UUID{"missing": uuid.New(), "draft": draft.ID} {
		t.Run(name, func(t *testing.T) {
			if _, err := f.exams.Get(context.Background(), id); !errors.Is(err, proctor.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
	if f.mr.Exists(config.CacheKey.ExamDefinitionKey(draft.ID.String())) {
		t.Fatalf("draft exams must not be cached")
	}
}

func TestPrewarmAllCaches(t *testing.T) {
	a, b := publishedExam(1), publishedExam(1)
	f := newFixture(t, a, b)
	if err := f.exams.PrewarmAllCaches(context.Background()); err != nil {
		t.Fatalf("PrewarmAllCaches: %v", err)
	}
	for _, e := range []*model.ExamDefinition{a, b} {
		if !f.mr.Exists(config.CacheKey.ExamDefinitionKey(e.ID.String())) {
			t.Fatalf("exam %s not prewarmed", e.ID)
		}
	}
}

func TestStartSessionRegistersOnce(t *testing.T) {
	exam := publishedExam(2)
	f := newFixture(t, exam)
	ctx := context.Background()

	snap, err := f.sessions.StartSession(ctx, "cand-1", "Ada", exam.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if snap.State != proctor.StateAwaitingFullscreen {
		t.Fatalf("expected AwaitingFullscreen, got %s", snap.State)
	}

	_, err = f.sessions.StartSession(ctx, "cand-1", "Ada", exam.ID, "")
	var active *proctor.AlreadyActiveError
	if !errors.As(err, &active) || active.SessionID != snap.SessionID {
		t.Fatalf("expected AlreadyActiveError for %s, got %v", snap.SessionID, err)
	}

	id := uuid.MustParse(snap.SessionID)
	if _, err := f.sessions.Lookup(id, "someone-else"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("other candidates must not see the session, got %v", err)
	}
	if f.sessions.ActiveCount() != 1 {
		t.Fatalf("expected one live session, got %d", f.sessions.ActiveCount())
	}
}

func TestStartSessionUnknownExam(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.StartSession(context.Background(), "cand-1", "", uuid.New(), "")
	if !errors.Is(err, proctor.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.sessions.ActiveCount() != 0 {
		t.Fatalf("failed start must not register a session")
	}
}

func TestStartSessionAccessCode(t *testing.T) {
	exam := publishedExam(1)
	f := newFixture(t, exam)
	hash, err := f.auth.HashAccessCode("open-sesame")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	exam.AccessCodeHash = hash

	if _, err := f.sessions.StartSession(context.Background(), "cand-1", "", exam.ID, "wrong"); !errors.Is(err, ErrInvalidAccessCode) {
		t.Fatalf("expected ErrInvalidAccessCode, got %v", err)
	}
	if _, err := f.sessions.StartSession(context.Background(), "cand-1", "", exam.ID, "open-sesame"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
}

func TestStartSessionAlreadySubmitted(t *testing.T) {
	exam := publishedExam(1)
	f := newFixture(t, exam)
	_ = f.subs.Upsert(context.Background(), &model.Submission{ExamID: exam.ID, CandidateID: "cand-1"})

	if _, err := f.sessions.StartSession(context.Background(), "cand-1", "", exam.ID, ""); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestStartSessionParkedSubmission(t *testing.T) {
	exam := publishedExam(1)
	f := newFixture(t, exam)
	ctx := context.Background()

	parked := &model.Submission{SessionID: uuid.New(), ExamID: exam.ID, CandidateID: "cand-1", Disqualified: true}
	if err := worker.Park(ctx, f.rdb, parked); err != nil {
		t.Fatalf("Park: %v", err)
	}
	f.mr.Set(config.CacheKey.SessionStartKey(exam.ID.String(), "cand-1"), itoa(time.Now().UnixMilli()))

	if _, err := f.sessions.StartSession(ctx, "cand-1", "", exam.ID, ""); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted while a submission is parked, got %v", err)
	}
	if f.sessions.ActiveCount() != 0 {
		t.Fatalf("parked attempt must not be resumed")
	}
}

func TestPublishKeepsStateEventsWhenBacklogged(t *testing.T) {
	l := &liveSession{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		log:  zerolog.Nop(),
	}
	for i := 0; i < eventBuffer; i++ {
		l.Publish(proctor.Event{Type: proctor.EventTick, Data: proctor.Tick{RemainingSeconds: i}})
	}

	l.Publish(proctor.Event{Type: proctor.EventTick})
	if got := l.backlog(); got != eventBuffer {
		t.Fatalf("expected tick to be shed at %d, got %d", eventBuffer, got)
	}

	kept := []proctor.EventType{proctor.EventAnswer, proctor.EventViolation, proctor.EventState, proctor.EventCode}
	for _, typ := range kept {
		l.Publish(proctor.Event{Type: typ})
	}
	if got := l.backlog(); got != eventBuffer+len(kept) {
		t.Fatalf("expected %d pending events, got %d", eventBuffer+len(kept), got)
	}
	for i, typ := range kept {
		if got := l.pending[eventBuffer+i].Type; got != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, got)
		}
	}
}

func TestSessionSideEffects(t *testing.T) {
	exam := publishedExam(2)
	f := newFixture(t, exam)
	ctx := context.Background()

	snap, err := f.sessions.StartSession(ctx, "cand-1", "Ada", exam.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	id := uuid.MustParse(snap.SessionID)
	events, cancel, err := f.sessions.Subscribe(id, "cand-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	ctl, err := f.sessions.Lookup(id, "cand-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := ctl.FullscreenGranted(); err != nil {
		t.Fatalf("FullscreenGranted: %v", err)
	}
	if err := ctl.UpdateAnswer(1, "SELECT 1"); err != nil {
		t.Fatalf("UpdateAnswer: %v", err)
	}

	startKey := config.CacheKey.SessionStartKey(exam.ID.String(), "cand-1")
	answersKey := config.CacheKey.SessionAnswersKey(exam.ID.String(), "cand-1")
	eventually(t, func() bool {
		queued, _ := f.rdb.LLen(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		return f.mr.Exists(startKey) && f.mr.HGet(answersKey, "1") == "SELECT 1" && queued == 1
	})

	final, err := f.sessions.Submit(ctx, id, "cand-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if final.State != proctor.StateCompleted {
		t.Fatalf("expected Completed, got %s", final.State)
	}
	stored, err := f.subs.GetByExamAndCandidate(ctx, exam.ID, "cand-1")
	if err != nil || stored.Answers[1] != "SELECT 1" {
		t.Fatalf("unexpected stored submission %+v (%v)", stored, err)
	}
	eventually(t, func() bool { return !f.mr.Exists(startKey) && !f.mr.Exists(answersKey) })

	sawCompleted := false
	deadline := time.After(2 * time.Second)
	for !sawCompleted {
		select {
		case e := <-events:
			sawCompleted = e.Type == proctor.EventCompleted
		case <-deadline:
			t.Fatalf("completed event not delivered")
		}
	}

	if _, err := f.sessions.StartSession(ctx, "cand-1", "Ada", exam.ID, ""); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted after completion, got %v", err)
	}
}

func TestViolationQueuedAndAnnounced(t *testing.T) {
	exam := publishedExam(1)
	f := newFixture(t, exam)
	ctx := context.Background()

	pubsub := f.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(exam.ID.String()))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	snap, err := f.sessions.StartSession(ctx, "cand-1", "", exam.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	ctl, _ := f.sessions.Lookup(uuid.MustParse(snap.SessionID), "cand-1")
	_ = ctl.FullscreenGranted()
	if !ctl.ReportSignal(model.IntegrityFullscreenExited) {
		t.Fatalf("expected violation")
	}

	eventually(t, func() bool {
		n, _ := f.rdb.LLen(ctx, config.WorkerKey.PersistIntegrityQueue).Result()
		return n == 1
	})

	ch := pubsub.Channel()
	sawViolation := false
	deadline := time.After(2 * time.Second)
	for !sawViolation {
		select {
		case msg := <-ch:
			sawViolation = strings.Contains(msg.Payload, `"type":"violation"`)
		case <-deadline:
			t.Fatalf("violation not announced")
		}
	}
}

func TestResumeFromRedis(t *testing.T) {
	exam := publishedExam(2)
	f := newFixture(t, exam)
	ctx := context.Background()
	previous := uuid.New()
	examID := exam.ID.String()

	started := time.Now().Add(-10 * time.Minute)
	f.mr.Set(config.CacheKey.SessionStartKey(examID, "cand-1"), itoa(started.UnixMilli()))
	f.mr.Set(config.CacheKey.SessionIDKey(examID, "cand-1"), previous.String())
	f.mr.Set(config.CacheKey.SessionCodeKey(examID, "cand-1"), "print(1)")
	f.mr.HSet(config.CacheKey.SessionAnswersKey(examID, "cand-1"), "0", "saved", "bogus", "x")

	snap, err := f.sessions.StartSession(ctx, "cand-1", "", exam.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if snap.SessionID != previous.String() {
		t.Fatalf("expected resumed session id %s, got %s", previous, snap.SessionID)
	}
	ctl, _ := f.sessions.Lookup(previous, "cand-1")
	if err := ctl.FullscreenGranted(); err != nil {
		t.Fatalf("FullscreenGranted: %v", err)
	}
	got := ctl.Snapshot()
	if got.Answers[0] != "saved" || got.FreeformCode != "print(1)" {
		t.Fatalf("unexpected resumed snapshot %+v", got)
	}
	if got.RemainingSeconds > 20*60 || got.RemainingSeconds < 19*60 {
		t.Fatalf("expected about 20 minutes left, got %d", got.RemainingSeconds)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestIssueAndValidateToken(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "s3cret", JWTExpiry: time.Hour, BcryptCost: 4})

	token, err := auth.IssueToken(TokenTypeCandidate, "cand-9", "Grace", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.CandidateID != "cand-9" || claims.Name != "Grace" || claims.TokenType != TokenTypeCandidate {
		t.Fatalf("unexpected claims %+v", claims)
	}

	other := NewAuthService(&config.Config{JWTSecret: "different", JWTExpiry: time.Hour})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected signature mismatch")
	}
	fallback, _ := auth.IssueToken(TokenTypeCandidate, "cand-9", "", -time.Minute)
	if _, err := auth.ValidateToken(fallback); err != nil {
		t.Fatalf("non-positive ttl falls back to configured expiry, got %v", err)
	}
}

type fakeMonitorStore struct {
	answered   map[string]int64
	violations map[string]int64
	submitted  map[string]string
	violErr    error
}

func (f fakeMonitorStore) GetAnsweredCounts(context.Context, uuid.UUID) (map[string]int64, error) {
	return f.answered, nil
}

func (f fakeMonitorStore) GetViolationCounts(context.Context, uuid.UUID) (map[string]int64, error) {
	return f.violations, f.violErr
}

func (f fakeMonitorStore) GetSubmittedCandidates(context.Context, uuid.UUID) (map[string]string, error) {
	return f.submitted, nil
}

func TestMonitorMergesLiveSessions(t *testing.T) {
	exam := publishedExam(3)
	f := newFixture(t, exam)
	ctx := context.Background()

	snap, err := f.sessions.StartSession(ctx, "cand-live", "", exam.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	ctl, _ := f.sessions.Lookup(uuid.MustParse(snap.SessionID), "cand-live")
	_ = ctl.FullscreenGranted()
	_ = ctl.UpdateAnswer(0, "a")
	_ = ctl.UpdateAnswer(2, "c")

	store := fakeMonitorStore{
		answered:   map[string]int64{"cand-live": 1, "cand-done": 3},
		violations: map[string]int64{"cand-done": 2},
		submitted:  map[string]string{"cand-done": "violation"},
	}
	progress, err := NewMonitorService(store, f.sessions).GetExamProgress(ctx, exam.ID)
	if err != nil {
		t.Fatalf("GetExamProgress: %v", err)
	}

	if progress.Live != 1 || progress.Submitted != 1 || progress.TotalViolations != 2 {
		t.Fatalf("unexpected totals %+v", progress)
	}
	if len(progress.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(progress.Candidates))
	}
	done, live := progress.Candidates[0], progress.Candidates[1]
	if done.CandidateID != "cand-done" || !done.Submitted || done.SubmitReason != "violation" {
		t.Fatalf("unexpected submitted row %+v", done)
	}
	if live.State != proctor.StateActive || live.AnsweredCount != 2 || live.SessionID != snap.SessionID {
		t.Fatalf("unexpected live row %+v", live)
	}
}

func TestMonitorViolationCountsBestEffort(t *testing.T) {
	store := fakeMonitorStore{
		answered:  map[string]int64{"a": 1},
		submitted: map[string]string{},
		violErr:   errors.New("timeout"),
	}
	progress, err := NewMonitorService(store, nil).GetExamProgress(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetExamProgress: %v", err)
	}
	if len(progress.Candidates) != 1 || progress.TotalViolations != 0 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}
