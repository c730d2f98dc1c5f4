package proctor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/executor"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// manualClock only moves when told to; tickers fire on Tick.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) NewTicker(time.Duration) Ticker {
	t := &manualTicker{c: make(chan time.Time)}
	m.mu.Lock()
	m.tickers = append(m.tickers, t)
	m.mu.Unlock()
	return t
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Tick hands one tick to every live ticker and waits until it is received.
func (m *manualClock) Tick() {
	m.mu.Lock()
	now := m.now
	tickers := append([]*manualTicker(nil), m.tickers...)
	m.mu.Unlock()

	for _, t := range tickers {
		if t.isStopped() {
			continue
		}
		select {
		case t.c <- now:
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (m *manualClock) tickerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickers)
}

type manualTicker struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *manualTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type examRepoStub struct {
	exams map[uuid.UUID]*model.ExamDefinition
	err   error
}

func (s *examRepoStub) Get(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	if s.err != nil {
		return nil, s.err
	}
	exam, ok := s.exams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exam, nil
}

var errDBDown = errors.New("db unavailable")

// memSubmissions upserts into a map. failures > 0 fails that many writes,
// failures < 0 fails every write.
type memSubmissions struct {
	mu       sync.Mutex
	failures int
	writes   int
	rows     map[string]model.Submission
}

func newMemSubmissions() *memSubmissions {
	return &memSubmissions{rows: make(map[string]model.Submission)}
}

func (m *memSubmissions) Upsert(_ context.Context, sub *model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}
		return errDBDown
	}
	m.rows[sub.ExamID.String()+"/"+sub.CandidateID] = *sub
	return nil
}

func (m *memSubmissions) setFailures(n int) {
	m.mu.Lock()
	m.failures = n
	m.mu.Unlock()
}

func (m *memSubmissions) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memSubmissions) only(t *testing.T) model.Submission {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) != 1 {
		t.Fatalf("expected exactly one stored submission, got %d", len(m.rows))
	}
	for _, row := range m.rows {
		return row
	}
	return model.Submission{}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, e := range r.events {
		if sc, ok := e.Data.(StateChange); ok && e.Type == EventState {
			out = append(out, sc.To)
		}
	}
	return out
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type parkerStub struct {
	parked chan model.Submission
}

func (p *parkerStub) Park(_ context.Context, sub *model.Submission) error {
	p.parked <- *sub
	return nil
}

type exporterStub struct {
	got chan model.Transcript
	err error
}

func (e *exporterStub) Export(_ context.Context, t model.Transcript) (string, error) {
	e.got <- t
	if e.err != nil {
		return "", e.err
	}
	return "/tmp/" + t.ExamID + "_" + t.CandidateID + ".pdf", nil
}

type backendFunc func(ctx context.Context, source string) (*model.ExecutionResult, error)

func (f backendFunc) Run(ctx context.Context, source string) (*model.ExecutionResult, error) {
	return f(ctx, source)
}

func echoBackend() executor.Backend {
	return backendFunc(func(_ context.Context, source string) (*model.ExecutionResult, error) {
		return &model.ExecutionResult{Stdout: source + "\n"}, nil
	})
}

func testExam(minutes, questions int) *model.ExamDefinition {
	exam := &model.ExamDefinition{
		ID:              uuid.New(),
		Title:           "Python basics",
		Language:        model.LanguagePython,
		DurationMinutes: minutes,
		Status:          model.ExamStatusPublished,
	}
	for i := 0; i < questions; i++ {
		exam.Questions = append(exam.Questions, model.Question{ID: uuid.New(), Position: i, Prompt: "Write a program"})
	}
	return exam
}

type harness struct {
	ctl      *Controller
	clock    *manualClock
	store    *memSubmissions
	events   *recorder
	exam     *model.ExamDefinition
	parker   *parkerStub
	exporter *exporterStub
}

type harnessOption func(*Config, *Deps)

func withBackend(b executor.Backend) harnessOption {
	return func(_ *Config, d *Deps) {
		d.Executor = executor.NewDispatcher(map[model.Language]executor.Backend{model.LanguagePython: b}, zerolog.Nop())
	}
}

func withResume(r *Resume) harnessOption {
	return func(c *Config, _ *Deps) { c.Resume = r }
}

func newHarness(t *testing.T, exam *model.ExamDefinition, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:    newManualClock(),
		store:    newMemSubmissions(),
		events:   &recorder{},
		exam:     exam,
		parker:   &parkerStub{parked: make(chan model.Submission, 4)},
		exporter: &exporterStub{got: make(chan model.Transcript, 4)},
	}
	cfg := Config{
		SessionID:     uuid.New(),
		CandidateName: "Ada",
		Clock:         h.clock,
		TickInterval:  time.Second,
		Retry:         RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
	deps := Deps{
		Exams:       &examRepoStub{exams: map[uuid.UUID]*model.ExamDefinition{exam.ID: exam}},
		Submissions: h.store,
		Executor:    executor.NewDispatcher(map[model.Language]executor.Backend{model.LanguagePython: echoBackend()}, zerolog.Nop()),
		Parker:      h.parker,
		Exporter:    h.exporter,
		Sink:        h.events,
		Log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.ctl = NewController(cfg, deps)
	return h
}

// activate drives the harness to Active.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	if err := h.ctl.StartSession(context.Background(), h.exam.ID, "cand-1"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := h.ctl.FullscreenGranted(); err != nil {
		t.Fatalf("FullscreenGranted: %v", err)
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel to close")
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
