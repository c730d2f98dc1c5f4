package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository loads published exam definitions. Missing or unpublished
// exams are reported with an error wrapping ErrNotFound.
type ExamRepository interface {
	Get(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
}

// SubmissionStore persists the final submission. Upsert must be idempotent
// on (ExamID, CandidateID).
type SubmissionStore interface {
	Upsert(ctx context.Context, sub *model.Submission) error
}

// SubmissionParker takes a submission whose writes were exhausted so it can
// be persisted later.
type SubmissionParker interface {
	Park(ctx context.Context, sub *model.Submission) error
}

// TranscriptExporter renders a completed session into a document and returns
// where it was written.
type TranscriptExporter interface {
	Export(ctx context.Context, t model.Transcript) (string, error)
}

// Executor runs candidate code. It returns ErrBusy while a run is in flight.
type Executor interface {
	Execute(ctx context.Context, req model.ExecutionRequest) (*model.ExecutionResult, error)
}

// RetryPolicy bounds the submission write retries.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Resume carries the persisted state of an interrupted session.
type Resume struct {
	StartedAt    time.Time
	Answers      map[int]string
	FreeformCode string
}

// Config holds the per-session settings.
type Config struct {
	SessionID     uuid.UUID
	CandidateName string
	Clock         Clock
	TickInterval  time.Duration
	Retry         RetryPolicy
	ExportTimeout time.Duration
	Resume        *Resume
}

// Deps are the collaborators of a Controller. Parker, Exporter and Sink are
// optional.
type Deps struct {
	Exams       ExamRepository
	Submissions SubmissionStore
	Executor    Executor
	Parker      SubmissionParker
	Exporter    TranscriptExporter
	Sink        EventSink
	Log         zerolog.Logger
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID        string                `json:"session_id"`
	ExamID           string                `json:"exam_id"`
	CandidateID      string                `json:"candidate_id"`
	State            State                 `json:"state"`
	Exam             *model.ExamDefinition `json:"exam,omitempty"`
	RemainingSeconds int                   `json:"remaining_seconds"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	Answers          []string              `json:"answers"`
	FreeformCode     string                `json:"freeform_code"`
	Disqualified     bool                  `json:"disqualified"`
	Violation        *model.IntegrityEvent `json:"violation,omitempty"`
	Submission       *model.Submission     `json:"submission,omitempty"`
	SubmitError      string                `json:"submit_error,omitempty"`
	TranscriptPath   string                `json:"transcript_path,omitempty"`
}

// Controller drives one candidate through one exam attempt. All methods are
// safe for concurrent use.
type Controller struct {
	cfg   Config
	deps  Deps
	clock Clock
	log   zerolog.Logger

	mu          sync.Mutex
	state       State
	started     bool
	aborted     bool
	examID      uuid.UUID
	candidateID string
	exam        *model.ExamDefinition
	answers     *AnswerStore
	freeform    string
	running     bool
	timer       *Countdown
	monitor     *Monitor
	violation   *model.IntegrityEvent

	latched    bool
	writing    bool
	submission *model.Submission
	submitErr  error
	transcript string

	done     chan struct{}
	doneOnce sync.Once
}

// NewController creates a controller in the Loading state.
func NewController(cfg Config, deps Deps) *Controller {
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = uuid.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 5 * time.Second
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = time.Minute
	}
	return &Controller{
		cfg:   cfg,
		deps:  deps,
		clock: cfg.Clock,
		log:   deps.Log.With().Str("session_id", cfg.SessionID.String()).Logger(),
		state: StateLoading,
		done:  make(chan struct{}),
	}
}

// SessionID returns the identifier of this attempt.
func (c *Controller) SessionID() uuid.UUID { return c.cfg.SessionID }

// ExamID returns the exam bound by StartSession.
func (c *Controller) ExamID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.examID
}

// CandidateID returns the candidate bound by StartSession.
func (c *Controller) CandidateID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.candidateID
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Aborted reports whether StartSession failed.
func (c *Controller) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// Done is closed when the session completes or is aborted.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Remaining returns whole seconds left on the countdown.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	timer := c.timer
	c.mu.Unlock()
	if timer == nil {
		return 0
	}
	return timer.Remaining()
}

// SubmitPending reports whether a latched submission is waiting for a
// successful write.
func (c *Controller) SubmitPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latched && c.state == StateSubmitting && !c.writing
}

// StartSession loads the exam and moves to AwaitingFullscreen.
func (c *Controller) StartSession(ctx context.Context, examID uuid.UUID, candidateID string) error {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return ErrAborted
	}
	if c.started {
		c.mu.Unlock()
		return &AlreadyActiveError{SessionID: c.cfg.SessionID.String()}
	}
	c.started = true
	c.examID = examID
	c.candidateID = candidateID
	c.log = c.log.With().Str("exam_id", examID.String()).Str("candidate_id", candidateID).Logger()
	c.mu.Unlock()

	exam, err := c.deps.Exams.Get(ctx, examID)
	if err != nil {
		c.abort()
		if errors.Is(err, ErrNotFound) {
			c.log.Warn().Msg("Exam not found, session aborted")
			return &NotFoundError{ExamID: examID.String()}
		}
		c.log.Error().Err(err).Msg("Failed to load exam")
		return fmt.Errorf("load exam: %w", err)
	}
	if err := validateExam(exam); err != nil {
		c.abort()
		c.log.Error().Err(err).Msg("Rejected exam definition")
		return err
	}

	c.mu.Lock()
	c.exam = exam
	c.answers = NewAnswerStore(len(exam.Questions))
	if r := c.cfg.Resume; r != nil {
		if skipped := c.answers.Restore(r.Answers); skipped > 0 {
			c.log.Warn().Int("skipped", skipped).Msg("Dropped autosaved answers outside the question range")
		}
		c.freeform = r.FreeformCode
	}
	c.timer = NewCountdown(c.clock, exam.Duration(), c.cfg.TickInterval, c.onTick, c.onExpire)
	c.monitor = NewMonitor(c.clock, c.onViolation)
	ev, err := c.transitionLocked(StateAwaitingFullscreen, "")
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.emit(ev)
	return nil
}

func validateExam(exam *model.ExamDefinition) error {
	if exam.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidExam)
	}
	if len(exam.Questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrInvalidExam)
	}
	return nil
}

func (c *Controller) abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	c.closeDone()
}

// FullscreenGranted starts the exam. Calling it again while Active is a
// no-op, so the timer starts exactly once.
func (c *Controller) FullscreenGranted() error {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return ErrAborted
	}
	switch c.state {
	case StateActive:
		c.mu.Unlock()
		return nil
	case StateAwaitingFullscreen:
	default:
		c.mu.Unlock()
		return ErrNotActive
	}

	ev, err := c.transitionLocked(StateActive, "")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if r := c.cfg.Resume; r != nil && !r.StartedAt.IsZero() {
		err = c.timer.StartAt(r.StartedAt)
	} else {
		err = c.timer.Start()
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.monitor.Arm()
	tick := c.event(EventTick, Tick{RemainingSeconds: c.timer.Remaining()})
	c.mu.Unlock()

	c.emit(ev, tick)
	return nil
}

// FullscreenDenied keeps the session waiting and tells the client to ask
// again.
func (c *Controller) FullscreenDenied() error {
	c.mu.Lock()
	if c.state != StateAwaitingFullscreen || c.aborted {
		c.mu.Unlock()
		return nil
	}
	ev := c.event(EventFullscreenRequired, nil)
	c.mu.Unlock()

	c.emit(ev)
	return ErrFullscreenRequired
}

// ReportSignal feeds an environment signal to the integrity monitor. It
// reports whether the signal ended the session.
func (c *Controller) ReportSignal(kind model.IntegrityKind) bool {
	c.mu.Lock()
	monitor := c.monitor
	c.mu.Unlock()
	if monitor == nil {
		return false
	}
	return monitor.Signal(kind)
}

// StartedAt returns the countdown start timestamp, zero before Active.
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	timer := c.timer
	c.mu.Unlock()
	if timer == nil {
		return time.Time{}
	}
	return timer.StartedAt()
}

// UpdateAnswer replaces the answer for question i. Outside Active it is
// ignored.
func (c *Controller) UpdateAnswer(i int, text string) error {
	c.mu.Lock()
	if c.state != StateActive {
		state, log := c.state, c.log
		c.mu.Unlock()
		log.Debug().Str("state", string(state)).Int("index", i).Msg("Ignoring answer outside active state")
		return nil
	}
	if err := c.answers.Set(i, text); err != nil {
		c.mu.Unlock()
		return err
	}
	ev := c.event(EventAnswer, AnswerChange{Index: i, Text: text})
	c.mu.Unlock()

	c.emit(ev)
	return nil
}

// UpdateFreeformCode replaces the free-form editor content. Outside Active it
// is ignored.
func (c *Controller) UpdateFreeformCode(source string) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	c.freeform = source
	ev := c.event(EventCode, CodeChange{Source: source})
	c.mu.Unlock()

	c.emit(ev)
	return nil
}

// RunCode executes source against the exam's backend. Execution failures are
// reported inside the result; the error is reserved for ErrBusy and
// ErrNotActive. A rejected run leaves the free-form code untouched.
func (c *Controller) RunCode(ctx context.Context, source string) (*model.ExecutionResult, error) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil, ErrNotActive
	}
	if c.running {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.running = true
	c.freeform = source
	lang := c.exam.Language
	code := c.event(EventCode, CodeChange{Source: source})
	c.mu.Unlock()
	c.emit(code)

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	res, err := c.deps.Executor.Execute(ctx, model.ExecutionRequest{Language: lang, SourceCode: source})
	if err != nil {
		return nil, err
	}
	c.log.Info().
		Str("language", string(lang)).
		Int64("duration_ms", res.DurationMs).
		Bool("failed", res.Failed()).
		Msg("Code executed")
	c.emit(c.event(EventExecution, res))
	return res, nil
}

// Submit latches the session and persists the submission. Only the first
// call does anything; later calls return (nil, nil). On exhausted retries the
// session stays Submitting and a *SubmissionWriteError is returned.
func (c *Controller) Submit(ctx context.Context, reason model.SubmitReason) (*model.Submission, error) {
	c.mu.Lock()
	sub, events, err := c.latchLocked(reason)
	c.mu.Unlock()
	c.emit(events...)
	if err != nil || sub == nil {
		return nil, err
	}
	return sub, c.persist(ctx, sub)
}

// RetrySubmission re-attempts the write of a latched submission whose
// retries were exhausted.
func (c *Controller) RetrySubmission(ctx context.Context) (*model.Submission, error) {
	c.mu.Lock()
	switch {
	case c.state == StateCompleted:
		sub := c.submission
		c.mu.Unlock()
		return sub, nil
	case !c.latched:
		c.mu.Unlock()
		return nil, ErrNotActive
	case c.writing:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.writing = true
	sub := c.submission
	c.mu.Unlock()

	return sub, c.persist(ctx, sub)
}

func (c *Controller) latchLocked(reason model.SubmitReason) (*model.Submission, []Event, error) {
	if c.aborted {
		return nil, nil, ErrAborted
	}
	if c.latched {
		return nil, nil, nil
	}
	if c.state != StateActive && c.state != StateDisqualified {
		return nil, nil, ErrNotActive
	}

	disqualified := c.state == StateDisqualified
	ev, err := c.transitionLocked(StateSubmitting, reason)
	if err != nil {
		return nil, nil, err
	}
	c.latched = true
	c.writing = true
	c.timer.Stop()
	c.monitor.Disarm()

	c.submission = &model.Submission{
		SessionID:    c.cfg.SessionID,
		CandidateID:  c.candidateID,
		ExamID:       c.examID,
		Answers:      c.answers.Snapshot(),
		FreeformCode: c.freeform,
		Disqualified: disqualified,
		Reason:       reason,
		SubmittedAt:  c.clock.Now(),
	}
	return c.submission, []Event{ev}, nil
}

func (c *Controller) onViolation(v model.IntegrityEvent) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	disq, err := c.transitionLocked(StateDisqualified, model.SubmitReasonViolation)
	if err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("Violation transition rejected")
		return
	}
	c.violation = &v
	events := []Event{disq, c.event(EventViolation, v)}
	sub, more, err := c.latchLocked(model.SubmitReasonViolation)
	c.mu.Unlock()

	c.log.Warn().Str("kind", string(v.Kind)).Msg("Integrity violation, submitting")
	c.emit(append(events, more...)...)
	if err != nil || sub == nil {
		return
	}
	if err := c.persist(context.Background(), sub); err != nil {
		c.log.Error().Err(err).Msg("Violation submission not persisted")
	}
}

func (c *Controller) onTick(remaining int) {
	c.emit(c.event(EventTick, Tick{RemainingSeconds: remaining}))
}

func (c *Controller) onExpire() {
	c.log.Info().Msg("Time is up, submitting")
	if _, err := c.Submit(context.Background(), model.SubmitReasonTimeout); err != nil {
		c.log.Error().Err(err).Msg("Timeout submission not persisted")
	}
}

// persist writes sub with bounded exponential backoff. The write is detached
// from ctx cancellation so a closed request does not lose the submission.
func (c *Controller) persist(ctx context.Context, sub *model.Submission) error {
	ctx = context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Retry.InitialInterval
	b.MaxInterval = c.cfg.Retry.MaxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return c.deps.Submissions.Upsert(ctx, sub)
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.Retry.MaxRetries), ctx), func(err error, next time.Duration) {
		c.log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", next).Msg("Submission write failed, retrying")
	})

	if err != nil {
		werr := &SubmissionWriteError{Attempts: attempts, Err: err}
		parked := c.park(ctx, sub)

		c.mu.Lock()
		c.writing = false
		c.submitErr = werr
		ev := c.event(EventSubmissionFailed, SubmissionFailure{Attempts: attempts, Error: err.Error(), Parked: parked})
		c.mu.Unlock()

		c.log.Error().Err(err).Int("attempts", attempts).Bool("parked", parked).Msg("Submission write exhausted")
		c.emit(ev)
		return werr
	}

	c.mu.Lock()
	c.writing = false
	c.submitErr = nil
	ev, terr := c.transitionLocked(StateCompleted, sub.Reason)
	c.mu.Unlock()
	if terr != nil {
		return terr
	}

	c.log.Info().
		Str("reason", string(sub.Reason)).
		Bool("disqualified", sub.Disqualified).
		Int("attempts", attempts).
		Msg("Submission persisted")
	c.emit(ev, c.event(EventCompleted, sub))
	c.closeDone()
	c.export(sub)
	return nil
}

func (c *Controller) park(ctx context.Context, sub *model.Submission) bool {
	if c.deps.Parker == nil {
		return false
	}
	if err := c.deps.Parker.Park(ctx, sub); err != nil {
		c.log.Error().Err(err).Msg("Failed to park submission")
		return false
	}
	return true
}

// export renders the transcript in the background. Failures are logged and
// never affect the session.
func (c *Controller) export(sub *model.Submission) {
	if c.deps.Exporter == nil {
		return
	}
	c.mu.Lock()
	t := model.Transcript{
		CandidateID:   sub.CandidateID,
		CandidateName: c.cfg.CandidateName,
		ExamID:        sub.ExamID.String(),
		ExamTitle:     c.exam.Title,
		Questions:     c.exam.Questions,
		Answers:       sub.Answers,
		FinalCode:     sub.FreeformCode,
		Disqualified:  sub.Disqualified,
		SubmittedAt:   sub.SubmittedAt,
	}
	c.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Msg("Transcript export panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExportTimeout)
		defer cancel()

		path, err := c.deps.Exporter.Export(ctx, t)
		if err != nil {
			c.log.Warn().Err(err).Msg("Transcript export failed")
			return
		}
		c.mu.Lock()
		c.transcript = path
		c.mu.Unlock()
		c.log.Info().Str("path", path).Msg("Transcript exported")
	}()
}

// Snapshot returns the current view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		SessionID:      c.cfg.SessionID.String(),
		CandidateID:    c.candidateID,
		State:          c.state,
		Exam:           c.exam,
		FreeformCode:   c.freeform,
		Violation:      c.violation,
		Submission:     c.submission,
		TranscriptPath: c.transcript,
		Answers:        []string{},
	}
	if c.examID != uuid.Nil {
		s.ExamID = c.examID.String()
	}
	if c.answers != nil {
		s.Answers = c.answers.Snapshot()
	}
	if c.timer != nil {
		s.RemainingSeconds = c.timer.Remaining()
		if started := c.timer.StartedAt(); !started.IsZero() {
			s.StartedAt = &started
		}
	}
	if c.submission != nil {
		s.Disqualified = c.submission.Disqualified
	} else {
		s.Disqualified = c.state == StateDisqualified
	}
	if c.submitErr != nil {
		s.SubmitError = c.submitErr.Error()
	}
	return s
}

func (c *Controller) transitionLocked(to State, reason model.SubmitReason) (Event, error) {
	from := c.state
	if !CanTransition(from, to) {
		return Event{}, &TransitionError{From: from, To: to}
	}
	c.state = to
	c.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State changed")
	return c.event(EventState, StateChange{From: from, To: to, Reason: reason}), nil
}

func (c *Controller) event(t EventType, data any) Event {
	return Event{
		Type:        t,
		SessionID:   c.cfg.SessionID.String(),
		ExamID:      c.examID.String(),
		CandidateID: c.candidateID,
		At:          c.clock.Now(),
		Data:        data,
	}
}

func (c *Controller) emit(events ...Event) {
	if c.deps.Sink == nil {
		return
	}
	for _, e := range events {
		c.deps.Sink.Publish(e)
	}
}

func (c *Controller) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
