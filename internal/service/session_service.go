package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

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

// Session errors.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrAlreadySubmitted = errors.New("exam already submitted")
	ErrSessionStarting  = errors.New("session is already being started")
)

const (
	eventBuffer       = 256
	sideEffectTimeout = 3 * time.Second
	sessionKeyTTL     = 24 * time.Hour
)

// SubmissionRepo persists and looks up final submissions.
type SubmissionRepo interface {
	proctor.SubmissionStore
	GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID string) (*model.Submission, error)
}

// DraftLoader reads autosaved answers persisted by the autosave worker.
type DraftLoader interface {
	ListByCandidate(ctx context.Context, examID uuid.UUID, candidateID string) (map[int]string, error)
}

// SessionDeps are the collaborators of SessionService. Drafts, Exporter and
// Clock are optional.
type SessionDeps struct {
	Exams       *ExamService
	Auth        *AuthService
	Submissions SubmissionRepo
	Drafts      DraftLoader
	Backends    map[model.Language]executor.Backend
	Exporter    proctor.TranscriptExporter
	Redis       *redis.Client
	Clock       proctor.Clock
}

type attemptKey struct {
	examID      uuid.UUID
	candidateID string
}

// SessionService owns the live controllers of this process, keyed by session
// ID and by (exam, candidate).
type SessionService struct {
	cfg  config.SessionConfig
	deps SessionDeps
	log  zerolog.Logger

	mu       sync.RWMutex
	byID     map[uuid.UUID]*liveSession
	byKey    map[attemptKey]*liveSession
	starting map[attemptKey]struct{}
}

// NewSessionService creates a new SessionService.
func NewSessionService(cfg config.SessionConfig, deps SessionDeps, log zerolog.Logger) *SessionService {
	return &SessionService{
		cfg:      cfg,
		deps:     deps,
		log:      log.With().Str("component", "session_service").Logger(),
		byID:     make(map[uuid.UUID]*liveSession),
		byKey:    make(map[attemptKey]*liveSession),
		starting: make(map[attemptKey]struct{}),
	}
}

// StartSession creates and starts a controller for the candidate. A live
// session for the same attempt yields *proctor.AlreadyActiveError carrying
// its ID. A previous attempt interrupted by a restart is resumed from Redis.
func (s *SessionService) StartSession(ctx context.Context, candidateID, name string, examID uuid.UUID, accessCode string) (proctor.Snapshot, error) {
	key := attemptKey{examID: examID, candidateID: candidateID}

	s.mu.Lock()
	if live, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		if live.ctl.State() == proctor.StateCompleted {
			return proctor.Snapshot{}, ErrAlreadySubmitted
		}
		return proctor.Snapshot{}, &proctor.AlreadyActiveError{SessionID: live.ctl.SessionID().String()}
	}
	if _, ok := s.starting[key]; ok {
		s.mu.Unlock()
		return proctor.Snapshot{}, ErrSessionStarting
	}
	s.starting[key] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.starting, key)
		s.mu.Unlock()
	}()

	exam, err := s.deps.Exams.Get(ctx, examID)
	if err != nil {
		return proctor.Snapshot{}, err
	}
	if exam.RequiresAccessCode() {
		if err := s.deps.Auth.CheckAccessCode(exam.AccessCodeHash, accessCode); err != nil {
			return proctor.Snapshot{}, err
		}
	}

	_, err = s.deps.Submissions.GetByExamAndCandidate(ctx, examID, candidateID)
	switch {
	case err == nil:
		return proctor.Snapshot{}, ErrAlreadySubmitted
	case !errors.Is(err, pgx.ErrNoRows):
		return proctor.Snapshot{}, fmt.Errorf("check submission: %w", err)
	}
	// A parked submission is final even before the worker writes it.
	parked, err := worker.IsParked(ctx, s.deps.Redis, examID.String(), candidateID)
	if err != nil {
		return proctor.Snapshot{}, fmt.Errorf("check parked submission: %w", err)
	}
	if parked {
		return proctor.Snapshot{}, ErrAlreadySubmitted
	}

	resume, sessionID, err := s.loadResume(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).
			Str("exam_id", examID.String()).
			Str("candidate_id", candidateID).
			Msg("Could not load resume state, starting fresh")
		resume, sessionID = nil, uuid.New()
	}

	live := s.newLive(key, sessionID, name, resume)
	s.mu.Lock()
	s.byID[sessionID] = live
	s.byKey[key] = live
	s.mu.Unlock()

	if err := live.ctl.StartSession(ctx, examID, candidateID); err != nil {
		s.evict(live)
		return proctor.Snapshot{}, err
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("exam_id", examID.String()).
		Str("candidate_id", candidateID).
		Bool("resumed", resume != nil).
		Msg("Session started")
	return live.ctl.Snapshot(), nil
}

// loadResume reads the start timestamp, autosaved answers and code of an
// interrupted attempt. It returns a nil Resume when there is nothing to
// resume.
func (s *SessionService) loadResume(ctx context.Context, key attemptKey) (*proctor.Resume, uuid.UUID, error) {
	rdb := s.deps.Redis
	examID := key.examID.String()

	startMillis, err := rdb.Get(ctx, config.CacheKey.SessionStartKey(examID, key.candidateID)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, uuid.New(), nil
	}
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("get start time: %w", err)
	}

	raw, err := rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(examID, key.candidateID)).Result()
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("get answers: %w", err)
	}
	answers := make(map[int]string, len(raw))
	for field, text := range raw {
		idx, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		answers[idx] = text
	}
	if len(answers) == 0 && s.deps.Drafts != nil {
		// Cache miss: fall back to the autosave table.
		if drafts, err := s.deps.Drafts.ListByCandidate(ctx, key.examID, key.candidateID); err == nil {
			answers = drafts
		} else {
			s.log.Warn().Err(err).Msg("Failed to load answer drafts")
		}
	}

	code, err := rdb.Get(ctx, config.CacheKey.SessionCodeKey(examID, key.candidateID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, uuid.Nil, fmt.Errorf("get code: %w", err)
	}

	sessionID := uuid.New()
	if v, err := rdb.Get(ctx, config.CacheKey.SessionIDKey(examID, key.candidateID)).Result(); err == nil {
		if id, err := uuid.Parse(v); err == nil {
			sessionID = id
		}
	}

	return &proctor.Resume{
		StartedAt:    time.UnixMilli(startMillis),
		Answers:      answers,
		FreeformCode: code,
	}, sessionID, nil
}

func (s *SessionService) newLive(key attemptKey, sessionID uuid.UUID, name string, resume *proctor.Resume) *liveSession {
	log := s.log.With().Str("session_id", sessionID.String()).Logger()
	live := &liveSession{
		svc:  s,
		key:  key,
		hub:  newHub(),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		log:  log,
	}
	live.ctl = proctor.NewController(proctor.Config{
		SessionID:     sessionID,
		CandidateName: name,
		Clock:         s.deps.Clock,
		TickInterval:  s.cfg.TickInterval,
		Retry: proctor.RetryPolicy{
			MaxRetries:      s.cfg.SubmitMaxRetries,
			InitialInterval: s.cfg.SubmitRetryInitial,
			MaxInterval:     s.cfg.SubmitRetryMax,
		},
		Resume: resume,
	}, proctor.Deps{
		Exams:       s.deps.Exams,
		Submissions: s.deps.Submissions,
		Executor:    executor.NewDispatcher(s.deps.Backends, log),
		Parker:      redisParker{rdb: s.deps.Redis},
		Exporter:    s.deps.Exporter,
		Sink:        live,
		Log:         s.log,
	})
	go live.pump()
	return live
}

// Lookup returns the controller of a live session owned by candidateID.
func (s *SessionService) Lookup(sessionID uuid.UUID, candidateID string) (*proctor.Controller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live, ok := s.byID[sessionID]
	if !ok || live.key.candidateID != candidateID {
		return nil, ErrSessionNotFound
	}
	return live.ctl, nil
}

// Subscribe streams the session's events until the returned cancel func is
// called or the session is evicted.
func (s *SessionService) Subscribe(sessionID uuid.UUID, candidateID string) (<-chan proctor.Event, func(), error) {
	s.mu.RLock()
	live, ok := s.byID[sessionID]
	s.mu.RUnlock()
	if !ok || live.key.candidateID != candidateID {
		return nil, nil, ErrSessionNotFound
	}
	ch, cancel := live.hub.subscribe()
	return ch, cancel, nil
}

// Snapshot returns the current view of a session.
func (s *SessionService) Snapshot(sessionID uuid.UUID, candidateID string) (proctor.Snapshot, error) {
	ctl, err := s.Lookup(sessionID, candidateID)
	if err != nil {
		return proctor.Snapshot{}, err
	}
	return ctl.Snapshot(), nil
}

// RunCode executes source in the session.
func (s *SessionService) RunCode(ctx context.Context, sessionID uuid.UUID, candidateID, source string) (*model.ExecutionResult, error) {
	ctl, err := s.Lookup(sessionID, candidateID)
	if err != nil {
		return nil, err
	}
	return ctl.RunCode(ctx, source)
}

// Submit submits manually, or retries a submission whose writes were
// exhausted.
func (s *SessionService) Submit(ctx context.Context, sessionID uuid.UUID, candidateID string) (proctor.Snapshot, error) {
	ctl, err := s.Lookup(sessionID, candidateID)
	if err != nil {
		return proctor.Snapshot{}, err
	}
	if ctl.SubmitPending() {
		_, err = ctl.RetrySubmission(ctx)
	} else {
		_, err = ctl.Submit(ctx, model.SubmitReasonManual)
	}
	return ctl.Snapshot(), err
}

// ListByExam returns snapshots of every live session of an exam.
func (s *SessionService) ListByExam(examID uuid.UUID) []proctor.Snapshot {
	s.mu.RLock()
	ctls := make([]*proctor.Controller, 0)
	for key, live := range s.byKey {
		if key.examID == examID {
			ctls = append(ctls, live.ctl)
		}
	}
	s.mu.RUnlock()

	out := make([]proctor.Snapshot, 0, len(ctls))
	for _, ctl := range ctls {
		out = append(out, ctl.Snapshot())
	}
	return out
}

// ActiveCount returns the number of sessions held in memory.
func (s *SessionService) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Close evicts every session. Redis keeps what is needed to resume.
func (s *SessionService) Close() {
	s.mu.RLock()
	lives := make([]*liveSession, 0, len(s.byID))
	for _, live := range s.byID {
		lives = append(lives, live)
	}
	s.mu.RUnlock()

	for _, live := range lives {
		s.evict(live)
	}
}

func (s *SessionService) evict(live *liveSession) {
	id := live.ctl.SessionID()
	s.mu.Lock()
	if s.byID[id] == live {
		delete(s.byID, id)
	}
	if s.byKey[live.key] == live {
		delete(s.byKey, live.key)
	}
	s.mu.Unlock()
	live.stop()
	live.log.Debug().Msg("Session evicted")
}

type redisParker struct {
	rdb *redis.Client
}

func (p redisParker) Park(ctx context.Context, sub *model.Submission) error {
	return worker.Park(ctx, p.rdb, sub)
}

// liveSession is the EventSink of one controller. Events are queued for a
// pump goroutine that persists side effects and fans out to subscribers, so
// Publish never blocks the controller. Once eventBuffer events are pending,
// only ticks and other display-only events are shed.
type liveSession struct {
	svc  *SessionService
	ctl  *proctor.Controller
	key  attemptKey
	hub  *hub
	wake chan struct{}
	quit chan struct{}
	once sync.Once
	log  zerolog.Logger

	qmu     sync.Mutex
	pending []proctor.Event
}

// mustDeliver lists the events whose side effects carry session state.
func mustDeliver(t proctor.EventType) bool {
	switch t {
	case proctor.EventState, proctor.EventAnswer, proctor.EventCode,
		proctor.EventViolation, proctor.EventSubmissionFailed, proctor.EventCompleted:
		return true
	}
	return false
}

func (l *liveSession) Publish(e proctor.Event) {
	select {
	case <-l.quit:
		return
	default:
	}

	l.qmu.Lock()
	if len(l.pending) >= eventBuffer && !mustDeliver(e.Type) {
		l.qmu.Unlock()
		l.log.Warn().Str("type", string(e.Type)).Msg("Event backlog full, dropping event")
		return
	}
	l.pending = append(l.pending, e)
	l.qmu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *liveSession) backlog() int {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	return len(l.pending)
}

func (l *liveSession) stop() {
	l.once.Do(func() {
		close(l.quit)
		l.hub.close()
	})
}

func (l *liveSession) pump() {
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			l.qmu.Lock()
			batch := l.pending
			l.pending = nil
			l.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				l.handle(e)
			}
		}
	}
}

func (l *liveSession) handle(e proctor.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if err := l.persist(ctx, e); err != nil {
		l.log.Error().Err(err).Str("type", string(e.Type)).Msg("Failed to persist session event")
	}
	if dropped := l.hub.publish(e); dropped > 0 {
		l.log.Warn().Int("dropped", dropped).Str("type", string(e.Type)).Msg("Slow subscribers missed an event")
	}
}

func (l *liveSession) persist(ctx context.Context, e proctor.Event) error {
	rdb := l.svc.deps.Redis
	examID := l.key.examID.String()
	cand := l.key.candidateID

	switch e.Type {
	case proctor.EventState:
		sc, _ := e.Data.(proctor.StateChange)
		switch sc.To {
		case proctor.StateActive:
			pipe := rdb.Pipeline()
			pipe.Set(ctx, config.CacheKey.SessionStartKey(examID, cand), l.ctl.StartedAt().UnixMilli(), sessionKeyTTL)
			pipe.Set(ctx, config.CacheKey.SessionIDKey(examID, cand), l.ctl.SessionID().String(), sessionKeyTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("store session start: %w", err)
			}
		case proctor.StateCompleted:
			if err := rdb.Del(ctx,
				config.CacheKey.SessionStartKey(examID, cand),
				config.CacheKey.SessionAnswersKey(examID, cand),
				config.CacheKey.SessionCodeKey(examID, cand),
				config.CacheKey.SessionIDKey(examID, cand),
			).Err(); err != nil {
				l.log.Warn().Err(err).Msg("Failed to clear session keys")
			}
			time.AfterFunc(l.svc.cfg.EvictAfter, func() { l.svc.evict(l) })
		}
		return l.announce(ctx, model.MonitorEvent{Type: model.MonitorSessionState, State: string(sc.To), Reason: sc.Reason})

	case proctor.EventAnswer:
		a, _ := e.Data.(proctor.AnswerChange)
		draft, err := json.Marshal(model.AnswerDraft{
			ExamID:        l.key.examID,
			CandidateID:   cand,
			QuestionIndex: a.Index,
			Answer:        a.Text,
		})
		if err != nil {
			return err
		}
		answersKey := config.CacheKey.SessionAnswersKey(examID, cand)
		pipe := rdb.Pipeline()
		pipe.HSet(ctx, answersKey, strconv.Itoa(a.Index), a.Text)
		pipe.Expire(ctx, answersKey, sessionKeyTTL)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, draft)
		_, err = pipe.Exec(ctx)
		return err

	case proctor.EventCode:
		c, _ := e.Data.(proctor.CodeChange)
		return rdb.Set(ctx, config.CacheKey.SessionCodeKey(examID, cand), c.Source, sessionKeyTTL).Err()

	case proctor.EventViolation:
		v, _ := e.Data.(model.IntegrityEvent)
		rec, err := json.Marshal(model.IntegrityRecord{
			SessionID:   l.ctl.SessionID(),
			ExamID:      l.key.examID,
			CandidateID: cand,
			Kind:        v.Kind,
			OccurredAt:  v.OccurredAt.UnixMilli(),
		})
		if err != nil {
			return err
		}
		if err := rdb.RPush(ctx, config.WorkerKey.PersistIntegrityQueue, rec).Err(); err != nil {
			return fmt.Errorf("queue integrity record: %w", err)
		}
		return l.announce(ctx, model.MonitorEvent{Type: model.MonitorViolation, Kind: v.Kind})

	case proctor.EventSubmissionFailed:
		return l.announce(ctx, model.MonitorEvent{Type: model.MonitorSubmitFailed})
	}
	return nil
}

// announce publishes a monitor event for proctors watching the exam.
func (l *liveSession) announce(ctx context.Context, ev model.MonitorEvent) error {
	ev.SessionID = l.ctl.SessionID()
	ev.CandidateID = l.key.candidateID
	ev.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return l.svc.deps.Redis.Publish(ctx, config.CacheKey.ExamMonitorChannel(l.key.examID.String()), data).Err()
}
