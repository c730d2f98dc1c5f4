package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	parkedMarkerTTL    = 7 * 24 * time.Hour
	requeueMaxInterval = 30 * time.Second
	requeueGrace       = 5 * time.Second
)

// SubmissionStore upserts final submissions.
type SubmissionStore interface {
	Upsert(ctx context.Context, s *model.Submission) error
}

// SubmissionWorker persists submissions whose in-session writes were
// exhausted. Upserts are idempotent, so a submission that also succeeds
// through a later retry is harmless here.
type SubmissionWorker struct {
	store SubmissionStore
	rdb   *redis.Client
	opts  Options
	log   zerolog.Logger
}

func NewSubmissionWorker(store SubmissionStore, rdb *redis.Client, opts Options, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		store: store,
		rdb:   rdb,
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "submission_worker").Logger(),
	}
}

// Park queues a submission for the worker and marks the attempt as submitted
// until the worker has written it.
func Park(ctx context.Context, rdb *redis.Client, s *model.Submission) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := rdb.TxPipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, data)
	pipe.Set(ctx, config.CacheKey.ParkedSubmissionKey(s.ExamID.String(), s.CandidateID), s.SessionID.String(), parkedMarkerTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// IsParked reports whether an attempt has a submission waiting in the parked
// queue.
func IsParked(ctx context.Context, rdb *redis.Client, examID, candidateID string) (bool, error) {
	n, err := rdb.Exists(ctx, config.CacheKey.ParkedSubmissionKey(examID, candidateID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("SubmissionWorker stopped")
			return
		default:
		}

		raw, ok, err := pop(ctx, w.rdb, config.WorkerKey.PersistSubmissionsQueue, w.opts.PollTimeout)
		if err != nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleepCtx(ctx, w.opts.RetryDelay)
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, raw)
	}
}

func (w *SubmissionWorker) process(ctx context.Context, raw string) {
	var sub model.Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed submission")
		return
	}

	if err := w.store.Upsert(ctx, &sub); err != nil {
		w.log.Error().Err(err).
			Str("exam_id", sub.ExamID.String()).
			Str("candidate_id", sub.CandidateID).
			Msg("Parked submission still failing")
		if w.requeue(ctx, raw) {
			sleepCtx(ctx, w.opts.RetryDelay)
		}
		return
	}

	if err := w.rdb.Del(context.WithoutCancel(ctx), config.CacheKey.ParkedSubmissionKey(sub.ExamID.String(), sub.CandidateID)).Err(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear parked marker")
	}

	w.log.Info().
		Str("exam_id", sub.ExamID.String()).
		Str("candidate_id", sub.CandidateID).
		Msg("Parked submission persisted")
}

// requeue pushes raw back onto the parked queue, retrying until Redis takes
// it. Once ctx is done it keeps trying for requeueGrace, then logs the
// payload as the last copy. It reports whether the payload is back in Redis.
func (w *SubmissionWorker) requeue(ctx context.Context, raw string) bool {
	push := func(ctx context.Context) backoff.Operation {
		return func() error {
			return w.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, raw).Err()
		}
	}
	notify := func(err error, next time.Duration) {
		w.log.Error().Err(err).Str("data", raw).Dur("retry_in", next).Msg("CRITICAL: Failed to requeue parked submission")
	}

	err := backoff.RetryNotify(push(context.WithoutCancel(ctx)), backoff.WithContext(w.requeueBackOff(), ctx), notify)
	if err != nil {
		graceCtx, cancel := context.WithTimeout(context.Background(), requeueGrace)
		defer cancel()
		err = backoff.RetryNotify(push(graceCtx), backoff.WithContext(w.requeueBackOff(), graceCtx), notify)
	}
	if err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("CRITICAL: Parked submission left Redis, payload logged for manual recovery")
		return false
	}
	w.log.Info().Msg("Requeued parked submission")
	return true
}

func (w *SubmissionWorker) requeueBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RetryDelay
	b.MaxInterval = requeueMaxInterval
	b.MaxElapsedTime = 0
	return b
}
