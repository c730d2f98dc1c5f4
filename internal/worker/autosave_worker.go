package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DraftStore upserts autosaved answer slots.
type DraftStore interface {
	Upsert(ctx context.Context, d *model.AnswerDraft) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	store DraftStore
	rdb   *redis.Client
	opts  Options
	log   zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(store DraftStore, rdb *redis.Client, opts Options, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		store: store,
		rdb:   rdb,
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	raw, ok, err := pop(ctx, w.rdb, config.WorkerKey.PersistAnswersQueue, w.opts.PollTimeout)
	if err != nil {
		w.log.Error().Err(err).Msg("BLPop error")
		sleepCtx(ctx, w.opts.RetryDelay)
		return
	}
	if !ok {
		return
	}

	var draft model.AnswerDraft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.store.Upsert(ctx, &draft); err != nil {
		w.log.Error().Err(err).
			Str("candidate_id", draft.CandidateID).
			Str("exam_id", draft.ExamID.String()).
			Msg("Persist error, requeueing")
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
		sleepCtx(ctx, w.opts.RetryDelay)
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var draft model.AnswerDraft
		if err := json.Unmarshal([]byte(raw), &draft); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.store.Upsert(ctx, &draft); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
