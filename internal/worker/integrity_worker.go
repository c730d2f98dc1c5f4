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

// IntegrityStore persists integrity violations.
type IntegrityStore interface {
	InsertBatch(ctx context.Context, batch []model.IntegrityRecord) error
	Insert(ctx context.Context, rec model.IntegrityRecord) error
}

// IntegrityWorker drains persist_integrity_queue into the audit table in
// batches.
type IntegrityWorker struct {
	store IntegrityStore
	rdb   *redis.Client
	opts  Options
	log   zerolog.Logger
}

func NewIntegrityWorker(store IntegrityStore, rdb *redis.Client, opts Options, log zerolog.Logger) *IntegrityWorker {
	return &IntegrityWorker{
		store: store,
		rdb:   rdb,
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "integrity_worker").Logger(),
	}
}

func (w *IntegrityWorker) Start(ctx context.Context) {
	w.log.Info().Msg("IntegrityWorker started")

	buffer := make([]model.IntegrityRecord, 0, w.opts.BatchSize)
	lastFlush := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 &&
			(len(buffer) >= w.opts.BatchSize || time.Since(lastFlush) >= w.opts.BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch
		raw, ok, err := pop(ctx, w.rdb, config.WorkerKey.PersistIntegrityQueue, w.opts.PollTimeout)
		if err != nil {
			w.log.Error().Err(err).Msg("Redis connection error, backing off")
			sleepCtx(ctx, w.opts.RetryDelay)
			continue
		}
		if !ok {
			continue
		}

		var rec model.IntegrityRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
			continue
		}
		if !rec.Kind.Valid() {
			w.log.Error().Str("kind", string(rec.Kind)).Msg("Discarding record with unknown kind")
			continue
		}
		buffer = append(buffer, rec)
	}
}

// flushSafe attempts a bulk insert, then row-by-row, then requeues what is
// left.
func (w *IntegrityWorker) flushSafe(ctx context.Context, batch []model.IntegrityRecord) {
	if len(batch) == 0 {
		return
	}
	err := w.store.InsertBatch(ctx, batch)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Integrity batch persisted")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var failed []model.IntegrityRecord
	for _, rec := range batch {
		if err := w.store.Insert(ctx, rec); err != nil {
			w.log.Error().Err(err).Str("session_id", rec.SessionID.String()).Msg("Insert failed, requeueing")
			failed = append(failed, rec)
		}
	}
	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
}

func (w *IntegrityWorker) requeue(ctx context.Context, items []model.IntegrityRecord) {
	pipe := w.rdb.Pipeline()
	for _, rec := range items {
		data, _ := json.Marshal(rec)
		pipe.RPush(ctx, config.WorkerKey.PersistIntegrityQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue integrity records")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed records back to Redis")
	sleepCtx(ctx, w.opts.RetryDelay)
}

func (w *IntegrityWorker) shutdown(buffer []model.IntegrityRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(shutdownCtx, buffer)
}
