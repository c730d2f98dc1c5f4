package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ExamLoader is the persistent source of exam definitions.
type ExamLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ExamService serves published exams from Redis, falling back to
// PostgreSQL and healing the cache on a miss.
type ExamService struct {
	repo ExamLoader
	rdb  *redis.Client
	ttl  time.Duration
	log  zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(repo ExamLoader, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamService {
	return &ExamService{
		repo: repo,
		rdb:  rdb,
		ttl:  ttl,
		log:  log.With().Str("component", "exam_service").Logger(),
	}
}

// cachedExam keeps the access-code hash that ExamDefinition hides from JSON.
type cachedExam struct {
	model.ExamDefinition
	AccessCodeHash string `json:"access_code_hash,omitempty"`
}

// Get returns a published exam. Missing and unpublished exams both wrap
// proctor.ErrNotFound.
func (s *ExamService) Get(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.fromCache(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Exam cache read failed, falling back to database")
	}

	if exam == nil {
		exam, err = s.repo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("exam %s: %w", id, proctor.ErrNotFound)
			}
			return nil, fmt.Errorf("get exam: %w", err)
		}
		if exam.Status == model.ExamStatusPublished {
			// Self-heal so the next start is served from Redis.
			if err := s.Warm(ctx, exam); err != nil {
				s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Failed to cache exam")
			}
		}
	}

	if exam.Status != model.ExamStatusPublished {
		return nil, fmt.Errorf("exam %s is %s: %w", id, exam.Status, proctor.ErrNotFound)
	}
	return exam, nil
}

func (s *ExamService) fromCache(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamDefinitionKey(id.String())).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var entry cachedExam
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cached exam: %w", err)
	}
	exam := entry.ExamDefinition
	exam.AccessCodeHash = entry.AccessCodeHash
	return &exam, nil
}

// Warm stores exam in Redis.
func (s *ExamService) Warm(ctx context.Context, exam *model.ExamDefinition) error {
	data, err := json.Marshal(cachedExam{ExamDefinition: *exam, AccessCodeHash: exam.AccessCodeHash})
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(exam.ID.String()), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("exam_id", exam.ID.String()).
		Int("questions", len(exam.Questions)).
		Msg("Cache warmed")
	return nil
}

// Invalidate drops the cached copy of an exam.
func (s *ExamService) Invalidate(ctx context.Context, id uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.ExamDefinitionKey(id.String())).Err()
}

// PrewarmAllCaches loads all published exams into Redis on application startup.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	ids, err := s.repo.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}
	if len(ids) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(ids)).Msg("Prewarming published exams...")

	warmed := 0
	for _, id := range ids {
		exam, err := s.repo.GetByID(ctx, id)
		if err == nil {
			err = s.Warm(ctx, exam)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}
