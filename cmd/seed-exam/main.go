package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"golang.org/x/term"
)

func main() {
	var (
		file       string
		askCode    bool
		warmCache  bool
		minCodeLen int
	)
	flag.StringVar(&file, "file", "", "Path to the exam JSON file")
	flag.BoolVar(&askCode, "access-code", false, "Prompt for an access code to protect the exam")
	flag.BoolVar(&warmCache, "warm", true, "Load the exam into the Redis cache after saving")
	flag.IntVar(&minCodeLen, "min-code-len", 6, "Minimum access code length")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	validator.Setup()

	if file == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		flag.Usage()
		os.Exit(2)
	}

	req, err := readSeedFile(file)
	if err != nil {
		log.Fatal().Err(err).Str("file", file).Msg("Invalid exam file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	authService := service.NewAuthService(cfg)

	// ─── Access Code ───────────────────────────────────────────────────
	var accessHash string
	if askCode {
		code, err := promptAccessCode(minCodeLen)
		if err != nil {
			log.Fatal().Err(err).Msg("Access code rejected")
		}
		accessHash, err = authService.HashAccessCode(code)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash access code")
		}
	}

	exam := buildExam(req, accessHash)

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)
	if err := examRepo.Save(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to save exam")
	}

	if warmCache && exam.Status == model.ExamStatusPublished {
		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, cache not warmed")
		} else {
			defer rdb.Close()
			examService := service.NewExamService(examRepo, rdb, cfg.Session.ExamCacheTTL, log)
			if err := examService.Warm(ctx, exam); err != nil {
				log.Warn().Err(err).Msg("Cache warm failed")
			}
		}
	}

	fmt.Println("\n✅ Exam saved successfully!")
	fmt.Printf("ID:        %s\n", exam.ID)
	fmt.Printf("Title:     %s\n", exam.Title)
	fmt.Printf("Language:  %s\n", exam.Language)
	fmt.Printf("Duration:  %d minutes\n", exam.DurationMinutes)
	fmt.Printf("Questions: %d\n", len(exam.Questions))
	fmt.Printf("Status:    %s\n", exam.Status)
	fmt.Printf("Protected: %t\n", exam.RequiresAccessCode())
}

// readSeedFile decodes and validates a seed file.
func readSeedFile(path string) (*model.SeedExamRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseSeed(raw)
}

func parseSeed(raw []byte) (*model.SeedExamRequest, error) {
	var req model.SeedExamRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if fields := validator.ValidateStruct(&req); fields != nil {
		parts := make([]string, 0, len(fields))
		for field, msg := range fields {
			parts = append(parts, field+": "+msg)
		}
		return nil, fmt.Errorf("validation failed: %s", strings.Join(parts, "; "))
	}
	return &req, nil
}

// buildExam maps a seed request onto a definition. Question positions follow
// file order.
func buildExam(req *model.SeedExamRequest, accessHash string) *model.ExamDefinition {
	id := uuid.New()
	if req.ID != nil && *req.ID != uuid.Nil {
		id = *req.ID
	}
	status := model.ExamStatusDraft
	if req.Publish {
		status = model.ExamStatusPublished
	}

	questions := make([]model.Question, len(req.Questions))
	for i, q := range req.Questions {
		questions[i] = model.Question{
			ID:                 uuid.New(),
			Position:           i,
			Prompt:             strings.TrimSpace(q.Prompt),
			ExpectedOutputHint: q.ExpectedOutputHint,
		}
	}

	return &model.ExamDefinition{
		ID:              id,
		Title:           strings.TrimSpace(req.Title),
		Language:        req.Language,
		DurationMinutes: req.DurationMinutes,
		Status:          status,
		Questions:       questions,
		AccessCodeHash:  accessHash,
	}
}

func promptAccessCode(minLen int) (string, error) {
	fmt.Print("Enter Access Code: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read access code: %w", err)
	}
	code := strings.TrimSpace(string(first))
	if len(code) < minLen {
		return "", fmt.Errorf("access code must be at least %d characters", minLen)
	}

	fmt.Print("Confirm Access Code: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read access code: %w", err)
	}
	if strings.TrimSpace(string(second)) != code {
		return "", fmt.Errorf("access codes do not match")
	}
	return code, nil
}
