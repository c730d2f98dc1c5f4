package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const maxResponseBytes = 1 << 20

// PistonConfig configures the remote interpreter backend.
type PistonConfig struct {
	BaseURL    string
	Language   string
	Version    string
	RunTimeout time.Duration
	HTTPClient *http.Client
}

// PistonBackend executes source code on a Piston-compatible interpreter
// service and waits synchronously for the result.
type PistonBackend struct {
	cfg    PistonConfig
	client *http.Client
}

// NewPistonBackend creates a PistonBackend. The HTTP timeout is the run
// timeout plus a margin for queueing on the remote side.
func NewPistonBackend(cfg PistonConfig) *PistonBackend {
	if cfg.Language == "" {
		cfg.Language = "python"
	}
	if cfg.Version == "" {
		cfg.Version = "3.10.0"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RunTimeout + 5*time.Second}
	}
	return &PistonBackend{cfg: cfg, client: client}
}

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language   string       `json:"language"`
	Version    string       `json:"version"`
	Files      []pistonFile `json:"files"`
	RunTimeout int64        `json:"run_timeout"`
}

type pistonStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Compile  *pistonStage `json:"compile,omitempty"`
	Run      pistonStage  `json:"run"`
	Message  string       `json:"message,omitempty"`
}

// Run implements Backend.
func (b *PistonBackend) Run(ctx context.Context, source string) (*model.ExecutionResult, error) {
	body, err := json.Marshal(pistonRequest{
		Language:   b.cfg.Language,
		Version:    b.cfg.Version,
		Files:      []pistonFile{{Name: "main.py", Content: source}},
		RunTimeout: b.cfg.RunTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode piston request: %w", err)
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/api/v2/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build piston request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call piston: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read piston response: %w", err)
	}

	var out pistonResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode piston response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &model.ExecutionError{Kind: model.ExecErrBackend, Message: fmt.Sprintf("piston: %s", msg)}
	}

	if out.Compile != nil && stageFailed(out.Compile) {
		return stageError(out.Compile), nil
	}
	if stageFailed(&out.Run) {
		return stageError(&out.Run), nil
	}
	return &model.ExecutionResult{Stdout: out.Run.Stdout, Stderr: out.Run.Stderr}, nil
}

func stageFailed(s *pistonStage) bool {
	if s.Signal != nil && *s.Signal != "" {
		return true
	}
	return s.Code != nil && *s.Code != 0
}

func stageError(s *pistonStage) *model.ExecutionResult {
	kind := model.ExecErrRuntime
	msg := strings.TrimSpace(s.Stderr)
	if s.Signal != nil && *s.Signal == "SIGKILL" {
		kind = model.ExecErrTimeout
		if msg == "" {
			msg = "execution killed: time or memory limit exceeded"
		}
	}
	if msg == "" {
		switch {
		case s.Code != nil:
			msg = fmt.Sprintf("process exited with code %d", *s.Code)
		case s.Signal != nil:
			msg = "process terminated by " + *s.Signal
		}
	}
	res := model.ErrorResult(kind, msg)
	res.Stdout = s.Stdout
	res.Stderr = s.Stderr
	return res
}
