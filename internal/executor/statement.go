package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// StatementState is the lifecycle state reported by the SQL statement API.
type StatementState string

const (
	StatementPending   StatementState = "PENDING"
	StatementRunning   StatementState = "RUNNING"
	StatementSucceeded StatementState = "SUCCEEDED"
	StatementFailed    StatementState = "FAILED"
	StatementCanceled  StatementState = "CANCELED"
	StatementClosed    StatementState = "CLOSED"
)

// IsTerminal reports whether polling can stop.
func (s StatementState) IsTerminal() bool {
	switch s {
	case StatementSucceeded, StatementFailed, StatementCanceled, StatementClosed:
		return true
	default:
		return false
	}
}

// StatementConfig configures the SQL statement backend.
type StatementConfig struct {
	BaseURL     string
	Token       string
	WarehouseID string
	Poll        PollPolicy
	HTTPClient  *http.Client
}

// StatementBackend submits a query to a SQL warehouse statement API and
// polls the statement by id until it reaches a terminal state.
type StatementBackend struct {
	cfg    StatementConfig
	client *http.Client
	log    zerolog.Logger
}

// NewStatementBackend creates a StatementBackend.
func NewStatementBackend(cfg StatementConfig, log zerolog.Logger) *StatementBackend {
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = time.Second
	}
	if cfg.Poll.MaxAttempts <= 0 {
		cfg.Poll.MaxAttempts = 60
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &StatementBackend{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "statement_backend").Logger(),
	}
}

type statementRequest struct {
	Statement   string `json:"statement"`
	WarehouseID string `json:"warehouse_id"`
	WaitTimeout string `json:"wait_timeout"`
	Format      string `json:"format"`
	Disposition string `json:"disposition"`
}

type statementError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type statementStatus struct {
	State StatementState  `json:"state"`
	Error *statementError `json:"error,omitempty"`
}

type statementColumn struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
}

type statementResponse struct {
	StatementID string          `json:"statement_id"`
	Status      statementStatus `json:"status"`
	Manifest    *struct {
		Schema struct {
			Columns []statementColumn `json:"columns"`
		} `json:"schema"`
	} `json:"manifest,omitempty"`
	Result *struct {
		DataArray [][]*string `json:"data_array"`
	} `json:"result,omitempty"`
	// Top-level error envelope used by the API for rejected requests.
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Run implements Backend.
func (b *StatementBackend) Run(ctx context.Context, source string) (*model.ExecutionResult, error) {
	submitted, err := b.submit(ctx, source)
	if err != nil {
		return nil, err
	}

	last := submitted
	if !last.Status.State.IsTerminal() {
		err = b.cfg.Poll.Poll(ctx, func(ctx context.Context) (bool, error) {
			st, err := b.get(ctx, submitted.StatementID)
			if err != nil {
				return false, err
			}
			last = st
			return st.Status.State.IsTerminal(), nil
		})
		if err != nil {
			if errors.Is(err, ErrPollExhausted) || errors.Is(err, context.DeadlineExceeded) {
				b.cancel(submitted.StatementID)
				return model.ErrorResult(model.ExecErrTimeout,
					fmt.Sprintf("query did not finish after %d status checks", b.cfg.Poll.MaxAttempts)), nil
			}
			return nil, err
		}
	}

	return toResult(last), nil
}

func (b *StatementBackend) submit(ctx context.Context, sql string) (*statementResponse, error) {
	body, err := json.Marshal(statementRequest{
		Statement:   sql,
		WarehouseID: b.cfg.WarehouseID,
		WaitTimeout: "0s",
		Format:      "JSON_ARRAY",
		Disposition: "INLINE",
	})
	if err != nil {
		return nil, fmt.Errorf("encode statement: %w", err)
	}
	st, err := b.do(ctx, http.MethodPost, "/api/2.0/sql/statements", body)
	if err != nil {
		return nil, fmt.Errorf("submit statement: %w", err)
	}
	if st.StatementID == "" {
		return nil, errors.New("submit statement: response has no statement_id")
	}
	return st, nil
}

func (b *StatementBackend) get(ctx context.Context, id string) (*statementResponse, error) {
	st, err := b.do(ctx, http.MethodGet, "/api/2.0/sql/statements/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("get statement %s: %w", id, err)
	}
	return st, nil
}

// cancel is best effort and runs detached from the caller's context, which
// may already be done.
func (b *StatementBackend) cancel(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.do(ctx, http.MethodPost, "/api/2.0/sql/statements/"+id+"/cancel", nil); err != nil {
		b.log.Warn().Err(err).Str("statement_id", id).Msg("Cancel statement failed")
	}
}

func (b *StatementBackend) do(ctx context.Context, method, path string, body []byte) (*statementResponse, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(b.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	var st statementResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
	}
	if resp.StatusCode >= 300 {
		msg := st.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &model.ExecutionError{Kind: model.ExecErrBackend, Message: fmt.Sprintf("statement api: %s", msg)}
	}
	return &st, nil
}

func toResult(st *statementResponse) *model.ExecutionResult {
	switch st.Status.State {
	case StatementSucceeded:
		res := &model.ExecutionResult{}
		if st.Manifest != nil {
			for _, c := range st.Manifest.Schema.Columns {
				res.Columns = append(res.Columns, c.Name)
			}
		}
		if st.Result != nil {
			res.Rows = make([][]string, 0, len(st.Result.DataArray))
			for _, row := range st.Result.DataArray {
				out := make([]string, len(row))
				for i, v := range row {
					if v == nil {
						out[i] = "NULL"
					} else {
						out[i] = *v
					}
				}
				res.Rows = append(res.Rows, out)
			}
		}
		return res
	case StatementCanceled:
		return model.ErrorResult(model.ExecErrCanceled, statusMessage(st, "query was canceled"))
	case StatementClosed:
		return model.ErrorResult(model.ExecErrFailed, statusMessage(st, "query result is no longer available"))
	default:
		return model.ErrorResult(model.ExecErrFailed, statusMessage(st, "query failed"))
	}
}

func statusMessage(st *statementResponse, fallback string) string {
	if st.Status.Error != nil && st.Status.Error.Message != "" {
		return st.Status.Error.Message
	}
	return fallback
}
