package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrBusy is returned when an execution is already in flight for the session.
var ErrBusy = errors.New("an execution is already in progress")

// Backend runs source code for one language. Errors returned by Run are
// infrastructure failures; program failures are reported in the result.
type Backend interface {
	Run(ctx context.Context, source string) (*model.ExecutionResult, error)
}

// Dispatcher routes execution requests to language backends. One Dispatcher
// serves one session: it allows a single outstanding execution and rejects
// concurrent callers instead of queueing them.
type Dispatcher struct {
	backends map[model.Language]Backend
	inflight atomic.Bool
	log      zerolog.Logger
}

// NewDispatcher creates a Dispatcher over the given backends. The map is
// shared read-only between sessions.
func NewDispatcher(backends map[model.Language]Backend, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		backends: backends,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Execute runs req and always returns a result unless the dispatcher is busy.
func (d *Dispatcher) Execute(ctx context.Context, req model.ExecutionRequest) (*model.ExecutionResult, error) {
	if !d.inflight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer d.inflight.Store(false)

	backend, ok := d.backends[req.Language]
	if !ok || backend == nil {
		return model.ErrorResult(model.ExecErrUnsupportedLanguage,
			fmt.Sprintf("no execution backend for language %q", req.Language)), nil
	}

	start := time.Now()
	res, err := d.run(ctx, backend, req.SourceCode)
	if err != nil {
		d.log.Warn().Err(err).Str("language", string(req.Language)).Msg("Execution backend error")
		return normalizeError(err), nil
	}
	if res == nil {
		return model.ErrorResult(model.ExecErrBackend, "backend returned no result"), nil
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

// Busy reports whether an execution is currently in flight.
func (d *Dispatcher) Busy() bool {
	return d.inflight.Load()
}

func (d *Dispatcher) run(ctx context.Context, backend Backend, source string) (res *model.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("Execution backend panicked")
			res, err = nil, fmt.Errorf("backend panic: %v", r)
		}
	}()
	return backend.Run(ctx, source)
}

// normalizeError maps an infrastructure error into a result.
func normalizeError(err error) *model.ExecutionResult {
	var execErr *model.ExecutionError
	switch {
	case errors.As(err, &execErr):
		return model.ErrorResult(execErr.Kind, execErr.Message)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrPollExhausted):
		return model.ErrorResult(model.ExecErrTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return model.ErrorResult(model.ExecErrCanceled, err.Error())
	default:
		return model.ErrorResult(model.ExecErrBackend, err.Error())
	}
}
