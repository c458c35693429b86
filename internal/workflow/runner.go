// Package workflow runs named, checkpointed steps for orchestrator instances.
//
// A step that completes has its JSON result recorded under (instance id, step
// name). Running the same instance again returns the recorded result instead
// of invoking the step, so a redelivered instance resumes at its first
// unfinished step.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/metrics"
)

// CheckpointStore records completed step results.
type CheckpointStore interface {
	// LoadCheckpoint returns the recorded payload and whether one exists.
	LoadCheckpoint(ctx context.Context, instanceID, step string) ([]byte, bool, error)
	SaveCheckpoint(ctx context.Context, instanceID, step string, payload []byte) error
}

// StepFunc is the body of one step. Its result must be JSON-serializable.
type StepFunc func(ctx context.Context) (any, error)

// Config tunes retry behavior.
type Config struct {
	// MaxRetries is the number of additional attempts after a transient failure.
	MaxRetries int
	// Backoff is the delay before the first retry; it doubles on each retry.
	Backoff time.Duration
	Logger  *zap.Logger
}

// Runner executes steps against a CheckpointStore.
type Runner struct {
	store  CheckpointStore
	cfg    Config
	logger *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(store CheckpointStore, cfg Config) *Runner {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: store, cfg: cfg, logger: logger.Named("workflow")}
}

// Step runs fn once for the instance unless a checkpoint for name already
// exists, in which case the checkpoint is decoded into out. On success the
// result is checkpointed and decoded into out. out may be nil.
//
// Transient errors are retried up to MaxRetries times; a PermanentError
// stops immediately. Checkpoint read or write failures are transient.
func (r *Runner) Step(ctx context.Context, instanceID, name string, fn StepFunc, out any) error {
	logger := r.logger.With(zap.String("instance_id", instanceID), zap.String("step", name))

	attempts := r.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := r.wait(ctx, attempt-1); err != nil {
				return fmt.Errorf("step %s: %w", name, err)
			}
		}
		err := r.attempt(ctx, instanceID, name, fn, out, logger)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			metrics.ObserveStepAttempt(name, "permanent")
			logger.Warn("step failed permanently", zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("step %s: %w", name, err)
		}
		metrics.ObserveStepAttempt(name, "error")
		logger.Warn("step attempt failed", zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Error(err))
	}
	return fmt.Errorf("step %s failed after %d attempts: %w", name, attempts, lastErr)
}

func (r *Runner) attempt(ctx context.Context, instanceID, name string, fn StepFunc, out any, logger *zap.Logger) error {
	payload, found, err := r.store.LoadCheckpoint(ctx, instanceID, name)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if found {
		logger.Debug("step resumed from checkpoint")
		metrics.ObserveStepAttempt(name, "resumed")
		return decode(payload, out)
	}

	result, err := fn(ctx)
	if err != nil {
		return err
	}
	payload, err = json.Marshal(result)
	if err != nil {
		return Permanent(fmt.Errorf("encode step result: %w", err))
	}
	if err := r.store.SaveCheckpoint(ctx, instanceID, name, payload); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	metrics.ObserveStepAttempt(name, "ok")
	return decode(payload, out)
}

func (r *Runner) wait(ctx context.Context, retry int) error {
	if r.cfg.Backoff <= 0 {
		return ctx.Err()
	}
	delay := r.cfg.Backoff << (retry - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decode(payload []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return Permanent(fmt.Errorf("decode step result: %w", err))
	}
	return nil
}

// PermanentError marks a step failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the runner skips retries. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
