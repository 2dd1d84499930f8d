package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RetryConfig parameterizes the recovery layer for one stage.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the retry policy for a stage. Topic
// selection is cheap and tolerates more attempts; content writing is the
// costliest call and gets the longest initial delay.
func DefaultRetryConfig(stage Stage) RetryConfig {
	switch stage {
	case StageTopicSelection:
		return RetryConfig{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2}
	case StageContentWriting:
		return RetryConfig{MaxRetries: 2, InitialDelay: 2 * time.Second, BackoffMultiplier: 2}
	case StageImageGeneration:
		return RetryConfig{MaxRetries: 2, InitialDelay: time.Second, BackoffMultiplier: 2}
	case StageFigmaLayout, StageFinalOutput:
		return RetryConfig{MaxRetries: 2, InitialDelay: time.Second, BackoffMultiplier: 1.5}
	default:
		return RetryConfig{MaxRetries: 1, InitialDelay: time.Second, BackoffMultiplier: 1}
	}
}

// OnRetryFunc is invoked between attempts so callers can notify humans
// that a retry is pending. attempt is the attempt that just failed.
type OnRetryFunc func(ctx context.Context, attempt, maxRetries int, err error, nextDelay time.Duration)

// RetryInfo summarizes the latest unresolved error for display.
type RetryInfo struct {
	HasError   bool   `json:"hasError"`
	RetryCount int    `json:"retryCount"`
	Message    string `json:"message,omitempty"`
}

// Recovery wraps fallible stage handlers with bounded retries,
// exponential backoff, and error-ledger bookkeeping. Backoff is
// deterministic with no jitter and no upper cap: large multipliers or
// budgets grow delays without bound.
type Recovery struct {
	store   Store
	configs map[Stage]RetryConfig
	logger  *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRecovery creates a recovery layer. overrides replaces the default
// retry policy for the stages it names.
func NewRecovery(store Store, overrides map[Stage]RetryConfig, logger *slog.Logger) *Recovery {
	return &Recovery{
		store:   store,
		configs: overrides,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Config returns the effective retry policy for a stage.
func (r *Recovery) Config(stage Stage) RetryConfig {
	if cfg, ok := r.configs[stage]; ok {
		return cfg
	}
	return DefaultRetryConfig(stage)
}

// ExecuteWithRetry runs handler under the recovery policy for stage.
// The first failure creates a StageError row; subsequent failures in the
// same call increment its retry count. A success after failures marks
// the row resolved. Exhausting the budget raises StageExhaustedError.
func ExecuteWithRetry[T any](
	ctx context.Context,
	r *Recovery,
	issueID int64,
	stage Stage,
	handler func(context.Context) (T, error),
	onRetry OnRetryFunc,
	override *RetryConfig,
) (T, error) {
	var zero T

	cfg := r.Config(stage)
	if override != nil {
		cfg = *override
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	runID := uuid.NewString()
	delay := cfg.InitialDelay
	var errorID int64
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		result, err := handler(ctx)
		if err == nil {
			if errorID != 0 {
				if rerr := r.store.MarkErrorResolved(errorID); rerr != nil {
					r.logger.Error("failed to resolve stage error", "run", runID, "error", rerr)
				}
			}
			return result, nil
		}

		lastErr = err
		r.logger.Warn("stage handler failed",
			"run", runID, "issue", issueID, "stage", stage,
			"attempt", attempt, "max", cfg.MaxRetries, "error", err)

		if attempt == 1 {
			id, rerr := r.store.RecordStageError(issueID, stage, err.Error())
			if rerr != nil {
				r.logger.Error("failed to record stage error", "run", runID, "error", rerr)
			} else {
				errorID = id
			}
		} else if errorID != 0 {
			if rerr := r.store.IncrementRetryCount(errorID); rerr != nil {
				r.logger.Error("failed to bump retry count", "run", runID, "error", rerr)
			}
		}

		if attempt < cfg.MaxRetries {
			if onRetry != nil {
				onRetry(ctx, attempt, cfg.MaxRetries, err, delay)
			}
			if serr := r.sleep(ctx, delay); serr != nil {
				return zero, serr
			}
			delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		}
	}

	return zero, &StageExhaustedError{Stage: stage, Attempts: cfg.MaxRetries, LastErr: lastErr}
}

// HasUnresolvedError reports whether the issue has an open error for the
// given stage. Read-only, used by operator inspection tools.
func (r *Recovery) HasUnresolvedError(issueID int64, stage Stage) (bool, error) {
	se, err := r.store.GetLatestUnresolvedError(issueID, stage)
	if err != nil {
		return false, err
	}
	return se != nil, nil
}

// GetRetryInfo returns display information about the latest unresolved
// error for an (issue, stage) pair.
func (r *Recovery) GetRetryInfo(issueID int64, stage Stage) (RetryInfo, error) {
	se, err := r.store.GetLatestUnresolvedError(issueID, stage)
	if err != nil {
		return RetryInfo{}, err
	}
	if se == nil {
		return RetryInfo{}, nil
	}
	return RetryInfo{HasError: true, RetryCount: se.RetryCount, Message: se.ErrorMessage}, nil
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
