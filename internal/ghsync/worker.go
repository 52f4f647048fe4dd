package ghsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strongdm/drover/internal/coordinator"
	"github.com/strongdm/drover/internal/ghview"
	"github.com/strongdm/drover/internal/lifecycle"
	"github.com/strongdm/drover/internal/metrics"
	"github.com/strongdm/drover/internal/store"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultConcurrency     = 4
	DefaultMaxFetchRetries = 2
)

// Worker polls active runs and reconciles each linked PR. It is the
// periodic consumer of Plan; the CLI drives SyncOnce on demand.
type Worker struct {
	Coord           *coordinator.Coordinator
	Client          ghview.Client
	Interval        time.Duration
	Concurrency     int
	MaxFetchRetries int
	Backoff         BackoffConfig
	Log             *zap.Logger
	Metrics         *metrics.Metrics

	// sleep is swapped in tests to skip real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// RunOutcome is the per-run result of one sync pass.
type RunOutcome struct {
	RunID      string `json:"run_id"`
	PR         int64  `json:"pr"`
	Applied    int    `json:"applied"`
	Duplicates int    `json:"duplicates"`
	Ignored    int    `json:"ignored"`
	Deferred   bool   `json:"deferred,omitempty"`
	Err        string `json:"error,omitempty"`
}

// Summary aggregates one sync pass.
type Summary struct {
	Targets  int          `json:"targets"`
	Failures int          `json:"failures"`
	Runs     []RunOutcome `json:"runs"`
}

// Run polls until ctx is cancelled. Fetch failures are recorded per run
// and retried next tick; they never stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger().Warn("sync pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce reconciles every active run once. The returned error reports
// only infrastructure failures (listing targets); per-run failures land in
// the summary.
func (w *Worker) SyncOnce(ctx context.Context) (Summary, error) {
	targets, err := w.Coord.ActiveSyncTargets(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Targets: len(targets)}
	if len(targets) == 0 {
		return summary, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency())
	for _, target := range targets {
		target := target
		g.Go(func() error {
			outcome := w.syncRun(gctx, target)
			mu.Lock()
			summary.Runs = append(summary.Runs, outcome)
			if outcome.Err != "" {
				summary.Failures++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (w *Worker) syncRun(ctx context.Context, target coordinator.RunListing) RunOutcome {
	run := target.Run
	outcome := RunOutcome{RunID: run.RunID}
	if run.PRNumber == nil {
		outcome.Err = "run has no linked pr"
		return outcome
	}
	outcome.PR = *run.PRNumber

	started := time.Now()
	view, err := w.fetchWithRetry(ctx, run.Owner, run.Repo, *run.PRNumber, run.RunID)
	if err != nil {
		outcome.Err = err.Error()
		w.countDecision("fetch_failed")
		return outcome
	}

	planned := Plan(view)
	if len(planned) == 0 {
		outcome.Deferred = true
		w.countDecision("defer")
		w.recordAttempt(ctx, outcome, started)
		return outcome
	}
	for _, ev := range planned {
		key, err := Key(run.RunID, ev, view)
		if err != nil {
			outcome.Err = err.Error()
			return outcome
		}
		res, err := w.Coord.Apply(ctx, coordinator.Event{
			RunID:          run.RunID,
			Type:           ev.Type,
			IdempotencyKey: key,
			Payload:        ev.Payload,
		})
		switch {
		case err == nil && res.Duplicate:
			outcome.Duplicates++
		case err == nil:
			outcome.Applied++
			w.countDecision(ev.Kind + "_" + ev.Value)
		case errors.Is(err, lifecycle.ErrIllegalTransition):
			outcome.Ignored++
		default:
			outcome.Err = err.Error()
			return outcome
		}
	}
	w.recordAttempt(ctx, outcome, started)
	w.logger().Debug("run synchronized",
		zap.String("run_id", run.RunID),
		zap.Int64("pr", outcome.PR),
		zap.Int("applied", outcome.Applied),
		zap.Int("duplicates", outcome.Duplicates),
		zap.Int("ignored", outcome.Ignored))
	return outcome
}

// recordAttempt appends a github_sync step attempt for one reconciled run.
// The outcome counts land in stdout so run snapshots show what each poll
// decided. Recording failures are logged, not propagated.
func (w *Worker) recordAttempt(ctx context.Context, outcome RunOutcome, started time.Time) {
	stdout, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	if _, err := w.Coord.AddStepAttempt(ctx, outcome.RunID, store.StepGithubSync,
		0, string(stdout), "", time.Since(started).Milliseconds()); err != nil {
		w.logger().Warn("record sync attempt",
			zap.String("run_id", outcome.RunID), zap.Error(err))
	}
}

func (w *Worker) fetchWithRetry(ctx context.Context, owner, repo string, pr int64, runID string) (ghview.PRView, error) {
	retries := w.MaxFetchRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := DelayForAttempt(attempt, w.backoff(), retrySeed(runID, attempt))
			if err := w.doSleep(ctx, delay); err != nil {
				return ghview.PRView{}, err
			}
		}
		view, err := w.Client.FetchPullRequestView(ctx, owner, repo, pr)
		if err == nil {
			return view, nil
		}
		lastErr = err
	}
	return ghview.PRView{}, lastErr
}

func (w *Worker) doSleep(ctx context.Context, d time.Duration) error {
	if w.sleep != nil {
		return w.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Worker) concurrency() int {
	if w.Concurrency > 0 {
		return w.Concurrency
	}
	return DefaultConcurrency
}

func (w *Worker) backoff() BackoffConfig {
	if w.Backoff == (BackoffConfig{}) {
		return DefaultBackoffConfig()
	}
	return w.Backoff
}

func (w *Worker) logger() *zap.Logger {
	if w.Log != nil {
		return w.Log
	}
	return zap.NewNop()
}

func (w *Worker) countDecision(decision string) {
	if w.Metrics != nil {
		w.Metrics.SyncDecisions.WithLabelValues(decision).Inc()
	}
}
