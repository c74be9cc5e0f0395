// File: internal/engine/pool.go
// Description: Bounded worker pool that fans a batch of target URLs out to
// the runner. Concurrency is capped with a weighted semaphore; per-run
// timeouts and a heartbeat stall monitor keep one wedged page from pinning a
// worker for the whole batch.

package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
	"github.com/formrelay/formrelay-cli/internal/heartbeat"
)

// stallGrace bounds how long a cancelled run gets to unwind before the pool
// synthesizes its result and moves on.
const stallGrace = 30 * time.Second

// Pool executes submission runs with bounded concurrency.
type Pool struct {
	log        *zap.Logger
	runner     schemas.Runner
	heartbeats *heartbeat.Registry

	concurrency     int64
	runTimeout      time.Duration
	stallThreshold  time.Duration
	monitorInterval time.Duration
}

// NewPool wires the pool. concurrency from cfg may be overridden per batch
// via Execute's value in BatchConfig upstream; here it is already resolved.
func NewPool(logger *zap.Logger, runner schemas.Runner, heartbeats *heartbeat.Registry, cfg config.EngineConfig) *Pool {
	p := &Pool{
		log:             logger.Named("engine"),
		runner:          runner,
		heartbeats:      heartbeats,
		concurrency:     int64(cfg.Concurrency),
		runTimeout:      cfg.RunTimeout,
		stallThreshold:  cfg.StallThreshold,
		monitorInterval: cfg.MonitorInterval,
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	if p.runTimeout <= 0 {
		p.runTimeout = 10 * time.Minute
	}
	if p.stallThreshold <= 0 {
		p.stallThreshold = 2 * time.Minute
	}
	if p.monitorInterval <= 0 {
		p.monitorInterval = 5 * time.Second
	}
	return p
}

// Execute runs the whole batch and returns exactly one result per target,
// in input order. Duplicate URLs collapse into a single run whose result is
// fanned out to every index that named it; heartbeat records are keyed by
// URL, so two live runs on the same target would blind each other's stall
// detection. Execute blocks until every worker has finished or the context
// is cancelled; cancelled targets still get a synthesized error result.
func (p *Pool) Execute(ctx context.Context, targets []string, tpl *schemas.SubmissionTemplate) []schemas.Result {
	indexes := make(map[string][]int, len(targets))
	unique := make([]string, 0, len(targets))
	for i, target := range targets {
		if _, seen := indexes[target]; !seen {
			unique = append(unique, target)
		}
		indexes[target] = append(indexes[target], i)
	}

	p.log.Info("Starting batch",
		zap.Int("targets", len(targets)),
		zap.Int("unique", len(unique)),
		zap.Int64("concurrency", p.concurrency),
		zap.String("template", tpl.Name),
	)

	sem := semaphore.NewWeighted(p.concurrency)
	results := make([]schemas.Result, len(targets))
	var wg sync.WaitGroup

	for _, target := range unique {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, idx := range indexes[target] {
				results[idx] = schemas.Result{
					URL:            target,
					Status:         schemas.StatusError,
					Message:        "batch cancelled before run started",
					CaptchaOutcome: schemas.CaptchaNone,
				}
			}
			continue
		}

		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			defer sem.Release(1)
			res := p.runOne(ctx, url, tpl)
			for _, idx := range indexes[url] {
				results[idx] = res
			}
		}(target)
	}

	wg.Wait()
	p.log.Info("Batch complete", zap.Int("targets", len(targets)))
	return results
}

// runOne executes a single run under its timeout while watching its
// heartbeat. A stale heartbeat cancels the run and marks the result stalled.
func (p *Pool) runOne(ctx context.Context, target string, tpl *schemas.SubmissionTemplate) schemas.Result {
	runCtx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()

	done := make(chan schemas.Result, 1)
	go func() {
		done <- p.runner.Run(runCtx, target, tpl)
	}()

	ticker := time.NewTicker(p.monitorInterval)
	defer ticker.Stop()

	stalled := false
	for {
		select {
		case res := <-done:
			if stalled {
				return p.stalledResult(res.RunID, target, res.CaptchaOutcome, res.Duration)
			}
			return res

		case <-ticker.C:
			if stalled {
				continue
			}
			if p.heartbeats.Stale(target, p.stallThreshold) {
				p.log.Warn("Worker heartbeat stale, cancelling run",
					zap.String("url", target),
					zap.Duration("threshold", p.stallThreshold),
				)
				stalled = true
				cancel()
				// The runner folds the cancellation into its result; give it
				// a bounded window to unwind.
				select {
				case res := <-done:
					return p.stalledResult(res.RunID, target, res.CaptchaOutcome, res.Duration)
				case <-time.After(stallGrace):
					p.log.Error("Stalled run did not unwind in time", zap.String("url", target))
					return p.stalledResult("", target, schemas.CaptchaNone, p.runTimeout)
				}
			}

		case <-runCtx.Done():
			// Timeout or batch cancellation; the runner still owns the
			// result and returns promptly once its context ends.
			res := <-done
			if stalled {
				return p.stalledResult(res.RunID, target, res.CaptchaOutcome, res.Duration)
			}
			return res
		}
	}
}

func (p *Pool) stalledResult(runID, target string, outcome schemas.CaptchaOutcome, dur time.Duration) schemas.Result {
	return schemas.Result{
		RunID:          runID,
		URL:            target,
		Status:         schemas.StatusError,
		Message:        "worker heartbeat went stale; run cancelled",
		CaptchaOutcome: outcome,
		Duration:       dur,
		Stalled:        true,
	}
}
