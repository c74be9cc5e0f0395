package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
	"github.com/formrelay/formrelay-cli/internal/heartbeat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner scripts per-target behavior.
type fakeRunner struct {
	run func(ctx context.Context, targetURL string, tpl *schemas.SubmissionTemplate) schemas.Result
}

func (f *fakeRunner) Run(ctx context.Context, targetURL string, tpl *schemas.SubmissionTemplate) schemas.Result {
	return f.run(ctx, targetURL, tpl)
}

func engineCfg() config.EngineConfig {
	return config.EngineConfig{
		Concurrency:     3,
		RunTimeout:      5 * time.Second,
		StallThreshold:  time.Minute,
		MonitorInterval: 10 * time.Millisecond,
	}
}

func targets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://site-%d.example/contact", i)
	}
	return out
}

func TestExecute_OneResultPerTargetInOrder(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, url string, tpl *schemas.SubmissionTemplate) schemas.Result {
		return schemas.Result{URL: url, Status: schemas.StatusSuccess}
	}}
	pool := NewPool(zap.NewNop(), runner, heartbeat.NewRegistry(), engineCfg())

	urls := targets(10)
	results := pool.Execute(context.Background(), urls, &schemas.SubmissionTemplate{Name: "t"})

	require.Len(t, results, len(urls))
	for i, res := range results {
		assert.Equal(t, urls[i], res.URL, "results must be in input order")
		assert.Equal(t, schemas.StatusSuccess, res.Status)
	}
}

func TestExecute_DuplicateTargetsCollapseIntoOneRun(t *testing.T) {
	var runs atomic.Int32
	runner := &fakeRunner{run: func(ctx context.Context, url string, tpl *schemas.SubmissionTemplate) schemas.Result {
		n := runs.Add(1)
		return schemas.Result{RunID: fmt.Sprintf("run-%d", n), URL: url, Status: schemas.StatusSuccess}
	}}
	pool := NewPool(zap.NewNop(), runner, heartbeat.NewRegistry(), engineCfg())

	urls := []string{
		"https://site-0.example/contact",
		"https://twin.example/contact",
		"https://twin.example/contact",
	}
	results := pool.Execute(context.Background(), urls, &schemas.SubmissionTemplate{Name: "t"})

	require.Len(t, results, len(urls))
	assert.Equal(t, int32(2), runs.Load(), "a repeated URL must not start a second live run")
	for i, res := range results {
		assert.Equal(t, urls[i], res.URL, "results must stay in input order")
	}
	assert.Equal(t, results[1].RunID, results[2].RunID, "twin targets share the single run's result")
}

func TestExecute_ConcurrencyBoundNeverExceeded(t *testing.T) {
	var inFlight, peak atomic.Int32
	runner := &fakeRunner{run: func(ctx context.Context, url string, tpl *schemas.SubmissionTemplate) schemas.Result {
		cur := inFlight.Add(1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return schemas.Result{URL: url, Status: schemas.StatusSuccess}
	}}

	cfg := engineCfg()
	cfg.Concurrency = 3
	pool := NewPool(zap.NewNop(), runner, heartbeat.NewRegistry(), cfg)

	pool.Execute(context.Background(), targets(10), &schemas.SubmissionTemplate{Name: "t"})

	assert.LessOrEqual(t, peak.Load(), int32(3), "in-flight runs must never exceed the configured bound")
	assert.Greater(t, peak.Load(), int32(1), "the pool should actually run targets in parallel")
}

func TestExecute_StalledRunCancelledAndMarked(t *testing.T) {
	hb := heartbeat.NewRegistry()
	runner := &fakeRunner{run: func(ctx context.Context, url string, tpl *schemas.SubmissionTemplate) schemas.Result {
		// Beat once, then wedge until the monitor cancels the context.
		hb.Beat(url, "navigate")
		<-ctx.Done()
		return schemas.Result{URL: url, Status: schemas.StatusError, Message: "cancelled"}
	}}

	cfg := engineCfg()
	cfg.StallThreshold = 30 * time.Millisecond
	cfg.MonitorInterval = 10 * time.Millisecond
	pool := NewPool(zap.NewNop(), runner, hb, cfg)

	results := pool.Execute(context.Background(), []string{"https://wedged.example"}, &schemas.SubmissionTemplate{Name: "t"})

	require.Len(t, results, 1)
	assert.True(t, results[0].Stalled)
	assert.Equal(t, schemas.StatusError, results[0].Status)
	assert.Contains(t, results[0].Message, "stale")
}

func TestExecute_HealthyRunNotMarkedStalled(t *testing.T) {
	hb := heartbeat.NewRegistry()
	runner := &fakeRunner{run: func(ctx context.Context, url string, tpl *schemas.SubmissionTemplate) schemas.Result {
		// Keep beating while working longer than the stall threshold.
		for i := 0; i < 6; i++ {
			hb.Beat(url, "working")
			time.Sleep(10 * time.Millisecond)
		}
		return schemas.Result{URL: url, Status: schemas.StatusSuccess}
	}}

	cfg := engineCfg()
	cfg.StallThreshold = 40 * time.Millisecond
	cfg.MonitorInterval = 5 * time.Millisecond
	pool := NewPool(zap.NewNop(), runner, hb, cfg)

	results := pool.Execute(context.Background(), []string{"https://healthy.example"}, &schemas.SubmissionTemplate{Name: "t"})

	require.Len(t, results, 1)
	assert.False(t, results[0].Stalled)
	assert.Equal(t, schemas.StatusSuccess, results[0].Status)
}

func TestExecute_RunTimeoutEndsRun(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, url string, tpl *schemas.SubmissionTemplate) schemas.Result {
		<-ctx.Done()
		return schemas.Result{URL: url, Status: schemas.StatusError, Message: "run timed out"}
	}}

	cfg := engineCfg()
	cfg.RunTimeout = 30 * time.Millisecond
	pool := NewPool(zap.NewNop(), runner, heartbeat.NewRegistry(), cfg)

	start := time.Now()
	results := pool.Execute(context.Background(), []string{"https://slow.example"}, &schemas.SubmissionTemplate{Name: "t"})

	require.Len(t, results, 1)
	assert.Equal(t, schemas.StatusError, results[0].Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_BatchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 16)
	runner := &fakeRunner{run: func(ctx context.Context, url string, tpl *schemas.SubmissionTemplate) schemas.Result {
		started <- struct{}{}
		<-ctx.Done()
		return schemas.Result{URL: url, Status: schemas.StatusError, Message: "batch cancelled"}
	}}

	cfg := engineCfg()
	cfg.Concurrency = 2
	pool := NewPool(zap.NewNop(), runner, heartbeat.NewRegistry(), cfg)

	go func() {
		<-started
		cancel()
	}()

	results := pool.Execute(ctx, targets(6), &schemas.SubmissionTemplate{Name: "t"})

	require.Len(t, results, 6)
	for _, res := range results {
		assert.Equal(t, schemas.StatusError, res.Status)
		assert.NotEmpty(t, res.URL)
	}
}
