package captcha

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
)

// -- Fakes --

// fakeSurface simulates a challenge widget with per-test behavior.
type fakeSurface struct {
	present        func(ctx context.Context) (bool, error)
	clickCheckbox  func(ctx context.Context) error
	token          func(ctx context.Context) (string, error)
	subChallenge   func(ctx context.Context) (bool, error)
	switchToAudio  func(ctx context.Context) error
	audioURL       func(ctx context.Context) (string, error)
	submitAnswer   func(ctx context.Context, transcript string) error
	siteKey        func(ctx context.Context) (string, error)
	pageURL        func(ctx context.Context) (string, error)
}

func (f *fakeSurface) Present(ctx context.Context) (bool, error) {
	if f.present != nil {
		return f.present(ctx)
	}
	return true, nil
}

func (f *fakeSurface) ClickCheckbox(ctx context.Context) error {
	if f.clickCheckbox != nil {
		return f.clickCheckbox(ctx)
	}
	return nil
}

func (f *fakeSurface) Token(ctx context.Context) (string, error) {
	if f.token != nil {
		return f.token(ctx)
	}
	return "", nil
}

func (f *fakeSurface) SubChallengeVisible(ctx context.Context) (bool, error) {
	if f.subChallenge != nil {
		return f.subChallenge(ctx)
	}
	return false, nil
}

func (f *fakeSurface) SwitchToAudio(ctx context.Context) error {
	if f.switchToAudio != nil {
		return f.switchToAudio(ctx)
	}
	return nil
}

func (f *fakeSurface) AudioURL(ctx context.Context) (string, error) {
	if f.audioURL != nil {
		return f.audioURL(ctx)
	}
	return "https://challenge.example/audio.mp3", nil
}

func (f *fakeSurface) SubmitAnswer(ctx context.Context, transcript string) error {
	if f.submitAnswer != nil {
		return f.submitAnswer(ctx, transcript)
	}
	return nil
}

func (f *fakeSurface) SiteKey(ctx context.Context) (string, error) {
	if f.siteKey != nil {
		return f.siteKey(ctx)
	}
	return "site-key-123", nil
}

func (f *fakeSurface) PageURL(ctx context.Context) (string, error) {
	if f.pageURL != nil {
		return f.pageURL(ctx)
	}
	return "https://target.example/contact", nil
}

// fakeSTT returns a canned transcript.
type fakeSTT struct {
	transcript string
	err        error
	calls      atomic.Int32
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	f.calls.Add(1)
	return f.transcript, f.err
}

// fakeSolver scripts the external provider's answers.
type fakeSolver struct {
	submitErr error
	results   []schemas.PollResult
	pollErr   error
	submits   atomic.Int32
	polls     atomic.Int32
}

func (f *fakeSolver) Submit(ctx context.Context, siteKey, pageURL string) (string, error) {
	f.submits.Add(1)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeSolver) Poll(ctx context.Context, jobID string) (schemas.PollResult, error) {
	n := int(f.polls.Add(1)) - 1
	if f.pollErr != nil {
		return schemas.PollResult{}, f.pollErr
	}
	if n >= len(f.results) {
		n = len(f.results) - 1
	}
	return f.results[n], nil
}

func testEngine(t *testing.T, stt schemas.SpeechToText, external schemas.ExternalSolver) *Engine {
	t.Helper()
	return NewEngine(zap.NewNop(), stt, external, config.CaptchaConfig{PollInterval: 5 * time.Millisecond})
}

// -- Tests --

func TestResolve_CheckboxFastPath(t *testing.T) {
	surface := &fakeSurface{
		token: func(ctx context.Context) (string, error) { return "tok-abc", nil },
	}
	e := testEngine(t, &fakeSTT{transcript: "unused"}, nil)

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeLocal, LocalTimeout: time.Second})
	require.True(t, out.Solved())
	assert.Equal(t, "tok-abc", out.Token)
	assert.Equal(t, ViaLocal, out.Via)
	assert.Equal(t, schemas.CaptchaSolvedLocal, out.CaptchaOutcome())
}

func TestResolve_AudioPath(t *testing.T) {
	var answered atomic.Bool
	surface := &fakeSurface{
		token: func(ctx context.Context) (string, error) {
			if answered.Load() {
				return "tok-audio", nil
			}
			return "", nil
		},
		subChallenge: func(ctx context.Context) (bool, error) { return true, nil },
		submitAnswer: func(ctx context.Context, transcript string) error {
			assert.Equal(t, "three green apples", transcript)
			answered.Store(true)
			return nil
		},
	}
	stt := &fakeSTT{transcript: "three green apples"}
	e := testEngine(t, stt, nil)
	e.fetch = func(ctx context.Context, url string) ([]byte, string, error) {
		return []byte("audio-bytes"), "audio/mpeg", nil
	}

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeLocal, LocalTimeout: 5 * time.Second})
	require.True(t, out.Solved())
	assert.Equal(t, ViaLocal, out.Via)
	assert.Equal(t, int32(1), stt.calls.Load())
}

func TestResolve_EmptyTranscriptIsFailureNotCrash(t *testing.T) {
	surface := &fakeSurface{
		subChallenge: func(ctx context.Context) (bool, error) { return true, nil },
	}
	e := testEngine(t, &fakeSTT{transcript: "   "}, nil)
	e.fetch = func(ctx context.Context, url string) ([]byte, string, error) {
		return []byte("audio"), "audio/mpeg", nil
	}

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeLocal, LocalTimeout: 5 * time.Second})
	assert.False(t, out.Solved())
	assert.Equal(t, schemas.CaptchaUnsolved, out.CaptchaOutcome())
}

func TestResolve_LocalTimeoutBound(t *testing.T) {
	// The widget never responds; Resolve must return within the local
	// timeout plus scheduling slack, never hang.
	surface := &fakeSurface{
		clickCheckbox: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	e := testEngine(t, &fakeSTT{}, nil)

	const timeout = 80 * time.Millisecond
	start := time.Now()
	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeLocal, LocalTimeout: timeout})
	elapsed := time.Since(start)

	assert.False(t, out.Solved())
	assert.Equal(t, StateLocalTimeout, out.State)
	assert.Equal(t, schemas.CaptchaTimedOut, out.CaptchaOutcome())
	assert.Less(t, elapsed, timeout+500*time.Millisecond, "resolve must respect the local timeout")
}

func TestResolve_ExternalFallbackAfterLocalTimeout(t *testing.T) {
	var localDone atomic.Bool
	surface := &fakeSurface{
		clickCheckbox: func(ctx context.Context) error {
			<-ctx.Done()
			localDone.Store(true)
			return ctx.Err()
		},
	}
	solver := &fakeSolver{results: []schemas.PollResult{
		{State: schemas.PollPending},
		{State: schemas.PollReady, Token: "tok-ext"},
	}}
	e := testEngine(t, &fakeSTT{}, solver)

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{
		Mode:            schemas.CaptchaModeHybrid,
		LocalTimeout:    50 * time.Millisecond,
		ExternalTimeout: 5 * time.Second,
	})

	require.True(t, out.Solved())
	assert.Equal(t, ViaExternal, out.Via)
	assert.Equal(t, "tok-ext", out.Token)
	assert.Equal(t, schemas.CaptchaSolvedExternal, out.CaptchaOutcome())
	assert.True(t, localDone.Load(), "external tier must not start before the local attempt finishes")
	assert.Equal(t, int32(1), solver.submits.Load())
}

func TestResolve_ExternalOnlySkipsLocal(t *testing.T) {
	clicked := atomic.Bool{}
	surface := &fakeSurface{
		clickCheckbox: func(ctx context.Context) error {
			clicked.Store(true)
			return nil
		},
	}
	solver := &fakeSolver{results: []schemas.PollResult{{State: schemas.PollReady, Token: "tok"}}}
	e := testEngine(t, nil, solver)

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeExternal, ExternalTimeout: 5 * time.Second})
	require.True(t, out.Solved())
	assert.False(t, clicked.Load(), "external mode must not drive the widget checkbox")
}

func TestResolve_ExternalSolverFailure(t *testing.T) {
	surface := &fakeSurface{}
	solver := &fakeSolver{results: []schemas.PollResult{{State: schemas.PollFailed}}}
	e := testEngine(t, nil, solver)

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeExternal, ExternalTimeout: 5 * time.Second})
	assert.False(t, out.Solved())
	assert.Equal(t, schemas.CaptchaUnsolved, out.CaptchaOutcome())
}

func TestResolve_ExternalWindowElapsed(t *testing.T) {
	surface := &fakeSurface{}
	solver := &fakeSolver{results: []schemas.PollResult{{State: schemas.PollPending}}}
	e := testEngine(t, nil, solver)

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeExternal, ExternalTimeout: 30 * time.Millisecond})
	assert.False(t, out.Solved())
	assert.Contains(t, out.Reason, "exhausted")
}

func TestResolve_ManualWait(t *testing.T) {
	var tokenReady atomic.Bool
	surface := &fakeSurface{
		token: func(ctx context.Context) (string, error) {
			if tokenReady.Load() {
				return "tok-human", nil
			}
			return "", nil
		},
	}
	e := testEngine(t, nil, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tokenReady.Store(true)
	}()

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeManualWait, ManualTimeout: 2 * time.Second})
	require.True(t, out.Solved())
	assert.Equal(t, ViaManual, out.Via)
	assert.Equal(t, schemas.CaptchaSolvedManual, out.CaptchaOutcome())
}

func TestResolve_ManualWaitElapsed(t *testing.T) {
	surface := &fakeSurface{}
	e := testEngine(t, nil, nil)

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeManualWait, ManualTimeout: 30 * time.Millisecond})
	assert.False(t, out.Solved())
	assert.Equal(t, schemas.CaptchaUnsolved, out.CaptchaOutcome())
}

func TestResolve_NoSpeechCapability(t *testing.T) {
	surface := &fakeSurface{
		subChallenge: func(ctx context.Context) (bool, error) { return true, nil },
	}
	e := testEngine(t, nil, nil)

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeLocal, LocalTimeout: time.Second})
	assert.False(t, out.Solved())
	assert.Contains(t, out.Reason, "exhausted")
}

func TestResolve_RunCancelledDuringLocalAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	surface := &fakeSurface{
		clickCheckbox: func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	}
	solver := &fakeSolver{results: []schemas.PollResult{{State: schemas.PollReady, Token: "tok"}}}
	e := testEngine(t, nil, solver)

	out := e.Resolve(ctx, surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeHybrid, LocalTimeout: 5 * time.Second})
	assert.False(t, out.Solved())
	assert.Equal(t, int32(0), solver.submits.Load(), "cancellation must not start the external tier")
}

func TestResolve_SiteKeyUnavailable(t *testing.T) {
	surface := &fakeSurface{
		siteKey: func(ctx context.Context) (string, error) { return "", errors.New("no widget") },
	}
	solver := &fakeSolver{results: []schemas.PollResult{{State: schemas.PollReady, Token: "tok"}}}
	e := testEngine(t, nil, solver)

	out := e.Resolve(context.Background(), surface, schemas.CaptchaPolicy{Mode: schemas.CaptchaModeExternal, ExternalTimeout: time.Second})
	assert.False(t, out.Solved())
	assert.Equal(t, int32(0), solver.submits.Load())
}
