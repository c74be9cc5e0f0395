// File: api/schemas/interfaces.go
// Description: Contracts between the engine components. Components accept
// these interfaces and return concrete types, keeping each layer mockable.

package schemas

import (
	"context"
	"time"
)

// PageSession is one isolated browser surface (tab) handed to exactly one
// run at a time. All operations are context-bounded.
type PageSession interface {
	// Navigate loads the URL and classifies hard failures as *NavigationError.
	Navigate(ctx context.Context, url string) error
	// Click waits for the element and clicks it.
	Click(ctx context.Context, selector string) error
	// Fill types the value into the element, clearing prior content.
	Fill(ctx context.Context, selector, value string) error
	// Evaluate runs a script in page context and unmarshals the JSON result
	// into out. A nil out discards the result.
	Evaluate(ctx context.Context, script string, out any) error
	// WaitVisible blocks until the element is visible or the context ends.
	WaitVisible(ctx context.Context, selector string) error
	// Content returns the rendered page text used for outcome classification.
	Content(ctx context.Context) (string, error)
	// TargetURL returns the page's current location.
	TargetURL(ctx context.Context) (string, error)
	// Close releases the surface. Safe to call more than once.
	Close(ctx context.Context) error
}

// SessionOptions select the rendering mode for a new surface.
type SessionOptions struct {
	// Headless runs without a rendering surface; reduced solve reliability.
	Headless bool
	// Display is the X display (e.g. ":104") for visible mode. Ignored when
	// Headless is set.
	Display string
}

// BrowserManager owns the browser process lifecycle and hands out surfaces.
type BrowserManager interface {
	NewSession(ctx context.Context, opts SessionOptions) (PageSession, error)
	Shutdown(ctx context.Context) error
}

// SpeechToText transcribes a short audio payload. Accuracy is best-effort;
// an empty transcript is a solve failure, never a crash.
type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// PollState is the terminality of an external solving job.
type PollState string

const (
	PollPending PollState = "pending"
	PollReady   PollState = "ready"
	PollFailed  PollState = "failed"
)

// PollResult is one answer from the paid solver's result endpoint.
type PollResult struct {
	State PollState
	Token string
}

// ExternalSolver is the paid CAPTCHA-solving collaborator.
type ExternalSolver interface {
	Submit(ctx context.Context, siteKey, pageURL string) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (PollResult, error)
}

// RunStore persists run records for the excluded admin collaborator. The
// engine only creates pending records and advances their status.
type RunStore interface {
	CreateRun(ctx context.Context, run *SubmissionRun) error
	MarkRunning(ctx context.Context, runID string, at time.Time) error
	FinalizeRun(ctx context.Context, run *SubmissionRun) error
}

// Runner executes one end-to-end submission attempt. It never returns an
// error: every failure is folded into the Result.
type Runner interface {
	Run(ctx context.Context, targetURL string, tpl *SubmissionTemplate) Result
}
