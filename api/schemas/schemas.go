// File: api/schemas/schemas.go
// Description: Core data model shared across the submission engine: templates,
// runs, captcha outcomes and batch results.

package schemas

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a single submission run.
// Transitions are monotonic: pending -> running -> {success|failed|error},
// each entered exactly once.
type RunStatus string

const (
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusError   RunStatus = "error"
)

// Terminal reports whether the status ends the run lifecycle.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusError
}

// CaptchaOutcome summarizes how challenge resolution ended for a run.
type CaptchaOutcome string

const (
	CaptchaNone           CaptchaOutcome = "none"
	CaptchaSolvedLocal    CaptchaOutcome = "solved_local"
	CaptchaSolvedExternal CaptchaOutcome = "solved_external"
	CaptchaSolvedManual   CaptchaOutcome = "solved_manual"
	CaptchaTimedOut       CaptchaOutcome = "timed_out"
	CaptchaUnsolved       CaptchaOutcome = "unsolved"
)

// FieldRole is the semantic classification of a fillable form element.
type FieldRole string

const (
	RoleName    FieldRole = "name"
	RoleEmail   FieldRole = "email"
	RolePhone   FieldRole = "phone"
	RoleCompany FieldRole = "company"
	RoleSubject FieldRole = "subject"
	RoleMessage FieldRole = "message"
	RoleUnknown FieldRole = "unknown"
)

// PositionalRoles is the assignment order used when no element matches any
// role pattern and the discovery engine falls back to visible order.
var PositionalRoles = []FieldRole{RoleName, RoleEmail, RoleSubject, RoleMessage, RoleCompany}

// FieldMapping binds a template value to a form element, either by explicit
// CSS selector or by semantic role discovered at run time.
type FieldMapping struct {
	Selector string    `yaml:"selector,omitempty" json:"selector,omitempty"`
	Role     FieldRole `yaml:"role,omitempty" json:"role,omitempty"`
	Value    string    `yaml:"value" json:"value"`
	Optional bool      `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// PreActionKind enumerates the supported pre-submission page actions.
type PreActionKind string

const (
	PreActionClick  PreActionKind = "click"
	PreActionWait   PreActionKind = "wait"
	PreActionScript PreActionKind = "script"
)

// PreAction is one ordered page action executed before field filling, e.g.
// dismissing a consent banner. Failures are non-fatal unless Required is set.
type PreAction struct {
	Kind     PreActionKind `yaml:"kind" json:"kind"`
	Selector string        `yaml:"selector,omitempty" json:"selector,omitempty"`
	Script   string        `yaml:"script,omitempty" json:"script,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Required bool          `yaml:"required,omitempty" json:"required,omitempty"`
}

// CaptchaMode selects which solver tiers a run may use.
type CaptchaMode string

const (
	CaptchaModeLocal      CaptchaMode = "local"
	CaptchaModeExternal   CaptchaMode = "external"
	CaptchaModeHybrid     CaptchaMode = "hybrid"
	CaptchaModeManualWait CaptchaMode = "manual-wait"
)

// CaptchaPolicy is the template's challenge-resolution contract.
type CaptchaPolicy struct {
	Mode CaptchaMode `yaml:"mode" json:"mode"`
	// LocalTimeout bounds one local attempt (checkbox or audio path alike).
	LocalTimeout time.Duration `yaml:"local_timeout,omitempty" json:"local_timeout,omitempty"`
	// ExternalTimeout bounds the whole paid-solver fallback, submit + polling.
	ExternalTimeout time.Duration `yaml:"external_timeout,omitempty" json:"external_timeout,omitempty"`
	// ManualTimeout bounds the interactive human-solve wait.
	ManualTimeout time.Duration `yaml:"manual_timeout,omitempty" json:"manual_timeout,omitempty"`
	// Required fails the run when the challenge stays unsolved.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
}

// AllowsLocal reports whether a local solve attempt is permitted.
func (p CaptchaPolicy) AllowsLocal() bool {
	return p.Mode == CaptchaModeLocal || p.Mode == CaptchaModeHybrid
}

// AllowsExternal reports whether the paid fallback is permitted.
func (p CaptchaPolicy) AllowsExternal() bool {
	return p.Mode == CaptchaModeExternal || p.Mode == CaptchaModeHybrid
}

// SubmissionTemplate is an operator-authored, versioned configuration bound
// immutably to a run. One template snapshot drives a whole batch.
type SubmissionTemplate struct {
	Name    string `yaml:"name" json:"name"`
	Version int    `yaml:"version" json:"version"`
	Site    string `yaml:"site,omitempty" json:"site,omitempty"`

	Fields     []FieldMapping `yaml:"fields" json:"fields"`
	PreActions []PreAction    `yaml:"pre_actions,omitempty" json:"pre_actions,omitempty"`

	SubmitSelector string   `yaml:"submit_selector,omitempty" json:"submit_selector,omitempty"`
	SuccessPhrases []string `yaml:"success_phrases,omitempty" json:"success_phrases,omitempty"`

	// SettleWait is how long the page is given to settle after submit before
	// the outcome is classified.
	SettleWait time.Duration `yaml:"settle_wait,omitempty" json:"settle_wait,omitempty"`

	// VisibleSolve requests a rendering browser surface (virtual display)
	// because local challenge solving is unreliable in headless mode.
	VisibleSolve bool `yaml:"visible_solve,omitempty" json:"visible_solve,omitempty"`

	Captcha CaptchaPolicy `yaml:"captcha" json:"captcha"`
}

// SubmissionRun records one attempt against one URL.
type SubmissionRun struct {
	ID              string         `json:"id"`
	TargetURL       string         `json:"target_url"`
	TemplateName    string         `json:"template_name"`
	TemplateVersion int            `json:"template_version"`
	Status          RunStatus      `json:"status"`
	Message         string         `json:"message,omitempty"`
	CaptchaOutcome  CaptchaOutcome `json:"captcha_outcome"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at,omitempty"`
	// HeartbeatKey names this run's record in the heartbeat registry. It is
	// the target URL so the pool's stall monitor can watch a run it did not
	// assign an ID to; the pool collapses duplicate batch targets so at most
	// one live run holds a given key.
	HeartbeatKey string `json:"heartbeat_key,omitempty"`
}

// NewSubmissionRun creates a pending run bound to a template snapshot.
func NewSubmissionRun(targetURL string, tpl *SubmissionTemplate) *SubmissionRun {
	return &SubmissionRun{
		ID:              uuid.New().String(),
		TargetURL:       targetURL,
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Status:          StatusPending,
		CaptchaOutcome:  CaptchaNone,
		HeartbeatKey:    targetURL,
	}
}

// Result is the sole return channel of a run: a single structured outcome.
type Result struct {
	RunID          string         `json:"run_id"`
	URL            string         `json:"url"`
	Status         RunStatus      `json:"status"`
	Message        string         `json:"message,omitempty"`
	CaptchaOutcome CaptchaOutcome `json:"captcha_outcome"`
	Duration       time.Duration  `json:"duration"`
	// Stalled marks results synthesized by the pool for workers whose
	// heartbeat went stale; Status is error in that case.
	Stalled bool `json:"stalled,omitempty"`
}
