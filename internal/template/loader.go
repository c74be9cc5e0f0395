// File: internal/template/loader.go
// Description: Loads operator-authored submission templates. A template is a
// versioned YAML document loaded once per batch; the resulting snapshot is
// immutable for the lifetime of every run bound to it.

package template

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/formrelay/formrelay-cli/api/schemas"
)

// Defaults fill template gaps from application config.
type Defaults struct {
	SettleWait      time.Duration
	LocalTimeout    time.Duration
	ExternalTimeout time.Duration
	ManualTimeout   time.Duration
	PreActionWait   time.Duration
}

// Load reads, validates and defaults a template snapshot from path.
func Load(path string, defs Defaults) (*schemas.SubmissionTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", path, err)
	}

	var tpl schemas.SubmissionTemplate
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&tpl); err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", path, err)
	}

	applyDefaults(&tpl, defs)
	if err := Validate(&tpl); err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return &tpl, nil
}

func applyDefaults(tpl *schemas.SubmissionTemplate, defs Defaults) {
	if tpl.SettleWait <= 0 {
		tpl.SettleWait = defs.SettleWait
	}
	if tpl.Captcha.Mode == "" {
		tpl.Captcha.Mode = schemas.CaptchaModeHybrid
	}
	if tpl.Captcha.LocalTimeout <= 0 {
		tpl.Captcha.LocalTimeout = defs.LocalTimeout
	}
	if tpl.Captcha.ExternalTimeout <= 0 {
		tpl.Captcha.ExternalTimeout = defs.ExternalTimeout
	}
	if tpl.Captcha.ManualTimeout <= 0 {
		tpl.Captcha.ManualTimeout = defs.ManualTimeout
	}
	for i := range tpl.PreActions {
		if tpl.PreActions[i].Timeout <= 0 {
			tpl.PreActions[i].Timeout = defs.PreActionWait
		}
	}
}

// Validate checks a template for structural problems an operator must fix.
func Validate(tpl *schemas.SubmissionTemplate) error {
	if tpl.Name == "" {
		return fmt.Errorf("name is required")
	}
	if tpl.Version <= 0 {
		return fmt.Errorf("version must be a positive integer")
	}
	if len(tpl.Fields) == 0 {
		return fmt.Errorf("at least one field mapping is required")
	}
	for i, f := range tpl.Fields {
		if f.Selector == "" && f.Role == "" {
			return fmt.Errorf("field %d: either selector or role must be set", i)
		}
		if f.Value == "" && !f.Optional {
			return fmt.Errorf("field %d: value is required for non-optional fields", i)
		}
	}
	for i, a := range tpl.PreActions {
		switch a.Kind {
		case schemas.PreActionClick:
			if a.Selector == "" {
				return fmt.Errorf("pre-action %d: click requires a selector", i)
			}
		case schemas.PreActionScript:
			if a.Script == "" {
				return fmt.Errorf("pre-action %d: script body is required", i)
			}
		case schemas.PreActionWait:
			// timeout is the wait itself
		default:
			return fmt.Errorf("pre-action %d: unknown kind %q", i, a.Kind)
		}
	}
	switch tpl.Captcha.Mode {
	case schemas.CaptchaModeLocal, schemas.CaptchaModeExternal,
		schemas.CaptchaModeHybrid, schemas.CaptchaModeManualWait:
	default:
		return fmt.Errorf("captcha.mode %q is not one of local, external, hybrid, manual-wait", tpl.Captcha.Mode)
	}
	return nil
}
