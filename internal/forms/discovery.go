// File: internal/forms/discovery.go
// Description: Locates the best candidate form on a loaded page and
// classifies its inputs into semantic roles. Inspection is read-only; the
// orchestrator does the filling.

package forms

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
)

// maxPositionalFields caps the fallback assignment when no element matches
// any role pattern.
const maxPositionalFields = 5

// Field is one fillable element of the primary form.
type Field struct {
	Selector string
	Role     schemas.FieldRole
	// Positional marks roles assigned by visible order rather than pattern.
	Positional bool
}

// Form is the discovery result handed to the orchestrator.
type Form struct {
	Selector string
	Fields   []Field
}

// pageElement mirrors the per-input descriptor produced by the probe script.
type pageElement struct {
	Tag         string `json:"tag"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	ID          string `json:"id"`
	Placeholder string `json:"placeholder"`
	Label       string `json:"label"`
	Selector    string `json:"selector"`
	Visible     bool   `json:"visible"`
	Honeypot    bool   `json:"honeypot"`
}

// pageForm mirrors the per-form descriptor produced by the probe script.
type pageForm struct {
	Selector string        `json:"selector"`
	HTML     string        `json:"html"`
	Elements []pageElement `json:"elements"`
}

// formProbeJS enumerates every form and its input-like elements, emitting
// stable selectors and visibility/honeypot flags. Runs entirely read-only.
const formProbeJS = `(() => {
	const hpPattern = /honeypot|h-pot|hpot|hp_|_hp|pot\b|trap|winnie/i;
	const visible = (el) => {
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0 && el.offsetParent !== null;
	};
	const selectorFor = (el, formIdx, elIdx) => {
		if (el.id) return '#' + CSS.escape(el.id);
		const base = 'form:nth-of-type(' + (formIdx + 1) + ') ';
		if (el.name) return base + el.tagName.toLowerCase() + '[name="' + CSS.escape(el.name) + '"]';
		return base + el.tagName.toLowerCase() + ':nth-of-type(' + (elIdx + 1) + ')';
	};
	return Array.from(document.forms).map((form, fi) => ({
		selector: form.id ? '#' + CSS.escape(form.id) : 'form:nth-of-type(' + (fi + 1) + ')',
		html: form.outerHTML,
		elements: Array.from(form.querySelectorAll('input, textarea')).map((el, ei) => ({
			tag: el.tagName.toLowerCase(),
			type: (el.type || '').toLowerCase(),
			name: el.name || '',
			id: el.id || '',
			placeholder: el.placeholder || '',
			label: (el.labels && el.labels.length) ? el.labels[0].innerText.trim() : '',
			selector: selectorFor(el, fi, ei),
			visible: visible(el),
			honeypot: el.type === 'hidden'
				|| el.getAttribute('aria-hidden') === 'true'
				|| hpPattern.test(el.name + ' ' + el.id + ' ' + el.className)
		}))
	}));
})()`

// fillableWeights scores elements that count toward form selection.
var fillableWeights = map[string]int{
	"text":     1,
	"email":    2,
	"tel":      1,
	"textarea": 3,
	"":         1, // input without an explicit type behaves as text
}

// rolePatterns are tested in order against each attribute; the name pattern
// comes last because it is the broadest.
var rolePatterns = []struct {
	role schemas.FieldRole
	re   *regexp.Regexp
}{
	{schemas.RoleEmail, regexp.MustCompile(`(?i)e[-_]?mail`)},
	{schemas.RolePhone, regexp.MustCompile(`(?i)phone|mobile|cell|^tel$|telephone`)},
	{schemas.RoleCompany, regexp.MustCompile(`(?i)company|organi[sz]ation|business|firm`)},
	{schemas.RoleSubject, regexp.MustCompile(`(?i)subject|topic|regarding`)},
	{schemas.RoleMessage, regexp.MustCompile(`(?i)message|comment|inquiry|enquiry|question|body|describe`)},
	{schemas.RoleName, regexp.MustCompile(`(?i)(^|[^a-z])name([^a-z]|$)|full[-_ ]?name|your[-_ ]?name`)},
}

// Engine discovers and classifies the primary form of a page.
type Engine struct {
	log *zap.Logger
}

// NewEngine creates a discovery engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{log: logger.Named("forms")}
}

// DiscoverPrimaryForm scores every form on the page, selects the best
// candidate, and classifies its fillable elements. When no element matches
// any role pattern, positional roles are assigned so a submission attempt
// still has content to send: a template's static mapping may reference
// selectors that no longer exist after a target redesigns its page.
func (e *Engine) DiscoverPrimaryForm(ctx context.Context, page schemas.PageSession) (*Form, error) {
	var probed []pageForm
	if err := page.Evaluate(ctx, formProbeJS, &probed); err != nil {
		return nil, fmt.Errorf("form enumeration failed: %w", err)
	}

	primary, score := e.selectPrimary(probed)
	if primary == nil || score == 0 {
		return nil, schemas.ErrNoForm
	}
	e.log.Debug("Selected primary form",
		zap.String("selector", primary.Selector), zap.Int("score", score))

	fields := e.classify(primary)
	if !hasKnownRole(fields) {
		fields = positionalFallback(primary)
		e.log.Warn("No element matched any role pattern; falling back to positional roles",
			zap.Int("fields", len(fields)))
	}

	return &Form{Selector: primary.Selector, Fields: fields}, nil
}

// selectPrimary returns the highest-scoring form; ties break by document
// order, first wins.
func (e *Engine) selectPrimary(probed []pageForm) (*pageForm, int) {
	var best *pageForm
	bestScore := 0
	for i := range probed {
		score := 0
		for _, el := range probed[i].Elements {
			if !el.Visible || el.Honeypot {
				continue
			}
			key := el.Type
			if el.Tag == "textarea" {
				key = "textarea"
			}
			score += fillableWeights[key]
		}
		if score > bestScore {
			best = &probed[i]
			bestScore = score
		}
	}
	return best, bestScore
}

// classify assigns a semantic role to each fillable element, testing name,
// id, placeholder, label text, then type, in that priority order. The first
// match wins; unmatched elements stay RoleUnknown.
func (e *Engine) classify(form *pageForm) []Field {
	doc := parseFormMarkup(form.HTML)

	var fields []Field
	for _, el := range form.Elements {
		if !isFillable(el) {
			continue
		}
		label := el.Label
		if label == "" && el.ID != "" && doc != nil {
			label = strings.TrimSpace(doc.Find(fmt.Sprintf("label[for=%q]", el.ID)).Text())
		}

		role := schemas.RoleUnknown
		for _, attr := range []string{el.Name, el.ID, el.Placeholder, label, el.Type} {
			if attr == "" {
				continue
			}
			if r, ok := matchRole(attr); ok {
				role = r
				break
			}
		}
		fields = append(fields, Field{Selector: el.Selector, Role: role})
	}
	return fields
}

// matchRole tests one attribute value against the role pattern sets. The
// type attribute gets exact shortcuts first because "text" would otherwise
// never match anything.
func matchRole(value string) (schemas.FieldRole, bool) {
	switch strings.ToLower(value) {
	case "email":
		return schemas.RoleEmail, true
	case "tel":
		return schemas.RolePhone, true
	}
	for _, rp := range rolePatterns {
		if rp.re.MatchString(value) {
			return rp.role, true
		}
	}
	return schemas.RoleUnknown, false
}

// positionalFallback selects up to five visible text-like elements in
// document order and assigns roles by position.
func positionalFallback(form *pageForm) []Field {
	var fields []Field
	for _, el := range form.Elements {
		if !isFillable(el) {
			continue
		}
		if el.Tag != "textarea" && el.Type != "" && el.Type != "text" && el.Type != "email" && el.Type != "tel" {
			continue
		}
		idx := len(fields)
		if idx >= maxPositionalFields || idx >= len(schemas.PositionalRoles) {
			break
		}
		fields = append(fields, Field{
			Selector:   el.Selector,
			Role:       schemas.PositionalRoles[idx],
			Positional: true,
		})
	}
	return fields
}

func isFillable(el pageElement) bool {
	if !el.Visible || el.Honeypot {
		return false
	}
	if el.Tag == "textarea" {
		return true
	}
	switch el.Type {
	case "", "text", "email", "tel", "search", "url":
		return true
	}
	return false
}

func hasKnownRole(fields []Field) bool {
	for _, f := range fields {
		if f.Role != schemas.RoleUnknown {
			return true
		}
	}
	return false
}

// parseFormMarkup builds a goquery document from the form's outerHTML for
// label association; nil when the markup is unparseable.
func parseFormMarkup(html string) *goquery.Document {
	if html == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	return doc
}
