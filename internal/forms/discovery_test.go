package forms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
)

// probeSession feeds canned probe output to the discovery engine.
type probeSession struct {
	forms []pageForm
	err   error
}

func (s *probeSession) Evaluate(ctx context.Context, script string, out any) error {
	if s.err != nil {
		return s.err
	}
	*(out.(*[]pageForm)) = s.forms
	return nil
}

func (s *probeSession) Navigate(context.Context, string) error     { return nil }
func (s *probeSession) Click(context.Context, string) error        { return nil }
func (s *probeSession) Fill(context.Context, string, string) error { return nil }
func (s *probeSession) WaitVisible(context.Context, string) error  { return nil }
func (s *probeSession) Content(context.Context) (string, error)    { return "", nil }
func (s *probeSession) TargetURL(context.Context) (string, error)  { return "", nil }
func (s *probeSession) Close(context.Context) error                { return nil }

func visibleText(selector, name string) pageElement {
	return pageElement{Tag: "input", Type: "text", Name: name, Selector: selector, Visible: true}
}

func TestDiscoverPrimaryForm_Classification(t *testing.T) {
	session := &probeSession{forms: []pageForm{{
		Selector: "#contact",
		Elements: []pageElement{
			visibleText("#contact input[name=\"full_name\"]", "full_name"),
			{Tag: "input", Type: "email", Name: "work_email", Selector: "#email-input", Visible: true},
			{Tag: "input", Type: "tel", Name: "phone_number", Selector: "#phone-input", Visible: true},
			visibleText("#contact input[name=\"company\"]", "company"),
			{Tag: "textarea", Name: "your_message", Selector: "#message-area", Visible: true},
		},
	}}}

	form, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "#contact", form.Selector)
	require.Len(t, form.Fields, 5)

	roles := make(map[schemas.FieldRole]string)
	for _, f := range form.Fields {
		roles[f.Role] = f.Selector
		assert.False(t, f.Positional)
	}
	assert.Equal(t, "#email-input", roles[schemas.RoleEmail])
	assert.Equal(t, "#phone-input", roles[schemas.RolePhone])
	assert.Contains(t, roles[schemas.RoleName], "full_name")
	assert.Contains(t, roles[schemas.RoleCompany], "company")
	assert.Equal(t, "#message-area", roles[schemas.RoleMessage])
}

func TestDiscoverPrimaryForm_LabelFallback(t *testing.T) {
	// Element attributes carry no hints; the associated label text does.
	session := &probeSession{forms: []pageForm{{
		Selector: "#f",
		HTML:     `<form id="f"><label for="x1">Your Email</label><input id="x1"></form>`,
		Elements: []pageElement{
			{Tag: "input", Type: "text", ID: "x1", Selector: "#x1", Visible: true},
		},
	}}}

	form, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, form.Fields, 1)
	assert.Equal(t, schemas.RoleEmail, form.Fields[0].Role)
}

func TestDiscoverPrimaryForm_ExcludesHoneypots(t *testing.T) {
	session := &probeSession{forms: []pageForm{{
		Selector: "#f",
		Elements: []pageElement{
			{Tag: "input", Type: "email", Name: "email", Selector: "#real", Visible: true},
			{Tag: "input", Type: "text", Name: "email_confirm_hp", Selector: "#trap", Visible: true, Honeypot: true},
			{Tag: "input", Type: "hidden", Name: "csrf", Selector: "#hidden", Visible: false},
		},
	}}}

	form, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, form.Fields, 1)
	assert.Equal(t, "#real", form.Fields[0].Selector)
}

func TestDiscoverPrimaryForm_SelectsHighestScoring(t *testing.T) {
	search := pageForm{
		Selector: "#search",
		Elements: []pageElement{
			{Tag: "input", Type: "search", Name: "q", Selector: "#q", Visible: true},
		},
	}
	contact := pageForm{
		Selector: "#contact",
		Elements: []pageElement{
			{Tag: "input", Type: "email", Name: "email", Selector: "#e", Visible: true},
			{Tag: "textarea", Name: "message", Selector: "#m", Visible: true},
		},
	}
	session := &probeSession{forms: []pageForm{search, contact}}

	form, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "#contact", form.Selector, "the form with more fillable weight wins")
}

func TestDiscoverPrimaryForm_TieBreaksByDocumentOrder(t *testing.T) {
	a := pageForm{
		Selector: "#first",
		Elements: []pageElement{{Tag: "input", Type: "email", Name: "email", Selector: "#a", Visible: true}},
	}
	b := pageForm{
		Selector: "#second",
		Elements: []pageElement{{Tag: "input", Type: "email", Name: "email", Selector: "#b", Visible: true}},
	}
	session := &probeSession{forms: []pageForm{a, b}}

	form, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "#first", form.Selector)
}

func TestDiscoverPrimaryForm_PositionalFallback(t *testing.T) {
	session := &probeSession{forms: []pageForm{{
		Selector: "#f",
		Elements: []pageElement{
			visibleText("#f1", "field_one"),
			visibleText("#f2", "field_two"),
			{Tag: "textarea", Name: "field_three", Selector: "#f3", Visible: true},
		},
	}}}

	form, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, form.Fields, 3)

	assert.Equal(t, schemas.PositionalRoles[0], form.Fields[0].Role)
	assert.Equal(t, schemas.PositionalRoles[1], form.Fields[1].Role)
	assert.Equal(t, schemas.PositionalRoles[2], form.Fields[2].Role)
	for _, f := range form.Fields {
		assert.True(t, f.Positional)
	}
}

func TestDiscoverPrimaryForm_PositionalCap(t *testing.T) {
	var elements []pageElement
	for i := 0; i < 8; i++ {
		elements = append(elements, visibleText("#x", "aa"))
	}
	session := &probeSession{forms: []pageForm{{Selector: "#f", Elements: elements}}}

	form, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
	require.NoError(t, err)
	assert.Len(t, form.Fields, maxPositionalFields)
}

func TestDiscoverPrimaryForm_NoForm(t *testing.T) {
	t.Run("no forms at all", func(t *testing.T) {
		session := &probeSession{}
		_, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
		assert.ErrorIs(t, err, schemas.ErrNoForm)
	})

	t.Run("forms with nothing fillable", func(t *testing.T) {
		session := &probeSession{forms: []pageForm{{
			Selector: "#f",
			Elements: []pageElement{
				{Tag: "input", Type: "hidden", Name: "token", Selector: "#t", Visible: false},
			},
		}}}
		_, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
		assert.ErrorIs(t, err, schemas.ErrNoForm)
	})
}

func TestDiscoverPrimaryForm_ProbeFailure(t *testing.T) {
	session := &probeSession{err: errors.New("execution context destroyed")}
	_, err := NewEngine(zap.NewNop()).DiscoverPrimaryForm(context.Background(), session)
	require.Error(t, err)
	assert.NotErrorIs(t, err, schemas.ErrNoForm)
}

func TestMatchRole(t *testing.T) {
	tests := []struct {
		value string
		role  schemas.FieldRole
		ok    bool
	}{
		{"email", schemas.RoleEmail, true},
		{"work_e-mail", schemas.RoleEmail, true},
		{"tel", schemas.RolePhone, true},
		{"mobile_number", schemas.RolePhone, true},
		{"organisation", schemas.RoleCompany, true},
		{"subject", schemas.RoleSubject, true},
		{"your_message", schemas.RoleMessage, true},
		{"full-name", schemas.RoleName, true},
		{"nickname", schemas.RoleUnknown, false},
		{"text", schemas.RoleUnknown, false},
	}
	for _, tc := range tests {
		role, ok := matchRole(tc.value)
		assert.Equal(t, tc.ok, ok, tc.value)
		if tc.ok {
			assert.Equal(t, tc.role, role, tc.value)
		}
	}
}
