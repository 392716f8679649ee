package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template defines a reusable message with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Template ids.
const (
	TemplatePasswordReset = "password-reset"
	TemplateStaffWelcome  = "staff-welcome"
	TemplatePlanSubmitted = "plan-submitted"
	TemplatePlanNeedsCD   = "plan-awaits-director"
	TemplatePlanApproved  = "plan-approved"
	TemplatePlanRejected  = "plan-rejected"
	TemplatePlanActivated = "plan-activated"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplatePasswordReset,
			Subject: "Reset your password",
			Body:    "A password reset was requested for your account. Use this link within one hour: {{reset_link}}\nIf you did not request this, ignore this message.",
		},
		{
			ID:      TemplateStaffWelcome,
			Subject: "You have been added to {{organization}}",
			Body:    "{{inviter}} added you to {{organization}} as {{role}}. Set your password here: {{reset_link}}",
		},
		{
			ID:      TemplatePlanSubmitted,
			Subject: "Treatment plan awaiting BCBA review",
			Body:    "{{actor}} submitted \"{{title}}\" (v{{version}}) for review.",
		},
		{
			ID:      TemplatePlanNeedsCD,
			Subject: "Treatment plan awaiting director approval",
			Body:    "{{actor}} completed BCBA review of \"{{title}}\" (v{{version}}).",
		},
		{
			ID:      TemplatePlanApproved,
			Subject: "Treatment plan approved",
			Body:    "{{actor}} approved \"{{title}}\" (v{{version}}).",
		},
		{
			ID:      TemplatePlanRejected,
			Subject: "Treatment plan rejected",
			Body:    "{{actor}} rejected \"{{title}}\" (v{{version}}): {{reason}}",
		},
		{
			ID:      TemplatePlanActivated,
			Subject: "Treatment plan active",
			Body:    "{{actor}} activated \"{{title}}\" (v{{version}}).",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
