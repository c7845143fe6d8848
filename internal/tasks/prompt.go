package tasks

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/antoniostano/handoff/internal/domain"
)

const DefaultPromptTemplate = `Task #{{.ID}} from {{.Source}}: {{.Summary}}
{{- if .Details}}

{{.Details}}
{{- end}}
{{- if .ReferenceURL}}

Reference: {{.ReferenceURL}}
{{- end}}

When you are done, complete task {{.ID}} with a short summary of the result.`

// PromptSource supplies the template text used for an agent. An empty string falls
// back to DefaultPromptTemplate.
type PromptSource interface {
	PromptTemplate(agent string) string
}

type promptData struct {
	ID           int64
	Source       string
	Target       string
	Summary      string
	Details      string
	Reference    string
	ReferenceURL string
}

// Prompts renders the text handed to an agent when it receives a task. Parsed
// templates are cached by source text.
type Prompts struct {
	source PromptSource

	mu     sync.Mutex
	parsed map[string]*template.Template
}

func NewPrompts(source PromptSource) *Prompts {
	return &Prompts{source: source, parsed: make(map[string]*template.Template)}
}

func (p *Prompts) Render(task domain.Task) (string, error) {
	text := ""
	if p != nil && p.source != nil {
		text = strings.TrimSpace(p.source.PromptTemplate(task.TargetAgent))
	}
	if text == "" {
		text = DefaultPromptTemplate
	}
	tmpl, err := p.template(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptData{
		ID:           task.ID,
		Source:       task.SourceAgent,
		Target:       task.TargetAgent,
		Summary:      task.Summary,
		Details:      task.Details,
		Reference:    task.Reference,
		ReferenceURL: task.ReferenceURL,
	}); err != nil {
		return "", fmt.Errorf("render prompt for task %d: %w", task.ID, err)
	}
	return buf.String(), nil
}

func (p *Prompts) template(text string) (*template.Template, error) {
	if p == nil {
		return template.New("prompt").Option("missingkey=zero").Parse(text)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.parsed[text]; ok {
		return t, nil
	}
	t, err := template.New("prompt").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	p.parsed[text] = t
	return t, nil
}

// ValidatePromptTemplate reports whether text parses as a prompt template.
func ValidatePromptTemplate(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := template.New("prompt").Parse(text)
	return err
}
