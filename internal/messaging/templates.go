package messaging

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template names used by the notification workflow.
const (
	TemplateDailySummary      = "daily_summary"
	TemplateTaskStartPrompt   = "task_start_prompt"
	TemplateTaskStarted       = "task_started"
	TemplateAllTasksComplete  = "all_tasks_complete"
	TemplateTaskAssigned      = "task_assigned"
	TemplateUnrecognizedReply = "unrecognized_reply"
)

var requiredTemplates = []string{
	TemplateDailySummary,
	TemplateTaskStartPrompt,
	TemplateTaskStarted,
	TemplateAllTasksComplete,
	TemplateTaskAssigned,
	TemplateUnrecognizedReply,
}

//go:embed templates.yaml
var defaultTemplates []byte

// Templates is a parsed set of named message templates.
type Templates struct {
	set map[string]*template.Template
}

// DefaultTemplates returns the built-in template set.
func DefaultTemplates() *Templates {
	t, err := ParseTemplatesYAML(defaultTemplates)
	if err != nil {
		panic(fmt.Sprintf("messaging: built-in templates: %v", err))
	}
	return t
}

// ParseTemplatesYAML decodes a name -> body mapping and compiles each body.
func ParseTemplatesYAML(data []byte) (*Templates, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("messaging: templates payload is empty")
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("messaging: decode templates: %w", err)
	}
	t := &Templates{set: make(map[string]*template.Template, len(raw))}
	for name, body := range raw {
		tmpl, err := template.New(name).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("messaging: template %s: %w", name, err)
		}
		t.set[name] = tmpl
	}
	return t, nil
}

// LoadTemplateFile reads overrides from path on top of the built-in set.
// An empty path returns the built-in set unchanged.
func LoadTemplateFile(path string) (*Templates, error) {
	base := DefaultTemplates()
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("messaging: read %s: %w", path, err)
	}
	override, err := ParseTemplatesYAML(data)
	if err != nil {
		return nil, fmt.Errorf("messaging: %s: %w", path, err)
	}
	for name, tmpl := range override.set {
		base.set[name] = tmpl
	}
	return base, nil
}

// Names returns the template names in sorted order.
func (t *Templates) Names() []string {
	names := make([]string, 0, len(t.set))
	for name := range t.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports any template the workflow needs that is missing.
func (t *Templates) Validate() error {
	var missing []string
	for _, name := range requiredTemplates {
		if _, ok := t.set[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("messaging: missing templates: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Render executes the named template and trims surrounding whitespace.
func (t *Templates) Render(name string, data any) (string, error) {
	tmpl, ok := t.set[name]
	if !ok {
		return "", fmt.Errorf("messaging: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("messaging: render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Message renders the named template into a Message carrying params.
func (t *Templates) Message(name string, data any, params map[string]any) (Message, error) {
	body, err := t.Render(name, data)
	if err != nil {
		return Message{}, err
	}
	return Message{Template: name, Body: body, Params: params}, nil
}
