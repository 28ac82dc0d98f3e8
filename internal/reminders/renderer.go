package reminders

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/bissquit/followup/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Renderer renders reminder notifications from templates.
type Renderer struct {
	templates map[string]*template.Template
}

// Channels with their own templates. Other channels fall back to plain text.
var renderChannels = []string{"email", "mattermost"}

const fallbackChannel = "email"

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":       titleCase,
		"displayName": displayName,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}

	types := []domain.ReminderType{domain.ReminderTypeEmailResponse, domain.ReminderTypeMeetingFollowup}
	for _, channel := range renderChannels {
		for _, t := range types {
			name := templateName(channel, t)
			filename := fmt.Sprintf("templates/%s.tmpl", name)

			content, err := templatesFS.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", filename, err)
			}

			tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", name, err)
			}

			r.templates[name] = tmpl
		}
	}

	return r, nil
}

// Render renders a reminder for the specified channel. Returns subject and body.
func (r *Renderer) Render(channel string, msg Message) (subject, body string, err error) {
	subject = renderSubject(msg)

	tmpl, ok := r.templates[templateName(channel, msg.Type)]
	if !ok {
		tmpl, ok = r.templates[templateName(fallbackChannel, msg.Type)]
	}
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", templateName(channel, msg.Type))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, msg); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", tmpl.Name(), err)
	}

	return subject, strings.TrimSpace(buf.String()), nil
}

func renderSubject(msg Message) string {
	var prefix string
	switch msg.Type {
	case domain.ReminderTypeEmailResponse:
		prefix = "Reply needed"
	case domain.ReminderTypeMeetingFollowup:
		prefix = "Follow up"
	default:
		prefix = "Reminder"
	}
	return fmt.Sprintf("[%s] %s", prefix, displayName(msg))
}

func templateName(channel string, t domain.ReminderType) string {
	return fmt.Sprintf("%s_%s", channel, strings.ReplaceAll(string(t), "-", "_"))
}

// Casers keep state, so each call gets its own.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func displayName(msg Message) string {
	if msg.ContactName != "" {
		return msg.ContactName
	}
	return msg.ContactEmail
}
