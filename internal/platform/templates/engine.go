// Package templates resolves and renders the notification templates shipped
// with the service. Each template is one .gohtml file under
// files/{channel}/{name}/{version}.gohtml defining two named fragments:
// "subject" (plain text) and "content" (HTML).
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"strings"
	"sync"
	"time"
)

//go:embed files
var files embed.FS

// ErrUnknownTemplate is returned when no template exists for the requested
// type, channel and version combination.
var ErrUnknownTemplate = errors.New("unknown template")

// Channel directory names inside the embedded tree.
const (
	dirEmail = "email"
	dirInApp = "in-app"
)

// ChannelVersions selects the configured version per message channel.
type ChannelVersions struct {
	Email string
	InApp string
}

type Engine struct {
	loc      *time.Location
	versions map[string]ChannelVersions

	mu     sync.RWMutex
	parsed map[string]*template.Template
}

func NewEngine(loc *time.Location, versions map[string]ChannelVersions) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		loc:      loc,
		versions: versions,
		parsed:   make(map[string]*template.Template),
	}
}

// Version resolves the configured template version for a notification type
// and message channel.
func (e *Engine) Version(notificationType, messageType string) (string, error) {
	cv, ok := e.versions[notificationType]
	if !ok {
		return "", fmt.Errorf("%w: no versions configured for %s", ErrUnknownTemplate, notificationType)
	}
	var v string
	switch messageType {
	case "EMAIL":
		v = cv.Email
	case "IN_APP":
		v = cv.InApp
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s has no %s template", ErrUnknownTemplate, notificationType, messageType)
	}
	return v, nil
}

// Render executes the subject and content fragments of the template
// identified by channel, name and version. Timestamp variables are
// localized to the engine's zone first; unknown variables render empty.
func (e *Engine) Render(messageType, templateName, version string, vars map[string]any) (subject, body string, err error) {
	tpl, err := e.load(messageType, templateName, version)
	if err != nil {
		return "", "", err
	}

	data := e.localize(vars)

	subject, err = execFragment(tpl, "subject", data)
	if err != nil {
		return "", "", fmt.Errorf("render subject of %s/%s: %w", templateName, version, err)
	}
	subject = strings.Join(strings.Fields(subject), " ")

	body, err = execFragment(tpl, "content", data)
	if err != nil {
		return "", "", fmt.Errorf("render content of %s/%s: %w", templateName, version, err)
	}

	return subject, body, nil
}

func (e *Engine) load(messageType, templateName, version string) (*template.Template, error) {
	dir, err := channelDir(messageType)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("files/%s/%s/%s.gohtml", dir, templateName, version)

	e.mu.RLock()
	tpl, ok := e.parsed[path]
	e.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	raw, err := fs.ReadFile(files, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, path)
	}

	tpl, err = template.New(templateName).
		Option("missingkey=zero").
		Funcs(e.funcMap()).
		Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}

	e.mu.Lock()
	e.parsed[path] = tpl
	e.mu.Unlock()
	return tpl, nil
}

func channelDir(messageType string) (string, error) {
	switch messageType {
	case "EMAIL":
		return dirEmail, nil
	case "IN_APP":
		return dirInApp, nil
	default:
		return "", fmt.Errorf("%w: unsupported message type %q", ErrUnknownTemplate, messageType)
	}
}

// localize returns a copy of vars with absolute timestamps converted to the
// configured zone. Other value types pass through unchanged.
func (e *Engine) localize(vars map[string]any) map[string]any {
	data := make(map[string]any, len(vars))
	for k, v := range vars {
		switch t := v.(type) {
		case time.Time:
			data[k] = t.In(e.loc)
		case *time.Time:
			if t != nil {
				data[k] = t.In(e.loc)
			}
		default:
			data[k] = v
		}
	}
	return data
}

func (e *Engine) funcMap() template.FuncMap {
	return template.FuncMap{
		"formatDate": func(t time.Time) string {
			return t.In(e.loc).Format("2 January 2006")
		},
		"formatDateTime": func(t time.Time) string {
			return t.In(e.loc).Format("2 January 2006 15:04")
		},
		"now": func() time.Time {
			return time.Now().In(e.loc)
		},
	}
}

func execFragment(tpl *template.Template, name string, data map[string]any) (string, error) {
	if tpl.Lookup(name) == nil {
		return "", fmt.Errorf("missing %q fragment", name)
	}
	var buf bytes.Buffer
	if err := tpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return stripNoValue(buf.String()), nil
}

// stripNoValue blanks the placeholder the template runtime prints for
// absent map keys, so unknown variables render as empty strings.
func stripNoValue(s string) string {
	s = strings.ReplaceAll(s, "<no value>", "")
	return strings.ReplaceAll(s, "&lt;no value&gt;", "")
}
