package domain

import "errors"

// ErrTemplateNotFound is returned when a template cannot be found.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateContent is one renderable subject/body pair. The raw text uses
// Go template syntax; compilation happens in the cache layer.
type TemplateContent struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Template is a named message template with per-application, per-mode
// content. Rendering picks Applications[app][mode].
type Template struct {
	Name string `json:"name"`

	// Applications maps application name to its per-mode content.
	Applications map[string]map[Mode]TemplateContent `json:"applications"`
}

// Content returns the subject/body for an application and mode.
func (t *Template) Content(application string, mode Mode) (TemplateContent, bool) {
	modes, ok := t.Applications[application]
	if !ok {
		return TemplateContent{}, false
	}
	c, ok := modes[mode]
	return c, ok
}
