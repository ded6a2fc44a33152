package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"herald/internal/domain"
)

// Renderer fills in message subject and body from compiled templates.
// Render failures never block delivery: the message is sent with fallback
// content pointing the recipient at the incident instead.
type Renderer struct {
	templates *Templates
	logger    *slog.Logger
}

// NewRenderer creates a renderer over the given template cache.
func NewRenderer(templates *Templates, logger *slog.Logger) *Renderer {
	return &Renderer{templates: templates, logger: logger}
}

// Render produces the subject and body for a message in place.
func (r *Renderer) Render(ctx context.Context, msg *domain.Message) error {
	if msg.Batch() {
		r.renderBatch(msg)
		return nil
	}

	// Out-of-band messages and responses arrive with content already set.
	if msg.TemplateName == "" {
		return nil
	}

	tpl, err := r.templates.get(ctx, msg.TemplateName)
	if err != nil {
		r.logger.Error("template lookup failed",
			"template", msg.TemplateName, "message_id", msg.ID, "error", err)
		r.renderFallback(msg)
		return nil
	}

	content, exists := tpl.content(msg.Application, msg.Mode)
	if !exists {
		r.logger.Warn("no template content for application and mode",
			"template", msg.TemplateName, "application", msg.Application, "mode", msg.Mode)
		r.renderFallback(msg)
		return nil
	}

	data := r.renderData(msg)
	subject, err := execute(content.subject, data)
	if err == nil {
		msg.Subject = subject
		var body string
		body, err = execute(content.body, data)
		if err == nil {
			msg.Body = body
		}
	}
	if err != nil {
		r.logger.Error("template execution failed",
			"template", msg.TemplateName, "message_id", msg.ID, "error", err)
		r.renderFallback(msg)
		return nil
	}

	r.decorateSubject(msg)
	return nil
}

// RenderTracking renders an ad-hoc tracking template for a message. Tracking
// templates live on the plan rather than in the template store, so they are
// parsed here on demand.
func (r *Renderer) RenderTracking(msg *domain.Message, content domain.TemplateContent) error {
	subjectTpl, err := template.New("tracking/subject").Parse(content.Subject)
	if err != nil {
		return fmt.Errorf("parse tracking subject: %w", err)
	}
	bodyTpl, err := template.New("tracking/body").Parse(content.Body)
	if err != nil {
		return fmt.Errorf("parse tracking body: %w", err)
	}

	data := r.renderData(msg)
	subject, err := execute(subjectTpl, data)
	if err != nil {
		return fmt.Errorf("render tracking subject: %w", err)
	}
	body, err := execute(bodyTpl, data)
	if err != nil {
		return fmt.Errorf("render tracking body: %w", err)
	}

	msg.Subject = subject
	msg.Body = body
	return nil
}

// renderBatch synthesizes the content of an aggregation batch message.
func (r *Renderer) renderBatch(msg *domain.Message) {
	msg.Subject = fmt.Sprintf("%d messages from %s", len(msg.AggregatedIDs), msg.PlanName)
	msg.Body = fmt.Sprintf(
		"You have %d messages from plan %s for application %s.\nBatch ID: %s",
		len(msg.AggregatedIDs), msg.PlanName, msg.Application, msg.BatchID)
	r.decorateSubject(msg)
}

// renderFallback replaces the content of a message whose template could not
// be rendered. The recipient still gets paged, just without the details.
func (r *Renderer) renderFallback(msg *domain.Message) {
	msg.Subject = fmt.Sprintf("Alert from %s", msg.Application)
	msg.Body = fmt.Sprintf(
		"The content of this message failed to render (template %q). Please review incident %d directly.",
		msg.TemplateName, msg.IncidentID)
	r.decorateSubject(msg)
}

// decorateSubject prefixes the subject of claimable messages with the
// incident ID so replies can be matched back.
func (r *Renderer) decorateSubject(msg *domain.Message) {
	if msg.IncidentID == 0 || msg.NoReply {
		return
	}
	msg.Subject = fmt.Sprintf("[#%d] %s", msg.IncidentID, msg.Subject)
}

// renderData builds the template execution data: the incident context at the
// top level plus a Herald namespace with message metadata.
func (r *Renderer) renderData(msg *domain.Message) map[string]any {
	data := make(map[string]any, len(msg.Context)+1)
	for k, v := range msg.Context {
		data[k] = v
	}
	data["Herald"] = map[string]any{
		"MessageID":   msg.ID,
		"IncidentID":  msg.IncidentID,
		"Application": msg.Application,
		"Plan":        msg.PlanName,
		"Target":      msg.Target,
		"Priority":    string(msg.Priority),
		"Mode":        string(msg.Mode),
	}
	return data
}

func execute(tpl *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
