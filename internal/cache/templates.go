package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"text/template"

	"golang.org/x/sync/errgroup"

	"herald/internal/domain"
	"herald/internal/store"
)

// compiledContent is a parsed subject/body pair, ready to execute.
type compiledContent struct {
	subject *template.Template
	body    *template.Template
}

// compiledTemplate holds the parsed content of one named template, keyed by
// application and mode.
type compiledTemplate struct {
	name     string
	contents map[string]map[domain.Mode]*compiledContent
}

// content returns the compiled content for an application and mode.
func (t *compiledTemplate) content(application string, mode domain.Mode) (*compiledContent, bool) {
	modes, exists := t.contents[application]
	if !exists {
		return nil, false
	}
	c, exists := modes[mode]
	return c, exists
}

// Templates is a read-through cache of compiled message templates. Raw
// template text is parsed once per refresh; render calls only execute.
type Templates struct {
	source store.TemplateSource
	logger *slog.Logger

	mu     sync.RWMutex
	byName map[string]*compiledTemplate
}

// NewTemplates creates a template cache over the given source.
func NewTemplates(source store.TemplateSource, logger *slog.Logger) *Templates {
	return &Templates{
		source: source,
		logger: logger,
		byName: make(map[string]*compiledTemplate),
	}
}

// compile parses every content entry of a template. Entries that fail to
// parse are skipped so one bad template cannot poison the rest; rendering
// falls back for the affected (application, mode) pairs.
func (c *Templates) compile(tpl *domain.Template) *compiledTemplate {
	compiled := &compiledTemplate{
		name:     tpl.Name,
		contents: make(map[string]map[domain.Mode]*compiledContent),
	}
	for application, modes := range tpl.Applications {
		for mode, content := range modes {
			subject, err := template.New(tpl.Name + "/subject").Parse(content.Subject)
			if err != nil {
				c.logger.Error("template subject failed to parse",
					"template", tpl.Name, "application", application, "mode", mode, "error", err)
				continue
			}
			body, err := template.New(tpl.Name + "/body").Parse(content.Body)
			if err != nil {
				c.logger.Error("template body failed to parse",
					"template", tpl.Name, "application", application, "mode", mode, "error", err)
				continue
			}
			if compiled.contents[application] == nil {
				compiled.contents[application] = make(map[domain.Mode]*compiledContent)
			}
			compiled.contents[application][mode] = &compiledContent{subject: subject, body: body}
		}
	}
	return compiled
}

// Refresh reloads and recompiles every active template.
func (c *Templates) Refresh(ctx context.Context) error {
	names, err := c.source.ListActiveNames(ctx)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		byName = make(map[string]*compiledTemplate, len(names))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, name := range names {
		g.Go(func() error {
			tpl, err := c.source.Get(ctx, name)
			if err != nil {
				return fmt.Errorf("fetch template %q: %w", name, err)
			}
			compiled := c.compile(tpl)
			mu.Lock()
			byName[name] = compiled
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	c.byName = byName
	c.mu.Unlock()

	c.logger.Debug("template cache refreshed", "templates", len(byName))
	return nil
}

// get retrieves a compiled template by name, faulting it in on a miss.
func (c *Templates) get(ctx context.Context, name string) (*compiledTemplate, error) {
	c.mu.RLock()
	tpl, exists := c.byName[name]
	c.mu.RUnlock()
	if exists {
		return tpl, nil
	}

	raw, err := c.source.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	tpl = c.compile(raw)

	c.mu.Lock()
	c.byName[name] = tpl
	c.mu.Unlock()
	return tpl, nil
}

// Purge drops every cached template.
func (c *Templates) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byName = make(map[string]*compiledTemplate)
}
