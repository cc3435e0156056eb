// Package render renders update-step templates with text/template.
//
// Templates see the context map passed by the scheduler, so user attributes
// are reached as {{ .user.name }} and journey data as {{ .journey.key }}.
// Values spliced into a JSON document should go through the json func, which
// quotes strings and renders missing values as null.
package render

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// TextRenderer renders text/template templates. Parsed templates are cached
// by source text; it is safe for concurrent use.
type TextRenderer struct {
	mu     sync.RWMutex
	parsed map[string]*template.Template
	limit  int
}

// DefaultCacheLimit bounds the number of cached templates.
const DefaultCacheLimit = 1024

// NewTextRenderer returns a renderer caching up to DefaultCacheLimit templates.
func NewTextRenderer() *TextRenderer {
	return &TextRenderer{parsed: make(map[string]*template.Template), limit: DefaultCacheLimit}
}

// Render executes text against data.
func (r *TextRenderer) Render(text string, data map[string]any) (string, error) {
	tmpl, err := r.template(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return b.String(), nil
}

func (r *TextRenderer) template(text string) (*template.Template, error) {
	r.mu.RLock()
	tmpl, ok := r.parsed[text]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New("update").Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.parsed) >= r.limit {
		clear(r.parsed)
	}
	r.parsed[text] = tmpl
	return tmpl, nil
}

var funcs = template.FuncMap{
	"json": toJSON,
	"default": func(fallback, v any) any {
		if v == nil {
			return fallback
		}
		if s, ok := v.(string); ok && s == "" {
			return fallback
		}
		return v
	},
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
