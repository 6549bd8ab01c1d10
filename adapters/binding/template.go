package binding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
)

// DefaultExtension is appended to the template name.
const DefaultExtension = ".tmpl"

// Template renders bindings with text/template. The template file is
// <TemplatePath>/<Template><ext>; the data is the binding's plain state.
type Template struct {
	ext    string
	root   string
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewTemplate creates a template binder. An empty ext uses DefaultExtension.
func NewTemplate(ext string, logger zerolog.Logger) *Template {
	if ext == "" {
		ext = DefaultExtension
	}
	return &Template{ext: ext, logger: logger, cache: make(map[string]*template.Template)}
}

// WithRoot resolves relative template paths against dir.
func (t *Template) WithRoot(dir string) *Template {
	t.root = dir
	return t
}

// Path returns the template file for opts.
func (t *Template) Path(opts ports.BindOptions) string {
	dir := opts.TemplatePath
	if t.root != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(t.root, dir)
	}
	return filepath.Join(dir, opts.Template+t.ext)
}

// ApplyBindings renders bindings into target, which must be an io.Writer.
func (t *Template) ApplyBindings(ctx context.Context, bindings, target any, opts ports.BindOptions) (func(), error) {
	w, err := watchable(bindings)
	if err != nil {
		return nil, err
	}
	out, ok := target.(io.Writer)
	if !ok {
		return nil, fmt.Errorf("%w %T: template needs an io.Writer", ErrTarget, target)
	}
	if opts.Template == "" {
		return nil, fmt.Errorf("binding: no template name")
	}

	tmpl, err := t.load(t.Path(opts))
	if err != nil {
		return nil, err
	}

	if err := tmpl.Execute(out, record(w)); err != nil {
		return nil, fmt.Errorf("render %s: %w", opts.Template, err)
	}

	return follow(ctx, w, func(field string, _ any) {
		if err := tmpl.Execute(out, record(w)); err != nil {
			t.logger.Warn().Err(err).Str("field", field).Str("template", opts.Template).Msg("template re-render failed")
		}
	}), nil
}

// Invalidate drops cached templates so the next bind re-reads them.
func (t *Template) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]*template.Template)
}

func (t *Template) load(path string) (*template.Template, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tmpl, ok := t.cache[path]; ok {
		return tmpl, nil
	}

	tmpl, err := template.New(filepath.Base(path)).Funcs(Funcs()).ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", path, err)
	}
	t.cache[path] = tmpl
	t.logger.Debug().Str("path", path).Msg("template loaded")
	return tmpl, nil
}

// Funcs are the helpers available to templates.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"default": func(defaultVal any, val any) any {
			if val == nil || val == "" {
				return defaultVal
			}
			return val
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"join": func(sep string, items []any) string {
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = fmt.Sprint(item)
			}
			return strings.Join(parts, sep)
		},
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}
}

var _ ports.Binder = (*Template)(nil)
