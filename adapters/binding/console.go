package binding

import (
	"context"
	"fmt"
	"io"

	"github.com/artpar/vmkit/core/formatter"
	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
)

// Console renders bindings through a formatter, once on bind and again
// after every change.
type Console struct {
	format formatter.Formatter
	opts   formatter.FormatOptions
	logger zerolog.Logger
}

// NewConsole creates a console binder. A nil formatter uses the default one.
func NewConsole(f formatter.Formatter, opts formatter.FormatOptions, logger zerolog.Logger) *Console {
	if f == nil {
		f = formatter.Default()
	}
	return &Console{format: f, opts: opts, logger: logger}
}

// ApplyBindings renders bindings into target, which must be an io.Writer.
func (c *Console) ApplyBindings(ctx context.Context, bindings, target any, opts ports.BindOptions) (func(), error) {
	w, err := watchable(bindings)
	if err != nil {
		return nil, err
	}
	out, ok := target.(io.Writer)
	if !ok {
		return nil, fmt.Errorf("%w %T: console needs an io.Writer", ErrTarget, target)
	}

	v := view(w, opts)
	render := func() error {
		return c.format.FormatRecord(out, v, record(w), c.opts)
	}
	if err := render(); err != nil {
		return nil, fmt.Errorf("render %s: %w", v.Name, err)
	}

	return follow(ctx, w, func(field string, _ any) {
		if err := render(); err != nil {
			c.logger.Warn().Err(err).Str("field", field).Msg("console re-render failed")
		}
	}), nil
}

// IsWriter accepts io.Writer targets (for Router).
func IsWriter(target any) bool {
	_, ok := target.(io.Writer)
	return ok
}

var _ ports.Binder = (*Console)(nil)
