package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/vmkit/adapters/binding"
	"github.com/artpar/vmkit/adapters/remote"
	"github.com/artpar/vmkit/core/command"
	"github.com/artpar/vmkit/core/formatter"
	"github.com/artpar/vmkit/core/runtime"
	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/artpar/vmkit/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// maxBodySize limits request bodies.
const maxBodySize = 1 << 20

// ViewModelHandler exposes a runtime's classes and live instances.
type ViewModelHandler struct {
	runtime     *runtime.Runtime
	live        ports.Binder
	callTimeout time.Duration
	logger      zerolog.Logger
}

// ViewModelConfig configures a ViewModelHandler.
type ViewModelConfig struct {
	// Live binds instances to WebSocket connections. When nil, the
	// instance's own binder is used.
	Live ports.Binder

	// CallTimeout bounds how long an executed call is awaited (default 30s).
	CallTimeout time.Duration
}

// CreateRequest is the body of POST /viewmodels.
type CreateRequest struct {
	Class   string         `json:"class"`
	Options map[string]any `json:"options,omitempty"`
}

// TriggerRequest is the optional body of POST /viewmodels/{id}/trigger/{event}.
type TriggerRequest struct {
	Args []any `json:"args,omitempty"`
}

// CallResponse is the body returned by an executed command or query.
type CallResponse struct {
	Call  string `json:"call"`
	Value any    `json:"value"`
}

// NewViewModelHandler creates a handler over rt.
func NewViewModelHandler(rt *runtime.Runtime, cfg ViewModelConfig, logger zerolog.Logger) *ViewModelHandler {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &ViewModelHandler{
		runtime:     rt,
		live:        cfg.Live,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
	}
}

// Routes registers every route except the live endpoint.
func (h *ViewModelHandler) Routes(r chi.Router) {
	r.Get("/classes", h.ListClasses)
	r.Get("/classes/{name}", h.GetClass)

	r.Get("/viewmodels", h.List)
	r.Post("/viewmodels", h.Create)
	r.Get("/viewmodels/{id}", h.Get)
	r.Delete("/viewmodels/{id}", h.Delete)
	r.Post("/viewmodels/{id}/load", h.Load)
	r.Post("/viewmodels/{id}/trigger/{event}", h.Trigger)
	r.Post("/viewmodels/{id}/{kind}/{name}", h.Execute)
}

// ListClasses returns a summary of every loaded class.
func (h *ViewModelHandler) ListClasses(w http.ResponseWriter, r *http.Request) {
	classes := h.runtime.Classes()
	records := make([]map[string]any, 0, len(classes))
	for _, c := range classes {
		records = append(records, formatter.Summarize(c))
	}
	h.renderList(w, r, http.StatusOK, formatter.SummaryView, records)
}

// GetClass returns the summary of one class.
func (h *ViewModelHandler) GetClass(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := h.runtime.Class(name)
	if !ok {
		writeError(w, http.StatusNotFound, "class_not_found", fmt.Sprintf("class %q is not loaded", name))
		return
	}
	h.renderRecord(w, r, http.StatusOK, formatter.SummaryView, formatter.Summarize(c))
}

// List returns live instances, optionally filtered by ?class=.
func (h *ViewModelHandler) List(w http.ResponseWriter, r *http.Request) {
	class := r.URL.Query().Get("class")
	view := formatter.View{Name: "viewmodels"}
	if class != "" {
		c, ok := h.runtime.Class(class)
		if !ok {
			writeError(w, http.StatusNotFound, "class_not_found", fmt.Sprintf("class %q is not loaded", class))
			return
		}
		view = formatter.View{Name: c.Name(), Columns: append([]string{"id"}, c.Definition().Defaults.Names()...)}
	}

	instances := h.runtime.List(class)
	records := make([]map[string]any, 0, len(instances))
	for _, vm := range instances {
		records = append(records, formatter.Record(vm))
	}
	h.renderList(w, r, http.StatusOK, view, records)
}

// Create instantiates a class.
func (h *ViewModelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Class == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "class is required")
		return
	}

	vm, err := h.runtime.New(req.Class, viewmodel.Options(req.Options))
	if err != nil {
		if errors.Is(err, runtime.ErrUnknownClass) {
			writeError(w, http.StatusNotFound, "class_not_found", err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "create_failed", err.Error())
		return
	}

	h.logger.Info().Str("class", req.Class).Str("id", vm.ID()).Msg("view-model created via api")
	w.Header().Set("Location", "/viewmodels/"+vm.ID())
	h.renderRecord(w, r, http.StatusCreated, formatter.ViewOf(vm), formatter.Record(vm))
}

// Get returns the state of one instance.
func (h *ViewModelHandler) Get(w http.ResponseWriter, r *http.Request) {
	vm, ok := h.instance(w, r)
	if !ok {
		return
	}
	h.renderRecord(w, r, http.StatusOK, formatter.ViewOf(vm), formatter.Record(vm))
}

// Delete disposes an instance.
func (h *ViewModelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.runtime.Dispose(id); err != nil {
		if errors.Is(err, runtime.ErrUnknownInstance) {
			writeError(w, http.StatusNotFound, "viewmodel_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "dispose_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Load writes the body's keys into the instance's writable fields.
func (h *ViewModelHandler) Load(w http.ResponseWriter, r *http.Request) {
	vm, ok := h.instance(w, r)
	if !ok {
		return
	}

	var data map[string]any
	if err := decodeBody(r, &data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	vm.LoadData(data)
	h.renderRecord(w, r, http.StatusOK, formatter.ViewOf(vm), formatter.Record(vm))
}

// Trigger fires a local event on the instance.
func (h *ViewModelHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	vm, ok := h.instance(w, r)
	if !ok {
		return
	}

	var req TriggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	vm.Trigger(chi.URLParam(r, "event"), req.Args...)
	w.WriteHeader(http.StatusNoContent)
}

// Execute issues a declared command or query and waits for it to settle
// and for its completion handlers to run.
func (h *ViewModelHandler) Execute(w http.ResponseWriter, r *http.Request) {
	vm, ok := h.instance(w, r)
	if !ok {
		return
	}

	kind, err := command.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_kind", err.Error())
		return
	}
	ref := command.Ref{Kind: kind, Name: chi.URLParam(r, "name")}

	ctx, cancel := context.WithTimeout(r.Context(), h.callTimeout)
	defer cancel()

	// Settled, not Wait: the declared completion handlers have updated the
	// instance before the response goes out.
	value, err := vm.Execute(ctx, ref).Settled(ctx)
	if err != nil {
		status, code := callErrorStatus(err)
		h.logger.Debug().Err(err).Str("call", ref.String()).Str("id", vm.ID()).Msg("call failed via api")
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, CallResponse{Call: ref.String(), Value: value})
}

// Live upgrades the request to a WebSocket and binds the instance to it.
func (h *ViewModelHandler) Live(w http.ResponseWriter, r *http.Request) {
	vm, ok := h.instance(w, r)
	if !ok {
		return
	}

	upgrader := binding.Upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		h.logger.Debug().Err(err).Str("id", vm.ID()).Msg("live upgrade failed")
		return
	}

	// The binding lives until the connection closes, not until the
	// handler returns.
	ctx := context.WithoutCancel(r.Context())

	if h.live != nil {
		_, err = h.live.ApplyBindings(ctx, vm, conn, ports.BindOptions{
			TemplatePath: vm.TemplatePath(),
			Template:     vm.Class().Name(),
		})
	} else {
		_, err = vm.BindTo(ctx, conn)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("id", vm.ID()).Msg("live binding failed")
		_ = conn.Close()
		return
	}
	h.logger.Debug().Str("id", vm.ID()).Str("remote", r.RemoteAddr).Msg("live binding attached")
}

func (h *ViewModelHandler) instance(w http.ResponseWriter, r *http.Request) (*viewmodel.ViewModel, bool) {
	id := chi.URLParam(r, "id")
	vm, ok := h.runtime.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "viewmodel_not_found", fmt.Sprintf("view-model %q not found", id))
		return nil, false
	}
	return vm, true
}

// renderList writes records with the formatter named by ?format= (json by default).
func (h *ViewModelHandler) renderList(w http.ResponseWriter, r *http.Request, status int, view formatter.View, records []map[string]any) {
	f, opts, ok := h.format(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", contentType(f.Name()))
	w.WriteHeader(status)
	if err := f.FormatList(w, view, records, opts); err != nil {
		h.logger.Error().Err(err).Str("view", view.Name).Msg("failed to render list")
	}
}

func (h *ViewModelHandler) renderRecord(w http.ResponseWriter, r *http.Request, status int, view formatter.View, record map[string]any) {
	f, opts, ok := h.format(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", contentType(f.Name()))
	w.WriteHeader(status)
	if err := f.FormatRecord(w, view, record, opts); err != nil {
		h.logger.Error().Err(err).Str("view", view.Name).Msg("failed to render record")
	}
}

func (h *ViewModelHandler) format(w http.ResponseWriter, r *http.Request) (formatter.Formatter, formatter.FormatOptions, bool) {
	q := r.URL.Query()

	name := q.Get("format")
	if name == "" {
		name = "json"
	}
	f, ok := formatter.Get(name)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_format",
			fmt.Sprintf("unknown format %q (available: %s)", name, strings.Join(formatter.List(), ", ")))
		return nil, formatter.FormatOptions{}, false
	}

	var opts formatter.FormatOptions
	if cols := q.Get("columns"); cols != "" {
		opts.Columns = strings.Split(cols, ",")
	}
	opts.Compact = q.Get("compact") == "true"
	return f, opts, true
}

func contentType(format string) string {
	switch format {
	case "json":
		return "application/json"
	case "yaml":
		return "application/yaml"
	default:
		return "text/plain; charset=utf-8"
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// callErrorStatus maps a settled call failure to an HTTP status and code.
func callErrorStatus(err error) (int, string) {
	var statusErr *remote.StatusError
	switch {
	case errors.Is(err, command.ErrUnknownCall):
		return http.StatusNotFound, "unknown_call"
	case errors.Is(err, command.ErrNoTransport):
		return http.StatusServiceUnavailable, "no_transport"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "call_timeout"
	case errors.As(err, &statusErr):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusBadGateway, "call_failed"
	}
}
