package binding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/artpar/vmkit/core/reactive"
	"github.com/artpar/vmkit/ports"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Frame types exchanged over a live connection.
const (
	FrameSnapshot = "snapshot"
	FrameChange   = "change"
	FrameError    = "error"

	// Inbound only.
	FrameSet     = "set"
	FrameTrigger = "trigger"
)

// Frame is one JSON message on a live connection.
type Frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	ViewModel string `json:"viewmodel,omitempty"`
	Field     string `json:"field,omitempty"`
	Event     string `json:"event,omitempty"`
	Value     any    `json:"value,omitempty"`
	Args      []any  `json:"args,omitempty"`
	Error     string `json:"error,omitempty"`
}

// setter and triggerer are implemented by view-model instances; the live
// binder uses them for inbound "set" and "trigger" frames.
type setter interface {
	Set(name string, value any) error
}

type triggerer interface {
	Trigger(event string, args ...any)
}

// LiveConfig configures the live binder.
type LiveConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	// ReadOnly ignores inbound set and trigger frames.
	ReadOnly bool
}

// Live streams bindings over a *websocket.Conn: a snapshot frame on bind,
// then one change frame per field change. Inbound set frames write fields
// and trigger frames fire local events.
type Live struct {
	cfg    LiveConfig
	logger zerolog.Logger
}

// NewLive creates a live binder.
func NewLive(cfg LiveConfig, logger zerolog.Logger) *Live {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	return &Live{cfg: cfg, logger: logger}
}

// Upgrader returns the upgrader HTTP handlers use before binding.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// IsConn accepts *websocket.Conn targets (for Router).
func IsConn(target any) bool {
	_, ok := target.(*websocket.Conn)
	return ok
}

// ApplyBindings streams bindings to target, which must be a *websocket.Conn.
// The binding detaches when the connection closes, ctx is done or the
// returned function is called. The connection is closed on detach.
func (l *Live) ApplyBindings(ctx context.Context, bindings, target any, opts ports.BindOptions) (func(), error) {
	w, err := watchable(bindings)
	if err != nil {
		return nil, err
	}
	conn, ok := target.(*websocket.Conn)
	if !ok {
		return nil, fmt.Errorf("%w %T: live needs a *websocket.Conn", ErrTarget, target)
	}

	s := &session{live: l, conn: conn, bindings: w, logger: l.logger}
	if ided, ok := w.(identified); ok {
		s.id = ided.ID()
	}
	s.name = opts.Template

	if err := s.send(Frame{Type: FrameSnapshot, Value: record(w)}); err != nil {
		return nil, fmt.Errorf("send snapshot: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := follow(ctx, w, func(field string, value any) {
		if err := s.send(Frame{Type: FrameChange, Field: field, Value: reactive.ToPlain(value)}); err != nil {
			s.logger.Debug().Err(err).Msg("live change not sent")
			cancel()
		}
	})

	var once sync.Once
	detach := func() {
		once.Do(func() {
			cancel()
			stop()
			s.close()
		})
	}

	go s.readLoop(ctx, detach)
	go s.pingLoop(ctx)
	go func() {
		<-ctx.Done()
		detach()
	}()

	return detach, nil
}

type session struct {
	live     *Live
	conn     *websocket.Conn
	bindings ports.Watchable
	id       string
	name     string
	logger   zerolog.Logger

	writeMu sync.Mutex
}

func (s *session) send(f Frame) error {
	f.ID = s.id
	f.ViewModel = s.name
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.live.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) close() {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.live.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.live.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context, detach func()) {
	defer detach()

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.live.cfg.ReadTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.live.cfg.ReadTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = s.send(Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}
		if err := s.handle(f); err != nil {
			_ = s.send(Frame{Type: FrameError, Error: err.Error()})
		}
	}
}

func (s *session) handle(f Frame) error {
	if s.live.cfg.ReadOnly {
		return fmt.Errorf("read-only binding")
	}

	switch f.Type {
	case FrameSet:
		st, ok := s.bindings.(setter)
		if !ok {
			return fmt.Errorf("bindings do not accept writes")
		}
		return st.Set(f.Field, f.Value)
	case FrameTrigger:
		tr, ok := s.bindings.(triggerer)
		if !ok {
			return fmt.Errorf("bindings do not accept events")
		}
		if f.Event == "" {
			return fmt.Errorf("trigger without event")
		}
		tr.Trigger(f.Event, f.Args...)
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

var _ ports.Binder = (*Live)(nil)
