// Package transport owns the single persistent websocket connection to the
// chat server: candidate-URL dialing, envelope framing, inbound dispatch and
// the reconnection policy that wraps it.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alumninet/chatwire/internal/bus"
	"github.com/alumninet/chatwire/internal/observe"
	"github.com/alumninet/chatwire/internal/wire"
	"github.com/alumninet/chatwire/pkg/logger"
)

// State is the connection state. The only legal transitions are
// disconnected -> connecting -> open -> disconnected, plus
// connecting -> disconnected when every candidate fails.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Bus event names emitted by the transport and the reconnector.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectionFailed = "connection_failed"
	EventReconnected      = "reconnected"
	EventReconnectFailed  = "reconnect_failed"
)

// ConnectEvent is the payload of EventConnect.
type ConnectEvent struct {
	URL string
}

// DisconnectEvent is the payload of EventDisconnect. Unexpected is false
// only for a deliberate Close.
type DisconnectEvent struct {
	Err        error
	Unexpected bool
}

// ConnectionFailedEvent is the payload of EventConnectionFailed, emitted
// after every candidate URL has been tried without success.
type ConnectionFailedEvent struct {
	Err error
}

const (
	writeWait      = 10 * time.Second
	readWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

// Dialer is the seam tests use to stand in for websocket dialing.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string) (Conn, error)
}

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type gorillaDialer struct {
	timeout time.Duration
}

func (d gorillaDialer) DialContext(ctx context.Context, urlStr string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.timeout}
	conn, _, err := dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Transport frames outgoing envelopes onto one websocket connection and
// dispatches inbound frames to the event bus under their type name.
type Transport struct {
	urls        []string
	identity    wire.Identity
	dialTimeout time.Duration
	bus         *bus.Bus
	dialer      Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	conn    Conn
	gen     int // connection generation; stale read loops check it before acting
}

// Option customizes a Transport.
type Option func(*Transport)

// WithDialer replaces the websocket dialer, for tests.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// New builds a transport over the candidate URLs. Identity rides on the
// connection URL as query parameters; there is no separate handshake frame.
func New(urls []string, identity wire.Identity, dialTimeout time.Duration, b *bus.Bus, opts ...Option) *Transport {
	t := &Transport{
		urls:        urls,
		identity:    identity,
		dialTimeout: dialTimeout,
		bus:         b,
		dialer:      gorillaDialer{timeout: dialTimeout},
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State reports the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// connectionURL embeds the identity into one candidate URL.
func (t *Transport) connectionURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse candidate url %q: %w", raw, err)
	}
	q := u.Query()
	q.Set("user_id", t.identity.UserID)
	q.Set("username", t.identity.Username)
	q.Set("pfp_path", t.identity.PfpPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect tries each candidate URL in order, each attempt bounded by the
// dial timeout. The first success wins and emits EventConnect. When every
// candidate fails it emits EventConnectionFailed and returns the last
// error; retrying after a dropped connection is the reconnector's job,
// never Connect's own.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("connect in state %s", state)
	}
	t.state = StateConnecting
	gen := t.gen + 1
	t.gen = gen
	t.mu.Unlock()

	var lastErr error
	for _, candidate := range t.urls {
		target, err := t.connectionURL(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
		conn, err := t.dialer.DialContext(dialCtx, target)
		cancel()
		if err != nil {
			logger.L().Sugar().Warnw("dial_failed", "url", candidate, "err", err)
			lastErr = err
			continue
		}

		t.mu.Lock()
		// A Close that raced the dial already moved the state on; the late
		// connection must not come back to life.
		if t.state != StateConnecting || t.gen != gen {
			t.mu.Unlock()
			_ = conn.Close()
			return fmt.Errorf("transport closed while dialing %s", candidate)
		}
		t.conn = conn
		t.state = StateOpen
		t.mu.Unlock()

		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPingHandler(func(appData string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		})

		go t.readLoop(conn, gen)

		logger.L().Sugar().Infow("connected", "url", candidate)
		observe.IncConnect("ok")
		t.bus.Emit(EventConnect, ConnectEvent{URL: candidate})
		return nil
	}

	t.mu.Lock()
	if t.state == StateConnecting && t.gen == gen {
		t.state = StateDisconnected
	}
	t.mu.Unlock()

	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate urls configured")
	}
	logger.L().Sugar().Errorw("connection_failed", "err", lastErr)
	observe.IncConnect("failed")
	t.bus.Emit(EventConnectionFailed, ConnectionFailedEvent{Err: lastErr})
	return lastErr
}

// Send writes one envelope to the wire. It reports false, without error,
// when the connection is not open.
func (t *Transport) Send(e *wire.Envelope) bool {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		logger.L().Sugar().Warnw("send_while_closed", "type", e.Type)
		return false
	}

	data, err := wire.Marshal(e)
	if err != nil {
		logger.L().Sugar().Errorw("encode_envelope", "type", e.Type, "err", err)
		return false
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.L().Sugar().Warnw("write_failed", "type", e.Type, "err", err)
		return false
	}
	return true
}

// Close tears the connection down deterministically. The resulting
// disconnect is marked expected so the reconnector leaves it alone.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state != StateOpen || t.conn == nil {
		t.state = StateDisconnected
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosing
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return conn.Close()
}

// readLoop pumps inbound frames into the bus until the connection dies.
func (t *Transport) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.finish(conn, gen, err)
			return
		}
		t.dispatch(data)
	}
}

// dispatch decodes one frame and emits it under its type name. Malformed
// and unrecognized frames are dropped and logged, never fatal.
func (t *Transport) dispatch(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		logger.L().Sugar().Warnw("drop_malformed_frame", "err", err)
		observe.IncDropped("malformed")
		return
	}
	if frame.Kind == wire.KindUnknown {
		logger.L().Sugar().Infow("drop_unknown_type", "type", frame.Envelope.Type)
		observe.IncDropped("unknown_type")
		return
	}
	t.bus.Emit(frame.Kind.String(), frame.Envelope)
}

// finish runs the close path for one connection generation. An error after
// the open phase hands off to the reconnector through the disconnect event;
// a deliberate Close does not.
func (t *Transport) finish(conn Conn, gen int, err error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	unexpected := t.state == StateOpen
	t.state = StateDisconnected
	t.conn = nil
	t.mu.Unlock()

	_ = conn.Close()
	if unexpected {
		logger.L().Sugar().Warnw("connection_lost", "err", err)
	} else {
		logger.L().Sugar().Infow("connection_closed")
	}
	t.bus.Emit(EventDisconnect, DisconnectEvent{Err: err, Unexpected: unexpected})
}
