// Package chatwire is the realtime messaging client for the alumni
// platform: one persistent websocket connection multiplexing channel and
// direct-message traffic, with presence tracking, linear-backoff
// reconnection and echo deduplication for optimistically rendered sends.
package chatwire

import (
	"context"
	"net/http"

	"github.com/alumninet/chatwire/internal/bus"
	"github.com/alumninet/chatwire/internal/clock"
	"github.com/alumninet/chatwire/internal/config"
	"github.com/alumninet/chatwire/internal/presence"
	"github.com/alumninet/chatwire/internal/rest"
	"github.com/alumninet/chatwire/internal/session"
	"github.com/alumninet/chatwire/internal/transport"
	"github.com/alumninet/chatwire/internal/wire"
)

// Identity is the local user, injected once at construction. There is no
// ambient global state; everything hangs off the Client.
type Identity = wire.Identity

// Client wires the transport, event bus, presence tracker and the two
// session types together behind one object.
type Client struct {
	cfg      *config.Config
	identity Identity

	bus      *bus.Bus
	tp       *transport.Transport
	rec      *transport.Reconnector
	rest     *rest.Client
	presence *presence.Tracker
	channels *session.ChannelSession
	dm       *session.DMSession

	cancel context.CancelFunc
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	clk        clock.Clock
	dialer     transport.Dialer
	httpClient *http.Client
	mode       session.HistoryMode
}

// WithClock substitutes the timer source, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clk = c }
}

// WithDialer substitutes the websocket dialer, for tests.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHTTPClient substitutes the HTTP client used for the collaborators.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithHistoryMode selects how channel history is requested on a switch.
func WithHistoryMode(m session.HistoryMode) Option {
	return func(o *options) { o.mode = m }
}

// restHistory adapts the REST client to the session history seam.
type restHistory struct {
	rc *rest.Client
}

func (h restHistory) ChannelHistory(ctx context.Context, channelID string) ([]session.HistoryMessage, error) {
	msgs, err := h.rc.ChannelMessages(ctx, channelID)
	if err != nil {
		return nil, err
	}
	out := make([]session.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, session.HistoryMessage{
			Content:   m.Content,
			Username:  m.Username,
			PfpPath:   m.PfpPath,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// New builds a client from configuration and identity. Nothing touches the
// network until Connect.
func New(cfg *config.Config, identity Identity, opts ...Option) *Client {
	o := options{clk: clock.System{}, mode: session.HistoryViaHTTP}
	for _, opt := range opts {
		opt(&o)
	}

	b := bus.New()
	var tpOpts []transport.Option
	if o.dialer != nil {
		tpOpts = append(tpOpts, transport.WithDialer(o.dialer))
	}
	tp := transport.New(cfg.WSURLs, identity, cfg.DialTimeout, b, tpOpts...)
	rc := rest.New(cfg.APIBase, o.httpClient)

	c := &Client{
		cfg:      cfg,
		identity: identity,
		bus:      b,
		tp:       tp,
		rec:      transport.NewReconnector(tp, b, cfg.ReconnectBase, cfg.ReconnectMax, o.clk),
		rest:     rc,
		presence: presence.NewTracker(rc, b, cfg.PresenceSync, o.clk),
		channels: session.NewChannelSession(tp, b, identity, o.mode, restHistory{rc: rc}),
		dm:       session.NewDMSession(tp, b, identity, cfg.TypingIdle, o.clk),
	}
	c.presence.Watch()
	c.channels.Watch()
	c.dm.Watch()
	return c
}

// Connect dials the candidate URLs and, on success, starts the presence
// sync loop and arms the reconnection policy. A fresh Connect clears an
// exhausted policy from a previous episode.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.rec.Stop()
	c.rec.Watch(ctx)
	if err := c.tp.Connect(ctx); err != nil {
		return err
	}
	c.presence.Start(ctx)
	return nil
}

// Close shuts the client down deliberately; the reconnection policy is
// bypassed entirely.
func (c *Client) Close() error {
	c.rec.Stop()
	c.presence.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	return c.tp.Close()
}

// On registers a handler on the event bus; renderer collaborators subscribe
// to the session events this way.
func (c *Client) On(event string, fn func(payload any)) {
	c.bus.On(event, fn)
}

// State reports the transport's connection state.
func (c *Client) State() transport.State { return c.tp.State() }

// Channels exposes the channel session.
func (c *Client) Channels() *session.ChannelSession { return c.channels }

// DM exposes the direct-message session.
func (c *Client) DM() *session.DMSession { return c.dm }

// SwitchChannel makes channelID the active channel.
func (c *Client) SwitchChannel(ctx context.Context, channelID string) {
	c.channels.SwitchTo(ctx, channelID)
}

// SendMessage sends to the active channel.
func (c *Client) SendMessage(content string) bool { return c.channels.Send(content) }

// OpenDM makes peerID the active 1:1 conversation.
func (c *Client) OpenDM(peerID string) { c.dm.SetActivePeer(peerID) }

// SendDirect sends to the active 1:1 peer.
func (c *Client) SendDirect(content string) bool { return c.dm.Send(content) }

// IsOnline reports presence for one user id.
func (c *Client) IsOnline(userID string) bool { return c.presence.IsOnline(userID) }

// Online lists the user ids currently believed online.
func (c *Client) Online() []string { return c.presence.Snapshot() }
