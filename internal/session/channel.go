package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/alumninet/chatwire/internal/bus"
	"github.com/alumninet/chatwire/internal/observe"
	"github.com/alumninet/chatwire/internal/wire"
	"github.com/alumninet/chatwire/pkg/logger"
)

// HistoryMessage is one persisted message returned by either history path.
type HistoryMessage struct {
	Content   string `json:"content"`
	Username  string `json:"username"`
	PfpPath   string `json:"pfp_path"`
	CreatedAt string `json:"created_at"`
}

// HistoryFetcher is the HTTP persistence collaborator for channel history.
type HistoryFetcher interface {
	ChannelHistory(ctx context.Context, channelID string) ([]HistoryMessage, error)
}

// HistoryMode selects which of the two history paths a deployment uses.
// Exactly one request is issued per switch, never both, never zero.
type HistoryMode int

const (
	// HistoryViaHTTP fetches history from the persistence API.
	HistoryViaHTTP HistoryMode = iota
	// HistoryViaTransport requests history over the websocket and renders
	// the messages_history reply.
	HistoryViaTransport
)

// ChannelSession tracks the single channel the local user is viewing.
// Joining a new one implicitly leaves the previous one; inbound messages
// for any other channel are dropped without buffering.
type ChannelSession struct {
	tp       Sender
	bus      *bus.Bus
	identity wire.Identity
	mode     HistoryMode
	history  HistoryFetcher
	now      func() time.Time

	mu     sync.Mutex
	active string
}

func NewChannelSession(tp Sender, b *bus.Bus, identity wire.Identity, mode HistoryMode, history HistoryFetcher) *ChannelSession {
	return &ChannelSession{
		tp:       tp,
		bus:      b,
		identity: identity,
		mode:     mode,
		history:  history,
		now:      time.Now,
	}
}

// Watch subscribes the session to its inbound envelope types.
func (s *ChannelSession) Watch() {
	s.bus.On(wire.TypeNewMessage, func(payload any) {
		if e, ok := payload.(*wire.Envelope); ok {
			s.onNewMessage(e)
		}
	})
	s.bus.On(wire.TypeMessagesHistory, func(payload any) {
		if e, ok := payload.(*wire.Envelope); ok {
			s.onHistory(e)
		}
	})
}

// Active returns the id of the channel currently viewed, "" when none.
func (s *ChannelSession) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SwitchTo leaves the previous channel (when there is one), joins the new
// one and issues exactly one history request for it.
func (s *ChannelSession) SwitchTo(ctx context.Context, channelID string) {
	s.mu.Lock()
	prev := s.active
	s.active = channelID
	s.mu.Unlock()

	if prev != "" {
		leave := wire.NewEnvelope(wire.TypeLeaveChannel, s.identity, s.now())
		leave.ChannelID = wire.ID(prev)
		s.tp.Send(&leave)
	}

	join := wire.NewEnvelope(wire.TypeJoinChannel, s.identity, s.now())
	join.ChannelID = wire.ID(channelID)
	s.tp.Send(&join)

	switch s.mode {
	case HistoryViaTransport:
		req := wire.NewEnvelope(wire.TypeGetChanMessages, s.identity, s.now())
		req.ChannelID = wire.ID(channelID)
		s.tp.Send(&req)
	default:
		go s.fetchHistory(ctx, channelID)
	}
}

// fetchHistory runs the HTTP history path. The response renders only if its
// channel is still the active one; a switch that outruns the fetch discards
// the stale result.
func (s *ChannelSession) fetchHistory(ctx context.Context, channelID string) {
	msgs, err := s.history.ChannelHistory(ctx, channelID)
	if err != nil {
		logger.L().Sugar().Warnw("history_fetch_failed", "channel", channelID, "err", err)
		return
	}
	s.renderHistory(channelID, msgs)
}

// onHistory handles the transport history path with the same stale guard.
func (s *ChannelSession) onHistory(e *wire.Envelope) {
	var msgs []HistoryMessage
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &msgs); err != nil {
			logger.L().Sugar().Warnw("history_decode_failed", "channel", e.ChannelID, "err", err)
			return
		}
	}
	s.renderHistory(e.ChannelID.String(), msgs)
}

func (s *ChannelSession) renderHistory(channelID string, msgs []HistoryMessage) {
	rendered := make([]RenderedMessage, 0, len(msgs))
	for _, m := range msgs {
		rendered = append(rendered, RenderedMessage{
			ChannelID: channelID,
			Content:   m.Content,
			Username:  m.Username,
			PfpPath:   m.PfpPath,
			CreatedAt: m.CreatedAt,
			Self:      m.Username == s.identity.Username,
		})
	}

	// Checked last, so a switch that lands while the HTTP fetch was in
	// flight still discards the result.
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if channelID != active {
		logger.L().Sugar().Infow("discard_stale_history", "channel", channelID, "active", active)
		return
	}
	s.bus.Emit(EventRenderHistory, HistoryRendered{ChannelID: channelID, Messages: rendered})
}

// onNewMessage renders a live broadcast only when it targets the active
// channel; anything else is dropped, not buffered.
func (s *ChannelSession) onNewMessage(e *wire.Envelope) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == "" || e.ChannelID.String() != active {
		return
	}
	s.bus.Emit(EventRenderMessage, RenderedMessage{
		ChannelID: active,
		Content:   e.Body(),
		Username:  e.Username,
		PfpPath:   e.PfpPath,
		CreatedAt: e.CreatedAt,
		Self:      e.UserID.String() == s.identity.UserID,
	})
}

// Send transmits a message to the active channel, rendering it locally
// before any server acknowledgement. Empty content or no active channel is
// a no-op reported through the return value.
func (s *ChannelSession) Send(content string) bool {
	content = strings.TrimSpace(content)
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if content == "" || active == "" {
		logger.L().Sugar().Debugw("channel_send_noop", "active", active)
		return false
	}

	now := s.now()
	env := wire.NewEnvelope(wire.TypeSendMessage, s.identity, now)
	env.ChannelID = wire.ID(active)
	env.Content = content
	env.MessageType = "text"
	env.CreatedAt = now.UTC().Format(time.RFC3339)
	env.PfpPath = s.identity.PfpPath

	s.bus.Emit(EventRenderMessage, RenderedMessage{
		ChannelID: active,
		Content:   content,
		Username:  s.identity.Username,
		PfpPath:   s.identity.PfpPath,
		CreatedAt: env.CreatedAt,
		Self:      true,
	})

	// Fire and forget: no rollback if the server later rejects it.
	s.tp.Send(&env)
	observe.IncSent("channel")
	return true
}
