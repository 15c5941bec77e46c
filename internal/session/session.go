// Package session holds the two conversation state machines: the channel
// session for multi-party rooms and the DM session for 1:1 threads. Both
// share the one transport; each tracks at most one active target and filters
// inbound traffic down to it.
package session

import "github.com/alumninet/chatwire/internal/wire"

// Sender is the outgoing half of the transport.
type Sender interface {
	Send(e *wire.Envelope) bool
}

// Bus event names consumed by the renderer collaborator.
const (
	EventRenderMessage = "render_message"
	EventRenderHistory = "render_history"
	EventPeerTyping    = "peer_typing"
	EventConversation  = "conversation_updated"
)

// RenderedMessage is one message ready for display. Self selects the "sent"
// side of the view.
type RenderedMessage struct {
	ChannelID string
	PeerID    string
	Content   string
	Username  string
	PfpPath   string
	CreatedAt string
	Self      bool
}

// HistoryRendered is the payload of EventRenderHistory.
type HistoryRendered struct {
	ChannelID string
	Messages  []RenderedMessage
}

// TypingEvent is the payload of EventPeerTyping.
type TypingEvent struct {
	PeerID string
	Typing bool
}

// Conversation is one entry of the DM conversation list.
type Conversation struct {
	PeerID      string
	Name        string
	Avatar      string
	LastMessage string
}
