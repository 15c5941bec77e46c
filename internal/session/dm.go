package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alumninet/chatwire/internal/bus"
	"github.com/alumninet/chatwire/internal/clock"
	"github.com/alumninet/chatwire/internal/observe"
	"github.com/alumninet/chatwire/internal/wire"
	"github.com/alumninet/chatwire/pkg/logger"
)

// DMSession tracks the single 1:1 conversation the local user is viewing
// and reconciles optimistically rendered sends with the server's echoed
// broadcasts so nothing displays twice.
type DMSession struct {
	tp         Sender
	bus        *bus.Bus
	identity   wire.Identity
	clk        clock.Clock
	typingIdle time.Duration

	mu          sync.Mutex
	activePeer  string
	seen        map[string]struct{} // client message ids of local sends
	lastSent    string              // legacy echo fallback marker
	hasLastSent bool
	typing      bool
	typingTimer clock.Timer
	convs       map[string]*Conversation
}

func NewDMSession(tp Sender, b *bus.Bus, identity wire.Identity, typingIdle time.Duration, clk clock.Clock) *DMSession {
	if clk == nil {
		clk = clock.System{}
	}
	return &DMSession{
		tp:         tp,
		bus:        b,
		identity:   identity,
		clk:        clk,
		typingIdle: typingIdle,
		seen:       make(map[string]struct{}),
		convs:      make(map[string]*Conversation),
	}
}

// Watch subscribes the session to its inbound envelope types.
func (s *DMSession) Watch() {
	s.bus.On(wire.TypeReceiveMessage, func(payload any) {
		if e, ok := payload.(*wire.Envelope); ok {
			s.onReceive(e)
		}
	})
	s.bus.On(wire.TypeUserTyping, func(payload any) {
		if e, ok := payload.(*wire.Envelope); ok {
			s.onPeerTyping(e, true)
		}
	})
	s.bus.On(wire.TypeUserStoppedTyping, func(payload any) {
		if e, ok := payload.(*wire.Envelope); ok {
			s.onPeerTyping(e, false)
		}
	})
}

// SetActivePeer switches the conversation being viewed. The typing flag
// resets; a stale stop_typing for the old peer is not worth sending.
func (s *DMSession) SetActivePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activePeer == peerID {
		return
	}
	s.activePeer = peerID
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

// ActivePeer returns the peer id of the conversation in view, "" when none.
func (s *DMSession) ActivePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePeer
}

// Conversations returns a copy of the conversation list.
func (s *DMSession) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	return out
}

// newClientMessageID builds the correlation token attached to every send:
// {userId}-{timestamp}-{random}. Ids are never reused; the seen set grows
// with the session and dies with it.
func (s *DMSession) newClientMessageID() string {
	return fmt.Sprintf("%s-%d-%s", s.identity.UserID, s.clk.Now().UnixMilli(), uuid.NewString()[:8])
}

// Send transmits a message to the active peer and renders it optimistically.
// The fresh client message id enters the seen set before the envelope hits
// the wire, so even an immediate echo cannot race past the dedup check.
func (s *DMSession) Send(content string) bool {
	content = strings.TrimSpace(content)

	s.mu.Lock()
	peer := s.activePeer
	if content == "" || peer == "" {
		s.mu.Unlock()
		logger.L().Sugar().Debugw("dm_send_noop", "peer", peer)
		return false
	}
	id := s.newClientMessageID()
	s.seen[id] = struct{}{}
	s.lastSent = content
	s.hasLastSent = true
	entry := s.upsertConversationLocked(peer, "", "", content)
	s.mu.Unlock()

	s.bus.Emit(EventConversation, entry)

	s.bus.Emit(EventRenderMessage, RenderedMessage{
		PeerID:    peer,
		Content:   content,
		Username:  s.identity.Username,
		PfpPath:   s.identity.PfpPath,
		CreatedAt: s.clk.Now().UTC().Format(time.RFC3339),
		Self:      true,
	})

	env := wire.NewEnvelope(wire.TypeSendMessage, s.identity, s.clk.Now())
	env.SenderID = wire.ID(s.identity.UserID)
	env.ReceiverID = wire.ID(peer)
	env.Message = content
	env.ClientMessageID = id
	s.tp.Send(&env)
	observe.IncSent("direct")
	return true
}

// onReceive applies the dedup tiers to one inbound receive_message:
//  1. an already-seen client message id is the echo of a local send: drop;
//  2. a self-sent message whose content equals the last local send, with no
//     intervening send, is an echo from a path that strips the id: drop and
//     clear the marker;
//  3. anything else renders, filtered to the active peer.
func (s *DMSession) onReceive(e *wire.Envelope) {
	content := strings.TrimSpace(e.Body())
	if content == "" {
		return
	}

	sender := e.SenderID.String()
	receiver := e.ReceiverID.String()
	self := sender == s.identity.UserID

	s.mu.Lock()
	if e.ClientMessageID != "" {
		if _, dup := s.seen[e.ClientMessageID]; dup {
			s.mu.Unlock()
			observe.IncDuplicate()
			return
		}
	}
	if self && s.hasLastSent && content == s.lastSent {
		s.lastSent = ""
		s.hasLastSent = false
		s.mu.Unlock()
		observe.IncDuplicate()
		return
	}
	peer := s.activePeer
	inView := peer != "" && (sender == peer || receiver == peer)
	other := sender
	if self {
		other = receiver
	}
	entry := s.upsertConversationLocked(other, e.SenderUsername, e.SenderPfp, content)
	s.mu.Unlock()

	if entry.PeerID != "" {
		s.bus.Emit(EventConversation, entry)
	}
	if !inView {
		return
	}
	s.bus.Emit(EventRenderMessage, RenderedMessage{
		PeerID:    peer,
		Content:   content,
		Username:  e.SenderUsername,
		PfpPath:   e.SenderPfp,
		CreatedAt: e.Timestamp,
		Self:      self,
	})
}

// upsertConversationLocked creates the list entry when absent and refreshes
// its preview. Both halves are idempotent. Caller holds s.mu and emits the
// returned entry after unlocking.
func (s *DMSession) upsertConversationLocked(peerID, name, avatar, lastMessage string) Conversation {
	if peerID == "" {
		return Conversation{}
	}
	c, ok := s.convs[peerID]
	if !ok {
		c = &Conversation{PeerID: peerID}
		s.convs[peerID] = c
	}
	if name != "" {
		c.Name = name
	}
	if avatar != "" {
		c.Avatar = avatar
	}
	c.LastMessage = lastMessage
	return *c
}

// InputActivity implements the typing protocol: the first keystroke emits
// one typing envelope; the debounce timer emits stop_typing after the idle
// window passes with no further activity.
func (s *DMSession) InputActivity() {
	s.mu.Lock()
	peer := s.activePeer
	if peer == "" {
		s.mu.Unlock()
		return
	}
	first := !s.typing
	s.typing = true
	if s.typingTimer == nil {
		s.typingTimer = s.clk.AfterFunc(s.typingIdle, s.stopTyping)
	} else {
		s.typingTimer.Reset(s.typingIdle)
	}
	s.mu.Unlock()

	if first {
		env := wire.NewEnvelope(wire.TypeTyping, s.identity, s.clk.Now())
		env.ReceiverID = wire.ID(peer)
		s.tp.Send(&env)
	}
}

func (s *DMSession) stopTyping() {
	s.mu.Lock()
	if !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	peer := s.activePeer
	s.mu.Unlock()

	if peer == "" {
		return
	}
	env := wire.NewEnvelope(wire.TypeStopTyping, s.identity, s.clk.Now())
	env.ReceiverID = wire.ID(peer)
	s.tp.Send(&env)
}

// onPeerTyping toggles the indicator only for the peer in view.
func (s *DMSession) onPeerTyping(e *wire.Envelope, typing bool) {
	s.mu.Lock()
	peer := s.activePeer
	s.mu.Unlock()
	if peer == "" || e.UserID.String() != peer {
		return
	}
	s.bus.Emit(EventPeerTyping, TypingEvent{PeerID: peer, Typing: typing})
}
