// Package server is the reference chat server: the websocket endpoint the
// client transport dials plus the HTTP collaborators it consumes. It exists
// for local development and integration testing of the client.
package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alumninet/chatwire/internal/wire"
	"github.com/alumninet/chatwire/pkg/logger"
)

// Hub routes envelopes between connected clients: channel fan-out, direct
// messages, typing notifications and presence broadcasts. All mutable state
// is owned by the run loop; the channels are the only way in.
type Hub struct {
	clients  map[string]*client            // user id -> connection
	channels map[string]map[string]*client // channel id -> members by user id

	register   chan *client
	unregister chan *client
	inbound    chan inboundFrame
	snapshots  chan chan []string

	store MessageStore
	relay *Relay
}

type inboundFrame struct {
	from *client
	env  *wire.Envelope
}

func NewHub(store MessageStore, relay *Relay) *Hub {
	return &Hub{
		clients:    make(map[string]*client),
		channels:   make(map[string]map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inboundFrame, 64),
		snapshots:  make(chan chan []string),
		store:      store,
		relay:      relay,
	}
}

// Run owns the hub state until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.relay != nil {
		go h.relay.Consume(ctx, func(env *wire.Envelope) {
			select {
			case h.inbound <- inboundFrame{env: env}:
			case <-ctx.Done():
			}
		})
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.onRegister(c)
		case c := <-h.unregister:
			h.onUnregister(c)
		case f := <-h.inbound:
			h.onEnvelope(ctx, f)
		case reply := <-h.snapshots:
			ids := make([]string, 0, len(h.clients))
			for id := range h.clients {
				ids = append(ids, id)
			}
			reply <- ids
		}
	}
}

// OnlineIDs returns the user ids with a live connection.
func (h *Hub) OnlineIDs(ctx context.Context) []string {
	reply := make(chan []string, 1)
	select {
	case h.snapshots <- reply:
		return <-reply
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) onRegister(c *client) {
	// A second connection for the same user replaces the first.
	if prev, ok := h.clients[c.userID]; ok {
		prev.stop()
		h.dropFromChannels(prev)
	}
	h.clients[c.userID] = c
	logger.L().Sugar().Infow("client_registered", "user", c.userID, "online", len(h.clients))
	h.broadcastAll(h.statusEnvelope(wire.TypeUserOnline, c), c.userID)
}

func (h *Hub) onUnregister(c *client) {
	if cur, ok := h.clients[c.userID]; !ok || cur != c {
		return
	}
	delete(h.clients, c.userID)
	h.dropFromChannels(c)
	c.stop()
	logger.L().Sugar().Infow("client_unregistered", "user", c.userID, "online", len(h.clients))
	h.broadcastAll(h.statusEnvelope(wire.TypeUserOffline, c), c.userID)
}

func (h *Hub) statusEnvelope(typ string, c *client) *wire.Envelope {
	return &wire.Envelope{
		Type:      typ,
		UserID:    wire.ID(c.userID),
		Username:  c.username,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (h *Hub) dropFromChannels(c *client) {
	for id, members := range h.channels {
		if members[c.userID] == c {
			delete(members, c.userID)
			if len(members) == 0 {
				delete(h.channels, id)
			}
		}
	}
}

func (h *Hub) onEnvelope(ctx context.Context, f inboundFrame) {
	e := f.env
	switch e.Type {
	case wire.TypeJoinChannel:
		h.joinChannel(f.from, e)
	case wire.TypeLeaveChannel:
		h.leaveChannel(f.from, e)
	case wire.TypeSendMessage:
		h.routeMessage(ctx, f)
	case wire.TypeNewMessage:
		// Relayed from another node: local fan-out only.
		h.broadcastChannel(e.ChannelID.String(), e, e.UserID.String())
	case wire.TypeGetChanMessages:
		h.sendHistory(ctx, f.from, e.ChannelID.String())
	case wire.TypeTyping:
		h.forwardTyping(e, wire.TypeUserTyping)
	case wire.TypeStopTyping:
		h.forwardTyping(e, wire.TypeUserStoppedTyping)
	default:
		logger.L().Sugar().Infow("hub_drop_envelope", "type", e.Type)
	}
}

func (h *Hub) joinChannel(c *client, e *wire.Envelope) {
	if c == nil {
		return
	}
	id := e.ChannelID.String()
	if id == "" {
		return
	}
	members, ok := h.channels[id]
	if !ok {
		members = make(map[string]*client)
		h.channels[id] = members
	}
	members[c.userID] = c

	note := h.statusEnvelope(wire.TypeUserJoined, c)
	note.ChannelID = wire.ID(id)
	h.broadcastChannel(id, note, c.userID)
}

func (h *Hub) leaveChannel(c *client, e *wire.Envelope) {
	if c == nil {
		return
	}
	id := e.ChannelID.String()
	members, ok := h.channels[id]
	if !ok || members[c.userID] != c {
		return
	}
	delete(members, c.userID)
	if len(members) == 0 {
		delete(h.channels, id)
	}

	note := h.statusEnvelope(wire.TypeUserLeft, c)
	note.ChannelID = wire.ID(id)
	h.broadcastChannel(id, note, c.userID)
}

// routeMessage handles send_message for both schemas: a channel_id selects
// the channel path, a receiver_id the direct path.
func (h *Hub) routeMessage(ctx context.Context, f inboundFrame) {
	e := f.env
	switch {
	case e.ChannelID.String() != "":
		h.channelMessage(ctx, f)
	case e.ReceiverID.String() != "":
		h.directMessage(f)
	default:
		logger.L().Sugar().Warnw("send_message_without_target", "user", e.UserID)
	}
}

func (h *Hub) channelMessage(ctx context.Context, f inboundFrame) {
	e := f.env
	id := e.ChannelID.String()
	created := time.Now().UTC()
	if h.store != nil {
		if err := h.store.SaveChannelMessage(ctx, id, e.UserID.String(), e.Username, e.PfpPath, e.Content, e.MessageType, created); err != nil {
			logger.L().Sugar().Errorw("save_message_failed", "channel", id, "err", err)
		}
	}

	out := &wire.Envelope{
		Type:        wire.TypeNewMessage,
		ChannelID:   wire.ID(id),
		UserID:      e.UserID,
		Username:    e.Username,
		PfpPath:     e.PfpPath,
		Content:     e.Content,
		MessageType: e.MessageType,
		CreatedAt:   created.Format(time.RFC3339),
		Timestamp:   created.Format(time.RFC3339),
	}
	// The sender already rendered optimistically; everyone else gets the
	// broadcast.
	h.broadcastChannel(id, out, e.UserID.String())
	if h.relay != nil {
		h.relay.Publish(ctx, out)
	}
}

// directMessage echoes to both participants; the sender's copy carries the
// client_message_id so the client can suppress it.
func (h *Hub) directMessage(f inboundFrame) {
	e := f.env
	out := &wire.Envelope{
		Type:            wire.TypeReceiveMessage,
		SenderID:        e.SenderID,
		ReceiverID:      e.ReceiverID,
		Message:         e.Body(),
		ClientMessageID: e.ClientMessageID,
		SenderUsername:  e.Username,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	if from := f.from; from != nil {
		out.SenderPfp = from.pfpPath
	}
	h.deliver(e.ReceiverID.String(), out)
	h.deliver(e.SenderID.String(), out)
}

func (h *Hub) sendHistory(ctx context.Context, c *client, channelID string) {
	if c == nil || h.store == nil || channelID == "" {
		return
	}
	msgs, err := h.store.ChannelMessages(ctx, channelID, 50)
	if err != nil {
		logger.L().Sugar().Errorw("history_load_failed", "channel", channelID, "err", err)
		return
	}
	type item struct {
		Content   string `json:"content"`
		Username  string `json:"username"`
		PfpPath   string `json:"pfp_path"`
		CreatedAt string `json:"created_at"`
	}
	items := make([]item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, item{
			Content:   m.Content,
			Username:  m.Username,
			PfpPath:   m.PfpPath,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return
	}
	c.push(&wire.Envelope{
		Type:      wire.TypeMessagesHistory,
		ChannelID: wire.ID(channelID),
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Hub) forwardTyping(e *wire.Envelope, outType string) {
	out := &wire.Envelope{
		Type:      outType,
		UserID:    e.UserID,
		Username:  e.Username,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	h.deliver(e.ReceiverID.String(), out)
}

func (h *Hub) deliver(userID string, e *wire.Envelope) {
	if c, ok := h.clients[userID]; ok {
		c.push(e)
	}
}

func (h *Hub) broadcastChannel(channelID string, e *wire.Envelope, exceptUserID string) {
	for id, c := range h.channels[channelID] {
		if id == exceptUserID {
			continue
		}
		c.push(e)
	}
}

func (h *Hub) broadcastAll(e *wire.Envelope, exceptUserID string) {
	for id, c := range h.clients {
		if id == exceptUserID {
			continue
		}
		c.push(e)
	}
}
