package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alumninet/chatwire/internal/wire"
)

type wsClient struct {
	userID string
	conn   *websocket.Conn
	frames chan *wire.Envelope
}

func startHub(t *testing.T) *httptest.Server {
	t.Helper()
	hub := NewHub(NewMemStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub.Router(16))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func dialClient(t *testing.T, srv *httptest.Server, userID, username string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/ws?user_id=%s&username=%s", userID, username)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}

	c := &wsClient{userID: userID, conn: conn, frames: make(chan *wire.Envelope, 32)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(c.frames)
				return
			}
			if env, err := wire.Unmarshal(data); err == nil {
				c.frames <- env
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *wsClient) send(t *testing.T, e *wire.Envelope) {
	t.Helper()
	data, err := wire.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one of the given type arrives, skipping
// unrelated traffic such as presence broadcasts.
func (c *wsClient) expect(t *testing.T, typ string) *wire.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-c.frames:
			if !ok {
				t.Fatalf("%s: connection closed while waiting for %s", c.userID, typ)
			}
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s", c.userID, typ)
		}
	}
}

// expectNone asserts no frame of the given type arrives within the window.
func (c *wsClient) expectNone(t *testing.T, typ string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case e, ok := <-c.frames:
			if !ok {
				return
			}
			if e.Type == typ {
				t.Fatalf("%s: unexpected %s frame: %+v", c.userID, typ, e)
			}
		case <-deadline:
			return
		}
	}
}

// waitClosed blocks until the server closes the connection.
func (c *wsClient) waitClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("%s: connection never closed", c.userID)
		}
	}
}

func joinChannel(t *testing.T, c *wsClient, channelID string) {
	t.Helper()
	c.send(t, &wire.Envelope{Type: wire.TypeJoinChannel, UserID: wire.ID(c.userID), ChannelID: wire.ID(channelID)})
}

// joinAndSettle joins and then round-trips a history request on the same
// connection, so the hub has definitely processed the join on return.
func joinAndSettle(t *testing.T, c *wsClient, channelID string) {
	t.Helper()
	joinChannel(t, c, channelID)
	c.send(t, &wire.Envelope{Type: wire.TypeGetChanMessages, UserID: wire.ID(c.userID), ChannelID: wire.ID(channelID)})
	c.expect(t, wire.TypeMessagesHistory)
}

func TestChannelBroadcastExcludesSender(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")
	b := dialClient(t, srv, "b", "bea")
	joinAndSettle(t, a, "general")
	joinChannel(t, b, "general")
	a.expect(t, wire.TypeUserJoined) // b arrived

	a.send(t, &wire.Envelope{
		Type:      wire.TypeSendMessage,
		UserID:    "a",
		Username:  "ada",
		ChannelID: "general",
		Content:   "hello room",
	})

	got := b.expect(t, wire.TypeNewMessage)
	if got.Content != "hello room" || got.ChannelID != "general" || got.Username != "ada" {
		t.Errorf("broadcast = %+v", got)
	}
	if got.CreatedAt == "" {
		t.Error("broadcast missing created_at")
	}
	// The sender rendered optimistically; echoing it back would duplicate.
	a.expectNone(t, wire.TypeNewMessage, 200*time.Millisecond)
}

func TestChannelMessageNotDeliveredOutsideChannel(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")
	c := dialClient(t, srv, "c", "cho")
	joinChannel(t, a, "general")
	joinChannel(t, c, "random")

	a.send(t, &wire.Envelope{
		Type: wire.TypeSendMessage, UserID: "a", ChannelID: "general", Content: "members only",
	})

	c.expectNone(t, wire.TypeNewMessage, 200*time.Millisecond)
}

func TestLeaveChannelStopsDelivery(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")
	b := dialClient(t, srv, "b", "bea")
	joinAndSettle(t, a, "general")
	joinChannel(t, b, "general")
	a.expect(t, wire.TypeUserJoined)

	b.send(t, &wire.Envelope{Type: wire.TypeLeaveChannel, UserID: "b", ChannelID: "general"})
	a.expect(t, wire.TypeUserLeft)

	a.send(t, &wire.Envelope{
		Type: wire.TypeSendMessage, UserID: "a", ChannelID: "general", Content: "anyone?",
	})
	b.expectNone(t, wire.TypeNewMessage, 200*time.Millisecond)
}

func TestDirectMessageEchoesToBothParticipants(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")
	b := dialClient(t, srv, "b", "bea")

	a.send(t, &wire.Envelope{
		Type:            wire.TypeSendMessage,
		UserID:          "a",
		Username:        "ada",
		SenderID:        "a",
		ReceiverID:      "b",
		Message:         "psst",
		ClientMessageID: "a-1700000000000-deadbeef",
	})

	forB := b.expect(t, wire.TypeReceiveMessage)
	if forB.Body() != "psst" || forB.SenderID != "a" || forB.SenderUsername != "ada" {
		t.Errorf("receiver copy = %+v", forB)
	}

	// The sender's echo keeps the correlation id so the client can drop it.
	forA := a.expect(t, wire.TypeReceiveMessage)
	if forA.ClientMessageID != "a-1700000000000-deadbeef" {
		t.Errorf("sender echo client_message_id = %q", forA.ClientMessageID)
	}
}

func TestHistoryOverTransport(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")
	joinChannel(t, a, "general")

	for _, text := range []string{"first", "second"} {
		a.send(t, &wire.Envelope{
			Type: wire.TypeSendMessage, UserID: "a", Username: "ada",
			ChannelID: "general", Content: text,
		})
	}
	a.send(t, &wire.Envelope{Type: wire.TypeGetChanMessages, UserID: "a", ChannelID: "general"})

	hist := a.expect(t, wire.TypeMessagesHistory)
	if hist.ChannelID != "general" {
		t.Errorf("history channel = %q", hist.ChannelID)
	}
	var items []struct {
		Content  string `json:"content"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(hist.Data, &items); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(items) != 2 || items[0].Content != "first" || items[1].Content != "second" {
		t.Errorf("history = %+v, want oldest first", items)
	}
}

func TestTypingForwardsToReceiverOnly(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")
	b := dialClient(t, srv, "b", "bea")
	c := dialClient(t, srv, "c", "cho")

	a.send(t, &wire.Envelope{Type: wire.TypeTyping, UserID: "a", ReceiverID: "b"})

	got := b.expect(t, wire.TypeUserTyping)
	if got.UserID != "a" {
		t.Errorf("typing from %q, want a", got.UserID)
	}
	c.expectNone(t, wire.TypeUserTyping, 200*time.Millisecond)

	a.send(t, &wire.Envelope{Type: wire.TypeStopTyping, UserID: "a", ReceiverID: "b"})
	b.expect(t, wire.TypeUserStoppedTyping)
}

func TestPresenceBroadcasts(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")

	b := dialClient(t, srv, "b", "bea")
	on := a.expect(t, wire.TypeUserOnline)
	if on.UserID != "b" {
		t.Errorf("user_online for %q, want b", on.UserID)
	}

	b.conn.Close()
	off := a.expect(t, wire.TypeUserOffline)
	if off.UserID != "b" {
		t.Errorf("user_offline for %q, want b", off.UserID)
	}
}

func TestOnlineStatusEndpoint(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")
	b := dialClient(t, srv, "b", "bea")
	a.expect(t, wire.TypeUserOnline) // b registered

	resp, err := http.Get(srv.URL + "/api/online_status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		OnlineUsers []wire.ID `json:"online_users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := make(map[string]bool)
	for _, id := range out.OnlineUsers {
		got[id.String()] = true
	}
	if !got[a.userID] || !got[b.userID] {
		t.Errorf("online_users = %v, want a and b", out.OnlineUsers)
	}
}

func TestRESTMessagePostBroadcasts(t *testing.T) {
	srv := startHub(t)
	b := dialClient(t, srv, "b", "bea")
	joinAndSettle(t, b, "general")

	body := `{"content":"via http","message_type":"text","user_id":"a","username":"ada"}`
	resp, err := http.Post(srv.URL+"/api/channels/general/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	got := b.expect(t, wire.TypeNewMessage)
	if got.Content != "via http" || got.Username != "ada" {
		t.Errorf("broadcast = %+v", got)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv := startHub(t)
	a := dialClient(t, srv, "a", "ada")
	joinChannel(t, a, "general")
	a.send(t, &wire.Envelope{
		Type: wire.TypeSendMessage, UserID: "a", Username: "ada",
		ChannelID: "general", Content: "persisted",
	})
	// Round-trip through the hub before reading the store.
	a.send(t, &wire.Envelope{Type: wire.TypeGetChanMessages, UserID: "a", ChannelID: "general"})
	a.expect(t, wire.TypeMessagesHistory)

	resp, err := http.Get(srv.URL + "/api/channels/general/messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Messages []struct {
			Content  string `json:"content"`
			Username string `json:"username"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Content != "persisted" {
		t.Errorf("messages = %+v", out.Messages)
	}
}

func TestServeWSRequiresUserID(t *testing.T) {
	srv := startHub(t)
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDuplicateConnectionReplacesPrevious(t *testing.T) {
	srv := startHub(t)
	first := dialClient(t, srv, "a", "ada")
	second := dialClient(t, srv, "a", "ada")
	// The hub drops the replaced connection; wait for it so the second one
	// is definitely registered before any traffic flows.
	first.waitClosed(t)

	b := dialClient(t, srv, "b", "bea")
	b.send(t, &wire.Envelope{
		Type: wire.TypeSendMessage, UserID: "b", SenderID: "b", ReceiverID: "a", Message: "which one?",
	})

	got := second.expect(t, wire.TypeReceiveMessage)
	if got.Body() != "which one?" {
		t.Errorf("message = %+v", got)
	}
}
