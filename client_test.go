package chatwire_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alumninet/chatwire"
	"github.com/alumninet/chatwire/internal/config"
	"github.com/alumninet/chatwire/internal/server"
	"github.com/alumninet/chatwire/internal/session"
	"github.com/alumninet/chatwire/internal/transport"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := server.NewHub(server.NewMemStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub.Router(64))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func testConfig(srv *httptest.Server) *config.Config {
	cfg := config.Load()
	cfg.WSURLs = []string{"ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
	cfg.APIBase = srv.URL
	cfg.PresenceSync = time.Hour // keep the periodic sync out of the way
	return cfg
}

func connect(t *testing.T, srv *httptest.Server, userID, username string) *chatwire.Client {
	t.Helper()
	cfg := testConfig(srv)
	c := chatwire.New(cfg, chatwire.Identity{UserID: userID, Username: username},
		chatwire.WithHistoryMode(session.HistoryViaTransport))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func renderChan(c *chatwire.Client) chan session.RenderedMessage {
	out := make(chan session.RenderedMessage, 32)
	c.On(session.EventRenderMessage, func(p any) {
		if m, ok := p.(session.RenderedMessage); ok {
			out <- m
		}
	})
	return out
}

func waitRender(t *testing.T, ch chan session.RenderedMessage) session.RenderedMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a rendered message")
		return session.RenderedMessage{}
	}
}

// joinAndSettle switches to the channel and waits for the history reply,
// which confirms the server processed the join.
func joinAndSettle(t *testing.T, c *chatwire.Client, channelID string) {
	t.Helper()
	settled := make(chan struct{}, 1)
	cancel := make(chan struct{})
	c.On(session.EventRenderHistory, func(p any) {
		h, ok := p.(session.HistoryRendered)
		if !ok || h.ChannelID != channelID {
			return
		}
		select {
		case settled <- struct{}{}:
		case <-cancel:
		}
	})
	c.SwitchChannel(context.Background(), channelID)
	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		t.Fatalf("join of %s never settled", channelID)
	}
	close(cancel)
}

func TestChannelMessageFlow(t *testing.T) {
	srv := startServer(t)
	a := connect(t, srv, "a", "ada")
	b := connect(t, srv, "b", "bea")

	bRenders := renderChan(b)
	joinAndSettle(t, a, "general")
	joinAndSettle(t, b, "general")

	aRenders := renderChan(a)
	if !a.SendMessage("hello room") {
		t.Fatal("send reported false")
	}

	// The sender renders optimistically.
	own := waitRender(t, aRenders)
	if own.Content != "hello room" || !own.Self {
		t.Errorf("optimistic render = %+v", own)
	}

	got := waitRender(t, bRenders)
	if got.Content != "hello room" || got.Username != "ada" || got.Self {
		t.Errorf("peer render = %+v", got)
	}

	// No server echo back to the sender: exactly the one optimistic render.
	select {
	case m := <-aRenders:
		t.Errorf("sender rendered twice: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDirectMessageDedup(t *testing.T) {
	srv := startServer(t)
	a := connect(t, srv, "a", "ada")
	b := connect(t, srv, "b", "bea")

	aRenders := renderChan(a)
	bRenders := renderChan(b)
	a.OpenDM("b")
	b.OpenDM("a")

	if !a.SendDirect("psst") {
		t.Fatal("send reported false")
	}

	own := waitRender(t, aRenders)
	if own.Content != "psst" || !own.Self {
		t.Errorf("optimistic render = %+v", own)
	}

	got := waitRender(t, bRenders)
	if got.Content != "psst" || got.Self {
		t.Errorf("receiver render = %+v", got)
	}

	// The server echoes the message back to the sender; the client message
	// id must suppress it.
	select {
	case m := <-aRenders:
		t.Errorf("echo rendered on the sender: %+v", m)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPresenceConvergence(t *testing.T) {
	srv := startServer(t)
	a := connect(t, srv, "a", "ada")

	b := connect(t, srv, "b", "bea")
	waitCond(t, "a sees b online", func() bool { return a.IsOnline("b") })

	b.Close()
	waitCond(t, "a sees b offline", func() bool { return !a.IsOnline("b") })
}

func TestStateTransitions(t *testing.T) {
	srv := startServer(t)
	a := connect(t, srv, "a", "ada")

	if a.State() != transport.StateOpen {
		t.Errorf("state = %v after connect, want open", a.State())
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitCond(t, "state disconnected", func() bool { return a.State() == transport.StateDisconnected })
}

func TestTypingIndicatorEndToEnd(t *testing.T) {
	srv := startServer(t)
	a := connect(t, srv, "a", "ada")
	b := connect(t, srv, "b", "bea")

	typing := make(chan session.TypingEvent, 4)
	b.On(session.EventPeerTyping, func(p any) {
		if ev, ok := p.(session.TypingEvent); ok {
			typing <- ev
		}
	})
	a.OpenDM("b")
	b.OpenDM("a")

	a.DM().InputActivity()

	select {
	case ev := <-typing:
		if !ev.Typing || ev.PeerID != "a" {
			t.Errorf("typing event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing indicator never arrived")
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
