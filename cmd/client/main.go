package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alumninet/chatwire"
	"github.com/alumninet/chatwire/internal/command"
	"github.com/alumninet/chatwire/internal/config"
	"github.com/alumninet/chatwire/internal/presence"
	"github.com/alumninet/chatwire/internal/session"
	"github.com/alumninet/chatwire/internal/transport"
	"github.com/alumninet/chatwire/pkg/logger"
)

// chat adapts the client for the command registry and remembers whether
// plain input lines go to the active channel or the active 1:1 peer.
type chat struct {
	*chatwire.Client
	direct bool
}

func (c *chat) SwitchChannel(ctx context.Context, channelID string) {
	c.direct = false
	c.Client.SwitchChannel(ctx, channelID)
}

func (c *chat) OpenDM(peerID string) {
	c.direct = true
	c.Client.OpenDM(peerID)
}

func main() {
	userID := flag.String("user", "", "user id (required)")
	username := flag.String("name", "", "display name")
	pfp := flag.String("pfp", "", "profile picture path")
	flag.Parse()
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: client -user <id> [-name <name>] [-pfp <path>]")
		os.Exit(2)
	}
	if *username == "" {
		*username = *userID
	}

	cfg := config.Load()
	log := logger.L().Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := chatwire.New(cfg, chatwire.Identity{
		UserID:   *userID,
		Username: *username,
		PfpPath:  *pfp,
	})

	cli.On(session.EventRenderMessage, func(payload any) {
		m, ok := payload.(session.RenderedMessage)
		if !ok {
			return
		}
		who := m.Username
		if m.Self {
			who = "you"
		}
		if m.PeerID != "" {
			fmt.Printf("[dm %s] %s: %s\n", m.PeerID, who, m.Content)
			return
		}
		fmt.Printf("[#%s] %s: %s\n", m.ChannelID, who, m.Content)
	})
	cli.On(session.EventRenderHistory, func(payload any) {
		h, ok := payload.(session.HistoryRendered)
		if !ok {
			return
		}
		for _, m := range h.Messages {
			fmt.Printf("[#%s] %s: %s\n", h.ChannelID, m.Username, m.Content)
		}
	})
	cli.On(session.EventPeerTyping, func(payload any) {
		t, ok := payload.(session.TypingEvent)
		if !ok {
			return
		}
		if t.Typing {
			fmt.Printf("%s is typing...\n", t.PeerID)
		}
	})
	cli.On(presence.EventChanged, func(payload any) {
		ch, ok := payload.(presence.ChangeEvent)
		if !ok {
			return
		}
		state := "offline"
		if ch.Online {
			state = "online"
		}
		fmt.Printf("* %s is %s\n", ch.UserID, state)
	})
	cli.On(transport.EventReconnected, func(any) {
		fmt.Println("* reconnected")
	})
	cli.On(transport.EventReconnectFailed, func(any) {
		fmt.Println("* connection lost, giving up")
	})

	if err := cli.Connect(ctx); err != nil {
		log.Fatalw("connect_failed", "err", err)
	}
	defer cli.Close()
	fmt.Println("connected. /help for commands.")

	reg := command.NewRegistry()
	if err := command.RegisterBuiltins(reg); err != nil {
		log.Fatalw("commands_failed", "err", err)
	}

	target := &chat{Client: cli}
	cmdCtx := &command.Context{Ctx: ctx, Chat: target, Out: os.Stdout}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		handled, err := reg.Execute(line, cmdCtx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		if cmdCtx.Quit {
			return
		}
		if handled || line == "" {
			continue
		}
		var sent bool
		if target.direct {
			cli.DM().InputActivity()
			sent = cli.SendDirect(line)
		} else {
			sent = cli.SendMessage(line)
		}
		if !sent {
			fmt.Fprintln(os.Stderr, "not delivered: pick a target with /join or /dm first")
		}
	}
}
