package command

import (
	"errors"
	"fmt"
	"strings"
)

// RegisterBuiltins installs the standard client commands.
func RegisterBuiltins(r *Registry) error {
	cmds := []*Command{
		{
			Name: "help",
			Help: "list available commands",
			Handler: func(ctx *Context) error {
				for _, c := range r.List() {
					aliases := ""
					if len(c.Aliases) > 0 {
						aliases = " (aliases: " + strings.Join(c.Aliases, ", ") + ")"
					}
					fmt.Fprintf(ctx.Out, "/%s - %s%s\n", c.Name, c.Help, aliases)
				}
				return nil
			},
		},
		{
			Name:    "join",
			Aliases: []string{"channel"},
			Help:    "switch to a channel: /join <channel-id>",
			Handler: func(ctx *Context) error {
				if len(ctx.Args) != 1 {
					return errors.New("usage: /join <channel-id>")
				}
				ctx.Chat.SwitchChannel(ctx.Ctx, ctx.Args[0])
				fmt.Fprintf(ctx.Out, "now in channel %s\n", ctx.Args[0])
				return nil
			},
		},
		{
			Name: "dm",
			Help: "open a direct conversation: /dm <user-id>",
			Handler: func(ctx *Context) error {
				if len(ctx.Args) != 1 {
					return errors.New("usage: /dm <user-id>")
				}
				ctx.Chat.OpenDM(ctx.Args[0])
				fmt.Fprintf(ctx.Out, "direct conversation with %s\n", ctx.Args[0])
				return nil
			},
		},
		{
			Name: "who",
			Help: "list users currently online",
			Handler: func(ctx *Context) error {
				online := ctx.Chat.Online()
				if len(online) == 0 {
					fmt.Fprintln(ctx.Out, "nobody online")
					return nil
				}
				fmt.Fprintln(ctx.Out, "online: "+strings.Join(online, ", "))
				return nil
			},
		},
		{
			Name:    "quit",
			Aliases: []string{"exit"},
			Help:    "close the connection and exit",
			Handler: func(ctx *Context) error {
				ctx.Quit = true
				return ctx.Chat.Close()
			},
		},
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
