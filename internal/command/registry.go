// Package command is the slash-command registry behind the terminal
// client: lines beginning with "/" dispatch here, everything else goes to
// the active conversation.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alumninet/chatwire/internal/observe"
)

// Chat is what commands need from the messaging client.
type Chat interface {
	SwitchChannel(ctx context.Context, channelID string)
	OpenDM(peerID string)
	Online() []string
	Close() error
}

type Context struct {
	Ctx  context.Context
	Chat Chat
	Out  io.Writer
	Args []string
	Raw  string

	// Quit is set by commands that end the session.
	Quit bool
}

type HandlerFunc func(ctx *Context) error

type Command struct {
	Name    string
	Aliases []string
	Help    string
	Handler HandlerFunc
}

type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Command
	list   []*Command
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Command),
		list:   make([]*Command, 0),
	}
}

func (r *Registry) Register(cmd *Command) (err error) {
	if cmd == nil {
		return errors.New("command is nil")
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return errors.New("command name is empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("command name must not contain '/': %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("command %s already registered", name)
	}
	r.byName[name] = cmd
	for _, item := range cmd.Aliases {
		alias := strings.ToLower(strings.TrimSpace(item))
		if alias == "" {
			continue
		}
		if _, exists := r.byName[alias]; exists {
			return fmt.Errorf("command alias %s already registered", alias)
		}
		r.byName[alias] = cmd
	}
	r.list = append(r.list, cmd)
	return nil
}

func (r *Registry) Get(name string) (*Command, bool) {
	k := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byName[k]
	return cmd, ok
}

func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.list))
	copy(out, r.list)
	return out
}

// Execute dispatches one raw input line. handled is false when the line is
// not a command at all.
func (r *Registry) Execute(raw string, ctx *Context) (handled bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return false, nil
	}
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return true, nil
	}
	cmdName := strings.TrimPrefix(parts[0], "/")
	cmd, ok := r.Get(cmdName)
	if !ok {
		return true, fmt.Errorf("command %s not found", cmdName)
	}
	ctx.Args = parts[1:]
	ctx.Raw = raw
	observe.IncCommand(cmd.Name)
	if err := cmd.Handler(ctx); err != nil {
		return true, err
	}
	return true, nil
}
