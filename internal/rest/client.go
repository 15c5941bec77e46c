// Package rest talks to the platform's HTTP collaborators: the online-status
// endpoint and the channel message history/persistence endpoints.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alumninet/chatwire/internal/wire"
)

// Message is one persisted channel message as returned by the history API.
type Message struct {
	Content   string `json:"content"`
	Username  string `json:"username"`
	PfpPath   string `json:"pfp_path"`
	CreatedAt string `json:"created_at"`
}

type Client struct {
	base string
	http *http.Client
}

// New builds a client for the API at base, e.g. "http://localhost:8080".
func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: base, http: hc}
}

// OnlineUsers fetches the full set of online user ids.
func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	var out struct {
		OnlineUsers []wire.ID `json:"online_users"`
	}
	if err := c.getJSON(ctx, c.base+"/api/online_status", &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.OnlineUsers))
	for _, id := range out.OnlineUsers {
		ids = append(ids, id.String())
	}
	return ids, nil
}

// ChannelMessages fetches the history of one channel, oldest first.
func (c *Client) ChannelMessages(ctx context.Context, channelID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	url := fmt.Sprintf("%s/api/channels/%s/messages", c.base, channelID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PostChannelMessage persists a message; the server broadcasts the matching
// new_message envelope to the channel's other subscribers.
func (c *Client) PostChannelMessage(ctx context.Context, channelID, content, messageType string) error {
	body, err := json.Marshal(map[string]string{
		"content":      content,
		"message_type": messageType,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/channels/%s/messages", c.base, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post message: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
