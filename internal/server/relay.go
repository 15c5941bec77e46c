package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alumninet/chatwire/internal/wire"
	"github.com/alumninet/chatwire/pkg/logger"
)

// Relay fans channel broadcasts out to the other server nodes through a
// redis stream, so clients connected elsewhere still see live messages.
type Relay struct {
	cli    *redis.Client
	stream string
	group  string
	node   string
}

func NewRelay(addr, stream, group, node string) *Relay {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	return &Relay{cli: cli, stream: stream, group: group, node: node}
}

// EnsureGroup creates the stream and consumer group if absent.
func (r *Relay) EnsureGroup(ctx context.Context) error {
	_ = r.cli.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	return nil
}

// Publish puts one envelope on the stream, tagged with the origin node so
// consumers can skip their own traffic.
func (r *Relay) Publish(ctx context.Context, e *wire.Envelope) {
	payload, err := wire.Marshal(e)
	if err != nil {
		return
	}
	err = r.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{"node": r.node, "data": payload},
	}).Err()
	if err != nil {
		logger.L().Sugar().Warnw("relay_publish_failed", "err", err)
	}
}

// Consume blocks, delivering envelopes published by other nodes until ctx
// is done.
func (r *Relay) Consume(ctx context.Context, handler func(*wire.Envelope)) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := r.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.node,
			Streams:  []string{r.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logger.L().Sugar().Warnw("relay_read_failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				r.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (r *Relay) handleMessage(ctx context.Context, msg redis.XMessage, handler func(*wire.Envelope)) {
	defer func() {
		_ = r.cli.XAck(ctx, r.stream, r.group, msg.ID).Err()
	}()
	if node, _ := msg.Values["node"].(string); node == r.node {
		return
	}
	data, _ := msg.Values["data"].(string)
	if data == "" {
		return
	}
	env, err := wire.Unmarshal([]byte(data))
	if err != nil {
		logger.L().Sugar().Warnw("relay_drop_malformed", "err", err)
		return
	}
	handler(env)
}

func (r *Relay) Close() error { return r.cli.Close() }
