package metadata

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	eventStream  = "meta:events"
	eventGroup   = "stremio-consumer"
	consumerName = "stremio-1"

	eventBatch = 100
	eventBlock = 2 * time.Second
)

// Fields an encode or probe depends on. Anything else (posters, ratings, plot) leaves
// cached output valid.
var sourceFields = map[string]bool{
	"filePath":          true,
	"sourcePath":        true,
	"path":              true,
	"duration":          true,
	"fileinfo/duration": true,
	"audioTracks":       true,
	"subtitles":         true,
	"width":             true,
	"height":            true,
	"videoCodec":        true,
	"audioCodec":        true,
	"fileSize":          true,
	"sizeByte":          true,
}

// EventConsumer invalidates assets when meta-core reports that their source changed
type EventConsumer struct {
	store      *RedisStore
	invalidate func(assetID string, reason string)
}

func NewEventConsumer(store *RedisStore, invalidate func(assetID string, reason string)) *EventConsumer {
	return &EventConsumer{store: store, invalidate: invalidate}
}

func (c *EventConsumer) ensureGroup(ctx context.Context, client *redis.Client) error {
	err := client.XGroupCreateMkStream(ctx, eventStream, eventGroup, "$").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Run consumes the stream until ctx is done. A missing or failing connection is
// retried, the leader may be moving.
func (c *EventConsumer) Run(ctx context.Context) error {
	var grouped *redis.Client
	for {
		if ctx.Err() != nil {
			return nil
		}
		client := c.store.Client()
		if client == nil {
			if !sleep(ctx, eventBlock) {
				return nil
			}
			continue
		}
		if client != grouped {
			if err := c.ensureGroup(ctx, client); err != nil {
				log.LogErrorNoRequestID("failed to create meta events consumer group", err)
				if !sleep(ctx, eventBlock) {
					return nil
				}
				continue
			}
			grouped = client
			log.LogNoRequestID("consuming meta events", "stream", eventStream, "group", eventGroup)
		}

		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    eventGroup,
			Consumer: consumerName,
			Streams:  []string{eventStream, ">"},
			Count:    eventBatch,
			Block:    eventBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.LogErrorNoRequestID("failed to read meta events", err)
			if !sleep(ctx, eventBlock) {
				return nil
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(msg.Values)
				if err := client.XAck(ctx, eventStream, eventGroup, msg.ID).Err(); err != nil {
					log.LogErrorNoRequestID("failed to ack meta event", err, "id", msg.ID)
				}
			}
		}
	}
}

func (c *EventConsumer) handle(values map[string]interface{}) {
	key, _ := values["key"].(string)
	typ, _ := values["type"].(string)
	if key == "" || typ == "" {
		return
	}
	metrics.Metrics.MetaEventsConsumed.WithLabelValues(typ).Inc()

	assetID, field, ok := parseEventKey(strings.TrimPrefix(key, c.store.Prefix()))
	if !ok || !shouldInvalidate(field, typ) {
		return
	}
	if ValidateAssetID(assetID) != nil {
		return
	}
	c.invalidate(assetID, "meta-event")
}

// parseEventKey splits file:{hash}/{field}. Fields may contain slashes themselves.
func parseEventKey(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, "file:")
	if !ok {
		return "", "", false
	}
	assetID, field, ok := strings.Cut(rest, "/")
	if !ok || assetID == "" || field == "" {
		return "", "", false
	}
	return assetID, field, true
}

func shouldInvalidate(field string, eventType string) bool {
	if eventType == "del" {
		return true
	}
	return sourceFields[field] || strings.HasPrefix(field, "stream/")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
