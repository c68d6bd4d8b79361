package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisChannel = "slicebox.events"

// envelope is the wire format on the redis channel: the event type tag plus
// the event's own JSON body.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RedisBus distributes domain events across processes using redis pub/sub.
// Events published on one node reach subscribers on every node, including
// the publishing one (delivery loops back through redis, so local and remote
// subscribers see the same stream). Delivery remains best-effort.
type RedisBus struct {
	client *redis.Client
	local  *InProcessBus
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBus connects to redis and starts the receive loop.
func NewRedisBus(addr string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("events: redis ping: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client: client,
		local:  NewInProcessBus(),
		pubsub: client.Subscribe(ctx, redisChannel),
		cancel: cancel,
	}
	go b.receive(ctx)
	return b, nil
}

// Publish marshals the event into the envelope and pushes it to redis.
// On redis failure the event is delivered locally so single-node operation
// degrades instead of going silent.
func (b *RedisBus) Publish(event Event) {
	env := envelope{Type: event.Type()}
	data, err := json.Marshal(event)
	if err != nil {
		log.WithFields(log.Fields{"subsystem": "events", "type": event.Type()}).
			WithError(err).Error("event marshal failed")
		return
	}
	env.Data = data
	payload, _ := json.Marshal(env)
	if err := b.client.Publish(context.Background(), redisChannel, payload).Err(); err != nil {
		log.WithFields(log.Fields{"subsystem": "events", "type": event.Type()}).
			WithError(err).Warn("redis publish failed, delivering locally")
		b.local.Publish(event)
	}
}

// Subscribe registers a local channel; events arrive via the redis loop.
func (b *RedisBus) Subscribe(types ...string) chan Event {
	return b.local.Subscribe(types...)
}

// Unsubscribe removes a subscription channel.
func (b *RedisBus) Unsubscribe(ch chan Event) {
	b.local.Unsubscribe(ch)
}

// Close stops the receive loop and closes local subscribers.
func (b *RedisBus) Close() {
	b.cancel()
	b.pubsub.Close()
	b.local.Close()
	b.client.Close()
}

func (b *RedisBus) receive(ctx context.Context) {
	for {
		msg, err := b.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("subsystem", "events").WithError(err).Warn("redis receive failed")
			continue
		}
		event, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			log.WithField("subsystem", "events").WithError(err).Warn("undecodable event dropped")
			continue
		}
		b.local.Publish(event)
	}
}

func decodeEnvelope(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	var event Event
	switch env.Type {
	case ImageAdded{}.Type():
		var e ImageAdded
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case ImagesDeleted{}.Type():
		var e ImagesDeleted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case SourceDeleted{}.Type():
		var e SourceDeleted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case BoxAdded{}.Type():
		var e BoxAdded
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case BoxDeleted{}.Type():
		var e BoxDeleted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		event = e
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	return event, nil
}
