package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultChannel is the pub/sub channel shared by all instances.
	DefaultChannel = "anvil:events"

	publishTimeout = 2 * time.Second
	pingTimeout    = time.Second

	resubscribeBase = time.Second
	resubscribeCap  = 30 * time.Second
)

// Redis is the multi-instance broker on Redis pub/sub. It tolerates an
// unavailable server: publishes fail fast (the hub still delivers locally)
// and the receive loop resubscribes with capped exponential backoff.
type Redis struct {
	serverID string
	channel  string
	client   *redis.Client
	log      *logrus.Logger

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Broker = (*Redis)(nil)

// NewRedis connects the broker to the Redis at url. A currently-down server
// is not an error; the broker starts degraded and recovers on its own.
func NewRedis(url, serverID string, log *logrus.Logger) (*Redis, error) {
	if log == nil {
		log = logrus.New()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	b := &Redis{
		serverID: serverID,
		channel:  DefaultChannel,
		client:   redis.NewClient(opts),
		log:      log,
		handlers: make(map[int]Handler),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.receiveLoop(ctx)
	return b, nil
}

// Publish sends the event to the shared channel with a bounded timeout.
func (b *Redis) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding broker event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe registers a handler for events from other instances.
func (b *Redis) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Healthy pings the server with a short deadline.
func (b *Redis) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

// Close stops the receive loop and releases the client.
func (b *Redis) Close() error {
	b.cancel()
	<-b.done
	return b.client.Close()
}

// receiveLoop consumes the shared channel for the life of the broker. The
// go-redis PubSub reconnects on its own; the outer loop covers subscribe
// failures when the server is down at startup.
func (b *Redis) receiveLoop(ctx context.Context) {
	defer close(b.done)
	backoff := resubscribeBase
	for {
		pubsub := b.client.Subscribe(ctx, b.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			b.log.WithError(err).Warn("broker subscribe failed, realtime events are instance-local until it recovers")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > resubscribeCap {
				backoff = resubscribeCap
			}
			continue
		}

		backoff = resubscribeBase
		b.log.WithField("channel", b.channel).Info("broker subscribed")
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					pubsub.Close()
					goto resubscribe
				}
				b.dispatch([]byte(msg.Payload))
			}
		}
	resubscribe:
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Redis) dispatch(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.WithError(err).Debug("dropping undecodable broker message")
		return
	}
	if ev.ServerID == b.serverID {
		return // own message looped back
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(ev)
	}
}
