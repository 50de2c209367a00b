package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/codec"
	"github.com/jsherman999/domwatch/internal/dom"
)

type RedisOptions struct {
	// ChannelPrefix is prepended to the module name: "<prefix>:<module>".
	ChannelPrefix string
	Codec         codec.Codec
	Logger        *zap.Logger
	// CloseClient makes Close also close the redis client.
	CloseClient bool
}

// Redis carries change events over redis pub/sub, one channel per module.
// Channel subscriptions are reference counted across subscription sets: the
// first set for a module SUBSCRIBEs, the last one to leave closes the PubSub.
type Redis struct {
	client *redis.Client
	prefix string
	codec  codec.Codec
	logger *zap.Logger
	r      *router

	closeClient bool

	mu       sync.Mutex
	closed   bool
	channels map[string]*redisChannel
	wg       sync.WaitGroup
}

type redisChannel struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func NewRedis(client *redis.Client, opts RedisOptions) (*Redis, error) {
	if client == nil {
		return nil, errors.New("connection.Redis: redis client is required")
	}
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = "domwatch"
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		codec:    c,
		logger:   logger.With(zap.String("transport", "redis")),
		r:        newRouter(),
		channels: make(map[string]*redisChannel),

		closeClient: opts.CloseClient,
	}, nil
}

func (c *Redis) channelName(module string) string {
	return c.prefix + ":" + module
}

func (c *Redis) Subscribe(ctx context.Context, setID string, f dom.Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	first, err := c.r.addSet(setID, f)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	name := c.channelName(f.Module)
	ps := c.client.Subscribe(ctx, name)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		c.r.removeSet(setID)
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.channels[f.Module] = &redisChannel{pubsub: ps, cancel: cancel}
	c.wg.Add(1)
	go c.receive(loopCtx, name, ps)

	c.logger.Debug("channel subscribed", zap.String("channel", name))
	return nil
}

func (c *Redis) Unsubscribe(_ context.Context, setID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	module, last, ok := c.r.removeSet(setID)
	if !ok || !last {
		return nil
	}
	ch, ok := c.channels[module]
	if !ok {
		return nil
	}
	delete(c.channels, module)
	// The receive loop may be the goroutine calling us (a handler detaching
	// itself), so do not wait for it here; Close does.
	ch.cancel()
	if err := ch.pubsub.Close(); err != nil {
		return fmt.Errorf("close pubsub %s: %w", c.channelName(module), err)
	}
	c.logger.Debug("channel unsubscribed", zap.String("channel", c.channelName(module)))
	return nil
}

func (c *Redis) AddHandler(h Handler) HandlerID { return c.r.addHandler(h) }

func (c *Redis) RemoveHandler(id HandlerID) { c.r.removeHandler(id) }

func (c *Redis) Publish(ctx context.Context, ev *dom.InstancesChangedEvent) error {
	payload, err := c.codec.Encode(ev)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.channelName(ev.Module), payload).Err()
}

// receive is the single reader of one module channel, so events of a module
// are dispatched in the order redis delivered them.
func (c *Redis) receive(ctx context.Context, name string, ps *redis.PubSub) {
	defer c.wg.Done()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Warn("receive failed", zap.String("channel", name), zap.Error(err))
			continue
		}

		ev, err := c.codec.Decode([]byte(msg.Payload))
		if err != nil {
			c.logger.Warn("decode failed", zap.String("channel", name), zap.Error(err))
			continue
		}
		c.r.dispatch(ev)
	}
}

func (c *Redis) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var err error
	for module, ch := range c.channels {
		ch.cancel()
		if cerr := ch.pubsub.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close pubsub %s: %w", c.channelName(module), cerr))
		}
		delete(c.channels, module)
	}
	c.mu.Unlock()

	c.wg.Wait()
	if c.closeClient {
		err = multierr.Append(err, c.client.Close())
	}
	return err
}
