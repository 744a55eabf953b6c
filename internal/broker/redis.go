package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Redis shares rooms between gateway instances over redis pub/sub.
type Redis struct {
	log    zerolog.Logger
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func NewRedis(ctx context.Context, logger zerolog.Logger, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{
		log:    logger,
		client: client,
		subs:   make(map[string]*redis.PubSub),
	}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}

	return nil
}

// Subscribe waits for redis to confirm the subscription so that events
// published right after it returns are not missed.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	if old, ok := r.subs[channel]; ok {
		old.Close()
	}
	r.subs[channel] = ps
	r.mu.Unlock()

	events := make(chan *Event, subscriptionBuffer)
	go r.forward(channel, ps, events)

	return events, nil
}

func (r *Redis) forward(channel string, ps *redis.PubSub, events chan<- *Event) {
	defer close(events)

	for msg := range ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.log.Error().Err(err).Str("channel", channel).Msg("invalid event on channel")
			continue
		}

		select {
		case events <- &ev:
		default:
			r.log.Warn().Str("channel", channel).Str("event", ev.Event).Msg("subscriber buffer full, dropping event")
		}
	}
}

func (r *Redis) Unsubscribe(_ context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.subs[channel]
	if !ok {
		return nil
	}
	delete(r.subs, channel)

	return ps.Close()
}

func (r *Redis) Close() error {
	r.mu.Lock()
	for channel, ps := range r.subs {
		ps.Close()
		delete(r.subs, channel)
	}
	r.mu.Unlock()

	return r.client.Close()
}
