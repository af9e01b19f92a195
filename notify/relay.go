package notify

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type relayMessage struct {
	Board    string `json:"board"`
	Kind     Kind   `json:"kind"`
	Origin   string `json:"origin,omitempty"`
	Instance string `json:"instance"`
}

// RedisRelay shares announces between API instances over a Redis pub/sub
// channel. Messages published by this instance are ignored on receipt since
// the hub already delivered them locally.
type RedisRelay struct {
	rc       *redis.Client
	channel  string
	hub      *Hub
	instance string
	log      log.FieldLogger
	// retry is the pause before resubscribing after the channel closes.
	retry time.Duration
}

// NewRedisRelay creates a relay for hub and attaches it as a publisher.
func NewRedisRelay(rc *redis.Client, channel string, hub *Hub, logger log.FieldLogger) *RedisRelay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &RedisRelay{rc: rc, channel: channel, hub: hub, instance: uuid.NewString(), log: logger, retry: time.Second}
	hub.Attach(r)
	return r
}

// Publish sends sig to the other instances.
func (r *RedisRelay) Publish(sig Signal) error {
	data, err := sonic.Marshal(relayMessage{Board: sig.Board, Kind: sig.Kind, Origin: sig.Origin, Instance: r.instance})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.rc.Publish(ctx, r.channel, data).Err()
}

// Run delivers signals from other instances into the hub until ctx ends. It
// resubscribes when the pub/sub channel closes.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		r.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.WithField("channel", r.channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m relayMessage
			if err := sonic.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.log.WithError(err).Warn("unable to parse signal")
				continue
			}
			if m.Instance == r.instance || !m.Kind.Valid() {
				continue
			}
			r.hub.Deliver(Signal{Board: m.Board, Kind: m.Kind, Origin: m.Origin})
		}
	}
}
