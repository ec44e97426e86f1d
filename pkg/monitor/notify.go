package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/types"
)

// RedisNotifier publishes state-change notifications on redis pub/sub,
// the NOTIFY transport between the monitor's raft FSM and
// pkg/monitorrpc's streaming Listen RPC.
//
// Grounded on the pack's redis client usage
// (steveyegge-beads/internal/daemon/redis_wisp_store.go): parse a
// redis URL, verify connectivity with Ping at construction time.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier dials redis at redisURL (e.g. "redis://localhost:6379/0").
func NewRedisNotifier(redisURL string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("monitor: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("monitor: redis ping failed: %w", err)
	}

	return &RedisNotifier{client: client}, nil
}

// Publish implements Notifier. A publish failure is logged, not
// returned: a missed NOTIFY never blocks the raft commit it rides on,
// and subscribers are expected to resync via get_current_state anyway.
func (r *RedisNotifier) Publish(channel string, n types.Node) {
	payload, err := json.Marshal(stateNotification{
		NodeID:        n.ID,
		Formation:     n.Formation,
		GroupID:       n.GroupID,
		ReportedState: n.ReportedState,
		GoalState:     n.GoalState,
		At:            time.Now(),
	})
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("marshal notify payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.WithComponent("monitor").Warn().Err(err).Str("channel", channel).Msg("redis publish failed")
	}
}

// Close releases the redis connection.
func (r *RedisNotifier) Close() error { return r.client.Close() }

// stateNotification is the wire payload published to redis; it decodes
// directly into pkg/monitorrpc.StateChangeNotification at the relay.
type stateNotification struct {
	NodeID        int64
	Formation     string
	GroupID       int
	ReportedState types.NodeState
	GoalState     types.NodeState
	At            time.Time
}

// Relay subscribes to redis channels and forwards decoded
// notifications to fn until the context is canceled, used by
// pkg/monitorrpc's Listen RPC implementation to bridge redis pub/sub
// into a gRPC server stream.
func Relay(ctx context.Context, redisURL string, channels []string, fn func(stateNotification)) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("monitor: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	sub := client.Subscribe(ctx, channels...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n stateNotification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				log.WithComponent("monitor").Error().Err(err).Msg("decode notify payload")
				continue
			}
			fn(n)
		}
	}
}
