package keeper

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/monitorrpc"
)

// ListenClient is the subset of pkg/monitorclient.Client needed to
// subscribe to the monitor's state-change stream.
type ListenClient interface {
	Listen(ctx context.Context, channels []string) (*monitorrpc.ListenStream, error)
}

// RunWithNotifications runs the keeper's node-active loop alongside a
// listener for the monitor's "state" notification channel: every
// notification, whichever node it is about, wakes the loop immediately
// instead of waiting out the rest of SleepInterval, per spec.md
// §4.3 step 6. The two goroutines share ctx's cancellation through
// errgroup, so either side exiting with an error stops the other.
//
// Grounded on the pack's own use of golang.org/x/sync for coordinating
// concurrent subprocess/network loops under one cancellation scope.
func (k *Keeper) RunWithNotifications(ctx context.Context, listen ListenClient) error {
	wake := make(chan struct{}, 1)
	k.wake = mergeWake(k.wake, wake)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.Run(ctx)
	})
	g.Go(func() error {
		return listenLoop(ctx, listen, k.cfg.NodeID, wake)
	})
	return g.Wait()
}

// mergeWake fans two wake channels into the one the loop actually
// selects on, so RunWithNotifications composes with a caller-supplied
// reload/wake pair instead of discarding it.
func mergeWake(existing <-chan struct{}, extra <-chan struct{}) <-chan struct{} {
	if existing == nil {
		return extra
	}
	merged := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case _, ok := <-existing:
				if !ok {
					return
				}
			case _, ok := <-extra:
				if !ok {
					return
				}
			}
			select {
			case merged <- struct{}{}:
			default:
			}
		}
	}()
	return merged
}

// listenLoop subscribes to the monitor's "state" channel and signals
// wake on every notification; redis pub/sub (the transport behind
// Listen) has no replay, so a reconnect simply resumes listening —
// any state missed during the gap is picked up by the next ordinary
// node-active round-trip's get_other_nodes/node_active calls.
func listenLoop(ctx context.Context, client ListenClient, nodeID int64, wake chan<- struct{}) error {
	logger := log.WithNodeID(nodeID)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stream, err := client.Listen(ctx, []string{"state"})
		if err != nil {
			logger.Warn().Err(err).Msg("listen subscribe failed, retrying")
			if !sleepOrDone(ctx) {
				return ctx.Err()
			}
			continue
		}
		for {
			_, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn().Err(err).Msg("listen stream ended, resubscribing")
				break
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

func sleepOrDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Second):
		return true
	}
}
