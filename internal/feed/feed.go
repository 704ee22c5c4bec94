// Package feed abstracts the market-data source behind a tick channel so the
// decision pipeline never knows whether it is fed by a live websocket or a
// replayed dataset.
package feed

import (
	"context"

	"symmetry-trader/internal/types"
)

// TickSource streams normalized ticks. Subscribe and Unsubscribe may be
// called while the source is running; rollover swaps option subscriptions
// without restarting the stream.
type TickSource interface {
	Start(ctx context.Context) error
	Ticks() <-chan types.Tick
	Subscribe(ctx context.Context, keys map[string]uint32) error
	Unsubscribe(ctx context.Context, keys []string) error
	Stop(ctx context.Context)
}
