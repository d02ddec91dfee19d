// Package dedupe records which provider messages have already been handled.
package dedupe

import (
	"context"
	"time"
)

// DefaultTTL covers the provider's redelivery window.
const DefaultTTL = 24 * time.Hour

// Store claims message keys atomically. Claim returns true only for the first
// caller within the TTL.
type Store interface {
	Claim(ctx context.Context, key string) (bool, error)
	// Release drops a claim so a later redelivery is processed again. Only
	// call it when the side effect is known not to have happened.
	Release(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
