package storeclient

import (
	"context"
)

// SharedStore is the inter-validator coordination surface. Validators
// never call each other directly: they publish immutable content here and
// announce its address on a per-round board.
//
// Content is addressed by digest, so a publish is naturally idempotent and
// a fetched blob can be verified against the address it was announced
// under. The store itself is only eventually consistent; callers tolerate
// missing announcements and retry on their own schedule.
type SharedStore interface {
	// PutContent stores an immutable blob and returns its content address.
	PutContent(ctx context.Context, data []byte) (string, error)

	// GetContent fetches a blob by the address PutContent returned.
	GetContent(ctx context.Context, address string) ([]byte, error)

	// Announce records that validator has published content for round.
	Announce(ctx context.Context, round int64, validatorId string, address string) error

	// Announcements lists validator -> address for one round.
	Announcements(ctx context.Context, round int64) (map[string]string, error)

	Close()
}
