package mailwatch

import "context"

// Provider is the narrow mail-provider contract: list message ids added
// since a history cursor, fetch one raw (RFC 822) message, and keep the
// push subscription alive.
type Provider interface {
	ListAddedMessages(ctx context.Context, sinceHistoryID uint64) ([]string, error)
	RawMessage(ctx context.Context, id string) ([]byte, error)
}

// WatchRenewer re-registers the provider's push subscription; called from
// the daily renewal schedule.
type WatchRenewer interface {
	RenewWatch(ctx context.Context) error
}
