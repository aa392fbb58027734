package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// NotifyChannel names the Postgres LISTEN/NOTIFY channels the SSE broker
// subscribes to (§4.F).
const (
	ChannelLedger = "chittybridge_ledger"
	ChannelTrust  = "chittybridge_trust"
)

// Listen starts listening on channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	db.listenChannels = append(db.listenChannels, channel)
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel, transparently reconnecting (with re-subscription) if the dedicated
// connection drops.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}

	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		db.notifyMu.Lock()
		rerr := db.reconnectNotify(ctx)
		db.notifyMu.Unlock()
		if rerr != nil {
			return "", "", fmt.Errorf("storage: wait for notification: %w", err)
		}
		return "", "", fmt.Errorf("storage: notify connection reset, retry")
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on channel via the pooled connection.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
