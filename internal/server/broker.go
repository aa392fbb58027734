package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chittyos/chittybridge/internal/storage"
)

// subscriber tracks an SSE subscriber's channel and org scope.
type subscriber struct {
	orgID string
}

// Broker fans out Postgres LISTEN/NOTIFY messages (ledger appends, trust
// changes) to SSE subscribers, scoped per organization so one tenant never
// sees another's events.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]subscriber
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]subscriber),
	}
}

// Start subscribes to the ledger and trust notification channels and fans
// out every notification to matching subscribers. Blocks until ctx is
// cancelled; run it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	for _, ch := range []string{storage.ChannelLedger, storage.ChannelTrust} {
		if err := b.listenWithRetry(ctx, ch); err != nil {
			b.logger.Error("broker: failed to listen after retries, giving up", "channel", ch, "error", err)
			return
		}
	}

	b.logger.Info("broker: listening for notifications",
		"channels", []string{storage.ChannelLedger, storage.ChannelTrust})

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		orgID := extractOrgID(payload)
		event := formatSSE(channel, payload)
		b.broadcastToOrg(event, orgID)
	}
}

// listenWithRetry subscribes to a Postgres LISTEN channel with exponential
// backoff, giving up after 5 attempts.
func (b *Broker) listenWithRetry(ctx context.Context, ch string) error {
	const maxAttempts = 5
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = b.db.Listen(ctx, ch); err == nil {
			return nil
		}
		backoff := time.Duration(1<<attempt) * time.Second
		b.logger.Warn("broker: listen failed, retrying", "channel", ch, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("broker: listen %s failed after %d attempts: %w", ch, maxAttempts, err)
}

// Subscribe returns a channel receiving SSE-formatted events scoped to orgID.
func (b *Broker) Subscribe(orgID string) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = subscriber{orgID: orgID}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcastToOrg sends event only to subscribers in orgID. Events with an
// unparseable org_id are dropped rather than leaked to every tenant; slow
// subscribers with a full buffer are skipped rather than blocking the loop.
func (b *Broker) broadcastToOrg(event []byte, orgID string) {
	if orgID == "" {
		b.logger.Warn("broker: dropping event with unparseable org_id")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, sub := range b.subscribers {
		if sub.orgID != orgID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Warn("broker: dropped event for slow subscriber", "org_id", orgID, "buffer_cap", cap(ch), "event_size", len(event))
		}
	}
}

// extractOrgID parses the notification payload JSON for its org_id field.
func extractOrgID(payload string) string {
	var p struct {
		OrgID string `json:"org_id"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ""
	}
	return p.OrgID
}

// formatSSE formats a notification as a Server-Sent Events message. Every
// line of a multi-line payload must carry its own "data: " prefix or the
// client's SSE parser desynchronizes.
func formatSSE(eventType, data string) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
