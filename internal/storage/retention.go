package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// ApplyRequestLogTTL sets the webhook_requests TTL to days. Zero keeps the
// table default.
func ApplyRequestLogTTL(ctx context.Context, db *RequestLogDB, days int) error {
	if days <= 0 {
		return nil
	}

	query := fmt.Sprintf(
		"ALTER TABLE webhook_requests MODIFY TTL toDateTime(received_at) + INTERVAL %d DAY DELETE",
		days,
	)
	if err := db.exec(ctx, "ApplyTTL", "webhook_requests", query); err != nil {
		return err
	}

	slog.Info("applied request log retention", "ttl_days", days)
	return nil
}
