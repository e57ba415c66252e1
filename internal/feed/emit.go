package feed

import (
	"context"
	"time"

	"crm-dialer/pkg/logger"
)

// Emit publishes ev and logs a failure. Callers never branch on the result.
func Emit(ctx context.Context, p Publisher, kind Kind, id, orgID, status string, at time.Time) {
	if p == nil {
		return
	}
	ev := Event{Kind: kind, ID: id, OrganizationID: orgID, Status: status, At: at.UTC()}
	if err := p.Publish(ctx, ev); err != nil {
		logger.From(ctx).Debug("feed publish failed", "kind", kind, "id", id, "err", err)
	}
}
