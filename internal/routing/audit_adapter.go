package routing

import (
	"context"

	"crm-dialer/internal/audit"
)

// FallbackAuditor records inbound calls that skipped a rep in turbo mode.
type FallbackAuditor interface {
	LogTurboFallback(ctx context.Context, orgID, repID, gatewayCallID string) error
}

// AuditAdapter bridges the router's audit hook to the shared audit.Service.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogTurboFallback(ctx context.Context, orgID, repID, gatewayCallID string) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.LogTurboFallback(ctx, orgID, repID, gatewayCallID)
}
