package billing

import (
	"context"
	"time"
)

// UsageLog is one metered generation served to an organization.
type UsageLog struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Provider       string    `json:"provider"`
	Tokens         int       `json:"tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProviderTotal aggregates tokens per provider over a period.
type ProviderTotal struct {
	Provider string `json:"provider"`
	Requests int    `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

type Store interface {
	RecordUsage(ctx context.Context, organizationID, providerName string, tokens int) error
	GetUsageByOrganization(ctx context.Context, organizationID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalsByOrganization(ctx context.Context, organizationID string, from, to time.Time) ([]ProviderTotal, error)
}
