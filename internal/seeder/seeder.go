package seeder

import (
	"context"

	"go.uber.org/zap"

	"github.com/wazeapp/llm-router/internal/auth"
	"github.com/wazeapp/llm-router/internal/provider"
)

const (
	TestAPIKey         = "test-api-key-12345"
	TestOrganizationID = "00000000-0000-0000-0000-000000000001"
)

// SeedTestAPIKey registers a development key for the seeded organization.
// An existing key is left untouched.
func SeedTestAPIKey(ctx context.Context, store auth.Store, logger *zap.Logger) {
	apiKey := &auth.APIKey{
		OrganizationID: TestOrganizationID,
		Plan:           provider.PlanEnterprise,
		KeyHash:        auth.HashKey(TestAPIKey),
		RateLimit:      1000000,
		Active:         true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("test api key may already exist, skipping", zap.Error(err))
		return
	}
	logger.Info("test api key created",
		zap.String("key", TestAPIKey),
		zap.String("organization_id", TestOrganizationID),
		zap.String("api_key_id", apiKey.ID),
	)
}
