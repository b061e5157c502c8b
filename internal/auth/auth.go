package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wazeapp/llm-router/internal/provider"
)

var ErrKeyNotFound = errors.New("api key not found")

// CacheTTL is how long a resolved API key stays in Redis.
const CacheTTL = 5 * time.Minute

type APIKey struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	Plan           provider.Plan `json:"plan"`
	KeyHash        string        `json:"key_hash"`
	RateLimit      int64         `json:"rate_limit"` // max tokens per minute
	Active         bool          `json:"active"`
	CreatedAt      time.Time     `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

// Cache is the subset of *redis.Client the middleware needs.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	organizationIDKey contextKey = "organization_id"
	planKey           contextKey = "plan"
	apiKeyIDKey       contextKey = "api_key_id"
	requestIDKey      contextKey = "request_id"
)

func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func NewMiddleware(store Store, cache Cache, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := fmt.Sprintf("auth:%s", HashKey(key))

			var apiKey APIKey
			err := cache.Get(ctx, redisKey).Scan(&apiKey)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withKey(ctx, &apiKey)))
				return
			} else if !errors.Is(err, redis.Nil) {
				logger.Warn("auth cache lookup failed", zap.Error(err))
			}

			apiK, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				logger.Error("auth store lookup failed", zap.Error(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if err := cache.Set(ctx, redisKey, apiK, CacheTTL).Err(); err != nil {
				logger.Warn("auth cache write failed", zap.Error(err))
			}

			next.ServeHTTP(w, r.WithContext(withKey(ctx, apiK)))
		})
	}
}

func withKey(ctx context.Context, k *APIKey) context.Context {
	ctx = context.WithValue(ctx, organizationIDKey, k.OrganizationID)
	ctx = context.WithValue(ctx, planKey, k.Plan)
	ctx = context.WithValue(ctx, apiKeyIDKey, k.ID)
	return ctx
}

func GetOrganizationID(ctx context.Context) string {
	if id, ok := ctx.Value(organizationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetPlan returns the caller's plan, or free when none was resolved.
func GetPlan(ctx context.Context) provider.Plan {
	if p, ok := ctx.Value(planKey).(provider.Plan); ok && p != "" {
		return p
	}
	return provider.PlanFree
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithOrganization(ctx context.Context, organizationID string, plan provider.Plan) context.Context {
	ctx = context.WithValue(ctx, organizationIDKey, organizationID)
	return context.WithValue(ctx, planKey, plan)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
