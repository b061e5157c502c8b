// Package providerstore loads provider descriptors from Postgres.
package providerstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wazeapp/llm-router/internal/provider"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store interface {
	ListActive(ctx context.Context) ([]provider.Descriptor, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

type providerRow struct {
	Name              string   `db:"name"`
	Kind              string   `db:"kind"`
	Endpoint          *string  `db:"endpoint"`
	Credential        *string  `db:"credential"`
	Model             string   `db:"model"`
	TimeoutMs         int64    `db:"timeout_ms"`
	Capabilities      []string `db:"capabilities"`
	Priority          int      `db:"priority"`
	MaxTokens         *int     `db:"max_tokens"`
	Temperature       *float64 `db:"temperature"`
	TopP              *float64 `db:"top_p"`
	RequestsPerMinute *int     `db:"requests_per_minute"`
	TokensPerMinute   *int     `db:"tokens_per_minute"`
}

func (r providerRow) descriptor() (provider.Descriptor, error) {
	caps, err := provider.ParseCapabilities(r.Capabilities)
	if err != nil {
		return provider.Descriptor{}, fmt.Errorf("provider %s: %w", r.Name, err)
	}

	timeout := time.Duration(r.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}

	return provider.Descriptor{
		Name:         r.Name,
		Kind:         provider.Kind(r.Kind),
		Capabilities: caps,
		Priority:     r.Priority,
		Config: provider.Config{
			Endpoint:   deref(r.Endpoint),
			Credential: deref(r.Credential),
			Model:      r.Model,
			Timeout:    timeout,
			Defaults: provider.GenerationDefaults{
				MaxTokens:   deref(r.MaxTokens),
				Temperature: deref(r.Temperature),
				TopP:        deref(r.TopP),
			},
		},
		Limits: provider.Limits{
			RequestsPerMinute: deref(r.RequestsPerMinute),
			TokensPerMinute:   deref(r.TokensPerMinute),
		},
	}, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]provider.Descriptor, error) {
	query := `
		SELECT name, kind, endpoint, credential, model, timeout_ms, capabilities, priority,
		       max_tokens, temperature, top_p, requests_per_minute, tokens_per_minute
		FROM ai_providers
		WHERE active = true
		ORDER BY priority, name
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[providerRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan providers: %w", err)
	}

	out := make([]provider.Descriptor, 0, len(records))
	for _, r := range records {
		d, err := r.descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
