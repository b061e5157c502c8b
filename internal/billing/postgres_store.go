package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordUsage(ctx context.Context, organizationID, providerName string, tokens int) error {
	query := `
		INSERT INTO usage_logs (organization_id, provider, tokens)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.Exec(ctx, query, organizationID, providerName, tokens); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUsageByOrganization(ctx context.Context, organizationID string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, organization_id, provider, tokens, created_at
		FROM usage_logs
		WHERE organization_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, organizationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.Provider, &l.Tokens, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalsByOrganization(ctx context.Context, organizationID string, from, to time.Time) ([]ProviderTotal, error) {
	query := `
		SELECT provider, COUNT(*), COALESCE(SUM(tokens), 0)
		FROM usage_logs
		WHERE organization_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY provider
		ORDER BY provider
	`
	rows, err := s.db.Query(ctx, query, organizationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}

	totals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ProviderTotal, error) {
		var t ProviderTotal
		err := row.Scan(&t.Provider, &t.Requests, &t.Tokens)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan usage totals: %w", err)
	}
	return totals, nil
}
