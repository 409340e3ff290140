package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresSource reads usage from the tenant_usage table
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a usage source
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// GetUsage implements Source
func (s *PostgresSource) GetUsage(ctx context.Context, tenantID string) (*Snapshot, error) {
	query := `
		SELECT members, projects, storage_bytes
		FROM tenant_usage
		WHERE tenant_id = $1
	`
	var snapshot Snapshot
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&snapshot.Members, &snapshot.Projects, &snapshot.StorageBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant usage: %w", err)
	}
	return &snapshot, nil
}

// RecordUsage stores the latest usage for a tenant
func (s *PostgresSource) RecordUsage(ctx context.Context, tenantID string, snapshot Snapshot) error {
	query := `
		INSERT INTO tenant_usage (tenant_id, members, projects, storage_bytes, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			members = EXCLUDED.members,
			projects = EXCLUDED.projects,
			storage_bytes = EXCLUDED.storage_bytes,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, snapshot.Members, snapshot.Projects, snapshot.StorageBytes); err != nil {
		return fmt.Errorf("failed to record tenant usage: %w", err)
	}
	return nil
}
