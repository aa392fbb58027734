package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/domain"
)

// GetOrganization loads a tenant row by id.
func (db *DB) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	row := db.pool.QueryRow(ctx, `SELECT id, name, status, created_at FROM organizations WHERE id = $1`, id)
	var org domain.Organization
	if err := row.Scan(&org.ID, &org.Name, &org.Status, &org.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Organization{}, ErrNotFound
		}
		return domain.Organization{}, fmt.Errorf("storage: get organization: %w", err)
	}
	return org, nil
}

// CreateOrganization inserts a new tenant.
func (db *DB) CreateOrganization(ctx context.Context, org domain.Organization) (domain.Organization, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO organizations (name, status, created_at) VALUES ($1,$2,now())
		RETURNING id, created_at`, org.Name, org.Status)
	if err := row.Scan(&org.ID, &org.CreatedAt); err != nil {
		return domain.Organization{}, fmt.Errorf("storage: create organization: %w", err)
	}
	return org, nil
}
