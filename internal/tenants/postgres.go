package tenants

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the part of pgxpool.Pool the registry needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGRegistry reads tenants from the clients table.
type PGRegistry struct {
	db Querier
}

func NewPGRegistry(db Querier) *PGRegistry {
	return &PGRegistry{db: db}
}

const selectTenant = `SELECT id, location_id, instance_name, crm_access_token, agent_id, admin_phone, disabled FROM clients`

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.LocationID, &t.InstanceName, &t.CRMAccessToken, &t.AgentID, &t.AdminPhone, &t.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	return t, nil
}

func (r *PGRegistry) LookupByInstance(ctx context.Context, instance string) (Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, selectTenant+` WHERE instance_name = $1 AND NOT disabled`, instance))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Tenant{}, fmt.Errorf("lookup tenant by instance: %w", err)
	}
	return t, err
}

func (r *PGRegistry) LookupByLocation(ctx context.Context, locationID string) (Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, selectTenant+` WHERE location_id = $1 AND NOT disabled`, locationID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Tenant{}, fmt.Errorf("lookup tenant by location: %w", err)
	}
	return t, err
}

func (r *PGRegistry) ListInstances(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT instance_name FROM clients WHERE NOT disabled ORDER BY instance_name`)
	if err != nil {
		return nil, fmt.Errorf("list tenant instances: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list tenant instances: %w", err)
	}
	return names, nil
}

// Upsert inserts or updates a tenant keyed by id.
func (r *PGRegistry) Upsert(ctx context.Context, t Tenant) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO clients (id, location_id, instance_name, crm_access_token, agent_id, admin_phone, disabled)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    location_id = EXCLUDED.location_id,
    instance_name = EXCLUDED.instance_name,
    crm_access_token = EXCLUDED.crm_access_token,
    agent_id = EXCLUDED.agent_id,
    admin_phone = EXCLUDED.admin_phone,
    disabled = EXCLUDED.disabled,
    updated_at = now()`,
		t.ID, t.LocationID, t.InstanceName, t.CRMAccessToken, t.AgentID, t.AdminPhone, t.Disabled)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}
