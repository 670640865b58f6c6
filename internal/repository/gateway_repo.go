package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tollgate/tollgate/internal/models"
)

// GatewayRepository provides data access methods for the gateways table.
// Gateways are soft-deleted only: rows never leave the table, they move to
// status 'deleted' and stop resolving.
type GatewayRepository struct {
	db *sqlx.DB
}

// NewGatewayRepository creates a new GatewayRepository.
func NewGatewayRepository(db *sqlx.DB) *GatewayRepository {
	return &GatewayRepository{db: db}
}

const gatewayColumns = `id, subdomain, custom_domain, origin_url, price, network,
	asset_address, payout_address, secret_token, status, created_at, updated_at, deleted_at`

// getBy fetches a single non-deleted gateway by a specific column.
func (r *GatewayRepository) getBy(ctx context.Context, where string, arg any) (*models.Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways WHERE ` + where + ` AND status != 'deleted' LIMIT 1`

	var gw models.Gateway
	if err := r.db.GetContext(ctx, &gw, query, arg); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	return &gw, nil
}

// GetBySubdomain finds a gateway by its routing subdomain.
func (r *GatewayRepository) GetBySubdomain(ctx context.Context, subdomain string) (*models.Gateway, error) {
	return r.getBy(ctx, "subdomain = $1", subdomain)
}

// GetByCustomDomain finds a gateway by exact custom domain match.
func (r *GatewayRepository) GetByCustomDomain(ctx context.Context, domain string) (*models.Gateway, error) {
	return r.getBy(ctx, "custom_domain = $1", domain)
}

// GetByID finds a gateway by id.
func (r *GatewayRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Gateway, error) {
	return r.getBy(ctx, "id = $1", id)
}

// Create inserts a new gateway. Called by the tenant-management collaborator,
// not the proxy hot path.
func (r *GatewayRepository) Create(ctx context.Context, gw *models.Gateway) error {
	query := `INSERT INTO gateways (id, subdomain, custom_domain, origin_url, price, network,
			asset_address, payout_address, secret_token, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	if gw.ID == uuid.Nil {
		gw.ID = uuid.New()
	}
	if gw.Status == "" {
		gw.Status = models.GatewayActive
	}
	return r.db.QueryRowxContext(ctx, query,
		gw.ID,
		gw.Subdomain,
		gw.CustomDomain,
		gw.OriginURL,
		gw.Price,
		gw.Network,
		gw.AssetAddress,
		gw.PayoutAddress,
		gw.SecretToken,
		gw.Status,
	).Scan(&gw.CreatedAt, &gw.UpdatedAt)
}

// Update updates a gateway's mutable configuration. Callers must invalidate
// the directory cache for both routing identities afterwards.
func (r *GatewayRepository) Update(ctx context.Context, gw *models.Gateway) error {
	query := `UPDATE gateways
		SET custom_domain = $1, origin_url = $2, price = $3, network = $4,
			asset_address = $5, payout_address = $6, secret_token = $7, status = $8,
			updated_at = NOW()
		WHERE id = $9 AND status != 'deleted'
		RETURNING updated_at`

	return r.db.QueryRowxContext(ctx, query,
		gw.CustomDomain,
		gw.OriginURL,
		gw.Price,
		gw.Network,
		gw.AssetAddress,
		gw.PayoutAddress,
		gw.SecretToken,
		gw.Status,
		gw.ID,
	).Scan(&gw.UpdatedAt)
}

// SoftDelete marks a gateway deleted. The transition is one-directional:
// deleted gateways never come back.
func (r *GatewayRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE gateways
		SET status = 'deleted', deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status != 'deleted'`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
