package models

import (
	"time"

	"github.com/google/uuid"
)

type GatewayStatus string

const (
	GatewayActive  GatewayStatus = "active"
	GatewayPaused  GatewayStatus = "paused"
	GatewayDeleted GatewayStatus = "deleted"
)

// Gateway is a tenant's proxy configuration: routing identity, origin,
// pricing and payout details. Records are owned by tenant management; the
// proxy core treats them as read-mostly and caches resolved copies.
type Gateway struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	Subdomain    string        `db:"subdomain" json:"subdomain"`
	CustomDomain *string       `db:"custom_domain" json:"customDomain,omitempty"`
	OriginURL    string        `db:"origin_url" json:"originUrl"`
	// Price is the per-request price in human units as a decimal string,
	// e.g. "0.001". Converted to atomic units using the asset's decimals.
	Price         string        `db:"price" json:"price"`
	Network       string        `db:"network" json:"network"`
	AssetAddress  *string       `db:"asset_address" json:"assetAddress,omitempty"`
	PayoutAddress string        `db:"payout_address" json:"payoutAddress"`
	// SecretToken is shared with the origin so it can authenticate traffic
	// as genuinely proxied. Never exposed to clients.
	SecretToken string        `db:"secret_token" json:"-"`
	Status      GatewayStatus `db:"status" json:"status"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time     `db:"updated_at" json:"-"`
	DeletedAt   *time.Time    `db:"deleted_at" json:"-"`
}

// IsActive reports whether the gateway may serve proxy traffic.
func (g *Gateway) IsActive() bool {
	return g.Status == GatewayActive
}
