package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tollgate/tollgate/internal/cache"
	appconfig "github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/utils"
)

// GatewayStore is the durable-store contract the directory reads through.
// repository.GatewayRepository satisfies it; tests use fakes.
type GatewayStore interface {
	GetBySubdomain(ctx context.Context, subdomain string) (*models.Gateway, error)
	GetByCustomDomain(ctx context.Context, domain string) (*models.Gateway, error)
}

// storeTimeout bounds each durable-store read so a slow database cannot
// pin request workers.
const storeTimeout = 5 * time.Second

// DirectoryService resolves an inbound Host header to an active Gateway.
// Lookups are cache-first on the full host string; misses fall back to the
// durable store and repopulate the cache. Only active gateways are served.
type DirectoryService struct {
	store      GatewayStore
	cache      *cache.GatewayCache
	rootDomain string
	cacheTTL   time.Duration
	negTTL     time.Duration
}

// NewDirectoryService constructs a DirectoryService.
func NewDirectoryService(store GatewayStore, gwCache *cache.GatewayCache, cfg *appconfig.ProxyConfig) *DirectoryService {
	return &DirectoryService{
		store:      store,
		cache:      gwCache,
		rootDomain: strings.ToLower(cfg.RootDomain),
		cacheTTL:   cfg.GatewayCacheTTL,
		negTTL:     cfg.NegativeCacheTTL,
	}
}

// Resolve maps a raw Host header to an active gateway. Hosts that resolve to
// a paused or deleted gateway, or to nothing at all, both return
// utils.ErrTenantNotFound so the caller cannot distinguish the cases.
func (s *DirectoryService) Resolve(ctx context.Context, hostHeader string) (*models.Gateway, error) {
	host := NormalizeHost(hostHeader)
	if host == "" {
		return nil, utils.ErrTenantNotFound
	}

	// Cache first, keyed by the full host so hits skip key derivation.
	gw, negative, err := s.cache.Get(ctx, host)
	if err == nil {
		if negative {
			return nil, utils.ErrTenantNotFound
		}
		if gw.IsActive() {
			return gw, nil
		}
		// Status changed since the entry was written; fall through to the
		// durable store for the current record.
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		// Cache service unavailable: degrade to direct store reads.
		log.Warn().Err(err).Str("host", host).Msg("gateway cache unavailable, falling back to store")
	}

	gw, err = s.lookup(ctx, host)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.rememberMiss(ctx, host)
			return nil, utils.ErrTenantNotFound
		}
		return nil, fmt.Errorf("gateway lookup failed: %w", err)
	}

	if !gw.IsActive() {
		s.rememberMiss(ctx, host)
		return nil, utils.ErrTenantNotFound
	}

	if err := s.cache.Set(ctx, host, gw, s.cacheTTL); err != nil {
		log.Warn().Err(err).Str("host", host).Msg("failed to cache gateway")
	}
	return gw, nil
}

// lookup queries the durable store, first by derived subdomain, then by
// custom domain exact match.
func (s *DirectoryService) lookup(ctx context.Context, host string) (*models.Gateway, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if sub := s.routingKey(host); sub != "" {
		gw, err := s.store.GetBySubdomain(ctx, sub)
		if err == nil {
			return gw, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return s.store.GetByCustomDomain(ctx, host)
}

// routingKey extracts the tenant subdomain from a normalized host, or ""
// when the host is not under the platform root domain. "acme.tollgate.io"
// yields "acme"; "acme.localhost" yields "acme" for development setups.
func (s *DirectoryService) routingKey(host string) string {
	if rest, ok := strings.CutSuffix(host, ".localhost"); ok && rest != "" {
		labels := strings.Split(rest, ".")
		return labels[len(labels)-1]
	}
	if rest, ok := strings.CutSuffix(host, "."+s.rootDomain); ok && rest != "" {
		return strings.Split(rest, ".")[0]
	}
	return ""
}

// Invalidate purges the cached resolutions for a gateway's routing
// identities. Tenant management calls this synchronously on every update or
// soft delete.
func (s *DirectoryService) Invalidate(ctx context.Context, gw *models.Gateway) error {
	hosts := []string{
		gw.Subdomain + "." + s.rootDomain,
		gw.Subdomain + ".localhost",
	}
	if gw.CustomDomain != nil && *gw.CustomDomain != "" {
		hosts = append(hosts, strings.ToLower(*gw.CustomDomain))
	}
	return s.cache.Invalidate(ctx, hosts...)
}

func (s *DirectoryService) rememberMiss(ctx context.Context, host string) {
	if s.negTTL <= 0 {
		return
	}
	if err := s.cache.SetNegative(ctx, host, s.negTTL); err != nil {
		log.Debug().Err(err).Str("host", host).Msg("failed to cache negative entry")
	}
}

// NormalizeHost lowercases a Host header and strips any port suffix.
func NormalizeHost(hostHeader string) string {
	host := strings.ToLower(strings.TrimSpace(hostHeader))
	if host == "" {
		return ""
	}
	// Bracketed IPv6 literals keep their brackets, ports come after.
	if strings.HasPrefix(host, "[") {
		if i := strings.LastIndex(host, "]"); i != -1 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[:i], ":") {
		return host[:i]
	}
	return host
}
