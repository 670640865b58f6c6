package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/utils"
	"github.com/tollgate/tollgate/pkg/x402"
)

// Facilitator is the external capability that verifies payment payloads and
// finalizes settlement. pkg/facilitator.Client satisfies it; tests use fakes.
type Facilitator interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// VerificationResult is the outcome of checking a client payment header.
type VerificationResult struct {
	IsValid bool
	// Reason is a sanitized, client-visible explanation when invalid.
	Reason  string
	Payload *x402.PaymentPayload
	Payer   string
}

// maxRequirementEntries bounds the in-process requirement cache.
const maxRequirementEntries = 4096

// PaymentService implements the x402 challenge/verify/settle protocol for
// gateways. Requirements are derived from gateway pricing and the network
// registry, and cached per (gateway, network, asset) until the gateway is
// updated.
type PaymentService struct {
	facilitator Facilitator
	networks    models.NetworkRegistry

	mu       sync.Mutex
	reqCache map[string]*x402.PaymentRequirements
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(fac Facilitator, networks models.NetworkRegistry) *PaymentService {
	return &PaymentService{
		facilitator: fac,
		networks:    networks,
		reqCache:    make(map[string]*x402.PaymentRequirements),
	}
}

// BuildRequirement derives the payment requirements for a gateway: the
// configured asset (or the network default) priced in atomic units,
// amount = floor(price * 10^decimals).
func (s *PaymentService) BuildRequirement(gw *models.Gateway) (*x402.PaymentRequirements, error) {
	assetAddr := ""
	if gw.AssetAddress != nil {
		assetAddr = *gw.AssetAddress
	}
	key := fmt.Sprintf("%s|%s|%s", gw.ID, gw.Network, assetAddr)

	s.mu.Lock()
	if cached, ok := s.reqCache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	asset, ok := s.networks.Asset(gw.Network, assetAddr)
	if !ok {
		return nil, fmt.Errorf("%w: unknown network or asset for gateway %s", utils.ErrConfiguration, gw.ID)
	}

	price, err := decimal.NewFromString(gw.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid price %q: %v", utils.ErrConfiguration, gw.Price, err)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: negative price %q", utils.ErrConfiguration, gw.Price)
	}
	amount := price.Shift(int32(asset.Decimals)).Floor()

	extra, err := json.Marshal(map[string]string{
		"name":    asset.EIP712Name,
		"version": asset.EIP712Version,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrConfiguration, err)
	}

	reqs := &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           gw.Network,
		MaxAmountRequired: amount.String(),
		PayTo:             gw.PayoutAddress,
		MaxTimeoutSeconds: 60,
		Asset:             asset.Address,
		Extra:             extra,
	}

	s.mu.Lock()
	if len(s.reqCache) >= maxRequirementEntries {
		for k := range s.reqCache {
			delete(s.reqCache, k)
			break
		}
	}
	s.reqCache[key] = reqs
	s.mu.Unlock()

	return reqs, nil
}

// InvalidateGateway drops every cached requirement for a gateway. Called
// alongside the directory cache purge when a gateway is updated.
func (s *PaymentService) InvalidateGateway(id string) {
	prefix := id + "|"
	s.mu.Lock()
	for k := range s.reqCache {
		if strings.HasPrefix(k, prefix) {
			delete(s.reqCache, k)
		}
	}
	s.mu.Unlock()
}

// CreateChallenge builds the 402 challenge bound to the exact resource URL
// being requested. The structure is identical regardless of why payment was
// required.
func (s *PaymentService) CreateChallenge(reqs *x402.PaymentRequirements, resourceURL, reason string) *x402.PaymentRequiredResponse {
	bound := *reqs
	bound.Resource = resourceURL
	if reason == "" {
		reason = "payment required"
	}
	return &x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Error:       reason,
		Accepts:     []x402.PaymentRequirements{bound},
	}
}

// Verify decodes the payment header and checks it against the requirements
// through the facilitator. It fails closed: malformed input or a facilitator
// failure yields an invalid result with a sanitized reason, never an error
// that escapes to the client.
func (s *PaymentService) Verify(ctx context.Context, proofHeader string, reqs *x402.PaymentRequirements) *VerificationResult {
	payload, err := x402.DecodePaymentPayload(proofHeader)
	if err != nil {
		return &VerificationResult{IsValid: false, Reason: err.Error()}
	}

	if payload.Scheme != reqs.Scheme || payload.Network != reqs.Network {
		return &VerificationResult{
			IsValid: false,
			Reason:  fmt.Sprintf("payment scheme or network does not match: expected %s on %s", reqs.Scheme, reqs.Network),
			Payload: payload,
		}
	}

	verdict, err := s.facilitator.Verify(ctx, payload, reqs)
	if err != nil {
		log.Error().Err(err).Str("network", reqs.Network).Msg("facilitator verify call failed")
		return &VerificationResult{IsValid: false, Reason: "payment verification unavailable", Payload: payload}
	}
	if !verdict.IsValid {
		reason := verdict.InvalidReason
		if reason == "" {
			reason = "payment proof rejected"
		}
		return &VerificationResult{IsValid: false, Reason: reason, Payload: payload, Payer: verdict.Payer}
	}
	return &VerificationResult{IsValid: true, Payload: payload, Payer: verdict.Payer}
}

// Settle finalizes a verified payment through the facilitator. The two
// failure modes are distinguished for telemetry: utils.ErrSettlementRejected
// when the facilitator reported failure, utils.ErrSettlementFailed when the
// call itself failed. Duplicate-use protection lives facilitator-side so it
// holds across proxy instances.
func (s *PaymentService) Settle(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	receipt, err := s.facilitator.Settle(ctx, payload, reqs)
	if err != nil {
		log.Error().Err(err).Str("network", reqs.Network).Msg("facilitator settle call failed")
		return nil, fmt.Errorf("%w: %v", utils.ErrSettlementFailed, err)
	}
	if !receipt.Success {
		log.Warn().Str("network", reqs.Network).Str("reason", receipt.ErrorReason).Msg("facilitator rejected settlement")
		return receipt, fmt.Errorf("%w: %s", utils.ErrSettlementRejected, receipt.ErrorReason)
	}
	return receipt, nil
}
