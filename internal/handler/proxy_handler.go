package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/service"
	"github.com/tollgate/tollgate/internal/utils"
	"github.com/tollgate/tollgate/pkg/x402"
)

// ProxyHandler orchestrates the request pipeline: resolve the tenant, run
// the x402 challenge/verify/settle protocol, forward to the origin, and
// record telemetry for every outcome. It is the only component that owns
// control flow and failure policy end to end.
type ProxyHandler struct {
	directory *service.DirectoryService
	payments  *service.PaymentService
	forwarder *service.ForwardService
	telemetry *service.TelemetryService
}

// NewProxyHandler constructs a ProxyHandler.
func NewProxyHandler(directory *service.DirectoryService, payments *service.PaymentService, forwarder *service.ForwardService, telemetry *service.TelemetryService) *ProxyHandler {
	return &ProxyHandler{
		directory: directory,
		payments:  payments,
		forwarder: forwarder,
		telemetry: telemetry,
	}
}

// challengeBody is the JSON body of a 402 response. It carries the full
// x402 challenge plus flat convenience fields; it never includes the origin.
type challengeBody struct {
	X402Version int                        `json:"x402Version"`
	Error       string                     `json:"error"`
	Accepts     []x402.PaymentRequirements `json:"accepts"`
	Price       string                     `json:"price"`
	Network     string                     `json:"network"`
	Recipient   string                     `json:"recipient"`
}

// Handle serves one proxied request. The four phases run strictly in order;
// settlement is never attempted before verification succeeds and forwarding
// never happens before settlement succeeds.
func (h *ProxyHandler) Handle(c *gin.Context) {
	pctx := service.NewPipelineContext(
		service.NormalizeHost(c.Request.Host),
		c.Request.Method,
		c.Request.URL.Path,
		c.ClientIP(),
		c.Request.UserAgent(),
	)
	defer func() {
		if pctx.StatusCode == 0 {
			pctx.StatusCode = c.Writer.Status()
		}
		h.telemetry.Record(pctx.LogEntry())
	}()

	// Phase 1: tenant resolution.
	gw, err := h.directory.Resolve(c.Request.Context(), c.Request.Host)
	if err != nil {
		if errors.Is(err, utils.ErrTenantNotFound) {
			h.fail(c, pctx, http.StatusNotFound, utils.ErrTenantNotFound, "Unknown host")
			return
		}
		log.Error().Err(err).Str("host", pctx.Host).Msg("tenant resolution failed")
		h.fail(c, pctx, http.StatusServiceUnavailable, utils.ErrTenantNotFound, "Temporarily unavailable")
		return
	}
	pctx.Gateway = gw

	// Reject unforwardable origins before any payment work: the client must
	// not pay for a request that can never be proxied.
	if _, err := h.forwarder.ValidateOrigin(gw.OriginURL); err != nil {
		pctx.FailureReason = utils.ErrSsrfBlocked.Error()
		h.fail(c, pctx, http.StatusForbidden, utils.ErrSsrfBlocked, "Origin not allowed")
		return
	}

	// Phase 2: payment requirements and proof verification.
	reqs, err := h.payments.BuildRequirement(gw)
	if err != nil {
		log.Error().Err(err).Str("gateway_id", gw.ID.String()).Msg("failed to build payment requirements")
		h.fail(c, pctx, http.StatusInternalServerError, utils.ErrConfiguration, "Gateway misconfigured")
		return
	}
	pctx.Requirement = reqs

	proofHeader := c.GetHeader(x402.HeaderPayment)
	if proofHeader == "" {
		proofHeader = c.GetHeader(x402.HeaderPaymentLegacy)
	}
	if proofHeader == "" {
		pctx.State = models.PaymentNoProof
		h.challenge(c, pctx, gw, reqs, "payment required")
		return
	}

	pctx.State = models.PaymentVerifying
	verifyStart := time.Now()
	verdict := h.payments.Verify(c.Request.Context(), proofHeader, reqs)
	pctx.VerifyDuration = time.Since(verifyStart)
	pctx.Verification = verdict
	if !verdict.IsValid {
		pctx.State = models.PaymentInvalid
		pctx.FailureReason = verdict.Reason
		h.challenge(c, pctx, gw, reqs, verdict.Reason)
		return
	}
	pctx.State = models.PaymentValid

	// Phase 3: settlement. Once dispatched, a client disconnect must not
	// abort money movement, so the call runs detached from the request
	// context; the facilitator client carries its own timeout.
	pctx.State = models.PaymentSettling
	settleStart := time.Now()
	receipt, err := h.payments.Settle(context.WithoutCancel(c.Request.Context()), verdict.Payload, reqs)
	pctx.SettleDuration = time.Since(settleStart)
	pctx.Receipt = receipt
	if err != nil {
		pctx.State = models.PaymentSettlementFailed
		pctx.FailureReason = err.Error()
		// The payment could not be finalized; the origin must not serve
		// charged-for-but-unpaid traffic.
		h.fail(c, pctx, http.StatusBadGateway, utils.ErrSettlementFailed, "Payment settlement failed")
		return
	}
	pctx.State = models.PaymentSettled

	if encoded, err := x402.EncodeSettleResponse(receipt); err == nil {
		c.Header(x402.HeaderPaymentResponse, encoded)
	}
	c.Header("X-Proxied-By", service.ProxiedByValue)

	// Phase 4: forward. Origin failures are written by the forwarder itself.
	if err := h.forwarder.Forward(c.Writer, c.Request, gw, pctx); err != nil {
		pctx.FailureReason = utils.ErrSsrfBlocked.Error()
		h.fail(c, pctx, http.StatusForbidden, utils.ErrSsrfBlocked, "Origin not allowed")
		return
	}
}

// challenge writes the 402 response: requirements header plus JSON body.
// Structurally identical for "no proof" and "invalid proof" so gateway state
// never leaks through response shape.
func (h *ProxyHandler) challenge(c *gin.Context, pctx *service.PipelineContext, gw *models.Gateway, reqs *x402.PaymentRequirements, reason string) {
	resource := resourceURL(c)
	required := h.payments.CreateChallenge(reqs, resource, reason)

	if encoded, err := x402.EncodeRequirements(required); err == nil {
		c.Header(x402.HeaderPaymentRequired, encoded)
	}
	c.Header("X-Proxied-By", service.ProxiedByValue)
	c.Header("X-Gateway-Id", gw.ID.String())

	pctx.StatusCode = http.StatusPaymentRequired
	c.JSON(http.StatusPaymentRequired, challengeBody{
		X402Version: required.X402Version,
		Error:       required.Error,
		Accepts:     required.Accepts,
		Price:       gw.Price,
		Network:     reqs.Network,
		Recipient:   reqs.PayTo,
	})
	c.Abort()
}

// fail writes a terminal error response with a generic message. Internals
// (origin URLs, secrets, raw facilitator errors) never reach the client.
func (h *ProxyHandler) fail(c *gin.Context, pctx *service.PipelineContext, status int, kind error, message string) {
	pctx.StatusCode = status
	utils.Error(c, status, kind.Error(), message)
	c.Abort()
}

// resourceURL reconstructs the absolute URL being requested, so challenges
// are bound to the exact resource.
func resourceURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}
