package service

import (
	"time"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/pkg/x402"
)

// PipelineContext is the per-request state threaded through the proxy
// pipeline: resolve -> verify -> settle -> forward. The orchestrator builds
// one per inbound request and each phase fills in its part; nothing is
// attached to the HTTP request object itself.
type PipelineContext struct {
	StartedAt time.Time
	Host      string
	Method    string
	Path      string
	ClientIP  string
	UserAgent string

	Gateway     *models.Gateway
	Requirement *x402.PaymentRequirements

	State        models.PaymentState
	Verification *VerificationResult
	Receipt      *x402.SettleResponse

	// StatusCode is the status ultimately written to the client. Phases that
	// write a response set it; the forwarder records the origin's status.
	StatusCode    int
	FailureReason string

	VerifyDuration time.Duration
	SettleDuration time.Duration
	OriginDuration time.Duration
}

// NewPipelineContext initializes the context for one inbound request.
func NewPipelineContext(host, method, path, clientIP, userAgent string) *PipelineContext {
	return &PipelineContext{
		StartedAt: time.Now(),
		Host:      host,
		Method:    method,
		Path:      path,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		State:     models.PaymentNoProof,
	}
}

// LogEntry converts the pipeline outcome into a telemetry record.
func (p *PipelineContext) LogEntry() *models.RequestLogEntry {
	e := &models.RequestLogEntry{
		Host:            p.Host,
		Method:          p.Method,
		Path:            p.Path,
		StatusCode:      p.StatusCode,
		PaymentRequired: p.Requirement != nil,
		PaymentState:    p.State,
		ClientIP:        p.ClientIP,
		UserAgent:       p.UserAgent,
		TotalMs:         time.Since(p.StartedAt).Milliseconds(),
		VerifyMs:        p.VerifyDuration.Milliseconds(),
		SettleMs:        p.SettleDuration.Milliseconds(),
		OriginMs:        p.OriginDuration.Milliseconds(),
	}
	if p.Gateway != nil {
		id := p.Gateway.ID
		e.GatewayID = &id
	}
	if p.FailureReason != "" {
		reason := p.FailureReason
		e.FailureReason = &reason
	}
	if v := p.Verification; v != nil {
		e.PaymentProvided = true
		e.PaymentValid = v.IsValid
		if v.Payer != "" {
			payer := v.Payer
			e.PayerAddress = &payer
		}
	}
	switch p.State {
	case models.PaymentSettled:
		status := models.SettlementSuccess
		e.SettlementStatus = &status
	case models.PaymentSettlementFailed:
		status := models.SettlementRejected
		if p.Receipt == nil {
			status = models.SettlementUnreachable
		}
		e.SettlementStatus = &status
	}
	if r := p.Receipt; r != nil {
		if r.Transaction != "" {
			tx := r.Transaction
			e.SettlementTx = &tx
		}
		if r.Network != "" {
			net := r.Network
			e.SettlementNet = &net
		}
		if r.Payer != "" && e.PayerAddress == nil {
			payer := r.Payer
			e.PayerAddress = &payer
		}
	}
	return e
}
