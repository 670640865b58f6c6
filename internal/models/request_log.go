package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentState tracks how far a request progressed through the payment
// funnel. Terminal states are NoProof, Invalid, Settled and SettlementFailed.
type PaymentState string

const (
	PaymentNoProof          PaymentState = "no_proof"
	PaymentVerifying        PaymentState = "verifying"
	PaymentValid            PaymentState = "valid"
	PaymentInvalid          PaymentState = "invalid"
	PaymentSettling         PaymentState = "settling"
	PaymentSettled          PaymentState = "settled"
	PaymentSettlementFailed PaymentState = "settlement_failed"
)

type SettlementStatus string

const (
	SettlementSuccess     SettlementStatus = "success"
	SettlementRejected    SettlementStatus = "rejected"
	SettlementUnreachable SettlementStatus = "unreachable"
)

// RequestLogEntry is one append-only record per inbound proxy request,
// written by the telemetry worker. Rows are never mutated.
type RequestLogEntry struct {
	ID         int64      `db:"id" json:"-"`
	GatewayID  *uuid.UUID `db:"gateway_id" json:"gatewayId,omitempty"`
	Host       string     `db:"host" json:"host"`
	Method     string     `db:"method" json:"method"`
	Path       string     `db:"path" json:"path"`
	StatusCode int        `db:"status_code" json:"statusCode"`

	// Payment funnel.
	PaymentRequired bool         `db:"payment_required" json:"paymentRequired"`
	PaymentProvided bool         `db:"payment_provided" json:"paymentProvided"`
	PaymentValid    bool         `db:"payment_valid" json:"paymentValid"`
	PaymentState    PaymentState `db:"payment_state" json:"paymentState"`
	FailureReason   *string      `db:"failure_reason" json:"failureReason,omitempty"`

	// Settlement outcome.
	SettlementStatus *SettlementStatus `db:"settlement_status" json:"settlementStatus,omitempty"`
	SettlementTx     *string           `db:"settlement_tx" json:"settlementTx,omitempty"`
	SettlementNet    *string           `db:"settlement_network" json:"settlementNetwork,omitempty"`
	PayerAddress     *string           `db:"payer_address" json:"payerAddress,omitempty"`

	ClientIP  string `db:"client_ip" json:"clientIp"`
	UserAgent string `db:"user_agent" json:"userAgent"`

	// Latency breakdown in milliseconds.
	TotalMs  int64 `db:"total_ms" json:"totalMs"`
	VerifyMs int64 `db:"verify_ms" json:"verifyMs"`
	SettleMs int64 `db:"settle_ms" json:"settleMs"`
	OriginMs int64 `db:"origin_ms" json:"originMs"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
