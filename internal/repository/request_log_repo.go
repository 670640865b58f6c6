package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/tollgate/tollgate/internal/models"
)

// RequestLogRepository provides append-only access to the request_logs table.
// Rows are write-once; there are no update methods on purpose.
type RequestLogRepository struct {
	db *sqlx.DB
}

// NewRequestLogRepository creates a new RequestLogRepository.
func NewRequestLogRepository(db *sqlx.DB) *RequestLogRepository {
	return &RequestLogRepository{db: db}
}

// Insert appends one request log entry. Duplicate rows from retries are
// acceptable; consumers aggregate, they don't key on uniqueness.
func (r *RequestLogRepository) Insert(ctx context.Context, e *models.RequestLogEntry) error {
	query := `INSERT INTO request_logs (gateway_id, host, method, path, status_code,
			payment_required, payment_provided, payment_valid, payment_state, failure_reason,
			settlement_status, settlement_tx, settlement_network, payer_address,
			client_ip, user_agent, total_ms, verify_ms, settle_ms, origin_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id, created_at`

	return r.db.QueryRowxContext(ctx, query,
		e.GatewayID,
		e.Host,
		e.Method,
		e.Path,
		e.StatusCode,
		e.PaymentRequired,
		e.PaymentProvided,
		e.PaymentValid,
		e.PaymentState,
		e.FailureReason,
		e.SettlementStatus,
		e.SettlementTx,
		e.SettlementNet,
		e.PayerAddress,
		e.ClientIP,
		e.UserAgent,
		e.TotalMs,
		e.VerifyMs,
		e.SettleMs,
		e.OriginMs,
	).Scan(&e.ID, &e.CreatedAt)
}
