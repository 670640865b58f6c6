package facilitator

import "github.com/tollgate/tollgate/pkg/x402"

// verifyRequest is the wire body for POST /verify.
type verifyRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// settleRequest is the wire body for POST /settle.
type settleRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// SupportedKind is one (scheme, network) pair the facilitator can settle.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the wire body for GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
