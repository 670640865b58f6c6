// Package x402 contains the wire types and header codec for the x402
// pay-per-request HTTP convention: a 402 challenge describing how to pay,
// a client-supplied payment payload, and a settlement receipt.
package x402

import "encoding/json"

// Version is the protocol version carried in every challenge and payload.
const Version = 1

// Header names. Payloads and receipts travel as base64-encoded JSON.
const (
	// HeaderPayment carries the client's payment payload.
	HeaderPayment = "X-Payment"
	// HeaderPaymentLegacy is the older single-header form still accepted
	// from SDKs predating the dual-header flow.
	HeaderPaymentLegacy = "X-402-Payment"
	// HeaderPaymentRequired carries the challenge requirements on a 402.
	HeaderPaymentRequired = "X-Payment-Required"
	// HeaderPaymentResponse carries the settlement receipt on success.
	HeaderPaymentResponse = "X-Payment-Response"
)

// SchemeExact is the only settlement scheme currently issued: the payload
// must authorize exactly the required amount.
const SchemeExact = "exact"

// PaymentRequirements describes what payment satisfies a given resource.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the JSON body of a 402 challenge.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the decoded client payment proof. The inner payload is
// scheme-specific and treated as opaque by the proxy; only the facilitator
// interprets it.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// SettleResponse is the facilitator's settlement receipt. Every field is
// untrusted input.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// VerifyResponse is the facilitator's verification verdict.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}
