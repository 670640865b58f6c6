package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodeRequirements serializes a challenge for the X-Payment-Required header.
func EncodeRequirements(reqs *PaymentRequiredResponse) (string, error) {
	raw, err := json.Marshal(reqs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSettleResponse serializes a receipt for the X-Payment-Response header.
func EncodeSettleResponse(resp *SettleResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentPayload decodes a base64 JSON payment header value. It fails
// closed: any malformed encoding, malformed JSON, or version mismatch is an
// error, never a partially populated payload.
func DecodePaymentPayload(header string) (*PaymentPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		// Some clients use URL-safe encoding; accept it before giving up.
		raw, err = base64.URLEncoding.DecodeString(header)
		if err != nil {
			return nil, fmt.Errorf("payment header is not valid base64")
		}
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payment header is not valid JSON")
	}
	if payload.X402Version != Version {
		return nil, fmt.Errorf("unsupported x402 version %d", payload.X402Version)
	}
	if payload.Scheme == "" || payload.Network == "" {
		return nil, fmt.Errorf("payment payload missing scheme or network")
	}
	return &payload, nil
}
