package x402

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestEncodeRequirementsRoundTrip(t *testing.T) {
	challenge := &PaymentRequiredResponse{
		X402Version: Version,
		Error:       "payment required",
		Accepts: []PaymentRequirements{{
			Scheme:            SchemeExact,
			Network:           "base-sepolia",
			MaxAmountRequired: "1000",
			Resource:          "https://acme.tollgate.io/v1/data",
			PayTo:             "0x1111111111111111111111111111111111111111",
			MaxTimeoutSeconds: 60,
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		}},
	}

	encoded, err := EncodeRequirements(challenge)
	if err != nil {
		t.Fatalf("EncodeRequirements: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("header not base64: %v", err)
	}
	var decoded PaymentRequiredResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("header not JSON: %v", err)
	}
	if len(decoded.Accepts) != 1 || decoded.Accepts[0].MaxAmountRequired != "1000" {
		t.Errorf("round trip lost data: %+v", decoded)
	}
}

func TestDecodePaymentPayload(t *testing.T) {
	payload := &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     "base-sepolia",
		Payload:     json.RawMessage(`{"signature":"0xsig"}`),
	}
	raw, _ := json.Marshal(payload)

	t.Run("standard encoding", func(t *testing.T) {
		got, err := DecodePaymentPayload(base64.StdEncoding.EncodeToString(raw))
		if err != nil {
			t.Fatalf("DecodePaymentPayload: %v", err)
		}
		if got.Network != "base-sepolia" {
			t.Errorf("network = %q", got.Network)
		}
	})

	t.Run("url-safe encoding", func(t *testing.T) {
		if _, err := DecodePaymentPayload(base64.URLEncoding.EncodeToString(raw)); err != nil {
			t.Fatalf("url-safe base64 rejected: %v", err)
		}
	})
}

func TestDecodePaymentPayloadFailsClosed(t *testing.T) {
	bad := map[string]string{
		"empty":          "",
		"not base64":     "!!!!",
		"not json":       base64.StdEncoding.EncodeToString([]byte("plain text")),
		"wrong version":  base64.StdEncoding.EncodeToString([]byte(`{"x402Version":2,"scheme":"exact","network":"base"}`)),
		"missing scheme": base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"network":"base"}`)),
	}
	for name, header := range bad {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodePaymentPayload(header); err == nil {
				t.Errorf("malformed header decoded without error")
			}
		})
	}
}
