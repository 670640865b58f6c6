package handler

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tollgate/tollgate/internal/cache"
	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/service"
	"github.com/tollgate/tollgate/internal/utils"
	"github.com/tollgate/tollgate/pkg/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return v, nil
}

func (m *memKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type memGatewayStore struct {
	bySubdomain map[string]*models.Gateway
}

func (s *memGatewayStore) GetBySubdomain(ctx context.Context, subdomain string) (*models.Gateway, error) {
	if gw, ok := s.bySubdomain[subdomain]; ok {
		cp := *gw
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (s *memGatewayStore) GetByCustomDomain(ctx context.Context, domain string) (*models.Gateway, error) {
	return nil, sql.ErrNoRows
}

// scriptedFacilitator returns canned verify/settle responses and counts calls
// so tests can assert which protocol phases actually ran.
type scriptedFacilitator struct {
	mu sync.Mutex

	verifyResp *x402.VerifyResponse
	settleErr  error

	verifyCalls int
	settleCalls int
}

func (f *scriptedFacilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyResp != nil {
		return f.verifyResp, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (f *scriptedFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return &x402.SettleResponse{Success: true, Transaction: "0xabc123", Network: reqs.Network, Payer: "0xpayer"}, nil
}

func (f *scriptedFacilitator) counts() (verify, settle int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.settleCalls
}

type testStack struct {
	router    *gin.Engine
	telemetry *service.TelemetryService
	fac       *scriptedFacilitator
	gateway   *models.Gateway
}

func newStack(t *testing.T, originURL, env string, originTimeout time.Duration) *testStack {
	t.Helper()

	gw := &models.Gateway{
		ID:            uuid.New(),
		Subdomain:     "acme-weather",
		OriginURL:     originURL,
		Price:         "0.001",
		Network:       "base-sepolia",
		PayoutAddress: "0x1111111111111111111111111111111111111111",
		SecretToken:   "super-secret",
		Status:        models.GatewayActive,
	}

	proxyCfg := &config.ProxyConfig{
		RootDomain:       "tollgate.io",
		GatewayCacheTTL:  time.Minute,
		NegativeCacheTTL: 30 * time.Second,
		OriginTimeout:    originTimeout,
	}

	fac := &scriptedFacilitator{}
	store := &memGatewayStore{bySubdomain: map[string]*models.Gateway{gw.Subdomain: gw}}
	directory := service.NewDirectoryService(store, cache.NewGatewayCache(newMemKV()), proxyCfg)
	payments := service.NewPaymentService(fac, models.DefaultNetworks())
	forwarder := service.NewForwardService(proxyCfg, env)
	telemetry := service.NewTelemetryService(16)

	h := NewProxyHandler(directory, payments, forwarder, telemetry)
	router := gin.New()
	router.NoRoute(h.Handle)

	return &testStack{router: router, telemetry: telemetry, fac: fac, gateway: gw}
}

func (s *testStack) do(t *testing.T, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://acme-weather.tollgate.io/v1/forecast?city=oslo", nil)
	req.Host = "acme-weather.tollgate.io"
	req.RemoteAddr = "198.51.100.7:52100"
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testStack) lastEntry(t *testing.T) *models.RequestLogEntry {
	t.Helper()
	select {
	case e := <-s.telemetry.Queue():
		return e
	case <-time.After(time.Second):
		t.Fatal("no telemetry entry recorded")
		return nil
	}
}

func validProofHeader(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(&x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     "base-sepolia",
		Payload:     json.RawMessage(`{"signature":"0xsig","authorization":{}}`),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestHandleUnknownHost(t *testing.T) {
	stack := newStack(t, "https://api.example.com", "development", time.Second)

	rec := stack.do(t, func(r *http.Request) {
		r.Host = "nobody.tollgate.io"
		r.URL.Host = "nobody.tollgate.io"
	})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Unknown host") {
		t.Errorf("body = %s", rec.Body.String())
	}

	entry := stack.lastEntry(t)
	if entry.GatewayID != nil {
		t.Errorf("unknown host must not resolve to a gateway, got %v", entry.GatewayID)
	}
	if entry.StatusCode != http.StatusNotFound {
		t.Errorf("telemetry status = %d", entry.StatusCode)
	}
}

func TestHandleNoPaymentReturnsChallenge(t *testing.T) {
	stack := newStack(t, "https://api.example.com", "development", time.Second)

	rec := stack.do(t, nil)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}

	encoded := rec.Header().Get(x402.HeaderPaymentRequired)
	if encoded == "" {
		t.Fatal("missing X-Payment-Required header")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("challenge header not base64: %v", err)
	}
	var required x402.PaymentRequiredResponse
	if err := json.Unmarshal(raw, &required); err != nil {
		t.Fatalf("challenge header not JSON: %v", err)
	}
	if len(required.Accepts) != 1 {
		t.Fatalf("accepts = %d entries", len(required.Accepts))
	}
	req := required.Accepts[0]
	if req.MaxAmountRequired != "1000" {
		t.Errorf("amount = %s, want 1000 (0.001 USDC in atomic units)", req.MaxAmountRequired)
	}
	if req.Resource != "http://acme-weather.tollgate.io/v1/forecast?city=oslo" {
		t.Errorf("resource = %s", req.Resource)
	}

	var body struct {
		Price     string `json:"price"`
		Network   string `json:"network"`
		Recipient string `json:"recipient"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Price != "0.001" || body.Network != "base-sepolia" || body.Recipient != stack.gateway.PayoutAddress {
		t.Errorf("challenge body = %+v", body)
	}
	if strings.Contains(rec.Body.String(), "api.example.com") {
		t.Error("challenge body leaks origin URL")
	}

	if v, s := stack.fac.counts(); v != 0 || s != 0 {
		t.Errorf("facilitator called without a proof: verify=%d settle=%d", v, s)
	}

	entry := stack.lastEntry(t)
	if entry.PaymentState != models.PaymentNoProof {
		t.Errorf("payment state = %s", entry.PaymentState)
	}
	if !entry.PaymentRequired || entry.PaymentProvided {
		t.Errorf("funnel flags = required %v, provided %v", entry.PaymentRequired, entry.PaymentProvided)
	}
}

func TestHandleTamperedProofNeverSettles(t *testing.T) {
	stack := newStack(t, "https://api.example.com", "development", time.Second)

	rec := stack.do(t, func(r *http.Request) {
		r.Header.Set(x402.HeaderPayment, "not-valid-base64!!!")
	})

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if rec.Header().Get(x402.HeaderPaymentRequired) == "" {
		t.Error("rejection must carry a fresh challenge header")
	}

	if v, s := stack.fac.counts(); v != 0 || s != 0 {
		t.Errorf("malformed proof reached the facilitator: verify=%d settle=%d", v, s)
	}

	entry := stack.lastEntry(t)
	if entry.PaymentState != models.PaymentInvalid {
		t.Errorf("payment state = %s", entry.PaymentState)
	}
	if entry.PaymentValid {
		t.Error("tampered proof recorded as valid")
	}
}

func TestHandleRejectedProofReturnsChallengeWithReason(t *testing.T) {
	stack := newStack(t, "https://api.example.com", "development", time.Second)
	stack.fac.verifyResp = &x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"}

	rec := stack.do(t, func(r *http.Request) {
		r.Header.Set(x402.HeaderPayment, validProofHeader(t))
	})

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "insufficient_funds") {
		t.Errorf("body omits rejection reason: %s", rec.Body.String())
	}
	if _, s := stack.fac.counts(); s != 0 {
		t.Errorf("rejected proof was settled: settle=%d", s)
	}
}

func TestHandleValidPaymentForwardsToOrigin(t *testing.T) {
	var originHeaders http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"forecast":"sunny"}`))
	}))
	defer origin.Close()

	stack := newStack(t, origin.URL, "development", 5*time.Second)

	rec := stack.do(t, func(r *http.Request) {
		r.Header.Set(x402.HeaderPayment, validProofHeader(t))
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "sunny") {
		t.Errorf("origin body not relayed: %s", rec.Body.String())
	}

	receipt := rec.Header().Get(x402.HeaderPaymentResponse)
	if receipt == "" {
		t.Fatal("missing X-Payment-Response receipt header")
	}
	raw, err := base64.StdEncoding.DecodeString(receipt)
	if err != nil {
		t.Fatalf("receipt not base64: %v", err)
	}
	var settled x402.SettleResponse
	if err := json.Unmarshal(raw, &settled); err != nil {
		t.Fatalf("receipt not JSON: %v", err)
	}
	if !settled.Success || settled.Transaction != "0xabc123" {
		t.Errorf("receipt = %+v", settled)
	}

	if originHeaders.Get(x402.HeaderPayment) != "" {
		t.Error("raw payment proof leaked to origin")
	}
	if originHeaders.Get("X-Gateway-Secret") != stack.gateway.SecretToken {
		t.Error("shared secret header missing on origin request")
	}

	if v, s := stack.fac.counts(); v != 1 || s != 1 {
		t.Errorf("facilitator calls: verify=%d settle=%d, want 1/1", v, s)
	}

	entry := stack.lastEntry(t)
	if entry.PaymentState != models.PaymentSettled {
		t.Errorf("payment state = %s", entry.PaymentState)
	}
	if !entry.PaymentValid {
		t.Error("telemetry missing paymentValid")
	}
	if entry.SettlementStatus == nil || *entry.SettlementStatus != models.SettlementSuccess {
		t.Errorf("settlement status = %v", entry.SettlementStatus)
	}
	if entry.SettlementTx == nil || *entry.SettlementTx != "0xabc123" {
		t.Errorf("settlement tx = %v", entry.SettlementTx)
	}
}

func TestHandleSettlementFailureIsBadGateway(t *testing.T) {
	stack := newStack(t, "https://api.example.com", "development", time.Second)
	stack.fac.settleErr = errors.New("connect: connection refused")

	rec := stack.do(t, func(r *http.Request) {
		r.Header.Set(x402.HeaderPayment, validProofHeader(t))
	})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("raw facilitator error leaked: %s", rec.Body.String())
	}

	entry := stack.lastEntry(t)
	if entry.PaymentState != models.PaymentSettlementFailed {
		t.Errorf("payment state = %s", entry.PaymentState)
	}
	if entry.SettlementStatus == nil || *entry.SettlementStatus != models.SettlementUnreachable {
		t.Errorf("settlement status = %v", entry.SettlementStatus)
	}
}

func TestHandleBlockedOriginSkipsPayment(t *testing.T) {
	stack := newStack(t, "http://127.0.0.1:9/admin", "production", time.Second)

	rec := stack.do(t, func(r *http.Request) {
		r.Header.Set(x402.HeaderPayment, validProofHeader(t))
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "127.0.0.1") {
		t.Errorf("blocked origin leaked in body: %s", rec.Body.String())
	}

	// The client must never be charged for a request that cannot be proxied.
	if v, s := stack.fac.counts(); v != 0 || s != 0 {
		t.Errorf("payment work ran for a blocked origin: verify=%d settle=%d", v, s)
	}

	entry := stack.lastEntry(t)
	if entry.FailureReason == nil || *entry.FailureReason != utils.ErrSsrfBlocked.Error() {
		t.Errorf("failure reason = %v", entry.FailureReason)
	}
}

func TestHandleOriginTimeoutIsGatewayTimeout(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer origin.Close()

	stack := newStack(t, origin.URL, "development", 100*time.Millisecond)

	start := time.Now()
	rec := stack.do(t, func(r *http.Request) {
		r.Header.Set(x402.HeaderPayment, validProofHeader(t))
	})
	elapsed := time.Since(start)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if elapsed > time.Second {
		t.Errorf("request blocked for %v despite 100ms origin deadline", elapsed)
	}

	entry := stack.lastEntry(t)
	if entry.PaymentState != models.PaymentSettled {
		t.Errorf("payment state = %s (settlement happened before forwarding)", entry.PaymentState)
	}
	if entry.OriginMs >= 2000 {
		t.Errorf("origin latency %dms, deadline not enforced", entry.OriginMs)
	}
}
