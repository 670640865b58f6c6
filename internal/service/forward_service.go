package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	appconfig "github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/utils"
	"github.com/tollgate/tollgate/pkg/x402"
)

// ProxiedByValue identifies the platform in response metadata headers.
const ProxiedByValue = "tollgate"

// ForwardService streams paid requests to the gateway's origin and streams
// the response back. It owns the SSRF policy, the header discipline in both
// directions, and the origin timeout.
type ForwardService struct {
	cfg        *appconfig.ProxyConfig
	production bool
	transport  http.RoundTripper
	denied     map[string]bool
}

// NewForwardService constructs a ForwardService. In production mode the
// transport refuses to dial loopback, private and link-local addresses even
// when DNS resolution happens after the per-request URL check.
func NewForwardService(cfg *appconfig.ProxyConfig, env string) *ForwardService {
	production := env == "production"

	denied := make(map[string]bool, len(cfg.DeniedOriginHosts))
	for _, h := range cfg.DeniedOriginHosts {
		denied[h] = true
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if production {
				if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok && isBlockedIP(tcp.IP) {
					conn.Close()
					return nil, utils.ErrSsrfBlocked
				}
			}
			return conn, nil
		},
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &ForwardService{
		cfg:        cfg,
		production: production,
		transport:  transport,
		denied:     denied,
	}
}

// ValidateOrigin parses and checks a gateway origin URL against the SSRF
// policy. Runs per request: gateway configuration can change under us, and
// the check is cheap.
func (s *ForwardService) ValidateOrigin(originURL string) (*url.URL, error) {
	target, err := url.Parse(originURL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("%w: unparseable origin", utils.ErrSsrfBlocked)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", utils.ErrSsrfBlocked, target.Scheme)
	}

	host := strings.ToLower(target.Hostname())
	if s.denied[host] {
		return nil, fmt.Errorf("%w: denylisted host", utils.ErrSsrfBlocked)
	}
	if !s.production {
		return target, nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".local") {
		return nil, fmt.Errorf("%w: internal hostname", utils.ErrSsrfBlocked)
	}
	if ip := net.ParseIP(strings.Trim(target.Hostname(), "[]")); ip != nil && isBlockedIP(ip) {
		return nil, fmt.Errorf("%w: private address", utils.ErrSsrfBlocked)
	}
	return target, nil
}

// isBlockedIP reports whether an IP must never be forwarded to.
func isBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// Forward validates the origin and streams the request through. It returns
// an error only before any bytes are written (SSRF rejection); origin
// failures after that point are translated to 502/504 responses internally
// and recorded on the pipeline context.
func (s *ForwardService) Forward(w http.ResponseWriter, r *http.Request, gw *models.Gateway, pctx *PipelineContext) error {
	target, err := s.ValidateOrigin(gw.OriginURL)
	if err != nil {
		log.Warn().Str("gateway_id", gw.ID.String()).Str("origin", gw.OriginURL).Err(err).
			Msg("origin blocked by SSRF policy")
		return err
	}

	originStart := time.Now()
	paymentVerified := pctx.State == models.PaymentSettled

	proxy := &httputil.ReverseProxy{
		Transport: s.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			s.rewriteOutbound(pr, target, gw, pctx)
		},
		ModifyResponse: func(resp *http.Response) error {
			pctx.OriginDuration = time.Since(originStart)
			pctx.StatusCode = resp.StatusCode
			s.scrubInbound(resp, r, gw, paymentVerified)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			pctx.OriginDuration = time.Since(originStart)
			s.handleOriginError(w, gw, pctx, err)
		},
	}

	// Bound the whole origin round trip. The client disconnecting cancels
	// r.Context() and with it the outbound call.
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.OriginTimeout)
	defer cancel()

	proxy.ServeHTTP(w, r.WithContext(ctx))
	if pctx.OriginDuration == 0 {
		pctx.OriginDuration = time.Since(originStart)
	}
	return nil
}

// rewriteOutbound applies the outbound header discipline. Hop-by-hop headers
// are already stripped by ReverseProxy.
func (s *ForwardService) rewriteOutbound(pr *httputil.ProxyRequest, target *url.URL, gw *models.Gateway, pctx *PipelineContext) {
	priorXFF := pr.In.Header.Get("X-Forwarded-For")

	pr.SetURL(target)
	pr.Out.Host = target.Host
	pr.SetXForwarded()

	// SetXForwarded resets the chain to just this hop; re-append any chain
	// the request arrived with.
	if priorXFF != "" {
		if hop := pr.Out.Header.Get("X-Forwarded-For"); hop != "" {
			pr.Out.Header.Set("X-Forwarded-For", priorXFF+", "+hop)
		} else {
			pr.Out.Header.Set("X-Forwarded-For", priorXFF)
		}
	}

	// The raw payment proof is for the proxy, not the origin.
	pr.Out.Header.Del(x402.HeaderPayment)
	pr.Out.Header.Del(x402.HeaderPaymentLegacy)

	// Origin-authenticity headers: shared secret plus an HMAC over
	// gateway id and timestamp so origins can reject replayed values.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	pr.Out.Header.Set("X-Gateway-Secret", gw.SecretToken)
	pr.Out.Header.Set("X-Gateway-Signature", utils.GenerateSignature([]byte(gw.ID.String()+"."+ts), gw.SecretToken))
	pr.Out.Header.Set("X-Gateway-Timestamp", ts)

	// Gateway identity and payment verdict, so the origin can apply policy
	// without re-verifying payment itself.
	pr.Out.Header.Set("X-Gateway-Id", gw.ID.String())
	pr.Out.Header.Set("X-Gateway-Key", gw.Subdomain)
	if pctx.State == models.PaymentSettled {
		pr.Out.Header.Set("X-Payment-Verified", "true")
		if pctx.Receipt != nil {
			pr.Out.Header.Set("X-Payment-Network", pctx.Receipt.Network)
			pr.Out.Header.Set("X-Payment-Tx", pctx.Receipt.Transaction)
		}
		if pctx.Verification != nil && pctx.Verification.Payer != "" {
			pr.Out.Header.Set("X-Payment-Payer", pctx.Verification.Payer)
		}
	} else {
		pr.Out.Header.Set("X-Payment-Verified", "false")
	}
}

// scrubInbound applies the inbound response header discipline.
func (s *ForwardService) scrubInbound(resp *http.Response, req *http.Request, gw *models.Gateway, paymentVerified bool) {
	// Server-identifying banners stay server-side.
	resp.Header.Del("Server")
	resp.Header.Del("X-Powered-By")
	resp.Header.Del("X-AspNet-Version")

	resp.Header.Set("X-Proxied-By", ProxiedByValue)
	resp.Header.Set("X-Gateway-Id", gw.ID.String())

	// Reflect the caller's Origin only when explicitly configured and the
	// origin set no CORS policy of its own.
	if s.cfg.ReflectOrigin && resp.Header.Get("Access-Control-Allow-Origin") == "" {
		if origin := req.Header.Get("Origin"); origin != "" {
			resp.Header.Set("Access-Control-Allow-Origin", origin)
			resp.Header.Set("Access-Control-Allow-Credentials", "true")
			resp.Header.Add("Vary", "Origin")
		}
	}

	// Paid content must not be served for free from intermediate caches.
	if paymentVerified && resp.Header.Get("Cache-Control") == "" {
		resp.Header.Set("Cache-Control", "private, no-store")
	}
}

// handleOriginError translates transport failures once no bytes have been
// streamed. ReverseProxy only invokes this before the response is committed;
// mid-stream failures terminate the stream instead.
func (s *ForwardService) handleOriginError(w http.ResponseWriter, gw *models.Gateway, pctx *PipelineContext, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		pctx.StatusCode = 499
		pctx.FailureReason = utils.ErrOriginUnreachable.Error()
		log.Debug().Str("gateway_id", gw.ID.String()).Msg("client disconnected during proxy")
		return
	}

	status := http.StatusBadGateway
	kind := utils.ErrOriginUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		status = http.StatusGatewayTimeout
		kind = utils.ErrOriginTimeout
	}
	if errors.Is(err, utils.ErrSsrfBlocked) {
		// DNS resolved into a private range at dial time.
		status = http.StatusForbidden
		kind = utils.ErrSsrfBlocked
	}

	pctx.StatusCode = status
	pctx.FailureReason = kind.Error()
	log.Error().Err(err).Str("gateway_id", gw.ID.String()).Int("status", status).
		Msg("origin request failed")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Proxied-By", ProxiedByValue)
	w.WriteHeader(status)
	// The origin URL never appears in client-visible errors.
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   kind.Error(),
		"message": "upstream request failed",
	})
}
