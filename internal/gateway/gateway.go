// Package gateway is the request pipeline: authenticate, admit, route, pick
// an upstream instance, proxy, and shape every failure as a stable JSON
// error. It also hosts the gateway's own HTTP surface (health, metrics,
// token refresh, admin registry operations, WebSocket upgrades).
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Alannxna/redfire-gateway/internal/auth"
	"github.com/Alannxna/redfire-gateway/internal/balancer"
	"github.com/Alannxna/redfire-gateway/internal/metrics"
	"github.com/Alannxna/redfire-gateway/internal/ratelimit"
	"github.com/Alannxna/redfire-gateway/internal/registry"
	"github.com/Alannxna/redfire-gateway/internal/router"
	"github.com/Alannxna/redfire-gateway/internal/ws"
)

const requestIDHeader = "X-Gateway-Request-Id"

// Hop-by-hop headers are stripped before forwarding upstream.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Gateway composes the registry, limiter, balancer, authenticator, router,
// and metrics collector into the HTTP request flow.
type Gateway struct {
	logger    zerolog.Logger
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	balancer  *balancer.Balancer
	auth      *auth.Authenticator
	router    *router.Router
	collector *metrics.Collector
	hub       *ws.Hub

	client         *http.Client
	requestTimeout time.Duration
}

// Config assembles a gateway.
type Config struct {
	Logger         zerolog.Logger
	Registry       *registry.Registry
	Limiter        *ratelimit.Limiter
	Balancer       *balancer.Balancer
	Auth           *auth.Authenticator
	Router         *router.Router
	Collector      *metrics.Collector
	Hub            *ws.Hub
	RequestTimeout time.Duration
}

// New creates a gateway. The upstream HTTP client reuses connections across
// requests; per-request deadlines come from the request context.
func New(cfg Config) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Gateway{
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
		registry:  cfg.Registry,
		limiter:   cfg.Limiter,
		balancer:  cfg.Balancer,
		auth:      cfg.Auth,
		router:    cfg.Router,
		collector: cfg.Collector,
		hub:       cfg.Hub,
		client: &http.Client{
			// Redirects are passed through to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		requestTimeout: cfg.RequestTimeout,
	}
}

// handleProxy runs the full pipeline for one /api request.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	clientIP := ratelimit.ClientIP(r)
	start := time.Now()

	w.Header().Set(requestIDHeader, requestID)

	// Authenticate first so the rate-limit key can include the user id.
	user, err := g.auth.Authenticate(r)
	if err != nil {
		g.rejectAuth(w, r, requestID, clientIP, err)
		return
	}
	if user != nil {
		r = r.WithContext(auth.WithUser(r.Context(), user))
	}

	userID := ""
	if user != nil {
		userID = user.UserID
	}
	decision := g.limiter.Admit(r.Context(), ratelimit.ClientKey(clientIP, userID), r.URL.Path)
	setRateHeaders(w, decision)
	if !decision.Allowed {
		metrics.IncrementRateLimited()
		g.collector.RecordError(CodeTooManyRequests)
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		writeError(w, requestID, CodeTooManyRequests, "rate limit exceeded", 0)
		g.logger.Warn().
			Str("request_id", requestID).
			Str("client_ip", clientIP).
			Str("path", r.URL.Path).
			Msg("Request rate limited")
		return
	}

	serviceName, err := g.router.Route(r.URL.Path)
	if err != nil {
		g.collector.RecordError(CodeNotFound)
		writeError(w, requestID, CodeNotFound, "no route", 0)
		return
	}

	instances, err := g.registry.Discover(r.Context(), serviceName)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		g.logger.Warn().Err(err).Str("service", serviceName).Msg("Discovery failed")
	}
	inst, err := g.balancer.Select(serviceName, instances)
	if err != nil {
		g.collector.RecordError(CodeUpstreamUnavailable)
		writeError(w, requestID, CodeUpstreamUnavailable, "no healthy instance for service "+serviceName, 0)
		return
	}

	status := g.proxy(w, r, requestID, clientIP, serviceName, inst, user)
	g.collector.RecordComplete(serviceName, r.Method, r.URL.Path, status, time.Since(start))
}

// proxy forwards the request to the chosen instance and copies the response
// back. Returns the downstream status code for metrics.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, requestID, clientIP, serviceName string, inst *registry.Instance, user *auth.UserContext) int {
	ctx, cancel := context.WithTimeout(r.Context(), g.requestTimeout)
	defer cancel()

	upstreamURL := "http://" + inst.Addr() + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, r.Body)
	if err != nil {
		// Select already charged the instance; release it.
		g.balancer.Report(serviceName, inst.ID(), balancer.OutcomeFailure)
		g.collector.RecordError(CodeInternal)
		writeError(w, requestID, CodeInternal, "failed to build upstream request", 0)
		return http.StatusInternalServerError
	}

	copyHeaders(req.Header, r.Header)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set(requestIDHeader, requestID)
	if user != nil {
		req.Header.Set("X-User-Id", user.UserID)
		req.Header.Set("X-User-Roles", strings.Join(user.Roles, ","))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.balancer.Report(serviceName, inst.ID(), balancer.OutcomeTimeout)
			g.collector.RecordError(CodeUpstreamTimeout)
			writeError(w, requestID, CodeUpstreamTimeout, "upstream request timed out", 0)
			g.logger.Warn().
				Str("request_id", requestID).
				Str("service", serviceName).
				Str("instance", inst.ID()).
				Msg("Upstream timeout")
			return http.StatusGatewayTimeout
		}
		g.balancer.Report(serviceName, inst.ID(), balancer.OutcomeFailure)
		g.collector.RecordError(CodeUpstreamFailed)
		writeError(w, requestID, CodeUpstreamFailed, "upstream request failed", 0)
		g.logger.Warn().
			Err(err).
			Str("request_id", requestID).
			Str("service", serviceName).
			Str("instance", inst.ID()).
			Msg("Upstream request failed")
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		g.balancer.Report(serviceName, inst.ID(), balancer.OutcomeFailure)
	} else {
		g.balancer.Report(serviceName, inst.ID(), balancer.OutcomeSuccess)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Warn().Err(err).Str("request_id", requestID).Msg("Response copy interrupted")
	}
	return resp.StatusCode
}

func (g *Gateway) rejectAuth(w http.ResponseWriter, r *http.Request, requestID, clientIP string, err error) {
	code := CodeUnauthorized
	message := "authentication failed"
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		code = authErr.Code
		message = authErr.Message
	}
	g.collector.RecordError(code)
	writeError(w, requestID, code, message, http.StatusUnauthorized)
	g.logger.Warn().
		Str("request_id", requestID).
		Str("client_ip", clientIP).
		Str("path", r.URL.Path).
		Str("code", code).
		Msg("Request rejected by authenticator")
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(key) == h {
			return true
		}
	}
	return false
}
