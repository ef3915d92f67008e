package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Alannxna/redfire-gateway/internal/metrics"
	"github.com/Alannxna/redfire-gateway/internal/ratelimit"
	"github.com/Alannxna/redfire-gateway/internal/registry"
)

// Handler builds the gateway's HTTP surface.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /metrics", g.handleMetrics)
	mux.Handle("GET /metrics/prometheus", metrics.PrometheusHandler())
	mux.HandleFunc("POST /auth/refresh", g.handleRefresh)
	mux.HandleFunc("POST /admin/services/register", g.handleAdminRegister)
	mux.HandleFunc("DELETE /admin/services/{name}", g.handleAdminUnregister)
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("/api/", g.handleProxy)
	// Everything else gets the JSON error shape, never the mux's plain-text 404.
	mux.HandleFunc("/", g.handleNotFound)
	return g.recoverer(mux)
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(requestIDHeader, requestID)
	g.collector.RecordError(CodeNotFound)
	writeError(w, requestID, CodeNotFound, "no route", 0)
}

// recoverer keeps panics inside the pipeline boundary: log and shape as an
// internal error rather than letting net/http tear down the connection.
func (g *Gateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Panic in request handler")
				g.collector.RecordError(CodeInternal)
				writeError(w, uuid.NewString(), CodeInternal, "internal server error", 0)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type instanceSummary struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Status string `json:"status"`
	Weight int    `json:"weight"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	services, err := g.registry.HealthyServices(r.Context())
	if err != nil {
		g.logger.Warn().Err(err).Msg("Health snapshot degraded to cache")
	}

	summaries := make(map[string][]instanceSummary, len(services))
	for name, instances := range services {
		list := make([]instanceSummary, 0, len(instances))
		for _, inst := range instances {
			list = append(list, instanceSummary{
				ID:     inst.ID(),
				Host:   inst.Host,
				Port:   inst.Port,
				Status: inst.Status,
				Weight: inst.Weight,
			})
		}
		summaries[name] = list
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"services":  summaries,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.collector.Snapshot())
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var body refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		writeError(w, requestID, CodeBadRequest, "refresh_token is required", 0)
		return
	}

	access, refresh, err := g.auth.Tokens().Refresh(body.RefreshToken)
	if err != nil {
		g.collector.RecordError(CodeUnauthorized)
		writeError(w, requestID, CodeUnauthorized, "invalid refresh token", 0)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	})
}

// requireAdmin authenticates the request and checks the admin role. Returns
// false after writing the error response.
func (g *Gateway) requireAdmin(w http.ResponseWriter, r *http.Request, requestID string) bool {
	user, err := g.auth.Authenticate(r)
	if err != nil || user == nil {
		g.collector.RecordError(CodeUnauthorized)
		writeError(w, requestID, CodeUnauthorized, "admin endpoints require authentication", 0)
		return false
	}
	if !user.HasRole("admin") {
		g.collector.RecordError(CodeForbidden)
		writeError(w, requestID, CodeForbidden, "admin role required", 0)
		return false
	}
	return true
}

type registerRequest struct {
	Name     string            `json:"name"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Version  string            `json:"version,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Weight   int               `json:"weight,omitempty"`
}

func (g *Gateway) handleAdminRegister(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if !g.requireAdmin(w, r, requestID) {
		return
	}

	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, CodeBadRequest, "malformed instance body", 0)
		return
	}
	if body.Name == "" || body.Host == "" || body.Port <= 0 {
		writeError(w, requestID, CodeValidationFailed, "name, host and port are required", 0)
		return
	}
	if body.Weight <= 0 {
		body.Weight = 1
	}

	inst := &registry.Instance{
		Name:     body.Name,
		Host:     body.Host,
		Port:     body.Port,
		Version:  body.Version,
		Tags:     body.Tags,
		Metadata: body.Metadata,
		Weight:   body.Weight,
		Status:   registry.StatusHealthy,
	}
	if err := g.registry.Register(r.Context(), inst); err != nil {
		g.collector.RecordError(CodeStoreUnavailable)
		writeError(w, requestID, CodeStoreUnavailable, "registry store unavailable", 0)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": inst.ID()})
}

func (g *Gateway) handleAdminUnregister(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if !g.requireAdmin(w, r, requestID) {
		return
	}

	name := r.PathValue("name")
	removed, err := g.registry.UnregisterService(r.Context(), name)
	if err != nil {
		g.collector.RecordError(CodeStoreUnavailable)
		writeError(w, requestID, CodeStoreUnavailable, "registry store unavailable", 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": name, "removed": removed})
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	g.hub.Serve(w, r, ratelimit.ClientIP(r))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
