package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/meshgate/meshgate/internal/breaker"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/registry"
)

type registerRequest struct {
	ServiceName     string            `json:"serviceName"`
	ServiceID       string            `json:"serviceId,omitempty"`
	Address         string            `json:"address"`
	Scheme          string            `json:"scheme,omitempty"`
	Port            int               `json:"port"`
	Version         string            `json:"version,omitempty"`
	HealthCheckPath string            `json:"healthCheckPath"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type registerResponse struct {
	ServiceID string `json:"serviceId"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}

	address := resolveAddress(req.Address, r)

	id, err := s.registry.Register(registry.Registration{
		ServiceName:     req.ServiceName,
		ServiceID:       req.ServiceID,
		Address:         address,
		Scheme:          req.Scheme,
		Port:            req.Port,
		Version:         req.Version,
		HealthCheckPath: req.HealthCheckPath,
		Metadata:        req.Metadata,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.publish(r, observability.ServiceRegisteredEvent{
		EventID:     fmt.Sprintf("%d", time.Now().UnixNano()),
		Timestamp:   time.Now().UTC(),
		ServiceID:   id,
		ServiceName: req.ServiceName,
		Address:     address,
		Port:        req.Port,
		Metadata:    req.Metadata,
	})

	s.logger.Info("service registered", "service_id", id, "service_name", req.ServiceName, "address", address, "port", req.Port)
	writeJSON(w, http.StatusCreated, registerResponse{ServiceID: id})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instanceId"]

	inst := s.registry.GetInstance(instanceID)
	if inst == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such instance")
		return
	}

	if err := s.registry.Deregister(instanceID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.publish(r, observability.ServiceDeregisteredEvent{
		EventID:     fmt.Sprintf("%d", time.Now().UnixNano()),
		Timestamp:   time.Now().UTC(),
		ServiceID:   instanceID,
		ServiceName: inst.ServiceName,
		Reason:      "manual deregistration",
	})

	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instanceId"]

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}

	status := parseHealthStatus(req.Status)
	if err := s.registry.Heartbeat(instanceID, status, time.Now().UTC()); err != nil {
		if errors.Is(err, registry.ErrUnknownInstance) {
			writeJSONError(w, http.StatusNotFound, "not_found", "no such instance")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	serviceName := mux.Vars(r)["serviceName"]
	versionFilter := r.URL.Query().Get("version")

	instances := s.registry.Discover(serviceName, versionFilter)
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	names, err := s.registry.GetServices()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"services": names})
}

func (s *Server) handleInstanceDetail(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instanceId"]

	inst := s.registry.GetInstance(instanceID)
	if inst == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such instance")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type updateMetadataRequest struct {
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instanceId"]

	var req updateMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}

	if err := s.registry.UpdateMetadata(instanceID, req.Metadata); err != nil {
		if errors.Is(err, registry.ErrUnknownInstance) {
			writeJSONError(w, http.StatusNotFound, "not_found", "no such instance")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type serviceHealthResponse struct {
	ServiceName     string `json:"serviceName"`
	TotalInstances  int    `json:"totalInstances"`
	HealthyInstances int   `json:"healthyInstances"`
	Instances       []registry.Instance `json:"instances"`
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	serviceName := mux.Vars(r)["serviceName"]

	instances, err := s.registry.GetInstances(serviceName)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	healthy := 0
	for _, inst := range instances {
		if inst.Status == registry.HealthHealthy {
			healthy++
		}
	}

	writeJSON(w, http.StatusOK, serviceHealthResponse{
		ServiceName:      serviceName,
		TotalInstances:   len(instances),
		HealthyInstances: healthy,
		Instances:        instances,
	})
}

type serviceMetricsResponse struct {
	ServiceName    string `json:"serviceName"`
	BreakerState   string `json:"breakerState"`
	BreakerSamples int    `json:"breakerSamples"`
	BreakerFailures int   `json:"breakerFailures"`
}

func (s *Server) handleServiceMetrics(w http.ResponseWriter, r *http.Request) {
	serviceName := mux.Vars(r)["serviceName"]

	resp := serviceMetricsResponse{ServiceName: serviceName, BreakerState: "unavailable"}
	if s.engine != nil {
		if state, samples, failures, ok := s.engine.BreakerStats(serviceName); ok {
			resp.BreakerState = state.String()
			resp.BreakerSamples = samples
			resp.BreakerFailures = failures
		} else {
			resp.BreakerState = "closed" // no traffic yet; breaker not yet created defaults to closed
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type gatewayHealthResponse struct {
	Status       string `json:"status"`
	UptimeSeconds int64 `json:"uptimeSeconds"`
	ServiceCount int    `json:"serviceCount"`
}

func (s *Server) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	names, _ := s.registry.GetServices()
	writeJSON(w, http.StatusOK, gatewayHealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		ServiceCount:  len(names),
	})
}

type breakerStatsResponse struct {
	State    string `json:"state"`
	Samples  int    `json:"samples"`
	Failures int    `json:"failures"`
}

type gatewayMetricsResponse struct {
	UptimeSeconds  int64                           `json:"uptimeSeconds"`
	InstanceCounts map[string]int                  `json:"instanceCounts"`
	BreakerStats   map[string]breakerStatsResponse `json:"breakerStats,omitempty"`
}

// handleGatewayMetrics reports process-level and per-service breaker
// statistics as one combined operation, mirroring handleServiceMetrics's
// per-service breaker lookup across every known service.
func (s *Server) handleGatewayMetrics(w http.ResponseWriter, r *http.Request) {
	names, _ := s.registry.GetServices()
	counts := make(map[string]int, len(names))
	var breakerStats map[string]breakerStatsResponse
	if s.engine != nil {
		breakerStats = make(map[string]breakerStatsResponse, len(names))
	}

	for _, name := range names {
		instances, _ := s.registry.GetInstances(name)
		counts[name] = len(instances)

		if s.engine == nil {
			continue
		}
		if state, samples, failures, ok := s.engine.BreakerStats(name); ok {
			breakerStats[name] = breakerStatsResponse{State: state.String(), Samples: samples, Failures: failures}
		}
	}

	writeJSON(w, http.StatusOK, gatewayMetricsResponse{
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		InstanceCounts: counts,
		BreakerStats:   breakerStats,
	})
}

type serviceHealthDetail struct {
	ServiceName      string                `json:"serviceName"`
	Status           string                `json:"status"`
	TotalInstances   int                   `json:"totalInstances"`
	HealthyInstances int                   `json:"healthyInstances"`
	Breaker          *breakerStatsResponse `json:"breaker,omitempty"`
}

type gatewayHealthDetailedResponse struct {
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptimeSeconds"`
	Services      []serviceHealthDetail `json:"services"`
}

// handleGatewayHealthDetailed reports 200 when every known service has at
// least one healthy instance and every breaker is closed, 503 otherwise,
// alongside a per-service status and per-breaker state/stats breakdown.
func (s *Server) handleGatewayHealthDetailed(w http.ResponseWriter, r *http.Request) {
	names, _ := s.registry.GetServices()

	services := make([]serviceHealthDetail, 0, len(names))
	degraded := false

	for _, name := range names {
		instances, _ := s.registry.GetInstances(name)
		healthy := 0
		for _, inst := range instances {
			if inst.Status == registry.HealthHealthy {
				healthy++
			}
		}

		detail := serviceHealthDetail{
			ServiceName:      name,
			Status:           "healthy",
			TotalInstances:   len(instances),
			HealthyInstances: healthy,
		}
		if healthy == 0 && len(instances) > 0 {
			detail.Status = "unhealthy"
			degraded = true
		} else if len(instances) == 0 {
			detail.Status = "unknown"
			degraded = true
		}

		if s.engine != nil {
			if state, samples, failures, ok := s.engine.BreakerStats(name); ok {
				detail.Breaker = &breakerStatsResponse{State: state.String(), Samples: samples, Failures: failures}
				if state != breaker.Closed {
					degraded = true
				}
			}
		}

		services = append(services, detail)
	}

	status := "healthy"
	code := http.StatusOK
	if degraded {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, gatewayHealthDetailedResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Services:      services,
	})
}

type readinessResponse struct {
	Ready            bool     `json:"ready"`
	UnhealthyCritical []string `json:"unhealthyCritical,omitempty"`
}

// handleReadiness reports ready only if every configured critical service
// has at least one healthy instance, per spec.md §4.7.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var unhealthy []string
	for _, name := range s.cfg.CriticalServices {
		if len(s.registry.Discover(name, "")) == 0 {
			unhealthy = append(unhealthy, name)
		}
	}

	resp := readinessResponse{Ready: len(unhealthy) == 0, UnhealthyCritical: unhealthy}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) publish(r *http.Request, event any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(r.Context(), event); err != nil {
		s.logger.Warn("event publish failed", "error", err)
	}
}

func parseHealthStatus(s string) registry.HealthStatus {
	switch s {
	case "Healthy":
		return registry.HealthHealthy
	case "Unhealthy":
		return registry.HealthUnhealthy
	case "Degraded":
		return registry.HealthDegraded
	default:
		return registry.HealthUnknown
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: kind, Message: message})
}
