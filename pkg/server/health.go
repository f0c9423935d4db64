package server

import (
	"net/http"
	"time"

	"github.com/blobkit/proxy/pkg/apierr"
	"github.com/blobkit/proxy/pkg/types"
)

// ServiceVersion is reported in /health. Bumped by release tooling, not
// by the proxy itself.
const ServiceVersion = "1.0.0"

const expectedBlockInterval = 12 * time.Second

// handleHealth is the shallow liveness probe: "degraded" if any circuit
// breaker is Open, else "healthy". Never probes the RPC itself.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.healthStatus()
	writeJSON(w, http.StatusOK, status)
}

// handleHealthDetails is the deep readiness probe: additionally probes
// the execution RPC's latest block and reports blocksLag; any probe
// failure flips rpcHealthy=false and the top-level status to
// "degraded" (503 if the RPC is unreachable).
func (s *Server) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	status := s.healthStatus()
	details := types.HealthDetails{HealthStatus: status}

	if pending, _, err := s.queue.Status(r.Context()); err == nil {
		details.QueuePending = pending
	}

	if s.rpcHealth == nil {
		writeJSON(w, http.StatusOK, details)
		return
	}

	_, blockTime, err := s.rpcHealth.LatestBlock(r.Context())
	if err != nil {
		details.RPCHealthy = false
		details.Status = "degraded"
		s.logger.Printf("health/details: RPC probe failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, details)
		return
	}

	details.RPCHealthy = true
	lag := time.Since(time.Unix(blockTime, 0))
	details.BlocksLag = int64(lag / expectedBlockInterval)
	if details.Status == "healthy" && lag > 3*expectedBlockInterval {
		details.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, details)
}

func (s *Server) healthStatus() types.HealthStatus {
	breakers := s.breakers.Summaries()
	status := "healthy"
	if s.breakers.AnyOpen() {
		status = "degraded"
	}
	return types.HealthStatus{
		Status:          status,
		Version:         ServiceVersion,
		ChainID:         s.cfg.ChainID,
		Signer:          s.signer.Address().Hex(),
		EscrowContract:  s.cfg.EscrowContract,
		ProxyFeePercent: s.cfg.ProxyFeePercent,
		MaxBlobSize:     s.cfg.MaxBlobSize,
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
		CircuitBreakers: breakers,
	}
}

// handleAddress returns the proxy's signing address.
func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Address string `json:"address"`
	}{Address: s.signer.Address().Hex()})
}

// handleJobStatus implements GET /api/v1/job/:jobId. Always 200 with
// completed reflecting the escrow's recorded state, regardless of
// value; only the write endpoint's idempotency-miss path treats an
// already-completed job as an error.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		apierr.WriteError(w, apierr.New(apierr.KindInvalidRequest, "jobId is required"))
		return
	}

	status, err := s.verifier.JobDetails(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("job status %s: %v", jobID, err)
		apierr.WriteError(w, apierr.New(apierr.KindContractError, "failed to read job status"))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func jobIDFromPath(path string) string {
	const prefix = "/api/v1/job/"
	if len(path) <= len(prefix) {
		return ""
	}
	return path[len(prefix):]
}
