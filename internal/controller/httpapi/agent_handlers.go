package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/metrics"
	"github.com/netfleet/netfleet/internal/controller/reconcile"
	"github.com/netfleet/netfleet/internal/controller/state"
	"github.com/netfleet/netfleet/internal/controller/token"
)

// boundTo reports whether the agent may touch the network.
func boundTo(p *token.Principal, networkID int64) bool {
	for _, id := range p.NetworkIDs {
		if id == networkID {
			return true
		}
	}
	return false
}

func (s *Server) handleAgentOrganizations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	orgs, err := s.db.ListOrganizationsByCompany(ctx, p.CompanyID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	s.tokens.RecordEvent(ctx, p.AgentID, database.AuditOrgsAccess, nil)
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"organizations": orgs})
}

func (s *Server) handleAgentNetworks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	networks := make([]database.Network, 0, len(p.NetworkIDs))
	for _, id := range p.NetworkIDs {
		n, err := s.db.GetNetwork(ctx, id)
		if err != nil {
			if err == database.ErrNotFound {
				continue
			}
			writeError(ctx, w, err)
			return
		}
		networks = append(networks, *n)
	}
	s.tokens.RecordEvent(ctx, p.AgentID, database.AuditNetsAccess, nil)
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"networks": networks})
}

func (s *Server) handleAgentWork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	item := s.dispatcher.Poll(p.AgentID)
	if item == nil {
		writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"work": nil})
		return
	}
	metrics.WorkDispatchedTotal.WithLabelValues(item.Type).Inc()
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"work": item})
}

func (s *Server) handleAgentWorkAck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, err)
		return
	}
	if body.SessionID == "" {
		writeError(ctx, w, errStatus(http.StatusBadRequest, "session_id is required"))
		return
	}
	acked := s.dispatcher.Acknowledge(p.AgentID, body.SessionID)
	if acked {
		// The ack is also the first progress signal.
		_, _ = s.tracker.UpdateProgress(body.SessionID, p.AgentID, state.ProgressReport{Status: state.AgentRunning}, s.clock().UTC())
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"acknowledged": acked})
}

func (s *Server) handleAgentStatusReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	var body struct {
		NetworkID int64                    `json:"network_id"`
		Results   []reconcile.StatusReport `json:"results"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, err)
		return
	}
	if !boundTo(p, body.NetworkID) {
		writeError(ctx, w, errStatus(http.StatusForbidden, "agent is not bound to this network"))
		return
	}
	applied := s.inventory.ApplyStatusReport(ctx, body.NetworkID, body.Results)
	s.tokens.RecordEvent(ctx, p.AgentID, database.AuditStatus, database.JSONMap{
		"network_id": body.NetworkID,
		"applied":    applied,
	})
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"applied": applied})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	var body struct {
		Name            *string          `json:"name,omitempty"`
		DiscoveredCount *int             `json:"discovered_devices_count,omitempty"`
		SystemInfo      database.JSONMap `json:"system_info,omitempty"`
	}
	// A bare heartbeat with no body is fine.
	_ = decodeBody(r, &body)
	err := s.agents.Heartbeat(ctx, p, database.HeartbeatUpdate{
		Name:            body.Name,
		DiscoveredCount: body.DiscoveredCount,
		SystemInfo:      body.SystemInfo,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	metrics.HeartbeatsTotal.Inc()
	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePong(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.agents.Pong(ctx, principalFrom(ctx)); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	sessionID := mux.Vars(r)["session"]
	var body struct {
		AgentStatus  string   `json:"agent_status"`
		Status       string   `json:"status"`
		ProcessedIPs int      `json:"processed_ips"`
		Devices      []string `json:"devices"`
		Errors       []string `json:"errors"`
		Message      string   `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, err)
		return
	}
	status := body.AgentStatus
	if status == "" {
		status = body.Status
	}
	sess, err := s.tracker.UpdateProgress(sessionID, p.AgentID, state.ProgressReport{
		Status:       status,
		ProcessedIPs: body.ProcessedIPs,
		Discovered:   body.Devices,
		Errors:       body.Errors,
		Message:      body.Message,
	}, s.clock().UTC())
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	switch sess.Status {
	case state.SessionCompleted, state.SessionFailed:
		metrics.SessionsFinishedTotal.WithLabelValues(sess.Status).Inc()
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"session_id":    sess.ID,
		"status":        sess.Status,
		"progress":      sess.Progress(),
		"processed_ips": sess.ProcessedIPs,
		"total_ips":     sess.TotalIPs,
	})
}

func (s *Server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	sessionID := mux.Vars(r)["session"]
	var body struct {
		NetworkID int64                      `json:"network_id"`
		Devices   []reconcile.ReportedDevice `json:"devices"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, err)
		return
	}
	if !boundTo(p, body.NetworkID) {
		writeError(ctx, w, errStatus(http.StatusForbidden, "agent is not bound to this network"))
		return
	}
	sess := s.tracker.Get(sessionID)
	if sess == nil {
		writeError(ctx, w, errStatus(http.StatusNotFound, "unknown session"))
		return
	}
	// Results that arrive after the session was cancelled or otherwise
	// finished are discarded, never reconciled.
	switch sess.Status {
	case state.SessionCancelled, state.SessionCompleted, state.SessionFailed:
		writeError(ctx, w, state.ErrSessionTerminal)
		return
	}
	method := database.MethodAuto
	if sess.Source == state.SourceRefresh {
		method = database.MethodRefresh
	}
	out, err := s.inventory.ReconcileBatch(ctx, p, body.NetworkID, method, body.Devices)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	metrics.DevicesReconciledTotal.WithLabelValues("created").Add(float64(out.Created))
	metrics.DevicesReconciledTotal.WithLabelValues("updated").Add(float64(out.Updated))
	writeJSON(ctx, w, http.StatusOK, out)
}
