package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/gorilla/mux"

	"github.com/netfleet/netfleet/internal/controller/authz"
	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/iprange"
	"github.com/netfleet/netfleet/internal/controller/metrics"
	"github.com/netfleet/netfleet/internal/controller/registry"
	"github.com/netfleet/netfleet/internal/controller/state"
)

const noAgentDetail = "No online agent available for this network"

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)
	var body struct {
		Name           string   `json:"name"`
		Description    string   `json:"description"`
		OrganizationID int64    `json:"organization_id"`
		NetworkIDs     []int64  `json:"network_ids"`
		Capabilities   []string `json:"capabilities"`
		Version        string   `json:"version"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, err)
		return
	}
	reg, err := s.agents.Register(ctx, u, registry.RegisterRequest{
		Name:           body.Name,
		Description:    body.Description,
		OrganizationID: body.OrganizationID,
		NetworkIDs:     body.NetworkIDs,
		Capabilities:   body.Capabilities,
		Version:        body.Version,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, map[string]interface{}{
		"agent": reg.Agent,
		// The raw token appears in this response and nowhere else.
		"token": reg.Token,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	views, err := s.agents.List(ctx, userFrom(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"agents": views})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.agents.Get(ctx, userFrom(ctx), pathID(r))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, v)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		Name         *string  `json:"name"`
		Description  *string  `json:"description"`
		Capabilities []string `json:"capabilities"`
		Version      *string  `json:"version"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, err)
		return
	}
	err := s.agents.Update(ctx, userFrom(ctx), pathID(r), database.AgentUpdate{
		Name:         body.Name,
		Description:  body.Description,
		Capabilities: body.Capabilities,
		Version:      body.Version,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.agents.Delete(ctx, userFrom(ctx), pathID(r)); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "deleted"})
}

// checkAgentAccess resolves the agent through the registry, which
// enforces tenancy, before a token operation is applied to it.
func (s *Server) checkAgentAccess(r *http.Request) (*registry.View, error) {
	return s.agents.Get(r.Context(), userFrom(r.Context()), pathID(r))
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)
	v, err := s.checkAgentAccess(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	raw, err := s.tokens.Rotate(ctx, v.ID, &u.ID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"token": raw})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &body)
	v, err := s.checkAgentAccess(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if err := s.tokens.Revoke(ctx, v.ID, &u.ID, body.Reason); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleActivateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)
	v, err := s.checkAgentAccess(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if err := s.tokens.Activate(ctx, v.ID, &u.ID); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleExtendToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)
	var body struct {
		Days int `json:"days"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, err)
		return
	}
	if body.Days <= 0 {
		writeError(ctx, w, errStatus(http.StatusBadRequest, "days must be positive"))
		return
	}
	v, err := s.checkAgentAccess(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	expires, err := s.tokens.Extend(ctx, v.ID, body.Days, &u.ID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"expires_at": expires.Format(time.RFC3339)})
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.checkAgentAccess(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"token_status": v.TokenStatus,
		"token_prefix": v.TokenPrefix,
		"issued_at":    v.IssuedAt,
		"rotated_at":   v.RotatedAt,
		"revoked_at":   v.RevokedAt,
		"expires_at":   v.ExpiresAt,
	})
}

// handlePingAgent records a liveness probe request. The agent answers
// on its next poll cycle through the pong endpoint.
func (s *Server) handlePingAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.checkAgentAccess(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	s.tokens.RecordEvent(ctx, v.ID, database.AuditPing, nil)
	writeJSON(ctx, w, http.StatusAccepted, map[string]string{"status": "ping recorded"})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.checkAgentAccess(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.db.ListTokenAudit(ctx, v.ID, limit)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"audit_logs": logs})
}

// checkNetworkAccess resolves the network and enforces tenancy.
func (s *Server) checkNetworkAccess(r *http.Request, networkID int64) (*database.Network, error) {
	ctx := r.Context()
	n, err := s.db.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, err
	}
	companyID, err := s.db.OrganizationOwnerCompany(ctx, n.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !authz.SameCompany(userFrom(ctx), companyID) {
		return nil, authz.ErrForbidden
	}
	return n, nil
}

func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)
	var body struct {
		NetworkID  int64            `json:"network_id"`
		IPRange    string           `json:"ip_range"`
		AgentIDs   []int64          `json:"agent_ids"`
		SNMPConfig database.JSONMap `json:"snmp_config"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(ctx, w, err)
		return
	}
	if _, err := s.checkNetworkAccess(r, body.NetworkID); err != nil {
		writeError(ctx, w, err)
		return
	}
	sess, err := s.startDiscovery(r, body.NetworkID, []string{body.IPRange}, body.AgentIDs, body.SNMPConfig, &u.ID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
		"session_id": sess.ID,
		"agents":     len(sess.Agents),
	})
}

// expandTargets turns range expressions into individual addresses.
func expandTargets(targets []string) ([]string, error) {
	var ips []string
	for _, expr := range targets {
		expanded, err := iprange.Parse(expr)
		if err != nil {
			return nil, errStatus(http.StatusBadRequest, err.Error())
		}
		ips = append(ips, expanded...)
	}
	return ips, nil
}

// enqueueDiscovery hands each agent its round-robin share of the
// addresses under the session's id.
func (s *Server) enqueueDiscovery(sess *state.Session, ids []int64, ips []string, snmp database.JSONMap, now time.Time) {
	shares := iprange.Distribute(ips, len(ids))
	for i, share := range shares {
		s.dispatcher.Enqueue(ids[i], state.WorkItem{
			Type:       state.WorkDiscovery,
			SessionID:  sess.ID,
			NetworkID:  sess.NetworkID,
			Targets:    share,
			SNMPConfig: snmp,
			EnqueuedAt: now,
		})
	}
}

// startDiscovery is the dispatch path behind the start endpoint: pick
// online agents, split the targets, queue the work and open a session.
func (s *Server) startDiscovery(r *http.Request, networkID int64, targets []string, agentIDs []int64, snmp database.JSONMap, createdBy *int64) (*state.Session, error) {
	ctx := r.Context()
	ips, err := expandTargets(targets)
	if err != nil {
		return nil, err
	}
	agents, err := s.agents.SelectForDispatch(ctx, networkID, agentIDs)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, errStatus(http.StatusServiceUnavailable, noAgentDetail)
	}
	now := s.clock().UTC()
	ids := make([]int64, len(agents))
	for i := range agents {
		ids[i] = agents[i].ID
	}
	sess := s.tracker.Create(state.SourceManual, networkID, ids, targets, len(ips), snmp, createdBy, now)
	s.enqueueDiscovery(sess, ids, ips, snmp, now)
	metrics.SessionsStartedTotal.WithLabelValues(state.SourceManual).Inc()
	dlog.Infof(ctx, "started %s on network %d: %d address(es) across %d agent(s)",
		sess.ID, networkID, len(ips), len(ids))
	return sess, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var networkID int64
	if q := r.URL.Query().Get("network_id"); q != "" {
		networkID, _ = strconv.ParseInt(q, 10, 64)
		if _, err := s.checkNetworkAccess(r, networkID); err != nil {
			writeError(ctx, w, err)
			return
		}
	}
	sessions := s.tracker.ListActive(networkID)
	if sessions == nil {
		sessions = []*state.Session{}
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := s.tracker.Get(mux.Vars(r)["session"])
	if sess == nil {
		writeError(ctx, w, errStatus(http.StatusNotFound, "unknown session"))
		return
	}
	if _, err := s.checkNetworkAccess(r, sess.NetworkID); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"session":  sess,
		"progress": sess.Progress(),
	})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["session"]
	cur := s.tracker.Get(sessionID)
	if cur == nil {
		writeError(ctx, w, errStatus(http.StatusNotFound, "unknown session"))
		return
	}
	if _, err := s.checkNetworkAccess(r, cur.NetworkID); err != nil {
		writeError(ctx, w, err)
		return
	}
	sess, err := s.tracker.Cancel(sessionID, s.clock().UTC())
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	dropped := s.dispatcher.CancelSession(sessionID)
	metrics.SessionsFinishedTotal.WithLabelValues(state.SessionCancelled).Inc()
	dlog.Infof(ctx, "cancelled %s, dropped pending work for %d agent(s)", sessionID, len(dropped))
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

// handleRetrySession re-arms a failed or cancelled session in place
// and fans the original targets back out. The session keeps its id;
// its retry counter records the attempt.
func (s *Server) handleRetrySession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["session"]
	old, err := s.tracker.Retryable(sessionID)
	if err != nil {
		writeError(ctx, w, errStatus(http.StatusConflict, err.Error()))
		return
	}
	if _, err := s.checkNetworkAccess(r, old.NetworkID); err != nil {
		writeError(ctx, w, err)
		return
	}
	ips, err := expandTargets(old.Targets)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	// The retry goes to whichever agents are online now, not to the
	// original set.
	agents, err := s.agents.SelectForDispatch(ctx, old.NetworkID, nil)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if len(agents) == 0 {
		writeError(ctx, w, errStatus(http.StatusServiceUnavailable, noAgentDetail))
		return
	}
	now := s.clock().UTC()
	ids := make([]int64, len(agents))
	for i := range agents {
		ids[i] = agents[i].ID
	}
	sess, err := s.tracker.Retry(sessionID, ids, now)
	if err != nil {
		writeError(ctx, w, errStatus(http.StatusConflict, err.Error()))
		return
	}
	s.enqueueDiscovery(sess, ids, ips, sess.SNMPConfig, now)
	metrics.SessionsStartedTotal.WithLabelValues(sess.Source).Inc()
	dlog.Infof(ctx, "retrying %s on network %d (attempt %d) across %d agent(s)",
		sess.ID, sess.NetworkID, sess.RetryCount, len(ids))
	writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
		"session_id":  sess.ID,
		"status":      sess.Status,
		"retry_count": sess.RetryCount,
	})
}

func (s *Server) handleAvailableAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	networkID := pathID(r)
	if _, err := s.checkNetworkAccess(r, networkID); err != nil {
		writeError(ctx, w, err)
		return
	}
	views, err := s.agents.AvailableAgents(ctx, userFrom(ctx), networkID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"agents": views})
}

func (s *Server) handleNetworkDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	networkID := pathID(r)
	if _, err := s.checkNetworkAccess(r, networkID); err != nil {
		writeError(ctx, w, err)
		return
	}
	devices, err := s.db.ListDevicesByNetwork(ctx, networkID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)
	device, err := s.db.GetDevice(ctx, pathID(r))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if !authz.SameCompany(u, device.CompanyID) {
		writeError(ctx, w, authz.ErrForbidden)
		return
	}
	agents, err := s.agents.SelectForDispatch(ctx, device.NetworkID, nil)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if len(agents) == 0 {
		writeError(ctx, w, errStatus(http.StatusServiceUnavailable, noAgentDetail))
		return
	}
	now := s.clock().UTC()
	agentID := agents[0].ID
	sess := s.tracker.Create(state.SourceRefresh, device.NetworkID, []int64{agentID}, []string{device.IP}, 1, nil, &u.ID, now)
	s.dispatcher.Enqueue(agentID, state.WorkItem{
		Type:       state.WorkTopologyRefresh,
		SessionID:  sess.ID,
		NetworkID:  device.NetworkID,
		Targets:    []string{device.IP},
		DeviceID:   device.ID,
		EnqueuedAt: now,
	})
	metrics.SessionsStartedTotal.WithLabelValues(state.SourceRefresh).Inc()
	writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
		"session_id": sess.ID,
		"agent_id":   agentID,
	})
}
