package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netfleet/netfleet/internal/controller/authz"
	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/reconcile"
	"github.com/netfleet/netfleet/internal/controller/registry"
	"github.com/netfleet/netfleet/internal/controller/state"
	"github.com/netfleet/netfleet/internal/controller/token"
)

const goodAgentToken = "GoodAgentToken000000000000000000"

type fakeTokens struct {
	principal *token.Principal
	events    []string
	rotated   string
}

func (f *fakeTokens) Authenticate(_ context.Context, presented, _ string) (*token.Principal, error) {
	if presented == goodAgentToken && f.principal != nil {
		return f.principal, nil
	}
	return nil, token.ErrInvalid
}

func (f *fakeTokens) Rotate(context.Context, int64, *int64) (string, error) {
	f.rotated = "RotatedToken00000000000000000000"
	return f.rotated, nil
}

func (f *fakeTokens) Revoke(context.Context, int64, *int64, string) error { return nil }

func (f *fakeTokens) Activate(context.Context, int64, *int64) error {
	return token.ErrAlreadyActive
}

func (f *fakeTokens) Extend(_ context.Context, _ int64, days int, _ *int64) (time.Time, error) {
	return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days), nil
}

func (f *fakeTokens) RecordEvent(_ context.Context, _ int64, event string, _ database.JSONMap) {
	f.events = append(f.events, event)
}

type fakeRegistry struct {
	dispatchable []database.Agent
	heartbeats   int
	view         *registry.View
}

func (f *fakeRegistry) Register(_ context.Context, _ *authz.User, req registry.RegisterRequest) (*registry.Registered, error) {
	if req.Name == "" {
		return nil, errStatus(http.StatusBadRequest, "agent name is required")
	}
	return &registry.Registered{
		Agent: &database.Agent{ID: 1, Name: req.Name},
		Token: goodAgentToken,
	}, nil
}

func (f *fakeRegistry) Get(_ context.Context, _ *authz.User, id int64) (*registry.View, error) {
	if f.view == nil || f.view.ID != id {
		return nil, database.ErrNotFound
	}
	return f.view, nil
}

func (f *fakeRegistry) List(context.Context, *authz.User) ([]registry.View, error) {
	return nil, nil
}

func (f *fakeRegistry) Update(context.Context, *authz.User, int64, database.AgentUpdate) error {
	return nil
}

func (f *fakeRegistry) Delete(context.Context, *authz.User, int64) error { return nil }

func (f *fakeRegistry) Heartbeat(context.Context, *token.Principal, database.HeartbeatUpdate) error {
	f.heartbeats++
	return nil
}

func (f *fakeRegistry) Pong(context.Context, *token.Principal) error { return nil }

func (f *fakeRegistry) SelectForDispatch(context.Context, int64, []int64) ([]database.Agent, error) {
	return f.dispatchable, nil
}

func (f *fakeRegistry) AvailableAgents(context.Context, *authz.User, int64) ([]registry.View, error) {
	return nil, nil
}

type fakeInventory struct {
	reconciled []reconcile.ReportedDevice
	statuses   []reconcile.StatusReport
}

func (f *fakeInventory) ReconcileBatch(_ context.Context, _ *token.Principal, _ int64, _ string, devices []reconcile.ReportedDevice) (*reconcile.Outcome, error) {
	f.reconciled = append(f.reconciled, devices...)
	return &reconcile.Outcome{Created: len(devices)}, nil
}

func (f *fakeInventory) ApplyStatusReport(_ context.Context, _ int64, reports []reconcile.StatusReport) int {
	f.statuses = append(f.statuses, reports...)
	return len(reports)
}

type fakeDB struct {
	networks map[int64]*database.Network
	devices  map[int64]*database.Device
}

func (f *fakeDB) GetNetwork(_ context.Context, id int64) (*database.Network, error) {
	n, ok := f.networks[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return n, nil
}

func (f *fakeDB) ListOrganizationsByCompany(context.Context, int64) ([]database.Organization, error) {
	return []database.Organization{{ID: 3, Name: "org", OwnerID: 9}}, nil
}

func (f *fakeDB) OrganizationOwnerCompany(context.Context, int64) (int64, error) {
	return 7, nil
}

func (f *fakeDB) ListDevicesByNetwork(context.Context, int64) ([]database.Device, error) {
	return nil, nil
}

func (f *fakeDB) GetDevice(_ context.Context, id int64) (*database.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return d, nil
}

func (f *fakeDB) ListTokenAudit(context.Context, int64, int) ([]database.TokenAuditEntry, error) {
	return nil, nil
}

func (f *fakeDB) GetAgent(context.Context, int64) (*database.Agent, error) {
	return nil, database.ErrNotFound
}

type fixture struct {
	server     *Server
	router     http.Handler
	tokens     *fakeTokens
	registry   *fakeRegistry
	inventory  *fakeInventory
	db         *fakeDB
	dispatcher *state.Dispatcher
	tracker    *state.Tracker
	now        time.Time
}

func newFixture() *fixture {
	f := &fixture{
		tokens: &fakeTokens{principal: &token.Principal{
			AgentID:        1,
			CompanyID:      7,
			OrganizationID: 3,
			NetworkIDs:     []int64{5},
		}},
		registry:   &fakeRegistry{},
		inventory:  &fakeInventory{},
		db:         &fakeDB{networks: map[int64]*database.Network{5: {ID: 5, Name: "hq", OrganizationID: 3}}, devices: map[int64]*database.Device{}},
		dispatcher: state.NewDispatcher(),
		tracker:    state.NewTracker(),
		now:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	oracle := authz.NewStaticOracle()
	oracle.Add("operator-cred", authz.User{ID: 42, Role: authz.RoleCompanyAdmin, CompanyID: 7})
	oracle.Add("outsider-cred", authz.User{ID: 43, Role: authz.RoleCompanyAdmin, CompanyID: 99})
	f.server = NewServer(f.tokens, f.registry, f.inventory, f.db, oracle, f.dispatcher, f.tracker)
	f.server.SetClock(func() time.Time { return f.now })
	f.router = f.server.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func agentHdr() map[string]string {
	return map[string]string{"X-Agent-Token": goodAgentToken}
}

func userHdr() map[string]string {
	return map[string]string{"Authorization": "Bearer operator-cred"}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestAgentAuthRejectsUniformly(t *testing.T) {
	f := newFixture()
	for _, hdr := range []map[string]string{
		nil,
		{"X-Agent-Token": "short"},
		{"X-Agent-Token": "WrongButWellFormedToken000000000"},
	} {
		w := f.do(t, http.MethodPost, "/api/v1/heartbeat", nil, hdr)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Invalid agent token", decode(t, w)["detail"])
	}
	assert.Zero(t, f.registry.heartbeats)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture()
	w := f.do(t, http.MethodPost, "/api/v1/heartbeat", map[string]interface{}{
		"discovered_devices_count": 4,
	}, agentHdr())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.registry.heartbeats)
}

func TestWorkPollAndAck(t *testing.T) {
	f := newFixture()
	sess := f.tracker.Create(state.SourceManual, 5, []int64{1}, nil, 1, nil, nil, f.now)
	f.dispatcher.Enqueue(1, state.WorkItem{
		Type:      state.WorkDiscovery,
		SessionID: sess.ID,
		NetworkID: 5,
		Targets:   []string{"192.0.2.1"},
	})

	w := f.do(t, http.MethodGet, "/api/v1/agent/work", nil, agentHdr())
	require.Equal(t, http.StatusOK, w.Code)
	work := decode(t, w)["work"].(map[string]interface{})
	assert.Equal(t, state.WorkDiscovery, work["type"])
	assert.Equal(t, sess.ID, work["session_id"])

	w = f.do(t, http.MethodPost, "/api/v1/agent/work/ack", map[string]string{"session_id": sess.ID}, agentHdr())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["acknowledged"])

	// Acked work is gone.
	w = f.do(t, http.MethodGet, "/api/v1/agent/work", nil, agentHdr())
	assert.Nil(t, decode(t, w)["work"])

	got := f.tracker.Get(sess.ID)
	assert.Equal(t, state.AgentRunning, got.Agents[1].Status)
	assert.Equal(t, state.SessionRunning, got.Status, "the ack starts the run")
}

func TestStartDiscovery(t *testing.T) {
	f := newFixture()
	f.registry.dispatchable = []database.Agent{{ID: 1}, {ID: 2}}

	w := f.do(t, http.MethodPost, "/api/v1/discovery", map[string]interface{}{
		"network_id": 5,
		"ip_range":   "192.0.2.0/30",
	}, userHdr())
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	sessionID := body["session_id"].(string)
	assert.Equal(t, float64(2), body["agents"])

	sess := f.tracker.Get(sessionID)
	require.NotNil(t, sess)
	assert.Equal(t, state.SessionPending, sess.Status)
	assert.Equal(t, 2, sess.TotalIPs, "/30 yields two host addresses")

	w1 := f.dispatcher.Poll(1)
	require.NotNil(t, w1)
	assert.Equal(t, sessionID, w1.SessionID)
	assert.Equal(t, []string{"192.0.2.1"}, w1.Targets)
	w2 := f.dispatcher.Poll(2)
	require.NotNil(t, w2)
	assert.Equal(t, []string{"192.0.2.2"}, w2.Targets)
}

func TestStartDiscoveryNoAgents(t *testing.T) {
	f := newFixture()
	w := f.do(t, http.MethodPost, "/api/v1/discovery", map[string]interface{}{
		"network_id": 5,
		"ip_range":   "192.0.2.0/30",
	}, userHdr())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "No online agent available for this network", decode(t, w)["detail"])
}

func TestStartDiscoveryBadRange(t *testing.T) {
	f := newFixture()
	f.registry.dispatchable = []database.Agent{{ID: 1}}
	w := f.do(t, http.MethodPost, "/api/v1/discovery", map[string]interface{}{
		"network_id": 5,
		"ip_range":   "not-a-range",
	}, userHdr())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelThenProgressConflicts(t *testing.T) {
	f := newFixture()
	f.registry.dispatchable = []database.Agent{{ID: 1}}
	w := f.do(t, http.MethodPost, "/api/v1/discovery", map[string]interface{}{
		"network_id": 5,
		"ip_range":   "192.0.2.1",
	}, userHdr())
	require.Equal(t, http.StatusAccepted, w.Code)
	sessionID := decode(t, w)["session_id"].(string)

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sessionID+"/cancel", nil, userHdr())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, f.dispatcher.Poll(1), "cancel drops pending work")

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sessionID+"/progress", map[string]interface{}{
		"agent_status":  state.AgentRunning,
		"processed_ips": 1,
	}, agentHdr())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionResultsAfterCancelAreDiscarded(t *testing.T) {
	f := newFixture()
	f.registry.dispatchable = []database.Agent{{ID: 1}}
	w := f.do(t, http.MethodPost, "/api/v1/discovery", map[string]interface{}{
		"network_id": 5,
		"ip_range":   "192.0.2.1",
	}, userHdr())
	require.Equal(t, http.StatusAccepted, w.Code)
	sessionID := decode(t, w)["session_id"].(string)

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sessionID+"/cancel", nil, userHdr())
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sessionID+"/results", map[string]interface{}{
		"network_id": 5,
		"devices":    []map[string]interface{}{{"ip": "192.0.2.10"}},
	}, agentHdr())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, f.inventory.reconciled, "late results never reach the inventory")

	// A session id that was never opened is not reconciled either.
	w = f.do(t, http.MethodPost, "/api/v1/discovery/discovery_ffff0000/results", map[string]interface{}{
		"network_id": 5,
		"devices":    []map[string]interface{}{{"ip": "192.0.2.11"}},
	}, agentHdr())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, f.inventory.reconciled)
}

func TestRetryReArmsFailedSessionInPlace(t *testing.T) {
	f := newFixture()
	f.registry.dispatchable = []database.Agent{{ID: 1}}
	w := f.do(t, http.MethodPost, "/api/v1/discovery", map[string]interface{}{
		"network_id": 5,
		"ip_range":   "192.0.2.1",
	}, userHdr())
	require.Equal(t, http.StatusAccepted, w.Code)
	sessionID := decode(t, w)["session_id"].(string)

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sessionID+"/retry", nil, userHdr())
	assert.Equal(t, http.StatusConflict, w.Code, "a session that has not failed cannot be retried")

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sessionID+"/progress", map[string]interface{}{
		"agent_status": state.AgentFailed,
		"errors":       []string{"unreachable"},
	}, agentHdr())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, state.SessionFailed, f.tracker.Get(sessionID).Status)

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sessionID+"/retry", nil, userHdr())
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, sessionID, body["session_id"], "the session keeps its id")
	assert.Equal(t, state.SessionRetrying, body["status"])
	assert.Equal(t, float64(1), body["retry_count"])

	sess := f.tracker.Get(sessionID)
	assert.Equal(t, state.SessionRetrying, sess.Status)
	assert.Equal(t, 1, sess.RetryCount)
	require.NotNil(t, sess.RetryAt)

	item := f.dispatcher.Poll(1)
	require.NotNil(t, item)
	assert.Equal(t, sessionID, item.SessionID, "the retry fans out under the same session")
	assert.Equal(t, []string{"192.0.2.1"}, item.Targets)
}

func TestSessionStatusAndCancelEnforceTenancy(t *testing.T) {
	f := newFixture()
	f.registry.dispatchable = []database.Agent{{ID: 1}}
	w := f.do(t, http.MethodPost, "/api/v1/discovery", map[string]interface{}{
		"network_id": 5,
		"ip_range":   "192.0.2.1",
	}, userHdr())
	require.Equal(t, http.StatusAccepted, w.Code)
	sessionID := decode(t, w)["session_id"].(string)

	outsider := map[string]string{"Authorization": "Bearer outsider-cred"}
	w = f.do(t, http.MethodGet, "/api/v1/discovery/"+sessionID+"/status", nil, outsider)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sessionID+"/cancel", nil, outsider)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotEqual(t, state.SessionCancelled, f.tracker.Get(sessionID).Status)

	w = f.do(t, http.MethodGet, "/api/v1/discovery/"+sessionID+"/status", nil, userHdr())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionResultsRequireNetworkBinding(t *testing.T) {
	f := newFixture()
	sess := f.tracker.Create(state.SourceManual, 5, []int64{1}, nil, 1, nil, nil, f.now)

	w := f.do(t, http.MethodPost, "/api/v1/discovery/"+sess.ID+"/results", map[string]interface{}{
		"network_id": 99,
		"devices":    []map[string]interface{}{{"ip": "192.0.2.10"}},
	}, agentHdr())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.inventory.reconciled)

	w = f.do(t, http.MethodPost, "/api/v1/discovery/"+sess.ID+"/results", map[string]interface{}{
		"network_id": 5,
		"devices":    []map[string]interface{}{{"ip": "192.0.2.10"}},
	}, agentHdr())
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.inventory.reconciled, 1)
	assert.Equal(t, "192.0.2.10", f.inventory.reconciled[0].IP)
}

func TestUserAuthRequired(t *testing.T) {
	f := newFixture()
	w := f.do(t, http.MethodGet, "/api/v1/agents/all", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/agents/all", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenLifecycleEndpoints(t *testing.T) {
	f := newFixture()
	f.registry.view = &registry.View{Agent: database.Agent{ID: 1, TokenStatus: database.TokenActive, TokenPrefix: "GoodAgen"}}

	w := f.do(t, http.MethodPost, "/api/v1/agents/1/rotate_token", nil, userHdr())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, f.tokens.rotated, decode(t, w)["token"])

	w = f.do(t, http.MethodPost, "/api/v1/agents/1/activate_token", nil, userHdr())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/agents/1/extend_token", map[string]int{"days": 0}, userHdr())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/agents/1/token_info", nil, userHdr())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GoodAgen", decode(t, w)["token_prefix"])

	// Unknown agent is a 404 before any token operation runs.
	w = f.do(t, http.MethodPost, "/api/v1/agents/99/rotate_token", nil, userHdr())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefreshDevice(t *testing.T) {
	f := newFixture()
	f.db.devices[12] = &database.Device{ID: 12, IP: "192.0.2.10", NetworkID: 5, CompanyID: 7}
	f.registry.dispatchable = []database.Agent{{ID: 1}}

	w := f.do(t, http.MethodPost, "/api/v1/devices/12/refresh", nil, userHdr())
	require.Equal(t, http.StatusAccepted, w.Code)

	item := f.dispatcher.Poll(1)
	require.NotNil(t, item)
	assert.Equal(t, state.WorkTopologyRefresh, item.Type)
	assert.Equal(t, []string{"192.0.2.10"}, item.Targets)
	assert.Equal(t, int64(12), item.DeviceID)
}

func TestHealthz(t *testing.T) {
	f := newFixture()
	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
