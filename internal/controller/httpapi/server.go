// Package httpapi is the controller's HTTP surface: the agent-facing
// endpoints authenticated by bearer token and the operator endpoints
// authenticated through the identity oracle.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/netfleet/netfleet/internal/controller/authz"
	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/metrics"
	"github.com/netfleet/netfleet/internal/controller/reconcile"
	"github.com/netfleet/netfleet/internal/controller/registry"
	"github.com/netfleet/netfleet/internal/controller/state"
	"github.com/netfleet/netfleet/internal/controller/token"
)

// TokenAuthority is what the handlers need from the token store.
type TokenAuthority interface {
	Authenticate(ctx context.Context, presented, clientIP string) (*token.Principal, error)
	Rotate(ctx context.Context, agentID int64, actor *int64) (string, error)
	Revoke(ctx context.Context, agentID int64, actor *int64, reason string) error
	Activate(ctx context.Context, agentID int64, actor *int64) error
	Extend(ctx context.Context, agentID int64, days int, actor *int64) (time.Time, error)
	RecordEvent(ctx context.Context, agentID int64, event string, details database.JSONMap)
}

// AgentRegistry is what the handlers need from the registry.
type AgentRegistry interface {
	Register(ctx context.Context, user *authz.User, req registry.RegisterRequest) (*registry.Registered, error)
	Get(ctx context.Context, user *authz.User, id int64) (*registry.View, error)
	List(ctx context.Context, user *authz.User) ([]registry.View, error)
	Update(ctx context.Context, user *authz.User, id int64, upd database.AgentUpdate) error
	Delete(ctx context.Context, user *authz.User, id int64) error
	Heartbeat(ctx context.Context, p *token.Principal, hb database.HeartbeatUpdate) error
	Pong(ctx context.Context, p *token.Principal) error
	SelectForDispatch(ctx context.Context, networkID int64, requested []int64) ([]database.Agent, error)
	AvailableAgents(ctx context.Context, user *authz.User, networkID int64) ([]registry.View, error)
}

// Inventory is what the handlers need from the reconciler.
type Inventory interface {
	ReconcileBatch(ctx context.Context, p *token.Principal, networkID int64, method string, devices []reconcile.ReportedDevice) (*reconcile.Outcome, error)
	ApplyStatusReport(ctx context.Context, networkID int64, reports []reconcile.StatusReport) int
}

// DB is the slice of the database layer the handlers read directly.
type DB interface {
	GetNetwork(ctx context.Context, id int64) (*database.Network, error)
	ListOrganizationsByCompany(ctx context.Context, companyID int64) ([]database.Organization, error)
	OrganizationOwnerCompany(ctx context.Context, orgID int64) (int64, error)
	ListDevicesByNetwork(ctx context.Context, networkID int64) ([]database.Device, error)
	GetDevice(ctx context.Context, id int64) (*database.Device, error)
	ListTokenAudit(ctx context.Context, agentID int64, limit int) ([]database.TokenAuditEntry, error)
	GetAgent(ctx context.Context, id int64) (*database.Agent, error)
}

type Server struct {
	tokens     TokenAuthority
	agents     AgentRegistry
	inventory  Inventory
	db         DB
	oracle     authz.Oracle
	dispatcher *state.Dispatcher
	tracker    *state.Tracker
	clock      func() time.Time
}

func NewServer(
	tokens TokenAuthority,
	agents AgentRegistry,
	inventory Inventory,
	db DB,
	oracle authz.Oracle,
	dispatcher *state.Dispatcher,
	tracker *state.Tracker,
) *Server {
	return &Server{
		tokens:     tokens,
		agents:     agents,
		inventory:  inventory,
		db:         db,
		oracle:     oracle,
		dispatcher: dispatcher,
		tracker:    tracker,
		clock:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Server) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Agent-facing routes, authenticated by X-Agent-Token.
	agent := api.NewRoute().Subrouter()
	agent.Use(s.agentAuth)
	agent.HandleFunc("/agent/organizations", s.handleAgentOrganizations).Methods(http.MethodGet)
	agent.HandleFunc("/agent/networks", s.handleAgentNetworks).Methods(http.MethodGet)
	agent.HandleFunc("/agent/work", s.handleAgentWork).Methods(http.MethodGet)
	agent.HandleFunc("/agent/work/ack", s.handleAgentWorkAck).Methods(http.MethodPost)
	agent.HandleFunc("/agent/status", s.handleAgentStatusReport).Methods(http.MethodPut)
	agent.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	agent.HandleFunc("/pong", s.handlePong).Methods(http.MethodPost)
	agent.HandleFunc("/discovery/{session}/progress", s.handleSessionProgress).Methods(http.MethodPost)
	agent.HandleFunc("/discovery/{session}/results", s.handleSessionResults).Methods(http.MethodPost)

	// Operator routes, authenticated through the identity oracle.
	user := api.NewRoute().Subrouter()
	user.Use(s.userAuth)
	user.HandleFunc("/agents/register", s.handleRegisterAgent).Methods(http.MethodPost)
	user.HandleFunc("/agents/all", s.handleListAgents).Methods(http.MethodGet)
	user.HandleFunc("/agents/{id:[0-9]+}", s.handleGetAgent).Methods(http.MethodGet)
	user.HandleFunc("/agents/{id:[0-9]+}", s.handleUpdateAgent).Methods(http.MethodPut)
	user.HandleFunc("/agents/{id:[0-9]+}", s.handleDeleteAgent).Methods(http.MethodDelete)
	user.HandleFunc("/agents/{id:[0-9]+}/rotate_token", s.handleRotateToken).Methods(http.MethodPost)
	user.HandleFunc("/agents/{id:[0-9]+}/revoke_token", s.handleRevokeToken).Methods(http.MethodPost)
	user.HandleFunc("/agents/{id:[0-9]+}/activate_token", s.handleActivateToken).Methods(http.MethodPost)
	user.HandleFunc("/agents/{id:[0-9]+}/extend_token", s.handleExtendToken).Methods(http.MethodPost)
	user.HandleFunc("/agents/{id:[0-9]+}/token_info", s.handleTokenInfo).Methods(http.MethodGet)
	user.HandleFunc("/agents/{id:[0-9]+}/ping", s.handlePingAgent).Methods(http.MethodPost)
	user.HandleFunc("/agents/{id:[0-9]+}/audit_logs", s.handleAuditLogs).Methods(http.MethodGet)
	user.HandleFunc("/discovery", s.handleStartDiscovery).Methods(http.MethodPost)
	user.HandleFunc("/discovery/sessions", s.handleListSessions).Methods(http.MethodGet)
	user.HandleFunc("/discovery/{session}/status", s.handleSessionStatus).Methods(http.MethodGet)
	user.HandleFunc("/discovery/{session}/cancel", s.handleCancelSession).Methods(http.MethodPost)
	user.HandleFunc("/discovery/{session}/retry", s.handleRetrySession).Methods(http.MethodPost)
	user.HandleFunc("/network/{id:[0-9]+}/available-agents", s.handleAvailableAgents).Methods(http.MethodGet)
	user.HandleFunc("/network/{id:[0-9]+}/devices", s.handleNetworkDevices).Methods(http.MethodGet)
	user.HandleFunc("/devices/{id:[0-9]+}/refresh", s.handleRefreshDevice).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// Context keys for the authenticated caller.
type ctxKey int

const (
	principalKey ctxKey = iota
	userKey
)

func principalFrom(ctx context.Context) *token.Principal {
	p, _ := ctx.Value(principalKey).(*token.Principal)
	return p
}

func userFrom(ctx context.Context) *authz.User {
	u, _ := ctx.Value(userKey).(*authz.User)
	return u
}

// agentAuth authenticates the X-Agent-Token header. Every failure maps
// to the same 401 body regardless of whether the token is unknown,
// revoked or expired.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, err := s.tokens.Authenticate(ctx, r.Header.Get("X-Agent-Token"), clientIP(r))
		if err != nil {
			metrics.AuthFailuresTotal.Inc()
			writeJSON(ctx, w, http.StatusUnauthorized, map[string]string{"detail": "Invalid agent token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey, p)))
	})
}

// userAuth authenticates the operator bearer credential.
func (s *Server) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cred := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if cred == "" || cred == r.Header.Get("Authorization") {
			writeJSON(ctx, w, http.StatusUnauthorized, map[string]string{"detail": "not authenticated"})
			return
		}
		u, err := s.oracle.Resolve(ctx, cred)
		if err != nil {
			writeJSON(ctx, w, http.StatusUnauthorized, map[string]string{"detail": "not authenticated"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userKey, u)))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
