// Package registry manages the agent fleet: registration with network
// bindings, the derived online/offline status, liveness stamping and
// the dispatch selection every discovery path goes through.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/netfleet/netfleet/internal/controller/authz"
	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/token"
)

// DB is the slice of the database layer the registry needs.
type DB interface {
	GetAgent(ctx context.Context, id int64) (*database.Agent, error)
	ListAgents(ctx context.Context) ([]database.Agent, error)
	ListAgentsByCompany(ctx context.Context, companyID int64) ([]database.Agent, error)
	UpdateAgent(ctx context.Context, id int64, upd database.AgentUpdate) error
	DeleteAgent(ctx context.Context, id int64) error
	CreateAgentWithNetworks(ctx context.Context, a *database.Agent, networks []int64) (int64, error)
	AgentNetworkIDs(ctx context.Context, agentID int64) ([]int64, error)
	SelectDispatchAgents(ctx context.Context, networkID int64, heartbeatAfter time.Time) ([]database.Agent, error)
	TouchAgentHeartbeat(ctx context.Context, id int64, now time.Time, hb database.HeartbeatUpdate) error
	OrganizationOwnerCompany(ctx context.Context, orgID int64) (int64, error)
	CountNetworksInOrganization(ctx context.Context, orgID int64, networks []int64) (int, error)
	AppendTokenAudit(ctx context.Context, e *database.TokenAuditEntry) error
}

// Config carries the liveness thresholds. OnlineThreshold is how stale
// a heartbeat may be while the agent still counts as online;
// DispatchWindow is the wider cutoff the dispatch query uses before the
// in-memory derivation takes over.
type Config struct {
	OnlineThreshold time.Duration
	DispatchWindow  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.OnlineThreshold <= 0 {
		out.OnlineThreshold = 60 * time.Second
	}
	if out.DispatchWindow <= 0 {
		out.DispatchWindow = 5 * time.Minute
	}
	return out
}

type Registry struct {
	db    DB
	cfg   Config
	clock func() time.Time
}

func NewRegistry(db DB, cfg Config) *Registry {
	return &Registry{db: db, cfg: cfg.withDefaults(), clock: time.Now}
}

// SetClock replaces the time source, for tests.
func (r *Registry) SetClock(clock func() time.Time) {
	r.clock = clock
}

// DeriveStatus computes the authoritative status from the heartbeat
// timestamp. The cached status column is only a hint; an agent is
// online when its token is active and its last heartbeat is within the
// threshold, boundary included.
func (r *Registry) DeriveStatus(a *database.Agent, now time.Time) string {
	if a.TokenStatus != database.TokenActive || a.LastHeartbeat == nil {
		return database.StatusOffline
	}
	if now.Sub(*a.LastHeartbeat) <= r.cfg.OnlineThreshold {
		return database.StatusOnline
	}
	return database.StatusOffline
}

// RegisterRequest is the operator-supplied half of a new agent.
type RegisterRequest struct {
	Name           string
	Description    string
	OrganizationID int64
	NetworkIDs     []int64
	Capabilities   []string
	Version        string
}

// Registered pairs the stored agent with the raw token, which is shown
// exactly once.
type Registered struct {
	Agent *database.Agent
	Token string
}

// Register creates an agent bound to networks of one organization and
// issues its initial token.
func (r *Registry) Register(ctx context.Context, user *authz.User, req RegisterRequest) (*Registered, error) {
	if !authz.CanManageAgents(user) {
		return nil, authz.ErrForbidden
	}
	if req.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if len(req.NetworkIDs) == 0 {
		return nil, fmt.Errorf("at least one network is required")
	}
	companyID, err := r.db.OrganizationOwnerCompany(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !authz.SameCompany(user, companyID) {
		return nil, authz.ErrForbidden
	}
	n, err := r.db.CountNetworksInOrganization(ctx, req.OrganizationID, req.NetworkIDs)
	if err != nil {
		return nil, err
	}
	if n != len(req.NetworkIDs) {
		return nil, fmt.Errorf("all networks must belong to organization %d", req.OrganizationID)
	}

	raw, err := token.Generate(token.Length)
	if err != nil {
		return nil, err
	}
	now := r.clock().UTC()
	a := &database.Agent{
		Name:             req.Name,
		Description:      req.Description,
		CompanyID:        companyID,
		OrganizationID:   req.OrganizationID,
		TokenFingerprint: token.Fingerprint(raw),
		TokenPrefix:      token.Prefix(raw),
		TokenStatus:      database.TokenActive,
		Capabilities:     req.Capabilities,
		Version:          req.Version,
		Status:           database.StatusOffline,
		IssuedAt:         now,
		CreatedBy:        user.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	id, err := r.db.CreateAgentWithNetworks(ctx, a, req.NetworkIDs)
	if err != nil {
		return nil, err
	}
	a.ID = id
	if err := r.db.AppendTokenAudit(ctx, &database.TokenAuditEntry{
		AgentID:   id,
		EventType: database.AuditIssued,
		Timestamp: now,
		UserID:    &user.ID,
		Details:   database.JSONMap{"token_prefix": a.TokenPrefix},
	}); err != nil {
		dlog.Errorf(ctx, "failed to audit issuance for agent %d: %v", id, err)
	}
	dlog.Infof(ctx, "registered agent %d (%s) on %d network(s)", id, a.Name, len(req.NetworkIDs))
	return &Registered{Agent: a, Token: raw}, nil
}

// View is an agent as the operator API presents it: cached columns plus
// the derived status and network bindings.
type View struct {
	database.Agent
	DerivedStatus string  `json:"derived_status"`
	NetworkIDs    []int64 `json:"network_ids"`
}

func (r *Registry) view(ctx context.Context, a *database.Agent, now time.Time) (*View, error) {
	networks, err := r.db.AgentNetworkIDs(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return &View{Agent: *a, DerivedStatus: r.DeriveStatus(a, now), NetworkIDs: networks}, nil
}

// Get fetches one agent the user may see.
func (r *Registry) Get(ctx context.Context, user *authz.User, id int64) (*View, error) {
	a, err := r.db.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authz.CheckAgentAccess(user, a); err != nil {
		return nil, err
	}
	return r.view(ctx, a, r.clock().UTC())
}

// List returns the agents in the user's company; superadmins see all.
func (r *Registry) List(ctx context.Context, user *authz.User) ([]View, error) {
	var (
		as  []database.Agent
		err error
	)
	if user.Role == authz.RoleSuperAdmin {
		as, err = r.db.ListAgents(ctx)
	} else {
		as, err = r.db.ListAgentsByCompany(ctx, user.CompanyID)
	}
	if err != nil {
		return nil, err
	}
	now := r.clock().UTC()
	views := make([]View, 0, len(as))
	for i := range as {
		v, err := r.view(ctx, &as[i], now)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// Update edits the mutable agent fields.
func (r *Registry) Update(ctx context.Context, user *authz.User, id int64, upd database.AgentUpdate) error {
	if !authz.CanManageAgents(user) {
		return authz.ErrForbidden
	}
	a, err := r.db.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := authz.CheckAgentAccess(user, a); err != nil {
		return err
	}
	return r.db.UpdateAgent(ctx, id, upd)
}

// Delete removes the agent and, through cascade, its bindings and audit
// trail.
func (r *Registry) Delete(ctx context.Context, user *authz.User, id int64) error {
	if !authz.CanManageAgents(user) {
		return authz.ErrForbidden
	}
	a, err := r.db.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := authz.CheckAgentAccess(user, a); err != nil {
		return err
	}
	dlog.Infof(ctx, "deleting agent %d (%s)", id, a.Name)
	return r.db.DeleteAgent(ctx, id)
}

// Heartbeat stamps liveness for the authenticated agent and records the
// optional self-reported fields.
func (r *Registry) Heartbeat(ctx context.Context, p *token.Principal, hb database.HeartbeatUpdate) error {
	now := r.clock().UTC()
	if err := r.db.TouchAgentHeartbeat(ctx, p.AgentID, now, hb); err != nil {
		return err
	}
	r.audit(ctx, p.AgentID, database.AuditHeartbeat, nil)
	return nil
}

// Pong records an agent's reply to a controller ping. A pong is a
// liveness signal like a heartbeat and stamps last_heartbeat too.
func (r *Registry) Pong(ctx context.Context, p *token.Principal) error {
	now := r.clock().UTC()
	if err := r.db.TouchAgentHeartbeat(ctx, p.AgentID, now, database.HeartbeatUpdate{}); err != nil {
		return err
	}
	r.audit(ctx, p.AgentID, database.AuditPong, nil)
	return nil
}

func (r *Registry) audit(ctx context.Context, agentID int64, event string, details database.JSONMap) {
	err := r.db.AppendTokenAudit(ctx, &database.TokenAuditEntry{
		AgentID:   agentID,
		EventType: event,
		Timestamp: r.clock().UTC(),
		Details:   details,
	})
	if err != nil {
		dlog.Errorf(ctx, "failed to append %s audit for agent %d: %v", event, agentID, err)
	}
}

// SelectForDispatch returns the online agents bound to the network,
// ordered by id. When requested is non-empty the result is limited to
// that subset. The database query pre-filters on a wider heartbeat
// window; the authoritative online check happens here.
func (r *Registry) SelectForDispatch(ctx context.Context, networkID int64, requested []int64) ([]database.Agent, error) {
	now := r.clock().UTC()
	candidates, err := r.db.SelectDispatchAgents(ctx, networkID, now.Add(-r.cfg.DispatchWindow))
	if err != nil {
		return nil, err
	}
	want := make(map[int64]bool, len(requested))
	for _, id := range requested {
		want[id] = true
	}
	var out []database.Agent
	for i := range candidates {
		a := &candidates[i]
		if r.DeriveStatus(a, now) != database.StatusOnline {
			continue
		}
		if len(requested) > 0 && !want[a.ID] {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// AvailableAgents lists the agents an operator could dispatch on a
// network right now.
func (r *Registry) AvailableAgents(ctx context.Context, user *authz.User, networkID int64) ([]View, error) {
	as, err := r.SelectForDispatch(ctx, networkID, nil)
	if err != nil {
		return nil, err
	}
	now := r.clock().UTC()
	views := make([]View, 0, len(as))
	for i := range as {
		a := &as[i]
		if !authz.SameCompany(user, a.CompanyID) {
			continue
		}
		v, err := r.view(ctx, a, now)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}
