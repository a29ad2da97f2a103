package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const agentColumns = `id, name, description, company_id, organization_id,
	token_fingerprint, token_prefix, token_status, capabilities, version,
	status, last_heartbeat, last_used_at, last_ip, discovered_devices_count,
	system_info, issued_at, rotated_at, revoked_at, expires_at,
	created_by, created_at, updated_at`

// InsertAgent persists a new agent and returns its id. The caller is
// expected to run this inside WithTx together with the network bindings.
func (s *Store) InsertAgent(ctx context.Context, tx *sqlx.Tx, a *Agent) (int64, error) {
	var id int64
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO agents (name, description, company_id, organization_id,
			token_fingerprint, token_prefix, token_status, capabilities,
			version, status, issued_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $11, $11)
		RETURNING id`,
		a.Name, a.Description, a.CompanyID, a.OrganizationID,
		a.TokenFingerprint, a.TokenPrefix, a.TokenStatus, a.Capabilities,
		a.Version, a.Status, a.IssuedAt, a.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}
	return id, nil
}

func (s *Store) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	var a Agent
	err := s.db.GetContext(ctx, &a,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) GetAgentByTokenFingerprint(ctx context.Context, fingerprint string) (*Agent, error) {
	var a Agent
	err := s.db.GetContext(ctx, &a,
		`SELECT `+agentColumns+` FROM agents WHERE token_fingerprint = $1`, fingerprint)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	var as []Agent
	err := s.db.SelectContext(ctx, &as,
		`SELECT `+agentColumns+` FROM agents ORDER BY id`)
	return as, err
}

func (s *Store) ListAgentsByCompany(ctx context.Context, companyID int64) ([]Agent, error) {
	var as []Agent
	err := s.db.SelectContext(ctx, &as,
		`SELECT `+agentColumns+` FROM agents WHERE company_id = $1 ORDER BY id`, companyID)
	return as, err
}

func (s *Store) UpdateAgent(ctx context.Context, id int64, upd AgentUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			name         = COALESCE($2, name),
			description  = COALESCE($3, description),
			capabilities = COALESCE($4, capabilities),
			version      = COALESCE($5, version),
			updated_at   = now()
		WHERE id = $1`,
		id, upd.Name, upd.Description, capabilitiesArg(upd.Capabilities), upd.Version)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRow(res)
}

func capabilitiesArg(caps []string) interface{} {
	if caps == nil {
		return nil
	}
	return pq.Array(caps)
}

// DeleteAgent removes the agent; bindings and audit rows cascade.
func (s *Store) DeleteAgent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireRow(res)
}

// SetAgentToken installs a new token fingerprint in one statement so a
// rotation is atomic at the row level: the moment this commits the old
// fingerprint no longer resolves.
func (s *Store) SetAgentToken(ctx context.Context, id int64, fingerprint, prefix string, now time.Time, rotated bool) error {
	q := `UPDATE agents SET token_fingerprint = $2, token_prefix = $3,
		token_status = 'active', issued_at = $4, revoked_at = NULL, updated_at = $4`
	if rotated {
		q += `, rotated_at = $4`
	}
	res, err := s.db.ExecContext(ctx, q+` WHERE id = $1`, id, fingerprint, prefix, now)
	if err != nil {
		return fmt.Errorf("set agent token: %w", err)
	}
	return requireRow(res)
}

// SetTokenStatus moves the current token between active and revoked.
// Revocation stamps revoked_at; activation clears it.
func (s *Store) SetTokenStatus(ctx context.Context, id int64, status string, now time.Time) error {
	var q string
	switch status {
	case TokenRevoked:
		q = `UPDATE agents SET token_status = $2, revoked_at = $3, updated_at = $3 WHERE id = $1`
	case TokenActive:
		q = `UPDATE agents SET token_status = $2, revoked_at = NULL, updated_at = $3 WHERE id = $1`
	default:
		q = `UPDATE agents SET token_status = $2, updated_at = $3 WHERE id = $1`
	}
	res, err := s.db.ExecContext(ctx, q, id, status, now)
	if err != nil {
		return fmt.Errorf("set token status: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SetTokenExpiry(ctx context.Context, id int64, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET expires_at = $2, updated_at = now() WHERE id = $1`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("set token expiry: %w", err)
	}
	return requireRow(res)
}

// TouchAgentAuth records a successful authentication.
func (s *Store) TouchAgentAuth(ctx context.Context, id int64, now time.Time, ip string) error {
	var ipArg *string
	if ip != "" {
		ipArg = &ip
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_used_at = $2, last_ip = COALESCE($3, last_ip) WHERE id = $1`,
		id, now, ipArg)
	return err
}

// TouchAgentHeartbeat stamps liveness and persists any optional fields
// the agent included. The cached status column is set to online; read
// paths still derive the authoritative value from last_heartbeat.
func (s *Store) TouchAgentHeartbeat(ctx context.Context, id int64, now time.Time, hb HeartbeatUpdate) error {
	var count *int
	if hb.DiscoveredCount != nil {
		count = hb.DiscoveredCount
	}
	var sysInfo interface{}
	if hb.SystemInfo != nil {
		sysInfo = hb.SystemInfo
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			last_heartbeat           = $2,
			last_used_at             = $2,
			status                   = 'online',
			name                     = COALESCE($3, name),
			discovered_devices_count = COALESCE($4, discovered_devices_count),
			system_info              = COALESCE($5, system_info),
			updated_at               = $2
		WHERE id = $1`,
		id, now, hb.Name, count, sysInfo)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return requireRow(res)
}

// CreateAgentWithNetworks inserts the agent row and its network
// bindings in one transaction and returns the new agent id.
func (s *Store) CreateAgentWithNetworks(ctx context.Context, a *Agent, networks []int64) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if id, err = s.InsertAgent(ctx, tx, a); err != nil {
			return err
		}
		return s.InsertAgentNetworks(ctx, tx, id, a.CompanyID, a.OrganizationID, networks)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Network bindings /////////////////////////////////////////////////////

func (s *Store) InsertAgentNetworks(ctx context.Context, tx *sqlx.Tx, agentID, companyID, orgID int64, networks []int64) error {
	for _, nid := range networks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_network_access (agent_id, network_id, company_id, organization_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent_id, network_id) DO NOTHING`,
			agentID, nid, companyID, orgID); err != nil {
			return fmt.Errorf("insert agent network binding: %w", err)
		}
	}
	return nil
}

func (s *Store) AgentNetworkIDs(ctx context.Context, agentID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT network_id FROM agent_network_access WHERE agent_id = $1 ORDER BY network_id`, agentID)
	return ids, err
}

// SelectDispatchAgents is the selection query every dispatch path uses:
// agents bound to the network whose token is active and whose heartbeat
// is at least as fresh as heartbeatAfter, ordered by id for
// deterministic tie-breaking.
func (s *Store) SelectDispatchAgents(ctx context.Context, networkID int64, heartbeatAfter time.Time) ([]Agent, error) {
	var as []Agent
	err := s.db.SelectContext(ctx, &as, `
		SELECT a.`+joinedAgentColumns()+`
		FROM agents a
		JOIN agent_network_access b ON b.agent_id = a.id
		WHERE b.network_id = $1
		  AND a.token_status = 'active'
		  AND a.last_heartbeat IS NOT NULL
		  AND a.last_heartbeat >= $2
		ORDER BY a.id`,
		networkID, heartbeatAfter)
	return as, err
}

func joinedAgentColumns() string {
	// The dispatch query selects through the alias "a".
	const sep = ", a."
	out := ""
	cols := []string{
		"id", "name", "description", "company_id", "organization_id",
		"token_fingerprint", "token_prefix", "token_status", "capabilities",
		"version", "status", "last_heartbeat", "last_used_at", "last_ip",
		"discovered_devices_count", "system_info", "issued_at", "rotated_at",
		"revoked_at", "expires_at", "created_by", "created_at", "updated_at",
	}
	for i, c := range cols {
		if i > 0 {
			out += sep
		}
		out += c
	}
	return out
}

// Audit ////////////////////////////////////////////////////////////////

func (s *Store) AppendTokenAudit(ctx context.Context, e *TokenAuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_token_audit (agent_id, event_type, timestamp, user_id, ip_address, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.AgentID, e.EventType, e.Timestamp, e.UserID, e.IPAddress, e.Details)
	if err != nil {
		return fmt.Errorf("append token audit: %w", err)
	}
	return nil
}

func (s *Store) ListTokenAudit(ctx context.Context, agentID int64, limit int) ([]TokenAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var es []TokenAuditEntry
	err := s.db.SelectContext(ctx, &es, `
		SELECT id, agent_id, event_type, timestamp, user_id, ip_address, details
		FROM agent_token_audit WHERE agent_id = $1
		ORDER BY timestamp DESC, id DESC LIMIT $2`,
		agentID, limit)
	return es, err
}

// Organizations and networks (read-only) ///////////////////////////////

func (s *Store) GetNetwork(ctx context.Context, id int64) (*Network, error) {
	var n Network
	err := s.db.GetContext(ctx, &n,
		`SELECT id, name, organization_id FROM networks WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (s *Store) ListNetworksByOrganization(ctx context.Context, orgID int64) ([]Network, error) {
	var ns []Network
	err := s.db.SelectContext(ctx, &ns,
		`SELECT id, name, organization_id FROM networks WHERE organization_id = $1 ORDER BY id`, orgID)
	return ns, err
}

func (s *Store) ListOrganizationsByCompany(ctx context.Context, companyID int64) ([]Organization, error) {
	var os []Organization
	err := s.db.SelectContext(ctx, &os, `
		SELECT o.id, o.name, o.owner_id
		FROM organizations o
		JOIN users u ON u.id = o.owner_id
		WHERE u.company_id = $1
		ORDER BY o.id`, companyID)
	return os, err
}

// OrganizationOwner resolves the user owning an organization. Devices
// reconciled into that organization's networks are attributed to them.
func (s *Store) OrganizationOwner(ctx context.Context, orgID int64) (int64, error) {
	var ownerID int64
	err := s.db.GetContext(ctx, &ownerID,
		`SELECT owner_id FROM organizations WHERE id = $1`, orgID)
	if err != nil {
		return 0, notFound(err)
	}
	return ownerID, nil
}

// OrganizationOwnerCompany resolves the tenant owning an organization
// through its owner user.
func (s *Store) OrganizationOwnerCompany(ctx context.Context, orgID int64) (int64, error) {
	var companyID int64
	err := s.db.GetContext(ctx, &companyID, `
		SELECT u.company_id FROM organizations o
		JOIN users u ON u.id = o.owner_id
		WHERE o.id = $1`, orgID)
	if err != nil {
		return 0, notFound(err)
	}
	return companyID, nil
}

// CountNetworksInOrganization reports how many of the given networks
// belong to the organization; registration uses it to reject mixed sets.
func (s *Store) CountNetworksInOrganization(ctx context.Context, orgID int64, networks []int64) (int, error) {
	if len(networks) == 0 {
		return 0, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM networks
		WHERE organization_id = $1 AND id = ANY($2)`,
		orgID, pq.Array(networks))
	return n, err
}

func requireRow(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
