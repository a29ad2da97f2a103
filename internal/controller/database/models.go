package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Token lifecycle states for an agent's current bearer token.
const (
	TokenActive  = "active"
	TokenRevoked = "revoked"
	TokenExpired = "expired"
)

// Derived liveness states. The stored column is a cache; read paths
// always re-derive from last_heartbeat.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Discovery methods, in order of precedence. Once a device has been
// auto-discovered the method never regresses to manual.
const (
	MethodManual  = "manual"
	MethodAuto    = "auto"
	MethodRefresh = "refresh"
)

// JSONMap is a JSONB column holding free-form key/value data.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// Agent is a persisted discovery worker. The raw bearer token is never
// stored; only its SHA-256 fingerprint and an 8-character prefix for
// audit purposes.
type Agent struct {
	ID               int64          `db:"id" json:"id"`
	Name             string         `db:"name" json:"name"`
	Description      string         `db:"description" json:"description"`
	CompanyID        int64          `db:"company_id" json:"company_id"`
	OrganizationID   int64          `db:"organization_id" json:"organization_id"`
	TokenFingerprint string         `db:"token_fingerprint" json:"-"`
	TokenPrefix      string         `db:"token_prefix" json:"token_prefix"`
	TokenStatus      string         `db:"token_status" json:"token_status"`
	Capabilities     pq.StringArray `db:"capabilities" json:"capabilities"`
	Version          string         `db:"version" json:"version"`
	Status           string         `db:"status" json:"status"`
	LastHeartbeat    *time.Time     `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	LastUsedAt       *time.Time     `db:"last_used_at" json:"last_used_at,omitempty"`
	LastIP           *string        `db:"last_ip" json:"last_ip,omitempty"`
	DiscoveredCount  int            `db:"discovered_devices_count" json:"discovered_devices_count"`
	SystemInfo       JSONMap        `db:"system_info" json:"system_info,omitempty"`
	IssuedAt         time.Time      `db:"issued_at" json:"issued_at"`
	RotatedAt        *time.Time     `db:"rotated_at" json:"rotated_at,omitempty"`
	RevokedAt        *time.Time     `db:"revoked_at" json:"revoked_at,omitempty"`
	ExpiresAt        *time.Time     `db:"expires_at" json:"expires_at,omitempty"`
	CreatedBy        int64          `db:"created_by" json:"created_by"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// AgentUpdate carries the mutable agent fields; nil pointers leave the
// column untouched.
type AgentUpdate struct {
	Name         *string
	Description  *string
	Capabilities []string
	Version      *string
}

// HeartbeatUpdate carries the optional fields an agent may include in a
// heartbeat or self-status report.
type HeartbeatUpdate struct {
	Name            *string
	DiscoveredCount *int
	SystemInfo      JSONMap
}

// TokenAuditEntry is one append-only row in the agent token audit log.
type TokenAuditEntry struct {
	ID        int64     `db:"id" json:"id"`
	AgentID   int64     `db:"agent_id" json:"agent_id"`
	EventType string    `db:"event_type" json:"event_type"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	UserID    *int64    `db:"user_id" json:"user_id,omitempty"`
	IPAddress *string   `db:"ip_address" json:"ip_address,omitempty"`
	Details   JSONMap   `db:"details" json:"details"`
}

// Audit event types.
const (
	AuditIssued      = "issued"
	AuditRotated     = "rotated"
	AuditRevoked     = "revoked"
	AuditActivated   = "activated"
	AuditExtended    = "extended"
	AuditHeartbeat   = "heartbeat_received"
	AuditPong        = "pong_received"
	AuditPing        = "ping_received"
	AuditAuthSuccess = "authentication_success"
	AuditAuthFailure = "authentication_failure"
	AuditOrgsAccess  = "organizations_accessed"
	AuditNetsAccess  = "networks_accessed"
	AuditStatus      = "status_updated"
)

// Device is one inventory row, unique per (ip, network_id).
type Device struct {
	ID              int64      `db:"id" json:"id"`
	IP              string     `db:"ip" json:"ip"`
	NetworkID       int64      `db:"network_id" json:"network_id"`
	CompanyID       int64      `db:"company_id" json:"company_id"`
	OwnerID         int64      `db:"owner_id" json:"owner_id"`
	Name            string     `db:"name" json:"name"`
	Type            string     `db:"type" json:"type"`
	Platform        string     `db:"platform" json:"platform"`
	OSVersion       string     `db:"os_version" json:"os_version"`
	SerialNumber    string     `db:"serial_number" json:"serial_number"`
	Location        string     `db:"location" json:"location"`
	PingStatus      bool       `db:"ping_status" json:"ping_status"`
	SNMPStatus      bool       `db:"snmp_status" json:"snmp_status"`
	SSHStatus       bool       `db:"ssh_status" json:"ssh_status"`
	DiscoveryMethod string     `db:"discovery_method" json:"discovery_method"`
	LastStatusCheck *time.Time `db:"last_status_check" json:"last_status_check,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// DeviceSNMPConfig is the one-to-one SNMP credential mirror of a device.
type DeviceSNMPConfig struct {
	ID           int64   `db:"id" json:"id"`
	DeviceID     int64   `db:"device_id" json:"device_id"`
	SNMPVersion  string  `db:"snmp_version" json:"snmp_version"`
	Community    *string `db:"community" json:"-"`
	Username     *string `db:"username" json:"username,omitempty"`
	AuthProtocol *string `db:"auth_protocol" json:"auth_protocol,omitempty"`
	AuthPassword *string `db:"auth_password" json:"-"`
	PrivProtocol *string `db:"priv_protocol" json:"priv_protocol,omitempty"`
	PrivPassword *string `db:"priv_password" json:"-"`
	Port         int     `db:"port" json:"port"`
}

// DeviceTopology is the one-to-one polled-state sibling of a device.
type DeviceTopology struct {
	ID         int64      `db:"id" json:"id"`
	DeviceID   int64      `db:"device_id" json:"device_id"`
	NetworkID  int64      `db:"network_id" json:"network_id"`
	Hostname   string     `db:"hostname" json:"hostname"`
	Vendor     string     `db:"vendor" json:"vendor"`
	Model      string     `db:"model" json:"model"`
	Uptime     int64      `db:"uptime" json:"uptime"`
	LastPolled *time.Time `db:"last_polled" json:"last_polled,omitempty"`
	HealthData JSONMap    `db:"health_data" json:"health_data"`
}

// Network, Organization and User are consumed read-only; the permission
// side of the product owns their lifecycle.
type Network struct {
	ID             int64  `db:"id" json:"id"`
	Name           string `db:"name" json:"name"`
	OrganizationID int64  `db:"organization_id" json:"organization_id"`
}

type Organization struct {
	ID      int64  `db:"id" json:"id"`
	Name    string `db:"name" json:"name"`
	OwnerID int64  `db:"owner_id" json:"owner_id"`
}

type User struct {
	ID        int64  `db:"id" json:"id"`
	Role      string `db:"role" json:"role"`
	CompanyID int64  `db:"company_id" json:"company_id"`
}
