package database

import (
	"context"
	"fmt"
)

// The controller owns the agent and inventory tables. Networks,
// organizations and users are created if absent so a fresh install can
// come up standalone, but in production they are managed elsewhere.
const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id       BIGSERIAL PRIMARY KEY,
	name     TEXT NOT NULL,
	owner_id BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	role       TEXT NOT NULL,
	company_id BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS networks (
	id              BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL,
	organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS agents (
	id                       BIGSERIAL PRIMARY KEY,
	name                     TEXT NOT NULL,
	description              TEXT NOT NULL DEFAULT '',
	company_id               BIGINT NOT NULL,
	organization_id          BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	token_fingerprint        TEXT NOT NULL UNIQUE,
	token_prefix             TEXT NOT NULL,
	token_status             TEXT NOT NULL DEFAULT 'active',
	capabilities             TEXT[] NOT NULL DEFAULT '{}',
	version                  TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL DEFAULT 'offline',
	last_heartbeat           TIMESTAMPTZ,
	last_used_at             TIMESTAMPTZ,
	last_ip                  TEXT,
	discovered_devices_count INTEGER NOT NULL DEFAULT 0,
	system_info              JSONB,
	issued_at                TIMESTAMPTZ NOT NULL,
	rotated_at               TIMESTAMPTZ,
	revoked_at               TIMESTAMPTZ,
	expires_at               TIMESTAMPTZ,
	created_by               BIGINT NOT NULL,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agent_network_access (
	id              BIGSERIAL PRIMARY KEY,
	agent_id        BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	network_id      BIGINT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
	company_id      BIGINT NOT NULL,
	organization_id BIGINT NOT NULL,
	UNIQUE (agent_id, network_id)
);

CREATE TABLE IF NOT EXISTS agent_token_audit (
	id         BIGSERIAL PRIMARY KEY,
	agent_id   BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	user_id    BIGINT,
	ip_address TEXT,
	details    JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS agent_token_audit_agent_idx ON agent_token_audit (agent_id, timestamp);

CREATE TABLE IF NOT EXISTS devices (
	id                BIGSERIAL PRIMARY KEY,
	ip                TEXT NOT NULL,
	network_id        BIGINT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
	company_id        BIGINT NOT NULL,
	owner_id          BIGINT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL DEFAULT 'unknown',
	platform          TEXT NOT NULL DEFAULT '',
	os_version        TEXT NOT NULL DEFAULT '',
	serial_number     TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	ping_status       BOOLEAN NOT NULL DEFAULT FALSE,
	snmp_status       BOOLEAN NOT NULL DEFAULT FALSE,
	ssh_status        BOOLEAN NOT NULL DEFAULT FALSE,
	discovery_method  TEXT NOT NULL DEFAULT 'manual',
	last_status_check TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (ip, network_id)
);

CREATE TABLE IF NOT EXISTS device_snmp_configs (
	id            BIGSERIAL PRIMARY KEY,
	device_id     BIGINT NOT NULL UNIQUE REFERENCES devices(id) ON DELETE CASCADE,
	snmp_version  TEXT NOT NULL DEFAULT 'v2c',
	community     TEXT,
	username      TEXT,
	auth_protocol TEXT,
	auth_password TEXT,
	priv_protocol TEXT,
	priv_password TEXT,
	port          INTEGER NOT NULL DEFAULT 161
);

CREATE TABLE IF NOT EXISTS device_topology (
	id          BIGSERIAL PRIMARY KEY,
	device_id   BIGINT NOT NULL UNIQUE REFERENCES devices(id) ON DELETE CASCADE,
	network_id  BIGINT NOT NULL,
	hostname    TEXT NOT NULL DEFAULT '',
	vendor      TEXT NOT NULL DEFAULT 'Unknown',
	model       TEXT NOT NULL DEFAULT 'Unknown',
	uptime      BIGINT NOT NULL DEFAULT 0,
	last_polled TIMESTAMPTZ,
	health_data JSONB NOT NULL DEFAULT '{}'
);
`

// EnsureSchema creates any missing tables. Statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
