package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const deviceColumns = `id, ip, network_id, company_id, owner_id, name, type,
	platform, os_version, serial_number, location, ping_status, snmp_status,
	ssh_status, discovery_method, last_status_check, created_at, updated_at`

func (s *Store) GetDevice(ctx context.Context, id int64) (*Device, error) {
	var d Device
	err := s.db.GetContext(ctx, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *Store) ListDevicesByNetwork(ctx context.Context, networkID int64) ([]Device, error) {
	var ds []Device
	err := s.db.SelectContext(ctx, &ds,
		`SELECT `+deviceColumns+` FROM devices WHERE network_id = $1 ORDER BY id`, networkID)
	return ds, err
}

// NetworkIDsWithDevices enumerates the networks the background sweeper
// visits: those holding at least one device.
func (s *Store) NetworkIDsWithDevices(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT network_id FROM devices ORDER BY network_id`)
	return ids, err
}

// GetDeviceByNetworkIP resolves the inventory key (network_id, ip)
// inside a reconcile transaction.
func (s *Store) GetDeviceByNetworkIP(ctx context.Context, tx *sqlx.Tx, networkID int64, ip string) (*Device, error) {
	var d Device
	err := tx.GetContext(ctx, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE network_id = $1 AND ip = $2`, networkID, ip)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *Store) InsertDevice(ctx context.Context, tx *sqlx.Tx, d *Device) (int64, error) {
	var id int64
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO devices (ip, network_id, company_id, owner_id, name, type,
			platform, os_version, serial_number, location, ping_status,
			snmp_status, ssh_status, discovery_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING id`,
		d.IP, d.NetworkID, d.CompanyID, d.OwnerID, d.Name, d.Type,
		d.Platform, d.OSVersion, d.SerialNumber, d.Location, d.PingStatus,
		d.SNMPStatus, d.SSHStatus, d.DiscoveryMethod, d.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert device: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateDevice(ctx context.Context, tx *sqlx.Tx, d *Device) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE devices SET name = $2, type = $3, platform = $4, os_version = $5,
			serial_number = $6, location = $7, ping_status = $8, snmp_status = $9,
			ssh_status = $10, discovery_method = $11, updated_at = $12
		WHERE id = $1`,
		d.ID, d.Name, d.Type, d.Platform, d.OSVersion, d.SerialNumber,
		d.Location, d.PingStatus, d.SNMPStatus, d.SSHStatus,
		d.DiscoveryMethod, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

func (s *Store) GetSNMPConfig(ctx context.Context, deviceID int64) (*DeviceSNMPConfig, error) {
	var c DeviceSNMPConfig
	err := s.db.GetContext(ctx, &c, `
		SELECT id, device_id, snmp_version, community, username, auth_protocol,
			auth_password, priv_protocol, priv_password, port
		FROM device_snmp_configs WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) UpsertSNMPConfig(ctx context.Context, tx *sqlx.Tx, c *DeviceSNMPConfig) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO device_snmp_configs (device_id, snmp_version, community,
			username, auth_protocol, auth_password, priv_protocol, priv_password, port)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id) DO UPDATE SET
			snmp_version  = EXCLUDED.snmp_version,
			community     = COALESCE(EXCLUDED.community, device_snmp_configs.community),
			username      = COALESCE(EXCLUDED.username, device_snmp_configs.username),
			auth_protocol = COALESCE(EXCLUDED.auth_protocol, device_snmp_configs.auth_protocol),
			auth_password = COALESCE(EXCLUDED.auth_password, device_snmp_configs.auth_password),
			priv_protocol = COALESCE(EXCLUDED.priv_protocol, device_snmp_configs.priv_protocol),
			priv_password = COALESCE(EXCLUDED.priv_password, device_snmp_configs.priv_password),
			port          = EXCLUDED.port`,
		c.DeviceID, c.SNMPVersion, c.Community, c.Username, c.AuthProtocol,
		c.AuthPassword, c.PrivProtocol, c.PrivPassword, c.Port)
	if err != nil {
		return fmt.Errorf("upsert snmp config: %w", err)
	}
	return nil
}

func (s *Store) UpsertTopology(ctx context.Context, tx *sqlx.Tx, t *DeviceTopology) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO device_topology (device_id, network_id, hostname, vendor,
			model, uptime, last_polled, health_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id) DO UPDATE SET
			hostname    = EXCLUDED.hostname,
			vendor      = EXCLUDED.vendor,
			model       = EXCLUDED.model,
			uptime      = EXCLUDED.uptime,
			last_polled = EXCLUDED.last_polled,
			health_data = EXCLUDED.health_data`,
		t.DeviceID, t.NetworkID, t.Hostname, t.Vendor, t.Model,
		t.Uptime, t.LastPolled, t.HealthData)
	if err != nil {
		return fmt.Errorf("upsert topology: %w", err)
	}
	return nil
}

// SetDeviceProbeStatus records the outcome of a status_test probe.
func (s *Store) SetDeviceProbeStatus(ctx context.Context, networkID int64, ip string, ping, snmp, ssh bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET ping_status = $3, snmp_status = $4, ssh_status = $5,
			last_status_check = $6, updated_at = $6
		WHERE network_id = $1 AND ip = $2`,
		networkID, ip, ping, snmp, ssh, now)
	if err != nil {
		return fmt.Errorf("set device probe status: %w", err)
	}
	return requireRow(res)
}
