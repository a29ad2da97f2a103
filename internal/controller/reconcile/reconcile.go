// Package reconcile folds agent discovery results into the device
// inventory. Each reported device is applied in its own transaction so
// a malformed entry cannot poison the rest of a batch.
package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/jmoiron/sqlx"

	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/token"
)

// ReportedDevice is one device as an agent saw it.
type ReportedDevice struct {
	IP           string           `json:"ip"`
	Hostname     string           `json:"hostname,omitempty"`
	Description  string           `json:"description,omitempty"`
	Vendor       string           `json:"vendor,omitempty"`
	Model        string           `json:"model,omitempty"`
	Type         string           `json:"type,omitempty"`
	Platform     string           `json:"platform,omitempty"`
	OSVersion    string           `json:"os_version,omitempty"`
	SerialNumber string           `json:"serial_number,omitempty"`
	Location     string           `json:"location,omitempty"`
	Uptime       string           `json:"uptime,omitempty"`
	PingStatus   bool             `json:"ping_status"`
	SNMPStatus   bool             `json:"snmp_status"`
	SSHStatus    bool             `json:"ssh_status"`
	SNMPConfig   database.JSONMap `json:"snmp_config,omitempty"`
	HealthData   database.JSONMap `json:"health_data,omitempty"`
}

// StatusReport is the outcome of one probe from a status_test job.
type StatusReport struct {
	IP         string `json:"ip"`
	PingStatus bool   `json:"ping_status"`
	SNMPStatus bool   `json:"snmp_status"`
	SSHStatus  bool   `json:"ssh_status"`
}

// Outcome summarizes a reconciled batch.
type Outcome struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

type Reconciler struct {
	db    *database.Store
	clock func() time.Time
}

func NewReconciler(db *database.Store) *Reconciler {
	return &Reconciler{db: db, clock: time.Now}
}

// SetClock replaces the time source, for tests.
func (r *Reconciler) SetClock(clock func() time.Time) {
	r.clock = clock
}

// ReconcileBatch applies a batch of discovery results to the inventory
// for one network. Re-applying the same batch is idempotent: the second
// pass updates the rows the first pass created. The method column only
// moves forward, so an operator-entered device keeps its enriched data
// but is marked as confirmed by discovery.
func (r *Reconciler) ReconcileBatch(ctx context.Context, p *token.Principal, networkID int64, method string, devices []ReportedDevice) (*Outcome, error) {
	ownerID, err := r.db.OrganizationOwner(ctx, p.OrganizationID)
	if err != nil {
		return nil, err
	}
	now := r.clock().UTC()
	out := &Outcome{}
	for i := range devices {
		d := &devices[i]
		if d.IP == "" {
			out.Skipped++
			continue
		}
		created, err := r.applyDevice(ctx, p, networkID, ownerID, method, d, now)
		if err != nil {
			dlog.Errorf(ctx, "failed to reconcile device %s on network %d: %v", d.IP, networkID, err)
			out.Skipped++
			continue
		}
		if created {
			out.Created++
		} else {
			out.Updated++
		}
	}
	dlog.Infof(ctx, "reconciled %d device(s) on network %d: %d created, %d updated, %d skipped",
		len(devices), networkID, out.Created, out.Updated, out.Skipped)
	return out, nil
}

func (r *Reconciler) applyDevice(ctx context.Context, p *token.Principal, networkID, ownerID int64, method string, rep *ReportedDevice, now time.Time) (created bool, err error) {
	vendor, model := rep.Vendor, rep.Model
	if vendor == "" || model == "" {
		v, m := vendorModelFromDescription(rep.Description)
		if vendor == "" {
			vendor = v
		}
		if model == "" {
			model = m
		}
	}
	err = r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := r.db.GetDeviceByNetworkIP(ctx, tx, networkID, rep.IP)
		var deviceID int64
		switch {
		case err == nil:
			merged := mergeDevice(existing, rep, method, now)
			if err := r.db.UpdateDevice(ctx, tx, merged); err != nil {
				return err
			}
			deviceID = existing.ID
		case err == database.ErrNotFound:
			d := &database.Device{
				IP:              rep.IP,
				NetworkID:       networkID,
				CompanyID:       p.CompanyID,
				OwnerID:         ownerID,
				Name:            firstNonEmpty(rep.Hostname, rep.IP),
				Type:            firstNonEmpty(rep.Type, "unknown"),
				Platform:        rep.Platform,
				OSVersion:       rep.OSVersion,
				SerialNumber:    rep.SerialNumber,
				Location:        rep.Location,
				PingStatus:      rep.PingStatus,
				SNMPStatus:      rep.SNMPStatus,
				SSHStatus:       rep.SSHStatus,
				DiscoveryMethod: method,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if deviceID, err = r.db.InsertDevice(ctx, tx, d); err != nil {
				return err
			}
			created = true
		default:
			return err
		}

		if cfg := snmpConfigFromMap(deviceID, rep.SNMPConfig); cfg != nil {
			if err := r.db.UpsertSNMPConfig(ctx, tx, cfg); err != nil {
				return err
			}
		}
		topo := &database.DeviceTopology{
			DeviceID:   deviceID,
			NetworkID:  networkID,
			Hostname:   firstNonEmpty(rep.Hostname, rep.IP),
			Vendor:     vendor,
			Model:      model,
			Uptime:     ParseUptime(rep.Uptime),
			LastPolled: &now,
			HealthData: rep.HealthData,
		}
		if topo.HealthData == nil {
			topo.HealthData = database.JSONMap{}
		}
		return r.db.UpsertTopology(ctx, tx, topo)
	})
	return created, err
}

// mergeDevice folds the report into the stored row. Reported fields win
// when non-empty; the method column only upgrades away from manual.
func mergeDevice(existing *database.Device, rep *ReportedDevice, method string, now time.Time) *database.Device {
	d := *existing
	if rep.Hostname != "" {
		d.Name = rep.Hostname
	}
	if rep.Type != "" {
		d.Type = rep.Type
	}
	if rep.Platform != "" {
		d.Platform = rep.Platform
	}
	if rep.OSVersion != "" {
		d.OSVersion = rep.OSVersion
	}
	if rep.SerialNumber != "" {
		d.SerialNumber = rep.SerialNumber
	}
	if rep.Location != "" {
		d.Location = rep.Location
	}
	d.PingStatus = rep.PingStatus
	d.SNMPStatus = rep.SNMPStatus
	d.SSHStatus = rep.SSHStatus
	if d.DiscoveryMethod == database.MethodManual && method != database.MethodManual {
		d.DiscoveryMethod = method
	}
	d.UpdatedAt = now
	return &d
}

// ApplyStatusReport persists probe outcomes from a status_test run.
// Probes never create devices; an unknown ip is ignored.
func (r *Reconciler) ApplyStatusReport(ctx context.Context, networkID int64, reports []StatusReport) int {
	now := r.clock().UTC()
	applied := 0
	for _, rep := range reports {
		err := r.db.SetDeviceProbeStatus(ctx, networkID, rep.IP, rep.PingStatus, rep.SNMPStatus, rep.SSHStatus, now)
		switch {
		case err == nil:
			applied++
		case err == database.ErrNotFound:
			dlog.Debugf(ctx, "probe result for unknown device %s on network %d", rep.IP, networkID)
		default:
			dlog.Errorf(ctx, "failed to store probe result for %s on network %d: %v", rep.IP, networkID, err)
		}
	}
	return applied
}

func snmpConfigFromMap(deviceID int64, m database.JSONMap) *database.DeviceSNMPConfig {
	if len(m) == 0 {
		return nil
	}
	cfg := &database.DeviceSNMPConfig{DeviceID: deviceID, SNMPVersion: "v2c", Port: 161}
	if v, ok := m["version"].(string); ok && v != "" {
		cfg.SNMPVersion = v
	}
	setOpt := func(key string, dst **string) {
		if v, ok := m[key].(string); ok && v != "" {
			s := v
			*dst = &s
		}
	}
	setOpt("community", &cfg.Community)
	setOpt("username", &cfg.Username)
	setOpt("auth_protocol", &cfg.AuthProtocol)
	setOpt("auth_password", &cfg.AuthPassword)
	setOpt("priv_protocol", &cfg.PrivProtocol)
	setOpt("priv_password", &cfg.PrivPassword)
	if v, ok := m["port"].(float64); ok && v > 0 {
		cfg.Port = int(v)
	}
	return cfg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// vendorModelFromDescription guesses vendor and model family from an
// SNMP system description.
func vendorModelFromDescription(desc string) (vendor, model string) {
	d := strings.ToLower(desc)
	switch {
	case strings.Contains(d, "cisco"):
		vendor = "Cisco"
		switch {
		case strings.Contains(d, "catalyst"):
			model = "Catalyst"
		case strings.Contains(d, "nexus"), strings.Contains(d, "nx-os"):
			model = "Nexus"
		case strings.Contains(d, "ios xr"), strings.Contains(d, "ios-xr"):
			model = "IOS XR"
		case strings.Contains(d, "ios xe"), strings.Contains(d, "ios-xe"):
			model = "IOS XE"
		case strings.Contains(d, "ios"):
			model = "IOS"
		default:
			model = "Unknown"
		}
	case strings.Contains(d, "juniper"), strings.Contains(d, "junos"):
		vendor = "Juniper"
		switch {
		case strings.Contains(d, "srx"):
			model = "SRX"
		case strings.Contains(d, "mx"):
			model = "MX"
		case strings.Contains(d, "ex"):
			model = "EX"
		default:
			model = "Junos"
		}
	case strings.Contains(d, "aruba"):
		vendor = "HPE"
		model = "Aruba"
	case strings.Contains(d, "procurve"):
		vendor = "HPE"
		model = "ProCurve"
	case strings.Contains(d, "hewlett"), strings.Contains(d, "hpe"), strings.Contains(d, "hp "):
		vendor = "HPE"
		model = "Unknown"
	case strings.Contains(d, "dell"):
		vendor = "Dell"
		switch {
		case strings.Contains(d, "powerconnect"):
			model = "PowerConnect"
		case strings.Contains(d, "force10"):
			model = "Force10"
		default:
			model = "Unknown"
		}
	case strings.Contains(d, "arista"):
		vendor = "Arista"
		model = "EOS"
	case strings.Contains(d, "mikrotik"), strings.Contains(d, "routeros"):
		vendor = "MikroTik"
		model = "RouterOS"
	default:
		vendor = "Unknown"
		model = "Unknown"
	}
	return vendor, model
}

// ParseUptime converts an agent-reported uptime like "3d 4h 5m 6s" to
// seconds. A bare integer is taken as seconds already. Unparseable
// input yields zero.
func ParseUptime(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var total, cur int64
	sawUnit := false
	sawDigit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			cur = cur*10 + int64(c-'0')
			sawDigit = true
		case c == 'd':
			total += cur * 86400
			cur = 0
			sawUnit = true
		case c == 'h':
			total += cur * 3600
			cur = 0
			sawUnit = true
		case c == 'm':
			total += cur * 60
			cur = 0
			sawUnit = true
		case c == 's':
			total += cur
			cur = 0
			sawUnit = true
		case c == ' ':
		default:
			return 0
		}
	}
	if !sawDigit {
		return 0
	}
	if !sawUnit {
		return cur
	}
	return total + cur
}
