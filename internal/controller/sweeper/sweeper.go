// Package sweeper runs the periodic status sweep: every interval it
// walks the networks holding devices and hands each online agent a
// probe job covering a share of that network's inventory. It also
// prunes finished discovery sessions past their retention window.
package sweeper

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/state"
)

// DB is the slice of the database layer the sweeper needs.
type DB interface {
	NetworkIDsWithDevices(ctx context.Context) ([]int64, error)
	ListDevicesByNetwork(ctx context.Context, networkID int64) ([]database.Device, error)
	GetSNMPConfig(ctx context.Context, deviceID int64) (*database.DeviceSNMPConfig, error)
}

// AgentSelector picks the agents a probe job can be handed to.
type AgentSelector interface {
	SelectForDispatch(ctx context.Context, networkID int64, requested []int64) ([]database.Agent, error)
}

type Sweeper struct {
	db         DB
	agents     AgentSelector
	dispatcher *state.Dispatcher
	tracker    *state.Tracker
	interval   time.Duration
	clock      func() time.Time
}

func New(db DB, agents AgentSelector, dispatcher *state.Dispatcher, tracker *state.Tracker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 180 * time.Second
	}
	return &Sweeper{
		db:         db,
		agents:     agents,
		dispatcher: dispatcher,
		tracker:    tracker,
		interval:   interval,
		clock:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Sweeper) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	dlog.Infof(ctx, "status sweeper running every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. A failure on one network never blocks the
// others.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock().UTC()
	if n := s.tracker.Prune(now); n > 0 {
		dlog.Infof(ctx, "pruned %d finished discovery session(s)", n)
	}
	networks, err := s.db.NetworkIDsWithDevices(ctx)
	if err != nil {
		dlog.Errorf(ctx, "status sweep: failed to list networks: %v", err)
		return
	}
	for _, nid := range networks {
		if err := s.sweepNetwork(ctx, nid, now); err != nil {
			dlog.Errorf(ctx, "status sweep of network %d failed: %v", nid, err)
		}
	}
}

func (s *Sweeper) sweepNetwork(ctx context.Context, networkID int64, now time.Time) error {
	agents, err := s.agents.SelectForDispatch(ctx, networkID, nil)
	if err != nil {
		return err
	}
	// An agent holding user work (discovery, refresh) keeps it. A
	// stale probe job from an earlier pass is replaced by this one.
	idle := agents[:0]
	for _, a := range agents {
		if typ, ok := s.dispatcher.PendingType(a.ID); ok && typ != state.WorkStatusTest {
			continue
		}
		idle = append(idle, a)
	}
	if len(idle) == 0 {
		dlog.Debugf(ctx, "no idle online agent for network %d, skipping sweep", networkID)
		return nil
	}
	devices, err := s.db.ListDevicesByNetwork(ctx, networkID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}
	targets := make([]state.ProbeTarget, len(devices))
	for i := range devices {
		targets[i] = s.probeTarget(ctx, &devices[i])
	}
	sessionID := state.NewSessionID(state.SourceBackground)
	shares := distributeTargets(targets, len(idle))
	for i, share := range shares {
		ips := make([]string, len(share))
		for j := range share {
			ips[j] = share[j].IP
		}
		s.dispatcher.Enqueue(idle[i].ID, state.WorkItem{
			Type:       state.WorkStatusTest,
			SessionID:  sessionID,
			NetworkID:  networkID,
			Targets:    ips,
			Devices:    share,
			EnqueuedAt: now,
		})
	}
	dlog.Debugf(ctx, "queued %s for %d device(s) on network %d across %d agent(s)",
		sessionID, len(targets), networkID, len(shares))
	return nil
}

// probeTarget builds the work payload for one device, including its
// stored SNMP access when it has one.
func (s *Sweeper) probeTarget(ctx context.Context, d *database.Device) state.ProbeTarget {
	t := state.ProbeTarget{
		DeviceID:  d.ID,
		IP:        d.IP,
		Name:      d.Name,
		NetworkID: d.NetworkID,
		CompanyID: d.CompanyID,
	}
	cfg, err := s.db.GetSNMPConfig(ctx, d.ID)
	switch {
	case err == database.ErrNotFound:
	case err != nil:
		dlog.Errorf(ctx, "failed to load snmp config for device %d: %v", d.ID, err)
	default:
		t.SNMP = &state.ProbeSNMP{
			Version:      cfg.SNMPVersion,
			Community:    cfg.Community,
			Username:     cfg.Username,
			AuthProtocol: cfg.AuthProtocol,
			AuthPassword: cfg.AuthPassword,
			PrivProtocol: cfg.PrivProtocol,
			PrivPassword: cfg.PrivPassword,
			Port:         cfg.Port,
		}
	}
	return t
}

// distributeTargets splits the devices round-robin across n shares.
func distributeTargets(targets []state.ProbeTarget, n int) [][]state.ProbeTarget {
	if n <= 0 {
		return nil
	}
	shares := make([][]state.ProbeTarget, n)
	for i, t := range targets {
		shares[i%n] = append(shares[i%n], t)
	}
	var out [][]state.ProbeTarget
	for _, s := range shares {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}
