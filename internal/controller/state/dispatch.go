// Package state holds the controller's volatile coordination state: the
// per-agent pending work table and the discovery session tracker. Both
// are plain mutex-guarded maps; a controller restart forfeits in-flight
// work, which agents recover from by re-polling.
package state

import (
	"sync"
	"time"

	"github.com/netfleet/netfleet/internal/controller/database"
)

// Work types an agent can be asked to perform.
const (
	WorkDiscovery       = "discovery"
	WorkStatusTest      = "status_test"
	WorkTopologyRefresh = "topology_refresh"
)

// ProbeSNMP is the SNMP access an agent needs to test a device. Unlike
// the stored config row it carries the credentials on the wire; the
// work channel is the agent's authenticated poll.
type ProbeSNMP struct {
	Version      string  `json:"version"`
	Community    *string `json:"community,omitempty"`
	Username     *string `json:"username,omitempty"`
	AuthProtocol *string `json:"auth_protocol,omitempty"`
	AuthPassword *string `json:"auth_password,omitempty"`
	PrivProtocol *string `json:"priv_protocol,omitempty"`
	PrivPassword *string `json:"priv_password,omitempty"`
	Port         int     `json:"port,omitempty"`
}

// ProbeTarget is one known device in a status probe job.
type ProbeTarget struct {
	DeviceID  int64      `json:"id"`
	IP        string     `json:"ip"`
	Name      string     `json:"name"`
	NetworkID int64      `json:"network_id"`
	CompanyID int64      `json:"company_id"`
	SNMP      *ProbeSNMP `json:"snmp_config,omitempty"`
}

// WorkItem is one pending assignment for an agent.
type WorkItem struct {
	Type       string           `json:"type"`
	SessionID  string           `json:"session_id,omitempty"`
	NetworkID  int64            `json:"network_id"`
	Targets    []string         `json:"targets,omitempty"`
	Devices    []ProbeTarget    `json:"devices,omitempty"`
	SNMPConfig database.JSONMap `json:"snmp_config,omitempty"`
	DeviceID   int64            `json:"device_id,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Dispatcher is the pending work table. Each agent holds at most one
// item; enqueueing over an unclaimed item replaces it.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[int64]*WorkItem
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{pending: make(map[int64]*WorkItem)}
}

// Enqueue assigns work to an agent, replacing whatever was pending.
func (d *Dispatcher) Enqueue(agentID int64, item WorkItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[agentID] = &item
}

// Poll returns the agent's pending work, or nil. Probe work is consumed
// by the poll itself; discovery and refresh work stays pending until the
// agent acknowledges it, so a crash between poll and start does not
// lose the assignment.
func (d *Dispatcher) Poll(agentID int64) *WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.pending[agentID]
	if !ok {
		return nil
	}
	cp := *item
	if item.Type == WorkStatusTest {
		delete(d.pending, agentID)
	}
	return &cp
}

// Acknowledge removes the agent's pending item once the agent has
// confirmed starting it. The session must match what is pending; a
// stale ack for an already-replaced item is ignored.
func (d *Dispatcher) Acknowledge(agentID int64, sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.pending[agentID]
	if !ok || item.SessionID != sessionID {
		return false
	}
	delete(d.pending, agentID)
	return true
}

// CancelSession drops every pending item belonging to the session and
// returns the agents that still held one.
func (d *Dispatcher) CancelSession(sessionID string) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var agents []int64
	for agentID, item := range d.pending {
		if item.SessionID == sessionID {
			delete(d.pending, agentID)
			agents = append(agents, agentID)
		}
	}
	return agents
}

// PendingType returns the type of the agent's queued work, if any.
func (d *Dispatcher) PendingType(agentID int64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.pending[agentID]
	if !ok {
		return "", false
	}
	return item.Type, true
}
