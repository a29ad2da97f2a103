package state

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netfleet/netfleet/internal/controller/database"
)

// Session lifecycle states. A session starts pending, moves to running
// on the first agent signal, and a failed or cancelled session passes
// through retrying when it is re-dispatched.
const (
	SessionPending   = "pending"
	SessionRunning   = "running"
	SessionRetrying  = "retrying"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Per-agent states within a session.
const (
	AgentAssigned  = "assigned"
	AgentRunning   = "running"
	AgentCompleted = "completed"
	AgentFailed    = "failed"
)

// Session sources; the source becomes the session id prefix.
const (
	SourceManual     = "discovery"
	SourceBackground = "background_status"
	SourceRefresh    = "topology_refresh"
)

// ErrSessionTerminal rejects progress for a session that already
// reached a final state.
var ErrSessionTerminal = errors.New("session is in a terminal state")

// defaultRetention is how long a terminal session stays queryable
// before the pruner drops it.
const defaultRetention = 24 * time.Hour

// AgentProgress is one agent's share of a session.
type AgentProgress struct {
	Status       string `json:"status"`
	ProcessedIPs int    `json:"processed_ips"`
	DevicesFound int    `json:"devices_found"`
	Message      string `json:"message,omitempty"`
}

// ProgressReport is what an agent tells the tracker about its share.
type ProgressReport struct {
	Status       string
	ProcessedIPs int
	Discovered   []string
	Errors       []string
	Message      string
}

// Session tracks one discovery run across its assigned agents.
type Session struct {
	ID                string                   `json:"session_id"`
	Source            string                   `json:"source"`
	NetworkID         int64                    `json:"network_id"`
	Targets           []string                 `json:"targets,omitempty"`
	SNMPConfig        database.JSONMap         `json:"snmp_config,omitempty"`
	Status            string                   `json:"status"`
	Agents            map[int64]*AgentProgress `json:"agents"`
	TotalIPs          int                      `json:"total_ips"`
	ProcessedIPs      int                      `json:"processed_ips"`
	DiscoveredDevices []string                 `json:"discovered_devices"`
	Errors            []string                 `json:"errors"`
	RetryCount        int                      `json:"retry_count"`
	RetryAt           *time.Time               `json:"retry_at,omitempty"`
	CreatedBy         *int64                   `json:"created_by,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	CompletedAt       *time.Time               `json:"completed_at,omitempty"`
}

func (s *Session) terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// Progress is the session's percentage: processed addresses over the
// total, rounded.
func (s *Session) Progress() int {
	if s.TotalIPs <= 0 {
		if s.Status == SessionCompleted {
			return 100
		}
		return 0
	}
	p := int(math.Round(100 * float64(s.ProcessedIPs) / float64(s.TotalIPs)))
	if p > 100 {
		p = 100
	}
	return p
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Agents = make(map[int64]*AgentProgress, len(s.Agents))
	for id, a := range s.Agents {
		ap := *a
		cp.Agents[id] = &ap
	}
	cp.Targets = append([]string(nil), s.Targets...)
	cp.DiscoveredDevices = append([]string(nil), s.DiscoveredDevices...)
	cp.Errors = append([]string(nil), s.Errors...)
	return &cp
}

// Tracker owns every live and recently finished session.
type Tracker struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	retention time.Duration
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions:  make(map[string]*Session),
		retention: defaultRetention,
	}
}

// SetRetention overrides how long terminal sessions stay queryable.
func (t *Tracker) SetRetention(d time.Duration) {
	if d > 0 {
		t.retention = d
	}
}

// NewSessionID builds an id like "discovery_1a2b3c4d".
func NewSessionID(source string) string {
	return fmt.Sprintf("%s_%s", source, uuid.NewString()[:8])
}

// Create registers a pending session covering the given agents. It
// moves to running when the first agent acknowledges or reports.
func (t *Tracker) Create(source string, networkID int64, agentIDs []int64, targets []string, totalIPs int, snmp database.JSONMap, createdBy *int64, now time.Time) *Session {
	s := &Session{
		ID:                NewSessionID(source),
		Source:            source,
		NetworkID:         networkID,
		Targets:           append([]string(nil), targets...),
		SNMPConfig:        snmp,
		Status:            SessionPending,
		Agents:            make(map[int64]*AgentProgress, len(agentIDs)),
		TotalIPs:          totalIPs,
		DiscoveredDevices: []string{},
		Errors:            []string{},
		CreatedBy:         createdBy,
		StartedAt:         now,
	}
	for _, id := range agentIDs {
		s.Agents[id] = &AgentProgress{Status: AgentAssigned}
	}
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
	return s.clone()
}

// Get returns a copy of the session, or nil.
func (t *Tracker) Get(sessionID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.clone()
}

// ListActive returns sessions that have not reached a terminal state,
// optionally scoped to a network.
func (t *Tracker) ListActive(networkID int64) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Session
	for _, s := range t.sessions {
		if s.terminal() {
			continue
		}
		if networkID != 0 && s.NetworkID != networkID {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// UpdateProgress applies an agent's report. Processed counts never
// move backwards; discovered addresses and errors accumulate. The
// first report moves a pending or retrying session to running, and
// once every agent has finished the session moves to completed, or to
// failed when no agent succeeded.
func (t *Tracker) UpdateProgress(sessionID string, agentID int64, rep ProgressReport, now time.Time) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	if s.terminal() {
		return nil, ErrSessionTerminal
	}
	if s.Status == SessionPending || s.Status == SessionRetrying {
		s.Status = SessionRunning
	}
	a, ok := s.Agents[agentID]
	if !ok {
		a = &AgentProgress{Status: AgentAssigned}
		s.Agents[agentID] = a
	}
	if rep.ProcessedIPs > a.ProcessedIPs {
		s.ProcessedIPs += rep.ProcessedIPs - a.ProcessedIPs
		a.ProcessedIPs = rep.ProcessedIPs
	}
	for _, ip := range rep.Discovered {
		if !contains(s.DiscoveredDevices, ip) {
			s.DiscoveredDevices = append(s.DiscoveredDevices, ip)
			a.DevicesFound++
		}
	}
	s.Errors = append(s.Errors, rep.Errors...)
	if rep.Status != "" {
		a.Status = rep.Status
	}
	if rep.Message != "" {
		a.Message = rep.Message
	}
	t.finishIfDone(s, now)
	return s.clone(), nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// finishIfDone promotes the session to a terminal state once every
// agent is done. Caller holds the lock.
func (t *Tracker) finishIfDone(s *Session, now time.Time) {
	done := true
	anyCompleted := false
	for _, a := range s.Agents {
		switch a.Status {
		case AgentCompleted:
			anyCompleted = true
		case AgentFailed:
		default:
			done = false
		}
	}
	if !done {
		return
	}
	if anyCompleted {
		s.Status = SessionCompleted
	} else {
		s.Status = SessionFailed
	}
	at := now
	s.CompletedAt = &at
}

// Cancel moves a non-terminal session to cancelled. Later progress and
// result reports for it are rejected with ErrSessionTerminal.
func (t *Tracker) Cancel(sessionID string, now time.Time) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	if s.terminal() {
		return nil, ErrSessionTerminal
	}
	s.Status = SessionCancelled
	at := now
	s.CompletedAt = &at
	return s.clone(), nil
}

// Retryable returns the session's original parameters if it can be
// retried. Only failed and cancelled sessions qualify.
func (t *Tracker) Retryable(sessionID string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	if s.Status != SessionFailed && s.Status != SessionCancelled {
		return nil, fmt.Errorf("session %q is %s, only failed or cancelled sessions can be retried", sessionID, s.Status)
	}
	return s.clone(), nil
}

// Retry re-arms a failed or cancelled session in place: the retry
// counter goes up, the status moves to retrying and the given agents
// get a fresh share. Discovered addresses survive the retry; processed
// counts and errors belong to the new attempt and are reset.
func (t *Tracker) Retry(sessionID string, agentIDs []int64, now time.Time) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	if s.Status != SessionFailed && s.Status != SessionCancelled {
		return nil, fmt.Errorf("session %q is %s, only failed or cancelled sessions can be retried", sessionID, s.Status)
	}
	s.RetryCount++
	at := now
	s.RetryAt = &at
	s.Status = SessionRetrying
	s.CompletedAt = nil
	s.ProcessedIPs = 0
	s.Errors = []string{}
	s.Agents = make(map[int64]*AgentProgress, len(agentIDs))
	for _, id := range agentIDs {
		s.Agents[id] = &AgentProgress{Status: AgentAssigned}
	}
	return s.clone(), nil
}

// Prune drops terminal sessions older than the retention window and
// returns how many were removed.
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, s := range t.sessions {
		if s.terminal() && s.CompletedAt != nil && now.Sub(*s.CompletedAt) > t.retention {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}
