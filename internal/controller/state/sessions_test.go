package state

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID(SourceManual)
	parts := strings.Split(id, "_")
	require.Len(t, parts, 2)
	assert.Equal(t, "discovery", parts[0])
	assert.Len(t, parts[1], 8)
	assert.NotEqual(t, id, NewSessionID(SourceManual))
}

func TestCreateStartsPending(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1}, []string{"192.0.2.0/24"}, 254, nil, nil, now)

	assert.Equal(t, SessionPending, s.Status)
	assert.Equal(t, 254, s.TotalIPs)
	assert.Equal(t, 0, s.ProcessedIPs)
	assert.Equal(t, 0, s.RetryCount)
	assert.Empty(t, s.Errors)

	got, err := tr.UpdateProgress(s.ID, 1, ProgressReport{Status: AgentRunning}, now)
	require.NoError(t, err)
	assert.Equal(t, SessionRunning, got.Status, "first agent signal starts the run")
}

func TestProgressFromProcessedOverTotal(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1, 2}, nil, 200, nil, nil, now)

	got, err := tr.UpdateProgress(s.ID, 1, ProgressReport{Status: AgentRunning, ProcessedIPs: 80}, now)
	require.NoError(t, err)
	assert.Equal(t, 80, got.ProcessedIPs)
	assert.Equal(t, 40, got.Progress())

	got, err = tr.UpdateProgress(s.ID, 2, ProgressReport{Status: AgentRunning, ProcessedIPs: 21}, now)
	require.NoError(t, err)
	assert.Equal(t, 101, got.ProcessedIPs)
	assert.Equal(t, 51, got.Progress(), "rounded, not truncated")

	// A late report with a lower count does not move the needle back.
	got, err = tr.UpdateProgress(s.ID, 1, ProgressReport{Status: AgentRunning, ProcessedIPs: 50}, now)
	require.NoError(t, err)
	assert.Equal(t, 101, got.ProcessedIPs)
	assert.Equal(t, 80, got.Agents[1].ProcessedIPs)
}

func TestDiscoveredDevicesAndErrorsAccumulate(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1, 2}, nil, 10, nil, nil, now)

	_, err := tr.UpdateProgress(s.ID, 1, ProgressReport{
		Status:     AgentRunning,
		Discovered: []string{"192.0.2.1", "192.0.2.2"},
		Errors:     []string{"192.0.2.9: snmp timeout"},
	}, now)
	require.NoError(t, err)

	got, err := tr.UpdateProgress(s.ID, 2, ProgressReport{
		Status:     AgentRunning,
		Discovered: []string{"192.0.2.2", "192.0.2.3"},
		Errors:     []string{"192.0.2.10: unreachable"},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}, got.DiscoveredDevices,
		"duplicates reported by two agents count once")
	assert.Len(t, got.Errors, 2)
}

func TestSessionCompletesWhenAllAgentsFinish(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1, 2}, nil, 8, nil, nil, now)

	got, err := tr.UpdateProgress(s.ID, 1, ProgressReport{
		Status:       AgentCompleted,
		ProcessedIPs: 4,
		Discovered:   []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4"},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, SessionRunning, got.Status, "one agent still working")

	got, err = tr.UpdateProgress(s.ID, 2, ProgressReport{
		Status: AgentFailed,
		Errors: []string{"snmp timeout"},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status, "one success is enough")
	require.NotNil(t, got.CompletedAt)
	assert.Len(t, got.DiscoveredDevices, 4)
}

func TestSessionFailsOnlyWhenAllAgentsFail(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1, 2}, nil, 8, nil, nil, now)

	_, err := tr.UpdateProgress(s.ID, 1, ProgressReport{Status: AgentFailed, Errors: []string{"unreachable"}}, now)
	require.NoError(t, err)
	got, err := tr.UpdateProgress(s.ID, 2, ProgressReport{Status: AgentFailed, Errors: []string{"unreachable"}}, now)
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, got.Status)
	assert.Len(t, got.Errors, 2)
}

func TestCancelRejectsLaterProgress(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1}, nil, 8, nil, nil, now)

	_, err := tr.Cancel(s.ID, now)
	require.NoError(t, err)

	_, err = tr.UpdateProgress(s.ID, 1, ProgressReport{Status: AgentRunning, ProcessedIPs: 4}, now)
	assert.ErrorIs(t, err, ErrSessionTerminal)

	_, err = tr.Cancel(s.ID, now)
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestRetryMutatesSessionInPlace(t *testing.T) {
	tr := NewTracker()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1}, []string{"192.0.2.0/28"}, 14, nil, nil, start)

	_, err := tr.Retry(s.ID, []int64{1}, start)
	assert.Error(t, err, "running sessions cannot be retried")

	_, err = tr.UpdateProgress(s.ID, 1, ProgressReport{Status: AgentFailed, Errors: []string{"unreachable"}}, start)
	require.NoError(t, err)
	require.Equal(t, SessionFailed, tr.Get(s.ID).Status)

	later := start.Add(5 * time.Minute)
	got, err := tr.Retry(s.ID, []int64{2}, later)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID, "the session keeps its id")
	assert.Equal(t, SessionRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.RetryAt)
	assert.Equal(t, later, *got.RetryAt)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Errors, "the new attempt starts with a clean slate")
	assert.Equal(t, 0, got.ProcessedIPs)
	require.Contains(t, got.Agents, int64(2))

	got, err = tr.UpdateProgress(s.ID, 2, ProgressReport{Status: AgentRunning, ProcessedIPs: 7}, later)
	require.NoError(t, err)
	assert.Equal(t, SessionRunning, got.Status)
	assert.Equal(t, 50, got.Progress())
}

func TestRetryableRequiresTerminalFailure(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1}, []string{"192.0.2.0/28"}, 14, nil, nil, now)

	_, err := tr.Retryable(s.ID)
	assert.Error(t, err, "pending sessions cannot be retried")

	_, err = tr.Cancel(s.ID, now)
	require.NoError(t, err)
	got, err := tr.Retryable(s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.0/28"}, got.Targets)
	assert.Equal(t, int64(5), got.NetworkID)
}

func TestPruneDropsOldTerminalSessions(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	old := tr.Create(SourceManual, 5, []int64{1}, nil, 8, nil, nil, now)
	_, err := tr.Cancel(old.ID, now)
	require.NoError(t, err)
	live := tr.Create(SourceManual, 5, []int64{1}, nil, 8, nil, nil, now)

	assert.Equal(t, 0, tr.Prune(now.Add(23*time.Hour)))
	assert.Equal(t, 1, tr.Prune(now.Add(25*time.Hour)))
	assert.Nil(t, tr.Get(old.ID))
	assert.NotNil(t, tr.Get(live.ID), "pending sessions are never pruned")
}

func TestPruneHonorsConfiguredRetention(t *testing.T) {
	tr := NewTracker()
	tr.SetRetention(time.Hour)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := tr.Create(SourceManual, 5, []int64{1}, nil, 8, nil, nil, now)
	_, err := tr.Cancel(s.ID, now)
	require.NoError(t, err)

	assert.Equal(t, 0, tr.Prune(now.Add(59*time.Minute)))
	assert.Equal(t, 1, tr.Prune(now.Add(61*time.Minute)))
}

func TestListActiveScopedToNetwork(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := tr.Create(SourceManual, 5, []int64{1}, nil, 8, nil, nil, now)
	tr.Create(SourceManual, 6, []int64{1}, nil, 8, nil, nil, now)

	all := tr.ListActive(0)
	assert.Len(t, all, 2)
	scoped := tr.ListActive(5)
	require.Len(t, scoped, 1)
	assert.Equal(t, a.ID, scoped[0].ID)
}
