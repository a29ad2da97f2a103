package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres")), mock
}

var agentCols = []string{
	"id", "name", "description", "company_id", "organization_id",
	"token_fingerprint", "token_prefix", "token_status", "capabilities",
	"version", "status", "last_heartbeat", "last_used_at", "last_ip",
	"discovered_devices_count", "system_info", "issued_at", "rotated_at",
	"revoked_at", "expires_at", "created_by", "created_at", "updated_at",
}

func agentRow(id int64, name string) []driver.Value {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, name, "", int64(7), int64(3),
		"fp", "prefix12", TokenActive, "{discovery}",
		"1.0.0", StatusOffline, nil, nil, nil,
		0, nil, now, nil,
		nil, nil, int64(42), now, now,
	}
}

func TestGetAgent(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM agents WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(agentCols).AddRow(agentRow(1, "branch-a")...))

	a, err := s.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "branch-a", a.Name)
	assert.Equal(t, []string{"discovery"}, []string(a.Capabilities))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgentNotFound(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM agents WHERE id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetAgent(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetAgentTokenRotationStampsRotatedAt(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE agents SET token_fingerprint = \$2, token_prefix = \$3,\s+token_status = 'active', issued_at = \$4, revoked_at = NULL, updated_at = \$4, rotated_at = \$4 WHERE id = \$1`).
		WithArgs(int64(1), "newfp", "newpref1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SetAgentToken(context.Background(), 1, "newfp", "newpref1", now, true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetTokenStatusMissingAgent(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec(`UPDATE agents SET token_status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetTokenStatus(context.Background(), 99, TokenRevoked, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouchAgentHeartbeat(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	count := 7

	mock.ExpectExec(`UPDATE agents SET`).
		WithArgs(int64(1), now, nil, &count, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.TouchAgentHeartbeat(context.Background(), 1, now, HeartbeatUpdate{DiscoveredCount: &count})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectDispatchAgents(t *testing.T) {
	s, mock := mockStore(t)
	cutoff := time.Date(2024, 5, 1, 11, 55, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT a\.(.+) FROM agents a\s+JOIN agent_network_access b ON b\.agent_id = a\.id`).
		WithArgs(int64(5), cutoff).
		WillReturnRows(sqlmock.NewRows(agentCols).
			AddRow(agentRow(1, "a")...).
			AddRow(agentRow(3, "b")...))

	as, err := s.SelectDispatchAgents(context.Background(), 5, cutoff)
	require.NoError(t, err)
	require.Len(t, as, 2)
	assert.Equal(t, int64(1), as[0].ID)
	assert.Equal(t, int64(3), as[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTokenAudit(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO agent_token_audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendTokenAudit(context.Background(), &TokenAuditEntry{
		AgentID:   1,
		EventType: AuditHeartbeat,
		Timestamp: now,
		Details:   JSONMap{"foo": "bar"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAgentWithNetworksCommits(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO agents`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec(`INSERT INTO agent_network_access`).
		WithArgs(int64(11), int64(10), int64(7), int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := s.CreateAgentWithNetworks(context.Background(), &Agent{
		Name:           "branch-a",
		CompanyID:      7,
		OrganizationID: 3,
		TokenStatus:    TokenActive,
		IssuedAt:       now,
	}, []int64{10})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAgentWithNetworksRollsBack(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO agents`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := s.CreateAgentWithNetworks(context.Background(), &Agent{Name: "x"}, []int64{10})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
