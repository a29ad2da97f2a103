// Package token owns the agent bearer-token lifecycle: issuance,
// authentication, rotation, revocation and the append-only audit trail.
// Raw tokens exist only in transit; the store keeps a SHA-256
// fingerprint plus an 8-character prefix for forensics.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/netfleet/netfleet/internal/controller/database"
)

const (
	// Length of a freshly issued token. Anything shorter than
	// MinLength never authenticates, so malformed input is rejected
	// before touching the database.
	Length    = 32
	MinLength = 16

	alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	prefixLength = 8
)

var (
	ErrInvalid       = errors.New("token does not resolve to an agent")
	ErrRevoked       = errors.New("token is revoked")
	ErrExpired       = errors.New("token is expired")
	ErrAlreadyActive = errors.New("token is already active")
)

// Principal is the authenticated identity handed to handlers after a
// successful token check.
type Principal struct {
	AgentID        int64
	Name           string
	CompanyID      int64
	OrganizationID int64
	Capabilities   []string
	NetworkIDs     []int64
}

// DB is the slice of the database layer the token store needs.
type DB interface {
	GetAgent(ctx context.Context, id int64) (*database.Agent, error)
	GetAgentByTokenFingerprint(ctx context.Context, fingerprint string) (*database.Agent, error)
	SetAgentToken(ctx context.Context, id int64, fingerprint, prefix string, now time.Time, rotated bool) error
	SetTokenStatus(ctx context.Context, id int64, status string, now time.Time) error
	SetTokenExpiry(ctx context.Context, id int64, expiresAt time.Time) error
	TouchAgentAuth(ctx context.Context, id int64, now time.Time, ip string) error
	AgentNetworkIDs(ctx context.Context, agentID int64) ([]int64, error)
	AppendTokenAudit(ctx context.Context, e *database.TokenAuditEntry) error
}

type Store struct {
	db    DB
	clock func() time.Time
}

func NewStore(db DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// SetClock replaces the time source, for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Generate returns a fresh token of the given length drawn from the
// alphanumeric alphabet using crypto/rand.
func Generate(length int) (string, error) {
	if length < MinLength {
		length = Length
	}
	buf := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

// Fingerprint is the stable stored form of a token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Prefix is the only fragment of a token that ever reaches a log or
// audit row.
func Prefix(token string) string {
	if len(token) <= prefixLength {
		return token
	}
	return token[:prefixLength]
}

func validFormat(token string) bool {
	if len(token) < MinLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// Issue installs a brand-new token on the agent and returns the raw
// value. This is the only time the caller ever sees it.
func (s *Store) Issue(ctx context.Context, agentID int64, actor *int64) (string, error) {
	return s.install(ctx, agentID, actor, false)
}

// Rotate issues a replacement token and retires the previous one in the
// same row update, so the old token cannot authenticate once this
// returns. The audit row records the prefixes of both.
func (s *Store) Rotate(ctx context.Context, agentID int64, actor *int64) (string, error) {
	return s.install(ctx, agentID, actor, true)
}

func (s *Store) install(ctx context.Context, agentID int64, actor *int64, rotate bool) (string, error) {
	now := s.clock().UTC()
	var oldPrefix string
	if rotate {
		agent, err := s.db.GetAgent(ctx, agentID)
		if err != nil {
			return "", err
		}
		oldPrefix = agent.TokenPrefix
	}
	raw, err := Generate(Length)
	if err != nil {
		return "", err
	}
	if err := s.db.SetAgentToken(ctx, agentID, Fingerprint(raw), Prefix(raw), now, rotate); err != nil {
		return "", err
	}
	if rotate {
		s.audit(ctx, agentID, database.AuditRotated, actor, "", database.JSONMap{
			"old_token_prefix": oldPrefix,
			"new_token_prefix": Prefix(raw),
		})
	} else {
		s.audit(ctx, agentID, database.AuditIssued, actor, "", database.JSONMap{
			"token_prefix": Prefix(raw),
		})
	}
	return raw, nil
}

// Authenticate resolves a presented token to a principal. Failures are
// deliberately coarse (ErrInvalid / ErrRevoked / ErrExpired); the HTTP
// layer collapses them all into one 401 so callers cannot probe token
// state.
func (s *Store) Authenticate(ctx context.Context, presented, clientIP string) (*Principal, error) {
	if !validFormat(presented) {
		return nil, ErrInvalid
	}
	agent, err := s.db.GetAgentByTokenFingerprint(ctx, Fingerprint(presented))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrInvalid
		}
		return nil, err
	}
	now := s.clock().UTC()
	if agent.TokenStatus != database.TokenActive {
		s.audit(ctx, agent.ID, database.AuditAuthFailure, nil, clientIP, database.JSONMap{
			"reason": "token_" + agent.TokenStatus,
		})
		if agent.TokenStatus == database.TokenExpired {
			return nil, ErrExpired
		}
		return nil, ErrRevoked
	}
	if agent.ExpiresAt != nil && agent.ExpiresAt.Before(now) {
		// The stored status catches up with the wall clock on the first
		// authentication attempt past the expiry.
		if err := s.db.SetTokenStatus(ctx, agent.ID, database.TokenExpired, now); err != nil {
			dlog.Errorf(ctx, "failed to mark token of agent %d expired: %v", agent.ID, err)
		}
		s.audit(ctx, agent.ID, database.AuditAuthFailure, nil, clientIP, database.JSONMap{
			"reason": "token_expired",
		})
		return nil, ErrExpired
	}
	if err := s.db.TouchAgentAuth(ctx, agent.ID, now, clientIP); err != nil {
		return nil, err
	}
	networks, err := s.db.AgentNetworkIDs(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, agent.ID, database.AuditAuthSuccess, nil, clientIP, nil)
	return &Principal{
		AgentID:        agent.ID,
		Name:           agent.Name,
		CompanyID:      agent.CompanyID,
		OrganizationID: agent.OrganizationID,
		Capabilities:   agent.Capabilities,
		NetworkIDs:     networks,
	}, nil
}

// Revoke disables the current token. Revoking an already-revoked token
// is a no-op.
func (s *Store) Revoke(ctx context.Context, agentID int64, actor *int64, reason string) error {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.TokenStatus == database.TokenRevoked {
		return nil
	}
	now := s.clock().UTC()
	if err := s.db.SetTokenStatus(ctx, agentID, database.TokenRevoked, now); err != nil {
		return err
	}
	if reason == "" {
		reason = "manual_revocation"
	}
	s.audit(ctx, agentID, database.AuditRevoked, actor, "", database.JSONMap{"reason": reason})
	return nil
}

// Activate re-enables a revoked token without changing its value.
func (s *Store) Activate(ctx context.Context, agentID int64, actor *int64) error {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.TokenStatus == database.TokenActive {
		return ErrAlreadyActive
	}
	now := s.clock().UTC()
	if err := s.db.SetTokenStatus(ctx, agentID, database.TokenActive, now); err != nil {
		return err
	}
	s.audit(ctx, agentID, database.AuditActivated, actor, "", nil)
	return nil
}

// Extend pushes expires_at forward by the given number of days,
// anchoring at now when no expiry was set.
func (s *Store) Extend(ctx context.Context, agentID int64, days int, actor *int64) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, fmt.Errorf("extension must be a positive number of days")
	}
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return time.Time{}, err
	}
	now := s.clock().UTC()
	base := now
	if agent.ExpiresAt != nil && agent.ExpiresAt.After(now) {
		base = agent.ExpiresAt.UTC()
	}
	expires := base.AddDate(0, 0, days)
	if err := s.db.SetTokenExpiry(ctx, agentID, expires); err != nil {
		return time.Time{}, err
	}
	s.audit(ctx, agentID, database.AuditExtended, actor, "", database.JSONMap{
		"days":       days,
		"expires_at": expires.Format(time.RFC3339),
	})
	return expires, nil
}

// RecordEvent appends a lifecycle audit row on behalf of another
// component (heartbeat, pong, organization listing).
func (s *Store) RecordEvent(ctx context.Context, agentID int64, event string, details database.JSONMap) {
	s.audit(ctx, agentID, event, nil, "", details)
}

// audit appends a row; a failure to audit never fails the operation it
// describes.
func (s *Store) audit(ctx context.Context, agentID int64, event string, actor *int64, ip string, details database.JSONMap) {
	var ipArg *string
	if ip != "" {
		ipArg = &ip
	}
	err := s.db.AppendTokenAudit(ctx, &database.TokenAuditEntry{
		AgentID:   agentID,
		EventType: event,
		Timestamp: s.clock().UTC(),
		UserID:    actor,
		IPAddress: ipArg,
		Details:   details,
	})
	if err != nil {
		dlog.Errorf(ctx, "failed to append %s audit for agent %d: %v", event, agentID, err)
	}
}
