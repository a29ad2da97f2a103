// Package authz authorizes the operator-facing API. Agents carry their
// own bearer tokens; human callers are resolved to a User through an
// Oracle, which in production fronts the identity service and in tests
// or standalone deployments is a static table.
package authz

import (
	"context"
	"errors"

	"github.com/netfleet/netfleet/internal/controller/database"
)

var (
	ErrUnauthenticated = errors.New("missing or invalid credentials")
	ErrForbidden       = errors.New("operation not permitted for this role")
)

// User is an authenticated operator.
type User struct {
	ID        int64
	Role      string
	CompanyID int64
}

const (
	RoleSuperAdmin   = "superadmin"
	RoleCompanyAdmin = "company_admin"
	RoleFullControl  = "full_control"
	RoleEngineer     = "engineer"
	RoleViewer       = "viewer"
)

// Oracle resolves a bearer credential to a user.
type Oracle interface {
	Resolve(ctx context.Context, credential string) (*User, error)
}

// StaticOracle maps fixed credentials to users. It backs standalone
// deployments and tests.
type StaticOracle struct {
	users map[string]User
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{users: map[string]User{}}
}

func (o *StaticOracle) Add(credential string, u User) {
	o.users[credential] = u
}

func (o *StaticOracle) Resolve(_ context.Context, credential string) (*User, error) {
	u, ok := o.users[credential]
	if !ok {
		return nil, ErrUnauthenticated
	}
	cp := u
	return &cp, nil
}

// CanManageAgents reports whether the user may register agents and
// mutate token lifecycle state. Engineers and viewers read the fleet
// but never change it.
func CanManageAgents(u *User) bool {
	switch u.Role {
	case RoleSuperAdmin, RoleCompanyAdmin, RoleFullControl:
		return true
	}
	return false
}

// SameCompany enforces tenancy. Superadmins cross company boundaries.
func SameCompany(u *User, companyID int64) bool {
	if u.Role == RoleSuperAdmin {
		return true
	}
	return u.CompanyID == companyID
}

// CheckAgentAccess verifies the user may act on the given agent.
func CheckAgentAccess(u *User, agent *database.Agent) error {
	if !SameCompany(u, agent.CompanyID) {
		return ErrForbidden
	}
	return nil
}
