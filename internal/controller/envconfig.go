package controller

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Env is the controller's environment-driven configuration.
type Env struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	// An agent is online while its last heartbeat is within
	// OnlineThreshold. DispatchWindow is the wider pre-filter the
	// dispatch query applies before the in-memory check.
	OnlineThreshold time.Duration `env:"AGENT_ONLINE_THRESHOLD,default=60s"`
	DispatchWindow  time.Duration `env:"AGENT_DISPATCH_WINDOW,default=5m"`
	SweepInterval   time.Duration `env:"STATUS_SWEEP_INTERVAL,default=180s"`

	// Finished discovery sessions stay queryable for this long before
	// the sweeper prunes them.
	SessionPruneAge time.Duration `env:"SESSION_PRUNE_AGE,default=24h"`

	// Standalone deployments authenticate operators with a single
	// static credential. Production fronts this with the identity
	// service instead.
	OperatorToken     string `env:"OPERATOR_TOKEN"`
	OperatorUserID    int64  `env:"OPERATOR_USER_ID,default=1"`
	OperatorCompanyID int64  `env:"OPERATOR_COMPANY_ID,default=1"`
	OperatorRole      string `env:"OPERATOR_ROLE,default=company_admin"`
}

// LoadEnv reads the configuration from the process environment.
func LoadEnv(ctx context.Context) (*Env, error) {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
