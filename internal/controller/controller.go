// Package controller assembles and runs the control plane: database,
// token store, agent registry, dispatch state, reconciler, HTTP server
// and the background status sweeper.
package controller

import (
	"context"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"

	"github.com/netfleet/netfleet/internal/controller/authz"
	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/httpapi"
	"github.com/netfleet/netfleet/internal/controller/reconcile"
	"github.com/netfleet/netfleet/internal/controller/registry"
	"github.com/netfleet/netfleet/internal/controller/state"
	"github.com/netfleet/netfleet/internal/controller/sweeper"
	"github.com/netfleet/netfleet/internal/controller/token"
)

// Main runs the controller until the context is cancelled or a fatal
// error occurs.
func Main(ctx context.Context) error {
	env, err := LoadEnv(ctx)
	if err != nil {
		return err
	}

	store, err := database.Open(ctx, env.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	tokens := token.NewStore(store)
	agents := registry.NewRegistry(store, registry.Config{
		OnlineThreshold: env.OnlineThreshold,
		DispatchWindow:  env.DispatchWindow,
	})
	dispatcher := state.NewDispatcher()
	tracker := state.NewTracker()
	tracker.SetRetention(env.SessionPruneAge)
	inventory := reconcile.NewReconciler(store)

	oracle := authz.NewStaticOracle()
	if env.OperatorToken != "" {
		oracle.Add(env.OperatorToken, authz.User{
			ID:        env.OperatorUserID,
			Role:      env.OperatorRole,
			CompanyID: env.OperatorCompanyID,
		})
		dlog.Infof(ctx, "static operator credential configured for user %d", env.OperatorUserID)
	}

	server := httpapi.NewServer(tokens, agents, inventory, store, oracle, dispatcher, tracker)
	sweep := sweeper.New(store, agents, dispatcher, tracker, env.SweepInterval)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	g.Go("httpd", func(ctx context.Context) error {
		dlog.Infof(ctx, "controller listening on %s", env.ListenAddr)
		sc := &dhttp.ServerConfig{Handler: server.Router()}
		return sc.ListenAndServe(ctx, env.ListenAddr)
	})
	g.Go("sweeper", sweep.Run)
	return g.Wait()
}
