package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lezzur/lime-sync-core/internal/bootstrap"
	"github.com/lezzur/lime-sync-core/internal/restapi/controllers"
	"github.com/lezzur/lime-sync-core/internal/restapi/routes"
	"github.com/lezzur/lime-sync-core/internal/restapi/services"
)

// runServer blocks serving the sync REST API until ctx is cancelled.
func runServer(ctx context.Context, a *bootstrap.App, addr string) error {
	ctrl := controllers.NewSyncController(services.NewSyncService(a.Engine))
	r := mux.NewRouter()
	routes.Register(r, ctrl, a.Log)

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	a.Log.WithField("addr", addr).Info("lime serve listening")

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
