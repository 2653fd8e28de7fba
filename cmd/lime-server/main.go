// Command lime-server runs the sync daemon as a long-lived REST service:
// auto-sync in the background plus the HTTP API.
package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lezzur/lime-sync-core/internal/bootstrap"
	"github.com/lezzur/lime-sync-core/internal/restapi/controllers"
	"github.com/lezzur/lime-sync-core/internal/restapi/routes"
	"github.com/lezzur/lime-sync-core/internal/restapi/services"
)

func main() {
	addr := flag.String("addr", ":8088", "address to listen on")
	cfgDir := flag.String("config-dir", "", "directory to search for lime.yaml")
	flag.Parse()

	ctx := context.Background()
	a, err := bootstrap.New(ctx, *cfgDir)
	if err != nil {
		logrus.Fatal(err)
	}
	defer a.Close()

	a.Engine.StartAutoSync(ctx)
	defer a.Engine.StopAutoSync()

	ctrl := controllers.NewSyncController(services.NewSyncService(a.Engine))
	r := mux.NewRouter()
	routes.Register(r, ctrl, a.Log)

	logrus.Infof("lime-server listening on %s", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		logrus.Fatal(err)
	}
}
