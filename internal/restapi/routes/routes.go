// Package routes wires the sync REST API's routes onto a mux.Router.
package routes

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lezzur/lime-sync-core/internal/restapi/controllers"
	"github.com/lezzur/lime-sync-core/internal/restapi/middleware"
)

// Register binds every sync API route onto r.
func Register(r *mux.Router, c *controllers.SyncController, log *logrus.Entry) {
	r.Use(middleware.Logger(log))
	r.HandleFunc("/status", c.Status).Methods("GET")
	r.HandleFunc("/sync/setup", c.Setup).Methods("POST")
	r.HandleFunc("/sync/initial-clone", c.InitialClone).Methods("POST")
	r.HandleFunc("/sync", c.Sync).Methods("POST")
	r.HandleFunc("/sync/devices", c.Devices).Methods("GET")
	r.HandleFunc("/sync/device/{id}", c.RemoveDevice).Methods("DELETE")
	r.HandleFunc("/sync/changelog", c.Changelog).Methods("GET")
}
