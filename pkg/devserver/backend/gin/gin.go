// Package gin provides the default engine, serving the application through a
// Gin router rebuilt on every reload.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
	backend.Register(config.BackendDefault, New)
}

// New creates the gin engine.
func New(app project.Application, opts ...backend.Option) backend.Backend {
	return backend.NewInProcess("gin", config.BackendDefault, Router, app, opts...)
}

// Router builds a Gin engine for one snapshot. Unmatched requests fall
// through to the snapshot's asset and welcome page handling.
func Router(snap *project.Snapshot) (http.Handler, error) {
	engine := gin.New()
	engine.Use(gin.Recovery())

	for _, route := range snap.Routes() {
		engine.Handle(route.Method, route.Path, wrap(route))
	}
	engine.NoRoute(func(c *gin.Context) {
		snap.Fallback(c.Writer, c.Request)
	})
	return engine, nil
}

func wrap(route project.Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := make(project.Params, len(c.Params))
		for _, p := range c.Params {
			params[p.Key] = p.Value
		}
		route.Handle(c.Writer, c.Request, params)
	}
}
