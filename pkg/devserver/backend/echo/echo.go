// Package echo provides the alternate-a engine on top of Echo.
package echo

import (
	stderrors "errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
)

func init() {
	backend.Register(config.BackendAlternateA, New)
}

// New creates the echo engine.
func New(app project.Application, opts ...backend.Option) backend.Backend {
	return backend.NewInProcess("echo", config.BackendAlternateA, Router, app, opts...)
}

// Router builds an Echo instance for one snapshot.
func Router(snap *project.Snapshot) (http.Handler, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	for _, route := range snap.Routes() {
		e.Add(route.Method, route.Path, wrap(route))
	}

	// Unknown paths and wrong methods go to the snapshot, which serves
	// assets and welcome pages before answering 404.
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		var he *echo.HTTPError
		if stderrors.As(err, &he) && (he.Code == http.StatusNotFound || he.Code == http.StatusMethodNotAllowed) {
			snap.Fallback(c.Response(), c.Request())
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
	return e, nil
}

func wrap(route project.Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		names := c.ParamNames()
		values := c.ParamValues()
		params := make(project.Params, len(names))
		for i, name := range names {
			if i < len(values) {
				params[name] = values[i]
			}
		}
		route.Handle(c.Response(), c.Request(), params)
		return nil
	}
}
