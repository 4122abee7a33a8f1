package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers the service routes first and the API afterwards so
// health checks stay outside the API key and rate limit.
func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps.Health), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
