package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type HttpRouter struct {
	checks map[string]HealthCheck
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	results := make(fiber.Map, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.Warnf("[Health] %s check failed: %v", name, err)
			results[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	return c.Status(status).JSON(fiber.Map{"status": statusText(status), "checks": results})
}

func statusText(status int) string {
	if status == fiber.StatusOK {
		return "ok"
	}
	return "degraded"
}

func NewHttpRouter(checks map[string]HealthCheck) *HttpRouter {
	return &HttpRouter{checks: checks}
}
