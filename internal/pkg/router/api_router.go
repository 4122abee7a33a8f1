package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/RedeemFox/app/controllers"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/middleware"
)

// Dependencies carries everything the routes are built from.
type Dependencies struct {
	APIKey    string
	RateLimit int
	Exchanges *controllers.ExchangeController
	Pools     *controllers.PoolController
	Accounts  *controllers.AccountController
	Jobs      *controllers.JobController
	Stats     *controllers.StatsController
	Health    map[string]HealthCheck
}

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	max := h.deps.RateLimit
	if max <= 0 {
		max = 120
	}
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        max,
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.deps.APIKey))

	ex := h.deps.Exchanges
	v1.Post("/exchanges", ex.HandleCreateExchange)
	v1.Post("/exchanges/sync", ex.HandleRunExchange)
	v1.Get("/exchanges/:request_id", ex.HandleGetExchange)

	pools := h.deps.Pools
	v1.Get("/pools", pools.HandleListPools)
	v1.Post("/pools/rebuild", pools.HandleRebuildPool)
	v1.Delete("/pools/accounts/:id", pools.HandleRemoveAccount)

	accounts := h.deps.Accounts
	v1.Post("/accounts/import", accounts.HandleImportAccounts)
	v1.Post("/accounts/:id/login-status", accounts.HandleLoginStatus)

	jobs := h.deps.Jobs
	v1.Get("/jobs/stats", jobs.HandleJobStats)
	v1.Get("/jobs/:id", jobs.HandleGetJob)

	v1.Get("/stats/exchanges", h.deps.Stats.HandleExchangeStats)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
