package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/metrics/counter"
)

// DailyCounter reads per-day exchange counters.
type DailyCounter interface {
	Day(ctx context.Context, day time.Time) (counter.Daily, error)
}

// StatsController serves /api/v1/stats.
type StatsController struct {
	counters DailyCounter
	now      func() time.Time
}

func NewStatsController(counters DailyCounter) *StatsController {
	return &StatsController{counters: counters, now: time.Now}
}

// HandleExchangeStats returns the counters for ?day=YYYY-MM-DD, today by default.
func (sc *StatsController) HandleExchangeStats(c *fiber.Ctx) error {
	day := sc.now().UTC()
	if raw := c.Query("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return badRequest(c, "day must be YYYY-MM-DD")
		}
		day = parsed
	}

	daily, err := sc.counters.Day(c.UserContext(), day)
	if err != nil {
		log.Errorf("[Stats API] Counter read failed: %v", err)
		return internalError(c, "Failed to read exchange counters")
	}
	return c.JSON(daily)
}
