package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/pool"
)

// PoolAdmin is the allocator surface the pool endpoints need.
type PoolAdmin interface {
	Stats(ctx context.Context) ([]pool.Stat, error)
	Remove(ctx context.Context, accountID uint) error
}

// RebuildQueue schedules pool rebuilds.
type RebuildQueue interface {
	EnqueuePoolRebuild(ctx context.Context, payload jobqueue.PoolRebuildJobPayload) (*jobqueue.Job, error)
}

// PoolController serves /api/v1/pools.
type PoolController struct {
	pools PoolAdmin
	queue RebuildQueue
}

func NewPoolController(pools PoolAdmin, queue RebuildQueue) *PoolController {
	return &PoolController{pools: pools, queue: queue}
}

type rebuildRequest struct {
	Country string  `json:"country" validate:"required,len=2,alpha"`
	Amount  float64 `json:"amount" validate:"required,gt=0"`
	PlanID  *uint   `json:"plan_id" validate:"omitempty,gt=0"`
	RoomID  *uint   `json:"room_id" validate:"omitempty,gt=0"`
}

// HandleListPools returns every indexed pool with its size.
func (pc *PoolController) HandleListPools(c *fiber.Ctx) error {
	stats, err := pc.pools.Stats(c.UserContext())
	if err != nil {
		log.Errorf("[Pool API] Stats failed: %v", err)
		return internalError(c, "Failed to read pools")
	}
	return c.JSON(fiber.Map{"pools": stats, "count": len(stats)})
}

// HandleRebuildPool queues a rebuild of one pool from the ledger.
func (pc *PoolController) HandleRebuildPool(c *fiber.Ctx) error {
	var body rebuildRequest
	if err := bindJSON(c, &body); err != nil {
		return finish(err)
	}

	d := pool.Dimensions{Country: body.Country, Amount: body.Amount, PlanID: body.PlanID, RoomID: body.RoomID}
	job, err := pc.queue.EnqueuePoolRebuild(c.UserContext(), jobqueue.PoolRebuildJobPayload{
		Country: d.Country,
		Amount:  d.Amount,
		PlanID:  d.PlanID,
		RoomID:  d.RoomID,
	})
	if err != nil {
		log.Errorf("[Pool API] Enqueue rebuild of %s failed: %v", d.Key(), err)
		return jsonError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Could not queue the rebuild")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"pool": d.Key(), "job_id": job.ID})
}

// HandleRemoveAccount drops an account from every pool.
func (pc *PoolController) HandleRemoveAccount(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "Invalid account id")
	}
	if err := pc.pools.Remove(c.UserContext(), id); err != nil {
		log.Errorf("[Pool API] Remove of account %d failed: %v", id, err)
		return internalError(c, "Failed to remove account from pools")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
