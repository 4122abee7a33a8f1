package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/exchange"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/pool"
)

// ExchangeRunner executes one redemption end to end.
type ExchangeRunner interface {
	Run(ctx context.Context, req exchange.Request) (*exchange.Result, error)
}

// PoolRebuilder refills a pool from the ledger.
type PoolRebuilder interface {
	Rebuild(ctx context.Context, d pool.Dimensions) (int, error)
}

// ExchangeHandler runs exchange jobs. Business failures end up in the
// exchange record and complete the job; only infrastructure errors are
// returned and retried, and a retry re-polls the persisted remote tasks.
func ExchangeHandler(runner ExchangeRunner) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := ExchangeJobPayloadFromMap(job.Payload)
		if err != nil {
			return Permanent(fmt.Errorf("decode exchange payload: %w", err))
		}
		res, err := runner.Run(ctx, exchange.Request{
			RequestID: payload.RequestID,
			Message:   payload.Message,
			PlanID:    payload.PlanID,
			RoomID:    payload.RoomID,
		})
		if err != nil {
			return err
		}
		if res.OK() {
			log.Infof("[JobQueue] Exchange %s succeeded: %.2f on account %v", res.RequestID, res.ConvertedAmount, derefID(res.AccountID))
		} else {
			log.Infof("[JobQueue] Exchange %s ended with %s: %s", res.RequestID, res.Failure, res.Reason)
		}
		return nil
	}
}

// PoolRebuildHandler runs pool_rebuild jobs.
func PoolRebuildHandler(rebuilder PoolRebuilder) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := PoolRebuildJobPayloadFromMap(job.Payload)
		if err != nil {
			return Permanent(fmt.Errorf("decode rebuild payload: %w", err))
		}
		if payload.Country == "" || payload.Amount <= 0 {
			return Permanent(fmt.Errorf("rebuild payload needs country and amount"))
		}
		n, err := rebuilder.Rebuild(ctx, pool.Dimensions{
			Country: payload.Country,
			Amount:  payload.Amount,
			PlanID:  payload.PlanID,
			RoomID:  payload.RoomID,
		})
		if err != nil {
			return err
		}
		log.Infof("[JobQueue] Rebuilt pool for %s/%.0f with %d accounts", payload.Country, payload.Amount, n)
		return nil
	}
}

// EnqueueExchange queues a redemption for the workers.
func (q *Queue) EnqueueExchange(ctx context.Context, payload ExchangeJobPayload) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypeExchange, payload.ToMap())
}

// EnqueuePoolRebuild queues a pool rebuild.
func (q *Queue) EnqueuePoolRebuild(ctx context.Context, payload PoolRebuildJobPayload) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypePoolRebuild, payload.ToMap())
}

func derefID(id *uint) any {
	if id == nil {
		return "-"
	}
	return *id
}
