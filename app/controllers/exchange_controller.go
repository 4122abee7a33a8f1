package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/exchange"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/jobqueue"
)

// ExchangeRunner executes a redemption inline.
type ExchangeRunner interface {
	Run(ctx context.Context, req exchange.Request) (*exchange.Result, error)
}

// ExchangeQueue hands redemptions to the background workers.
type ExchangeQueue interface {
	EnqueueExchange(ctx context.Context, payload jobqueue.ExchangeJobPayload) (*jobqueue.Job, error)
}

// RecordFinder loads stored exchange records.
type RecordFinder interface {
	GetByRequestID(ctx context.Context, requestID string) (*models.ExchangeRecord, error)
}

// ExchangeController serves /api/v1/exchanges.
type ExchangeController struct {
	runner  ExchangeRunner
	queue   ExchangeQueue
	records RecordFinder
}

func NewExchangeController(runner ExchangeRunner, queue ExchangeQueue, records RecordFinder) *ExchangeController {
	return &ExchangeController{runner: runner, queue: queue, records: records}
}

type exchangeRequest struct {
	RequestID string `json:"request_id" validate:"omitempty,max=64"`
	Message   string `json:"message" validate:"required,max=200"`
	PlanID    *uint  `json:"plan_id" validate:"omitempty,gt=0"`
	RoomID    *uint  `json:"room_id" validate:"omitempty,gt=0"`
}

func (r exchangeRequest) toRequest() exchange.Request {
	return exchange.Request{
		RequestID: r.RequestID,
		Message:   r.Message,
		PlanID:    r.PlanID,
		RoomID:    r.RoomID,
	}
}

// HandleCreateExchange queues a redemption and answers 202 with its ids.
// Malformed messages are rejected up front instead of producing a job.
func (ec *ExchangeController) HandleCreateExchange(c *fiber.Ctx) error {
	var body exchangeRequest
	if err := bindJSON(c, &body); err != nil {
		return finish(err)
	}
	if _, _, err := exchange.ParseMessage(body.Message); err != nil {
		return jsonError(c, fiber.StatusUnprocessableEntity, string(exchange.ParseFailed), err.Error())
	}
	if body.RequestID == "" {
		body.RequestID = uuid.New().String()
	}

	job, err := ec.queue.EnqueueExchange(c.UserContext(), jobqueue.ExchangeJobPayload{
		RequestID: body.RequestID,
		Message:   body.Message,
		PlanID:    body.PlanID,
		RoomID:    body.RoomID,
	})
	if err != nil {
		log.Errorf("[Exchange API] Enqueue of %s failed: %v", body.RequestID, err)
		return jsonError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Could not queue the exchange")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"request_id": body.RequestID,
		"job_id":     job.ID,
	})
}

// HandleRunExchange runs a redemption inline and returns its Result. Business
// failures are a 200 with status "failed"; only infrastructure errors map to 503.
func (ec *ExchangeController) HandleRunExchange(c *fiber.Ctx) error {
	var body exchangeRequest
	if err := bindJSON(c, &body); err != nil {
		return finish(err)
	}

	res, err := ec.runner.Run(c.UserContext(), body.toRequest())
	if err != nil {
		log.Errorf("[Exchange API] Inline exchange %s failed: %v", body.RequestID, err)
		return jsonError(c, fiber.StatusServiceUnavailable, "exchange_unavailable", "Exchange could not be completed, retry with the same request_id")
	}
	return c.JSON(res)
}

// HandleGetExchange returns the stored record for a request id.
func (ec *ExchangeController) HandleGetExchange(c *fiber.Ctx) error {
	requestID := c.Params("request_id")
	if requestID == "" {
		return badRequest(c, "request_id missing")
	}

	rec, err := ec.records.GetByRequestID(c.UserContext(), requestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(c, "No exchange recorded for this request")
	}
	if err != nil {
		log.Errorf("[Exchange API] Load of %s failed: %v", requestID, err)
		return internalError(c, "Failed to load exchange")
	}
	return c.JSON(rec)
}
