package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/taskapi"
)

// runTask drives one create/poll cycle and persists it per (request, type).
// A task that already exists is re-polled instead of created again, and a
// finalized task returns its stored result without touching the farm.
func (o *Orchestrator) runTask(
	ctx context.Context,
	requestID, taskType string,
	kind taskapi.Kind,
	payload any,
	create func(context.Context) (string, error),
) (*taskapi.Status, error) {
	task, err := o.repos.Task.Get(ctx, requestID, taskType)
	switch {
	case err == nil:
		if models.IsTerminalTaskStatus(task.Status) {
			return storedResult(task)
		}
		log.Infof("[Orchestrator] Resuming %s task %s for %s", taskType, task.TaskID, requestID)
	case errors.Is(err, gorm.ErrRecordNotFound):
		task, err = o.createTask(ctx, requestID, taskType, kind, payload, create)
		if err != nil {
			return nil, err
		}
		if models.IsTerminalTaskStatus(task.Status) {
			return storedResult(task)
		}
	default:
		return nil, fmt.Errorf("load %s task: %w", taskType, err)
	}

	st, err := taskapi.Poll(ctx, o.api, kind, task.TaskID, o.cfg.Poll, func(st *taskapi.Status) {
		if err := o.repos.Task.Advance(ctx, requestID, taskType, models.TaskStatusProcessing); err != nil {
			log.Warnf("[Orchestrator] Could not advance %s task %s: %v", taskType, task.TaskID, err)
		}
	})
	if errors.Is(err, taskapi.ErrTaskTimeout) {
		log.Warnf("[Orchestrator] %s task %s timed out: %v", taskType, task.TaskID, err)
		if _, ferr := o.repos.Task.Finalize(ctx, requestID, taskType, models.TaskStatusTimeout, "", o.now()); ferr != nil {
			return nil, fmt.Errorf("finalize %s task: %w", taskType, ferr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	finalized, err := o.repos.Task.Finalize(ctx, requestID, taskType, st.Status, string(result), o.now())
	if err != nil {
		return nil, fmt.Errorf("finalize %s task: %w", taskType, err)
	}
	if !finalized {
		// Someone else finalized first; their result stands.
		log.Infof("[Orchestrator] %s task %s was already final, ignoring late result", taskType, task.TaskID)
		stored, err := o.repos.Task.Get(ctx, requestID, taskType)
		if err != nil {
			return nil, fmt.Errorf("reload %s task: %w", taskType, err)
		}
		return storedResult(stored)
	}
	if st.Status == taskapi.StatusFailed {
		log.Warnf("[Orchestrator] %s task %s failed: %s", taskType, task.TaskID, st.Msg)
	}
	return st, nil
}

func (o *Orchestrator) createTask(
	ctx context.Context,
	requestID, taskType string,
	kind taskapi.Kind,
	payload any,
	create func(context.Context) (string, error),
) (*models.ExchangeTask, error) {
	taskID, err := create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s task: %w", kind, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	task := &models.ExchangeTask{
		RequestID:      requestID,
		Type:           taskType,
		TaskID:         taskID,
		Status:         models.TaskStatusPending,
		RequestPayload: string(body),
	}
	err = o.repos.Task.Create(ctx, task)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent run created the row first; follow its task.
		log.Warnf("[Orchestrator] Duplicate %s task for %s, dropping remote task %s", taskType, requestID, taskID)
		return o.repos.Task.Get(ctx, requestID, taskType)
	}
	if err != nil {
		return nil, fmt.Errorf("persist %s task: %w", taskType, err)
	}
	log.Infof("[Orchestrator] Created %s task %s for %s", taskType, taskID, requestID)
	return task, nil
}

func storedResult(task *models.ExchangeTask) (*taskapi.Status, error) {
	if task.Status == models.TaskStatusTimeout {
		return nil, fmt.Errorf("%w: %s task %s", taskapi.ErrTaskTimeout, task.Type, task.TaskID)
	}
	var st taskapi.Status
	if task.ResultPayload != "" {
		if err := json.Unmarshal([]byte(task.ResultPayload), &st); err != nil {
			return nil, fmt.Errorf("decode stored %s result: %w", task.Type, err)
		}
	}
	if st.Status == "" {
		st.Status = task.Status
	}
	return &st, nil
}
