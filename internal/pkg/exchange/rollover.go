package exchange

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/app/repository"
)

// RolloverStats summarizes one plan rollover pass.
type RolloverStats struct {
	Plans     int
	Checked   int
	Completed int
}

// Rollover walks the active plans once. Accounts whose current day has no
// pending items move on to the next day, and plans that reached their
// lifetime target are marked completed.
func Rollover(ctx context.Context, repos *repository.Repositories) (RolloverStats, error) {
	var stats RolloverStats
	plans, err := repos.Plan.ListActive(ctx)
	if err != nil {
		return stats, fmt.Errorf("list active plans: %w", err)
	}

	for _, plan := range plans {
		stats.Plans++
		if plan.TotalTarget > 0 && plan.ChargedAmount >= plan.TotalTarget {
			if err := repos.Plan.UpdateStatus(ctx, plan.ID, models.PlanStatusCompleted); err != nil {
				return stats, fmt.Errorf("complete plan %d: %w", plan.ID, err)
			}
			stats.Completed++
			log.Infof("[Plan] Plan %d reached its target (%.2f/%.2f)", plan.ID, plan.ChargedAmount, plan.TotalTarget)
			continue
		}

		accounts, err := repos.Account.ListByPlan(ctx, plan.ID)
		if err != nil {
			return stats, fmt.Errorf("list accounts of plan %d: %w", plan.ID, err)
		}
		for _, acc := range accounts {
			stats.Checked++
			if err := AdvanceIfDayComplete(ctx, repos, plan.ID, acc.ID, acc.CurrentDay); err != nil {
				log.Warnf("[Plan] Rollover of account %d in plan %d: %v", acc.ID, plan.ID, err)
			}
		}
	}
	return stats, nil
}
