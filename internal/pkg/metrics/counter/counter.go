package counter

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/events"
)

const (
	dailyKeyPrefix = "exchange:counters:"
	dayLayout      = "2006-01-02"
	retention      = 90 * 24 * time.Hour

	fieldConverted   = "converted"
	fieldStagePrefix = "stage:"
)

// Daily is the outcome tally of one calendar day (UTC).
type Daily struct {
	Day           string           `json:"day"`
	Success       int64            `json:"success"`
	Failed        int64            `json:"failed"`
	Converted     float64          `json:"converted"`
	FailedByStage map[string]int64 `json:"failed_by_stage"`
}

// Counter keeps per-day exchange counters in a Redis hash. It implements
// events.Publisher so it can sit next to the broker in an events.Fanout.
type Counter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func New(client redis.UniversalClient) *Counter {
	return &Counter{client: client, now: time.Now}
}

func dailyKey(day time.Time) string {
	return dailyKeyPrefix + day.UTC().Format(dayLayout)
}

// Publish counts exchange.recorded events and ignores everything else.
func (c *Counter) Publish(ctx context.Context, _, routingKey string, body any) error {
	if routingKey != events.RoutingRecorded {
		return nil
	}
	ev, ok := body.(events.Recorded)
	if !ok {
		return nil
	}
	return c.Add(ctx, ev)
}

func (c *Counter) Close() {}

// Add counts one recorded exchange on the day it was recorded.
func (c *Counter) Add(ctx context.Context, ev events.Recorded) error {
	at := ev.RecordedAt
	if at.IsZero() {
		at = c.now()
	}
	key := dailyKey(at)

	pipe := c.client.TxPipeline()
	pipe.HIncrBy(ctx, key, ev.Status, 1)
	if ev.Status == models.ExchangeStatusSuccess {
		pipe.HIncrByFloat(ctx, key, fieldConverted, ev.ConvertedAmount)
	} else if ev.Stage != "" {
		pipe.HIncrBy(ctx, key, fieldStagePrefix+ev.Stage, 1)
	}
	pipe.Expire(ctx, key, retention)
	_, err := pipe.Exec(ctx)
	return err
}

// Day reads the counters for the given day.
func (c *Counter) Day(ctx context.Context, day time.Time) (Daily, error) {
	out := Daily{Day: day.UTC().Format(dayLayout), FailedByStage: map[string]int64{}}
	data, err := c.client.HGetAll(ctx, dailyKey(day)).Result()
	if err != nil {
		return out, err
	}
	for field, raw := range data {
		switch {
		case field == fieldConverted:
			out.Converted, _ = strconv.ParseFloat(raw, 64)
		case strings.HasPrefix(field, fieldStagePrefix):
			n, _ := strconv.ParseInt(raw, 10, 64)
			out.FailedByStage[strings.TrimPrefix(field, fieldStagePrefix)] = n
		case field == models.ExchangeStatusSuccess:
			out.Success, _ = strconv.ParseInt(raw, 10, 64)
		case field == models.ExchangeStatusFailed:
			out.Failed, _ = strconv.ParseInt(raw, 10, 64)
		}
	}
	return out, nil
}
