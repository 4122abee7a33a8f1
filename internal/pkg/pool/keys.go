package pool

import (
	"fmt"
	"strings"
)

// Dimensions identify the pool a redemption should draw from.
type Dimensions struct {
	Country string
	Amount  float64
	PlanID  *uint
	RoomID  *uint
}

// Key derives the pool key pool_<country>_<amount>[_room<id>][_plan<id>].
// The amount is truncated to an integer.
func Key(country string, amount float64, planID, roomID *uint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pool_%s_%d", strings.ToLower(country), int64(amount))
	if roomID != nil {
		fmt.Fprintf(&b, "_room%d", *roomID)
	}
	if planID != nil {
		fmt.Fprintf(&b, "_plan%d", *planID)
	}
	return b.String()
}

// Key is the most specific pool for d.
func (d Dimensions) Key() string {
	return Key(d.Country, d.Amount, d.PlanID, d.RoomID)
}

// CandidateKeys lists the pools to try for d, most specific first:
// plan+room, room only, plan only, then the generic pool. Keys that collapse
// to the same string because a dimension is absent appear once.
func CandidateKeys(d Dimensions) []string {
	dims := candidates(d)
	keys := make([]string, len(dims))
	for i, c := range dims {
		keys[i] = c.Key()
	}
	return keys
}

func candidates(d Dimensions) []Dimensions {
	all := []Dimensions{
		{Country: d.Country, Amount: d.Amount, PlanID: d.PlanID, RoomID: d.RoomID},
		{Country: d.Country, Amount: d.Amount, RoomID: d.RoomID},
		{Country: d.Country, Amount: d.Amount, PlanID: d.PlanID},
		{Country: d.Country, Amount: d.Amount},
	}
	out := make([]Dimensions, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	for _, c := range all {
		k := c.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
