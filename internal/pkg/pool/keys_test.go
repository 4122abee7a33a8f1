package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func uintPtr(v uint) *uint { return &v }

func TestKey(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		plan   *uint
		room   *uint
		want   string
	}{
		{"generic", 500, nil, nil, "pool_us_500"},
		{"fraction truncated", 99.99, nil, nil, "pool_us_99"},
		{"room", 500, nil, uintPtr(3), "pool_us_500_room3"},
		{"plan", 500, uintPtr(7), nil, "pool_us_500_plan7"},
		{"room and plan", 500, uintPtr(7), uintPtr(3), "pool_us_500_room3_plan7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key("US", tt.amount, tt.plan, tt.room))
		})
	}
}

func TestCandidateKeys(t *testing.T) {
	assert.Equal(t, []string{
		"pool_us_500_room3_plan7",
		"pool_us_500_room3",
		"pool_us_500_plan7",
		"pool_us_500",
	}, CandidateKeys(Dimensions{Country: "US", Amount: 500, PlanID: uintPtr(7), RoomID: uintPtr(3)}))

	assert.Equal(t, []string{"pool_uk_50_plan2", "pool_uk_50"},
		CandidateKeys(Dimensions{Country: "UK", Amount: 50, PlanID: uintPtr(2)}))

	assert.Equal(t, []string{"pool_ca_10"}, CandidateKeys(Dimensions{Country: "ca", Amount: 10}))
}
