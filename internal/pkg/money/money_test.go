package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		amount, rate, want float64
	}{
		{100, 6.8, 680},
		{25.5, 7.1, 181.05},
		{0.1, 0.2, 0.02},
		{33.333, 1, 33.33},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Convert(tt.amount, tt.rate), "Convert(%v, %v)", tt.amount, tt.rate)
	}
}

func TestAddAvoidsFloatDrift(t *testing.T) {
	assert.Equal(t, 0.3, Add(0.1, 0.2))
}

func TestParse(t *testing.T) {
	v, err := Parse("1,250.50")
	require.NoError(t, err)
	assert.Equal(t, 1250.5, v)

	_, err = Parse("abc")
	assert.Error(t, err)
}
