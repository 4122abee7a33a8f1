// Package money keeps monetary arithmetic on decimals and rounds results to
// two places before they are stored or compared.
package money

import "github.com/shopspring/decimal"

const Places = 2

// Round rounds v half away from zero to two decimal places.
func Round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(Places).InexactFloat64()
}

// Convert applies rate to amount and rounds the result.
func Convert(amount, rate float64) float64 {
	return decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(rate)).Round(Places).InexactFloat64()
}

// Add sums values without accumulating float error.
func Add(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.Round(Places).InexactFloat64()
}

// Parse reads a plain decimal string such as "100.00" or "1,250.5".
func Parse(s string) (float64, error) {
	d, err := decimal.NewFromString(stripGrouping(s))
	if err != nil {
		return 0, err
	}
	return d.Round(Places).InexactFloat64(), nil
}

func stripGrouping(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ',' && s[i] != ' ' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
