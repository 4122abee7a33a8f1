package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/money"
)

// Card is what the query task reports about a gift card.
type Card struct {
	Valid    bool    `json:"valid"`
	Country  string  `json:"country"`
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
	Msg      string  `json:"msg,omitempty"`
}

type queryResult struct {
	Valid    bool   `json:"valid"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
	Msg      string `json:"msg"`
}

var errNoBalance = errors.New("card result has no balance")

// symbols is ordered so longer prefixes win over the bare "$".
var symbols = []struct {
	symbol   string
	currency string
}{
	{"CAD$", "CAD"},
	{"AU$", "AUD"},
	{"US$", "USD"},
	{"C$", "CAD"},
	{"A$", "AUD"},
	{"$", "USD"},
	{"£", "GBP"},
	{"€", "EUR"},
	{"¥", "JPY"},
}

var currencyCountry = map[string]string{
	"USD": "US",
	"CAD": "CA",
	"AUD": "AU",
	"GBP": "GB",
	"JPY": "JP",
}

// ParseCardResult decodes the result string of a query item. An explicit
// currency code in the result wins over the symbol on the balance string.
func ParseCardResult(raw string) (Card, error) {
	var q queryResult
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return Card{}, fmt.Errorf("decode card result: %w", err)
	}

	card := Card{
		Valid:   q.Valid,
		Country: strings.ToUpper(strings.TrimSpace(q.Country)),
		Msg:     q.Msg,
	}
	if !card.Valid {
		return card, nil
	}
	if strings.TrimSpace(q.Balance) == "" {
		return card, errNoBalance
	}

	amount, sniffed, err := ParseBalance(q.Balance)
	if err != nil {
		return card, err
	}
	card.Balance = amount
	card.Currency = strings.ToUpper(strings.TrimSpace(q.Currency))
	if card.Currency == "" {
		card.Currency = sniffed
	}
	if card.Country == "" {
		card.Country = currencyCountry[card.Currency]
	}
	if card.Country == "" {
		return card, fmt.Errorf("card result has no country (currency %q)", card.Currency)
	}
	return card, nil
}

// ParseBalance reads a formatted balance such as "$100.00", "AU$50",
// "£1,250.00" or "100.00 USD". The currency is empty when neither a symbol
// nor a code is present.
func ParseBalance(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	currency := ""

	if fields := strings.Fields(s); len(fields) == 2 {
		switch {
		case isCode(fields[0]):
			currency, s = strings.ToUpper(fields[0]), fields[1]
		case isCode(fields[1]):
			currency, s = strings.ToUpper(fields[1]), fields[0]
		}
	}

	for _, sym := range symbols {
		if strings.HasPrefix(s, sym.symbol) {
			if currency == "" {
				currency = sym.currency
			}
			s = strings.TrimPrefix(s, sym.symbol)
			break
		}
	}

	amount, err := money.Parse(s)
	if err != nil {
		return 0, "", fmt.Errorf("parse balance %q: %w", s, err)
	}
	if amount < 0 {
		return 0, "", fmt.Errorf("negative balance %q", s)
	}
	return amount, currency, nil
}

func isCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
