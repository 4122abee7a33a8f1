package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/repository"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
)

const DefaultFallbackRate = 1.0

// Rates resolves the conversion rate of a (country, card type) pair.
type Rates struct {
	repo     repository.RateRepository
	fallback float64
}

func NewRates(repo repository.RateRepository, fallback float64) *Rates {
	if fallback <= 0 {
		fallback = DefaultFallbackRate
	}
	return &Rates{repo: repo, fallback: fallback}
}

// LoadFallbackRate reads EXCHANGE_FALLBACK_RATE.
func LoadFallbackRate() float64 {
	return env.GetEnvFloat("EXCHANGE_FALLBACK_RATE", DefaultFallbackRate)
}

// Lookup returns the configured rate, or the fallback rate with usedFallback
// set when no active rate exists for the pair.
func (r *Rates) Lookup(ctx context.Context, country string, cardType int) (rate float64, usedFallback bool, err error) {
	found, err := r.repo.Find(ctx, country, cardType)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && found.Rate <= 0) {
		log.Warnf("[Rates] No rate configured for %s/%d, using fallback %.4f", country, cardType, r.fallback)
		return r.fallback, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rate lookup %s/%d: %w", country, cardType, err)
	}
	return found.Rate, false, nil
}
