// Package pricing implements the fee and totals engine for laundry jobs.
package pricing

import (
	"errors"
	"fmt"
	"math"
)

// PlatformFeeRate is the platform's cut of the base price.
const PlatformFeeRate = 0.07

var (
	// ErrInvalidServiceType is returned when the service type is not in the schedule.
	ErrInvalidServiceType = errors.New("invalid service type")

	// ErrInvalidAmount is returned for negative or non-finite monetary inputs.
	ErrInvalidAmount = errors.New("invalid amount")
)

// ServiceType identifies one of the services a provider offers.
type ServiceType string

const (
	ServiceWash         ServiceType = "wash"
	ServiceWashFold     ServiceType = "wash_fold"
	ServiceWashFoldIron ServiceType = "wash_fold_iron"
	ServiceShoes        ServiceType = "shoes"
	ServiceSewing       ServiceType = "sewing"
	ServiceOther        ServiceType = "other"
)

// PriceSchedule holds a provider's prices. Wash, Fold and Iron are per-pound
// rates; Shoes, Sewing and Other are flat; Pickup is a flat surcharge.
type PriceSchedule struct {
	Wash   float64 `json:"wash" bson:"wash"`
	Fold   float64 `json:"fold" bson:"fold"`
	Iron   float64 `json:"iron" bson:"iron"`
	Pickup float64 `json:"pickup" bson:"pickup"`
	Shoes  float64 `json:"shoes" bson:"shoes"`
	Sewing float64 `json:"sewing" bson:"sewing"`
	Other  float64 `json:"other" bson:"other"`
}

// DefaultSchedule returns the standard rate card used when a provider has
// not published their own prices.
func DefaultSchedule() PriceSchedule {
	return PriceSchedule{
		Wash:   1.50,
		Fold:   2.00,
		Iron:   2.50,
		Pickup: 5.00,
		Shoes:  8.00,
		Sewing: 6.00,
		Other:  10.00,
	}
}

// Totals is the pricing output for a job. All values are dollars rounded
// to cents.
type Totals struct {
	Total        float64 `json:"total" bson:"total"`
	ProviderTake float64 `json:"provider_take" bson:"provider_take"`
	PlatformFee  float64 `json:"platform_fee" bson:"platform_fee"`
	Base         float64 `json:"base" bson:"base"`
}

// CalculateTotals prices a job from the provider's schedule. Rounding is
// half-up to cents after each step (base, fee, total) so results never drift
// by accumulated fractions of a cent.
func CalculateTotals(schedule PriceSchedule, serviceType ServiceType, weight float64, includePickup bool, tip float64) (Totals, error) {
	if !isFinite(weight) || weight < 0 {
		return Totals{}, fmt.Errorf("weight %v: %w", weight, ErrInvalidAmount)
	}
	if !isFinite(tip) || tip < 0 {
		return Totals{}, fmt.Errorf("tip %v: %w", tip, ErrInvalidAmount)
	}

	var base float64
	switch serviceType {
	case ServiceWash:
		base = schedule.Wash * weight
	case ServiceWashFold:
		base = schedule.Fold * weight
	case ServiceWashFoldIron:
		base = schedule.Iron * weight
	case ServiceShoes:
		base = schedule.Shoes
	case ServiceSewing:
		base = schedule.Sewing
	case ServiceOther:
		base = schedule.Other
	default:
		return Totals{}, fmt.Errorf("%q: %w", serviceType, ErrInvalidServiceType)
	}

	if includePickup {
		base += schedule.Pickup
	}

	base = RoundCents(base)
	fee := RoundCents(base * PlatformFeeRate)
	take := RoundCents(base - fee)
	total := RoundCents(base + tip)

	return Totals{
		Total:        total,
		ProviderTake: take,
		PlatformFee:  fee,
		Base:         base,
	}, nil
}

// RoundCents rounds a dollar amount to cents using round-half-up.
func RoundCents(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
