package service

import "github.com/shopspring/decimal"

// FeeSplit is the division of an order's delivery fee between the
// assigned driver and the merchant.
type FeeSplit struct {
	DriverShare   float64
	MerchantShare float64
}

// SplitConfig carries the operator-configured payout policy. The
// rounding epsilon absorbs sub-cent residue left by upstream float
// arithmetic; its default (0.009 KES) is carried over from production
// configuration.
type SplitConfig struct {
	DriverPayEnabled bool
	DriverPayAmount  float64
	RoundEpsilon     float64
}

// SplitDeliveryFee computes the driver/merchant split of a delivery
// fee. The driver share is the configured per-delivery amount capped
// at the fee itself; the merchant keeps the remainder. With driver pay
// disabled the merchant keeps the whole fee. Pure; callers skip it
// entirely for pickup orders.
func SplitDeliveryFee(deliveryFee float64, cfg SplitConfig) FeeSplit {
	fee := decimal.NewFromFloat(deliveryFee).Round(2)
	if fee.Sign() <= 0 {
		return FeeSplit{}
	}
	if !cfg.DriverPayEnabled {
		mv, _ := fee.Float64()
		return FeeSplit{MerchantShare: mv}
	}

	driver := decimal.NewFromFloat(cfg.DriverPayAmount).Round(2)
	if driver.GreaterThan(fee) {
		driver = fee
	}
	if driver.Sign() < 0 {
		driver = decimal.Zero
	}

	merchant := fee.Sub(driver)
	eps := decimal.NewFromFloat(cfg.RoundEpsilon)
	if merchant.Abs().LessThanOrEqual(eps) {
		merchant = decimal.Zero
	}

	dv, _ := driver.Float64()
	mv, _ := merchant.Float64()
	return FeeSplit{DriverShare: dv, MerchantShare: mv}
}
