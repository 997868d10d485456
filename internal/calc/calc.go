// Package calc derives milestone amounts, completion progress, and cost
// breakdowns from an escrow's configuration. Pure, no state mutation.
//
// Milestone percentages are validated for exact equality with 100, stricter
// than the tolerance the distribution engine allows for shares. Milestone
// percentages are fixed at escrow creation and must never produce an
// unaccounted remainder.
//
// All monetary values use shopspring/decimal; float64 is never used for money.
package calc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoMilestones is returned when the milestone list is empty.
	ErrNoMilestones = errors.New("calc: milestone list must not be empty")

	// ErrNonPositiveTotal is returned when the escrow total is not positive.
	ErrNonPositiveTotal = errors.New("calc: total amount must be positive")

	// AmountScale is the number of decimal places for milestone amounts.
	AmountScale int32 = 6

	// DefaultFeeRate is the platform fee as a fraction of the escrow amount.
	DefaultFeeRate = decimal.NewFromFloat(0.01)

	// DefaultGasFee is the fixed per-escrow gas estimate.
	DefaultGasFee = decimal.NewFromFloat(0.002)
)

var hundred = decimal.NewFromInt(100)

// MilestoneInput is the caller-supplied definition of one milestone.
type MilestoneInput struct {
	Title      string          `json:"title"`
	Percentage decimal.Decimal `json:"percentage"`
}

// MilestoneBreakdown is one milestone's derived amounts. CumulativeAmount is
// the running total in input order. Order is meaningful and never sorted.
type MilestoneBreakdown struct {
	Title            string          `json:"title"`
	Percentage       decimal.Decimal `json:"percentage"`
	Amount           decimal.Decimal `json:"amount"`
	CumulativeAmount decimal.Decimal `json:"cumulative_amount"`
}

// Milestones derives per-milestone amounts from the escrow total. Each
// amount is totalAmount * percentage / 100, rounded to AmountScale digits,
// with a running cumulative total in input order.
func Milestones(total decimal.Decimal, inputs []MilestoneInput) ([]MilestoneBreakdown, error) {
	if len(inputs) == 0 {
		return nil, ErrNoMilestones
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNonPositiveTotal
	}

	out := make([]MilestoneBreakdown, len(inputs))
	cumulative := decimal.Zero
	for i, in := range inputs {
		amount := total.Mul(in.Percentage).Div(hundred).Round(AmountScale)
		cumulative = cumulative.Add(amount)
		out[i] = MilestoneBreakdown{
			Title:            in.Title,
			Percentage:       in.Percentage,
			Amount:           amount,
			CumulativeAmount: cumulative,
		}
	}
	return out, nil
}

// PercentValidation is the result of ValidateMilestonePercentages.
type PercentValidation struct {
	Valid bool            `json:"valid"`
	Total decimal.Decimal `json:"total"`
	Err   string          `json:"error,omitempty"`
}

// ValidateMilestonePercentages requires the percentages to sum to exactly
// 100, no tolerance. This runs at escrow creation only; releases trust the
// stored amounts.
func ValidateMilestonePercentages(inputs []MilestoneInput) PercentValidation {
	total := decimal.Zero
	for _, in := range inputs {
		total = total.Add(in.Percentage)
	}
	if !total.Equal(hundred) {
		return PercentValidation{
			Valid: false,
			Total: total,
			Err:   fmt.Sprintf("milestone percentages must total exactly 100, got %s", total),
		}
	}
	return PercentValidation{Valid: true, Total: total}
}

// CostBreakdown is the buyer/seller view of escrow costs.
type CostBreakdown struct {
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	GasFee         decimal.Decimal `json:"gas_fee"`
	TotalDeposit   decimal.Decimal `json:"total_deposit"`
	SellerReceives decimal.Decimal `json:"seller_receives"`
	BuyerPays      decimal.Decimal `json:"buyer_pays"`
}

// Calculator computes cost breakdowns from two configured constants: the
// platform fee rate and a fixed gas estimate. No hidden state.
type Calculator struct {
	feeRate decimal.Decimal
	gasFee  decimal.Decimal
}

// NewCalculator creates a Calculator. Non-positive arguments fall back to
// the package defaults.
func NewCalculator(feeRate, gasFee decimal.Decimal) *Calculator {
	if feeRate.LessThanOrEqual(decimal.Zero) {
		feeRate = DefaultFeeRate
	}
	if gasFee.LessThanOrEqual(decimal.Zero) {
		gasFee = DefaultGasFee
	}
	return &Calculator{feeRate: feeRate, gasFee: gasFee}
}

// Costs is a deterministic function of the escrow amount: the buyer fronts
// amount + fee + gas, the seller receives the full amount.
func (c *Calculator) Costs(amount decimal.Decimal) CostBreakdown {
	fee := amount.Mul(c.feeRate).Round(AmountScale)
	deposit := amount.Add(fee).Add(c.gasFee)
	return CostBreakdown{
		PlatformFee:    fee,
		GasFee:         c.gasFee,
		TotalDeposit:   deposit,
		SellerReceives: amount,
		BuyerPays:      deposit,
	}
}

// CompletionPercentage returns completed/total as an integer 0..100.
func CompletionPercentage(total, completed int) int {
	if total <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	if completed <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// Confidence levels for time-to-completion estimates.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// CompletionEstimate projects how long the remaining milestones will take.
type CompletionEstimate struct {
	EstimatedDays int    `json:"estimated_days"`
	Confidence    string `json:"confidence"`
}

// EstimateTimeToCompletion extrapolates the observed pace (elapsed time per
// completed milestone) over the remaining milestones. A heuristic, not a
// statistical guarantee: confidence is low with 0–1 completions, medium
// with 2, high with 3 or more.
func EstimateTimeToCompletion(createdAt time.Time, completed, total int, now time.Time) CompletionEstimate {
	confidence := ConfidenceLow
	switch {
	case completed >= 3:
		confidence = ConfidenceHigh
	case completed == 2:
		confidence = ConfidenceMedium
	}

	remaining := total - completed
	if remaining <= 0 {
		return CompletionEstimate{EstimatedDays: 0, Confidence: confidence}
	}
	if completed <= 0 {
		// Nothing observed yet; assume a week per milestone.
		return CompletionEstimate{EstimatedDays: remaining * 7, Confidence: ConfidenceLow}
	}

	elapsedDays := now.Sub(createdAt).Hours() / 24
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	perMilestone := elapsedDays / float64(completed)
	days := int(math.Ceil(perMilestone * float64(remaining)))
	return CompletionEstimate{EstimatedDays: days, Confidence: confidence}
}
