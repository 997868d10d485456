// Package distribution implements the percentage-to-amount distribution
// engine: deterministic, loss-free conversion between percentage shares and
// per-recipient amounts.
//
// The conservation invariant is absolute: for every result,
//
//	totalDistributed + remainder == totalAmount
//
// exactly. Rounding never creates or destroys money — the residual left by
// rounding is surfaced as Remainder so the caller can attribute it to one
// designated recipient.
//
// All monetary values use shopspring/decimal; float64 is never used for money.
package distribution

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/model"
)

var (
	// ErrNoShares is returned when the share list is empty.
	ErrNoShares = errors.New("distribution: share list must not be empty")

	// ErrNegativeTotal is returned when the total amount is negative.
	ErrNegativeTotal = errors.New("distribution: total amount must not be negative")

	// ErrFixedExceedsTotal is returned when fixed-amount shares sum to more
	// than the total being distributed.
	ErrFixedExceedsTotal = errors.New("distribution: fixed shares exceed total amount")

	// ErrInvalidCount is returned by Equal for a non-positive recipient count.
	ErrInvalidCount = errors.New("distribution: recipient count must be positive")

	// BalanceTolerance is how far percentage-mode shares may drift from a
	// 100% sum and still count as balanced.
	BalanceTolerance = decimal.NewFromFloat(0.01)

	// PercentScale is the number of decimal places kept for percentages.
	PercentScale int32 = 2

	// DefaultScale is the default number of decimal places for amounts.
	DefaultScale int32 = 2
)

var hundred = decimal.NewFromInt(100)

// addressRegex matches a 0x-prefixed 40-hex-digit recipient address.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is a well-formed recipient address.
func ValidAddress(s string) bool {
	return addressRegex.MatchString(s)
}

// Result is the outcome of one distribution calculation.
type Result struct {
	Allocations      []model.Allocation `json:"allocations"`
	TotalDistributed decimal.Decimal    `json:"total_distributed"`
	Remainder        decimal.Decimal    `json:"remainder"`
	Valid            bool               `json:"valid"`
}

// Calculate converts a total amount and a set of shares into per-recipient
// allocations rounded to scale decimal digits.
//
// Fixed-amount shares are honored first and subtracted from the total; the
// percentage-mode shares divide what remains proportionally. The exact
// rounding residual (total - Σ allocations) is returned as Remainder, never
// silently dropped. Valid is true only when |Remainder| < 10^-scale.
//
// A zero total yields all-zero allocations and Valid == true.
func Calculate(total decimal.Decimal, shares []model.Share, scale int32) (*Result, error) {
	if len(shares) == 0 {
		return nil, ErrNoShares
	}
	if total.IsNegative() {
		return nil, ErrNegativeTotal
	}

	allocations := make([]model.Allocation, len(shares))

	if total.IsZero() {
		for i, s := range shares {
			allocations[i] = model.Allocation{ShareID: s.ID, Recipient: s.Recipient, Amount: decimal.Zero}
		}
		return &Result{
			Allocations:      allocations,
			TotalDistributed: decimal.Zero,
			Remainder:        decimal.Zero,
			Valid:            true,
		}, nil
	}

	// Fixed shares first.
	fixedTotal := decimal.Zero
	for _, s := range shares {
		if s.IsFixedAmount {
			fixedTotal = fixedTotal.Add(s.FixedAmount)
		}
	}
	if fixedTotal.GreaterThan(total) {
		return nil, ErrFixedExceedsTotal
	}
	remaining := total.Sub(fixedTotal)

	distributed := decimal.Zero
	for i, s := range shares {
		var amount decimal.Decimal
		if s.IsFixedAmount {
			amount = s.FixedAmount
		} else {
			amount = remaining.Mul(s.Percentage).Div(hundred).Round(scale)
		}
		allocations[i] = model.Allocation{ShareID: s.ID, Recipient: s.Recipient, Amount: amount}
		distributed = distributed.Add(amount)
	}

	remainder := total.Sub(distributed)
	threshold := decimal.New(1, -scale) // 10^-scale

	return &Result{
		Allocations:      allocations,
		TotalDistributed: distributed,
		Remainder:        remainder,
		Valid:            remainder.Abs().LessThan(threshold),
	}, nil
}

// ApplyRemainder folds the rounding remainder into the allocation at index
// idx (commonly 0, or the platform's own share), making the distribution
// exact. After the call Remainder is zero and TotalDistributed equals the
// original total.
func (r *Result) ApplyRemainder(idx int) error {
	if idx < 0 || idx >= len(r.Allocations) {
		return fmt.Errorf("distribution: remainder target %d out of range", idx)
	}
	r.Allocations[idx].Amount = r.Allocations[idx].Amount.Add(r.Remainder)
	r.TotalDistributed = r.TotalDistributed.Add(r.Remainder)
	r.Remainder = decimal.Zero
	r.Valid = true
	return nil
}

// Error codes reported by Validate.
const (
	CodeDuplicateAddress = "DuplicateAddress"
	CodeInvalidAddress   = "InvalidAddress"
	CodeNegativeShare    = "NegativeShare"
	CodeOverAllocated    = "OverAllocated"
)

// ValidationError is one problem found in a share set.
type ValidationError struct {
	Code    string `json:"code"`
	ShareID string `json:"share_id,omitempty"`
	Message string `json:"message"`
}

// Validation is the full report for a share set. Multiple errors may be
// reported together.
type Validation struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validate checks a share set for duplicate recipients (case-insensitive),
// malformed addresses, negative percentages or fixed amounts, and
// percentage-mode over-allocation beyond 100%. It never fails; it reports.
func Validate(shares []model.Share) Validation {
	var errs []ValidationError

	seen := make(map[string]string, len(shares)) // lowercased address → share id
	pctTotal := decimal.Zero

	for _, s := range shares {
		if !addressRegex.MatchString(s.Recipient) {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidAddress,
				ShareID: s.ID,
				Message: fmt.Sprintf("recipient %q is not a valid address", s.Recipient),
			})
		} else {
			key := strings.ToLower(s.Recipient)
			if prev, ok := seen[key]; ok {
				errs = append(errs, ValidationError{
					Code:    CodeDuplicateAddress,
					ShareID: s.ID,
					Message: fmt.Sprintf("recipient %s already used by share %s", s.Recipient, prev),
				})
			} else {
				seen[key] = s.ID
			}
		}

		if s.Percentage.IsNegative() || s.FixedAmount.IsNegative() {
			errs = append(errs, ValidationError{
				Code:    CodeNegativeShare,
				ShareID: s.ID,
				Message: "percentage and fixed amount must not be negative",
			})
		}

		if !s.IsFixedAmount {
			pctTotal = pctTotal.Add(s.Percentage)
		}
	}

	if pctTotal.Sub(hundred).GreaterThan(BalanceTolerance) {
		errs = append(errs, ValidationError{
			Code:    CodeOverAllocated,
			Message: fmt.Sprintf("percentage shares total %s%%, exceeding 100%%", pctTotal),
		})
	}

	return Validation{Valid: len(errs) == 0, Errors: errs}
}

// Balanced reports whether the percentage-mode shares sum to 100% within
// BalanceTolerance. Unbalanced sets must be rebalanced before committing.
func Balanced(shares []model.Share) bool {
	pctTotal := decimal.Zero
	for _, s := range shares {
		if !s.IsFixedAmount {
			pctTotal = pctTotal.Add(s.Percentage)
		}
	}
	return pctTotal.Sub(hundred).Abs().LessThanOrEqual(BalanceTolerance)
}

// NormalizePercentages rescales a set of weights (any non-negative values)
// to sum to exactly 100. The residual rounding error is added to the first
// entry — exact conservation, at the cost of the first entry not being
// bit-for-bit proportional for adversarial inputs.
//
// A zero or negative weight sum falls back to an equal split.
func NormalizePercentages(weights []decimal.Decimal) []decimal.Decimal {
	if len(weights) == 0 {
		return nil
	}

	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}

	out := make([]decimal.Decimal, len(weights))
	if sum.LessThanOrEqual(decimal.Zero) {
		each := hundred.DivRound(decimal.NewFromInt(int64(len(weights))), PercentScale)
		for i := range out {
			out[i] = each
		}
	} else {
		for i, w := range weights {
			out[i] = w.Mul(hundred).DivRound(sum, PercentScale)
		}
	}

	scaled := decimal.Zero
	for _, p := range out {
		scaled = scaled.Add(p)
	}
	out[0] = out[0].Add(hundred.Sub(scaled))
	return out
}

// AdjustShareAndRedistribute changes one share's percentage and removes the
// delta proportionally from all other unlocked percentage-mode shares.
// Shares whose IDs appear in lockedIDs, and fixed-amount shares, are never
// touched. Shares that would go negative are clamped to zero — which can
// leave the set summing below 100%, so callers must re-validate before
// committing.
//
// A set with a single percentage-mode recipient is returned with only the
// target changed (nothing to rebalance against). If the other unlocked
// shares currently sum to zero, the delta is spread equally among them.
func AdjustShareAndRedistribute(shares []model.Share, targetID string, newPercentage decimal.Decimal, lockedIDs []string) []model.Share {
	locked := make(map[string]bool, len(lockedIDs))
	for _, id := range lockedIDs {
		locked[id] = true
	}

	out := make([]model.Share, len(shares))
	copy(out, shares)

	var delta decimal.Decimal
	found := false
	for i := range out {
		if out[i].ID == targetID {
			delta = newPercentage.Sub(out[i].Percentage)
			out[i].Percentage = newPercentage
			found = true
			break
		}
	}
	if !found || delta.IsZero() {
		return out
	}

	// Collect the shares that absorb the delta.
	var idx []int
	adjustableTotal := decimal.Zero
	for i := range out {
		s := out[i]
		if s.ID == targetID || s.IsFixedAmount || locked[s.ID] {
			continue
		}
		idx = append(idx, i)
		adjustableTotal = adjustableTotal.Add(s.Percentage)
	}
	if len(idx) == 0 {
		return out
	}

	if adjustableTotal.IsZero() {
		// Equal spread, used when all adjustable shares sit at zero.
		each := delta.Neg().DivRound(decimal.NewFromInt(int64(len(idx))), PercentScale)
		for _, i := range idx {
			p := out[i].Percentage.Add(each)
			if p.IsNegative() {
				p = decimal.Zero
			}
			out[i].Percentage = p
		}
		return out
	}

	for _, i := range idx {
		reduction := delta.Mul(out[i].Percentage).DivRound(adjustableTotal, PercentScale)
		p := out[i].Percentage.Sub(reduction)
		if p.IsNegative() {
			p = decimal.Zero
		}
		out[i].Percentage = p
	}
	return out
}

// Equal splits total into count amounts at the given scale, summing to the
// total exactly. The rounding residual lands on the last recipient.
func Equal(total decimal.Decimal, count int, scale int32) ([]decimal.Decimal, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	if total.IsNegative() {
		return nil, ErrNegativeTotal
	}

	base := total.DivRound(decimal.NewFromInt(int64(count)), scale)
	amounts := make([]decimal.Decimal, count)
	running := decimal.Zero
	for i := 0; i < count-1; i++ {
		amounts[i] = base
		running = running.Add(base)
	}
	amounts[count-1] = total.Sub(running)
	return amounts, nil
}
