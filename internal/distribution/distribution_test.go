package distribution

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pctShare(id string, addr string, pct float64) model.Share {
	return model.Share{ID: id, Recipient: addr, Percentage: d(pct)}
}

func fixedShare(id string, addr string, amount float64) model.Share {
	return model.Share{ID: id, Recipient: addr, FixedAmount: d(amount), IsFixedAmount: true}
}

const (
	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	addrC = "0xcccccccccccccccccccccccccccccccccccccccc"
	addrD = "0xdddddddddddddddddddddddddddddddddddddddd"
)

// --- Calculate ---

func TestCalculate_EmptyShares(t *testing.T) {
	_, err := Calculate(d(100), nil, 2)
	if err != ErrNoShares {
		t.Errorf("expected ErrNoShares, got %v", err)
	}
}

func TestCalculate_NegativeTotal(t *testing.T) {
	_, err := Calculate(d(-1), []model.Share{pctShare("s1", addrA, 100)}, 2)
	if err != ErrNegativeTotal {
		t.Errorf("expected ErrNegativeTotal, got %v", err)
	}
}

func TestCalculate_ZeroTotal(t *testing.T) {
	res, err := Calculate(decimal.Zero, []model.Share{
		pctShare("s1", addrA, 60),
		pctShare("s2", addrB, 40),
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Error("zero total should be valid")
	}
	for _, a := range res.Allocations {
		if !a.Amount.IsZero() {
			t.Errorf("allocation for %s should be zero, got %s", a.ShareID, a.Amount)
		}
	}
}

func TestCalculate_Conservation(t *testing.T) {
	// totalDistributed + remainder must equal the total exactly,
	// including awkward splits that do not round cleanly.
	tests := []struct {
		name   string
		total  float64
		shares []model.Share
		scale  int32
	}{
		{"even split", 100, []model.Share{
			pctShare("s1", addrA, 50), pctShare("s2", addrB, 50)}, 2},
		{"thirds", 100, []model.Share{
			pctShare("s1", addrA, 33.33), pctShare("s2", addrB, 33.33), pctShare("s3", addrC, 33.34)}, 2},
		{"sevenths", 1, []model.Share{
			pctShare("s1", addrA, 14.29), pctShare("s2", addrB, 14.29), pctShare("s3", addrC, 71.42)}, 6},
		{"fixed plus pct", 250, []model.Share{
			fixedShare("s1", addrA, 99.99), pctShare("s2", addrB, 66.67), pctShare("s3", addrC, 33.33)}, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			total := d(tc.total)
			res, err := Calculate(total, tc.shares, tc.scale)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			sum := res.TotalDistributed.Add(res.Remainder)
			if !sum.Equal(total) {
				t.Errorf("conservation violated: distributed %s + remainder %s != total %s",
					res.TotalDistributed, res.Remainder, total)
			}
		})
	}
}

func TestCalculate_FixedHonoredFirst(t *testing.T) {
	res, err := Calculate(d(100), []model.Share{
		fixedShare("s1", addrA, 20),
		pctShare("s2", addrB, 50),
		pctShare("s3", addrC, 50),
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allocations[0].Amount.Equal(d(20)) {
		t.Errorf("fixed share should get exactly 20, got %s", res.Allocations[0].Amount)
	}
	// Percentage shares divide the remaining 80.
	if !res.Allocations[1].Amount.Equal(d(40)) || !res.Allocations[2].Amount.Equal(d(40)) {
		t.Errorf("pct shares should split remaining 80 evenly, got %s and %s",
			res.Allocations[1].Amount, res.Allocations[2].Amount)
	}
	if !res.Valid {
		t.Errorf("expected valid result, remainder=%s", res.Remainder)
	}
}

func TestCalculate_FixedExceedsTotal(t *testing.T) {
	_, err := Calculate(d(50), []model.Share{
		fixedShare("s1", addrA, 80),
		pctShare("s2", addrB, 100),
	}, 2)
	if err != ErrFixedExceedsTotal {
		t.Errorf("expected ErrFixedExceedsTotal, got %v", err)
	}
}

func TestCalculate_RemainderSurfaced(t *testing.T) {
	// 100 split three ways at 33.33% each leaves 0.01 unassigned plus the
	// 0.01% hole: the engine must surface it, not drop it.
	res, err := Calculate(d(100), []model.Share{
		pctShare("s1", addrA, 33.33),
		pctShare("s2", addrB, 33.33),
		pctShare("s3", addrC, 33.33),
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Remainder.IsZero() {
		t.Fatal("expected a non-zero remainder for 3x33.33%")
	}
	if !res.TotalDistributed.Add(res.Remainder).Equal(d(100)) {
		t.Error("remainder does not reconcile against total")
	}
}

func TestApplyRemainder(t *testing.T) {
	res, err := Calculate(d(100), []model.Share{
		pctShare("s1", addrA, 33.33),
		pctShare("s2", addrB, 33.33),
		pctShare("s3", addrC, 33.34),
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := res.Allocations[0].Amount
	rem := res.Remainder

	if err := res.ApplyRemainder(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Remainder.IsZero() {
		t.Errorf("remainder should be zero after attribution, got %s", res.Remainder)
	}
	if !res.TotalDistributed.Equal(d(100)) {
		t.Errorf("distributed should equal total after attribution, got %s", res.TotalDistributed)
	}
	if !res.Allocations[0].Amount.Equal(before.Add(rem)) {
		t.Errorf("first allocation should absorb the remainder")
	}

	if err := res.ApplyRemainder(99); err == nil {
		t.Error("expected range error for out-of-range index")
	}
}

// --- Validate ---

func TestValidate_CleanSet(t *testing.T) {
	v := Validate([]model.Share{
		pctShare("s1", addrA, 60),
		pctShare("s2", addrB, 40),
	})
	if !v.Valid || len(v.Errors) != 0 {
		t.Errorf("expected clean validation, got %+v", v.Errors)
	}
}

func TestValidate_DuplicateAddressCaseInsensitive(t *testing.T) {
	upper := "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	v := Validate([]model.Share{
		pctShare("s1", addrA, 50),
		pctShare("s2", upper, 50),
	})
	if v.Valid {
		t.Fatal("expected duplicate-address rejection")
	}
	if v.Errors[0].Code != CodeDuplicateAddress {
		t.Errorf("expected %s, got %s", CodeDuplicateAddress, v.Errors[0].Code)
	}
}

func TestValidate_InvalidAddress(t *testing.T) {
	v := Validate([]model.Share{pctShare("s1", "not-an-address", 100)})
	if v.Valid || v.Errors[0].Code != CodeInvalidAddress {
		t.Errorf("expected InvalidAddress, got %+v", v)
	}
}

func TestValidate_NegativeShare(t *testing.T) {
	v := Validate([]model.Share{
		pctShare("s1", addrA, -10),
		pctShare("s2", addrB, 110),
	})
	if v.Valid {
		t.Fatal("expected rejection")
	}
	found := false
	for _, e := range v.Errors {
		if e.Code == CodeNegativeShare && e.ShareID == "s1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected NegativeShare for s1, got %+v", v.Errors)
	}
}

func TestValidate_OverAllocated(t *testing.T) {
	v := Validate([]model.Share{
		pctShare("s1", addrA, 70),
		pctShare("s2", addrB, 40),
	})
	if v.Valid {
		t.Fatal("expected rejection")
	}
	found := false
	for _, e := range v.Errors {
		if e.Code == CodeOverAllocated {
			found = true
		}
	}
	if !found {
		t.Errorf("expected OverAllocated, got %+v", v.Errors)
	}
}

func TestValidate_MultipleErrorsReportedTogether(t *testing.T) {
	v := Validate([]model.Share{
		pctShare("s1", "bogus", -5),
		pctShare("s2", addrA, 120),
	})
	if len(v.Errors) < 3 {
		t.Errorf("expected invalid address + negative share + over-allocated, got %+v", v.Errors)
	}
}

func TestBalanced(t *testing.T) {
	if !Balanced([]model.Share{pctShare("s1", addrA, 60), pctShare("s2", addrB, 40)}) {
		t.Error("60/40 should be balanced")
	}
	if !Balanced([]model.Share{pctShare("s1", addrA, 60), pctShare("s2", addrB, 39.995)}) {
		t.Error("sum within the 0.01 tolerance should be balanced")
	}
	if Balanced([]model.Share{pctShare("s1", addrA, 60), pctShare("s2", addrB, 30)}) {
		t.Error("90 total should not be balanced")
	}
}

// --- NormalizePercentages ---

func TestNormalizePercentages_SumsToExactlyHundred(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
	}{
		{"already percentages", []float64{60, 40}},
		{"arbitrary weights", []float64{1, 1, 1}},
		{"lopsided", []float64{7, 13, 29, 51}},
		{"tiny weights", []float64{0.0001, 0.0002, 0.0003}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := make([]decimal.Decimal, len(tc.weights))
			for i, w := range tc.weights {
				in[i] = d(w)
			}
			out := NormalizePercentages(in)

			sum := decimal.Zero
			for _, p := range out {
				sum = sum.Add(p)
			}
			if !sum.Equal(d(100)) {
				t.Errorf("normalized percentages sum to %s, want exactly 100", sum)
			}
		})
	}
}

func TestNormalizePercentages_ZeroSumFallsBackToEqual(t *testing.T) {
	out := NormalizePercentages([]decimal.Decimal{decimal.Zero, decimal.Zero})
	sum := out[0].Add(out[1])
	if !sum.Equal(d(100)) {
		t.Errorf("expected equal-split fallback summing to 100, got %s", sum)
	}
}

func TestNormalizePercentages_Empty(t *testing.T) {
	if out := NormalizePercentages(nil); out != nil {
		t.Errorf("expected nil for empty input, got %v", out)
	}
}

// --- AdjustShareAndRedistribute ---

func TestAdjust_DeltaRemovedProportionally(t *testing.T) {
	shares := []model.Share{
		pctShare("s1", addrA, 50),
		pctShare("s2", addrB, 30),
		pctShare("s3", addrC, 20),
	}
	// Raise s1 from 50 to 60; the 10-point delta comes from s2 and s3 in
	// a 30:20 ratio → s2 loses 6, s3 loses 4.
	out := AdjustShareAndRedistribute(shares, "s1", d(60), nil)

	if !out[0].Percentage.Equal(d(60)) {
		t.Errorf("target should be 60, got %s", out[0].Percentage)
	}
	if !out[1].Percentage.Equal(d(24)) {
		t.Errorf("s2 should drop to 24, got %s", out[1].Percentage)
	}
	if !out[2].Percentage.Equal(d(16)) {
		t.Errorf("s3 should drop to 16, got %s", out[2].Percentage)
	}
}

func TestAdjust_LockedSharesUntouched(t *testing.T) {
	shares := []model.Share{
		pctShare("s1", addrA, 40),
		pctShare("s2", addrB, 30),
		pctShare("s3", addrC, 30),
	}
	out := AdjustShareAndRedistribute(shares, "s1", d(60), []string{"s2"})

	if !out[1].Percentage.Equal(d(30)) {
		t.Errorf("locked share must keep its percentage, got %s", out[1].Percentage)
	}
	if !out[2].Percentage.Equal(d(10)) {
		t.Errorf("unlocked share should absorb the full delta, got %s", out[2].Percentage)
	}
}

func TestAdjust_FixedSharesUntouched(t *testing.T) {
	shares := []model.Share{
		pctShare("s1", addrA, 50),
		fixedShare("s2", addrB, 25),
		pctShare("s3", addrC, 50),
	}
	out := AdjustShareAndRedistribute(shares, "s1", d(70), nil)

	if !out[1].FixedAmount.Equal(d(25)) || !out[1].Percentage.IsZero() {
		t.Error("fixed share must never be rebalanced")
	}
	if !out[2].Percentage.Equal(d(30)) {
		t.Errorf("s3 should drop to 30, got %s", out[2].Percentage)
	}
}

func TestAdjust_ClampsAtZero(t *testing.T) {
	shares := []model.Share{
		pctShare("s1", addrA, 90),
		pctShare("s2", addrB, 10),
	}
	// s2 cannot absorb 15 points; it clamps to zero and the set sums < 100.
	out := AdjustShareAndRedistribute(shares, "s1", d(105), nil)

	if out[1].Percentage.IsNegative() {
		t.Errorf("share must clamp at zero, got %s", out[1].Percentage)
	}
	if !out[1].Percentage.IsZero() {
		t.Errorf("expected clamp to zero, got %s", out[1].Percentage)
	}
}

func TestAdjust_SingleRecipientSkipsRebalance(t *testing.T) {
	shares := []model.Share{pctShare("s1", addrA, 100)}
	out := AdjustShareAndRedistribute(shares, "s1", d(80), nil)
	if !out[0].Percentage.Equal(d(80)) {
		t.Errorf("target should change to 80, got %s", out[0].Percentage)
	}
}

func TestAdjust_ZeroTotalFallsBackToEqualSplit(t *testing.T) {
	shares := []model.Share{
		pctShare("s1", addrA, 100),
		pctShare("s2", addrB, 0),
		pctShare("s3", addrC, 0),
	}
	// Lowering s1 to 60 frees 40 points, spread equally over s2 and s3.
	out := AdjustShareAndRedistribute(shares, "s1", d(60), nil)

	if !out[1].Percentage.Equal(d(20)) || !out[2].Percentage.Equal(d(20)) {
		t.Errorf("expected equal split of freed delta, got %s and %s",
			out[1].Percentage, out[2].Percentage)
	}
}

func TestAdjust_DoesNotMutateInput(t *testing.T) {
	shares := []model.Share{
		pctShare("s1", addrA, 50),
		pctShare("s2", addrB, 50),
	}
	AdjustShareAndRedistribute(shares, "s1", d(70), nil)
	if !shares[0].Percentage.Equal(d(50)) || !shares[1].Percentage.Equal(d(50)) {
		t.Error("input slice must not be mutated")
	}
}

// --- Equal ---

func TestEqual_ExactSum(t *testing.T) {
	amounts, err := Equal(d(100), 3, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	if !sum.Equal(d(100)) {
		t.Errorf("equal split must sum to exactly 100.00, got %s", sum)
	}
	// Remainder lands on the last recipient.
	if !amounts[0].Equal(d(33.33)) || !amounts[1].Equal(d(33.33)) || !amounts[2].Equal(d(33.34)) {
		t.Errorf("expected 33.33/33.33/33.34, got %s/%s/%s", amounts[0], amounts[1], amounts[2])
	}
}

func TestEqual_InvalidCount(t *testing.T) {
	if _, err := Equal(d(100), 0, 2); err != ErrInvalidCount {
		t.Errorf("expected ErrInvalidCount, got %v", err)
	}
}
