package rates_test

import (
	"math/big"
	"testing"

	"LendLedger/internal/rates"
)

func wadFrac(num, den int64) *big.Int {
	w := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	v := new(big.Int).Mul(big.NewInt(num), w)
	return v.Quo(v, big.NewInt(den))
}

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestUtilization_ZeroDenominator(t *testing.T) {
	u := rates.Utilization(big.NewInt(0), big.NewInt(0), big.NewInt(0))
	if u.Sign() != 0 {
		t.Errorf("empty market utilization: got %s, want 0", u)
	}
}

func TestUtilization_Basic(t *testing.T) {
	// cash=8000, borrows=2000, reserves=0 -> u = 0.2
	u := rates.Utilization(wad(8000), wad(2000), big.NewInt(0))
	if u.Cmp(wadFrac(1, 5)) != 0 {
		t.Errorf("got %s, want %s", u, wadFrac(1, 5))
	}
}

func TestUtilization_ReservesReduceDenominator(t *testing.T) {
	// cash=500, borrows=500, reserves=200 -> u = 500/800 = 0.625
	u := rates.Utilization(wad(500), wad(500), wad(200))
	if u.Cmp(wadFrac(625, 1000)) != 0 {
		t.Errorf("got %s, want %s", u, wadFrac(625, 1000))
	}
}

func TestBorrowRate_BelowKink(t *testing.T) {
	m := rates.NewModel(wadFrac(1, 100), wadFrac(10, 100), wadFrac(50, 100), wadFrac(80, 100))

	// u = 0.5: rate = 0.01 + 0.5*0.10 = 0.06
	rate := m.BorrowRate(wadFrac(50, 100))
	if rate.Cmp(wadFrac(6, 100)) != 0 {
		t.Errorf("got %s, want %s", rate, wadFrac(6, 100))
	}
}

func TestBorrowRate_AtKink(t *testing.T) {
	m := rates.NewModel(wadFrac(1, 100), wadFrac(10, 100), wadFrac(50, 100), wadFrac(80, 100))

	// u = 0.8: rate = 0.01 + 0.8*0.10 = 0.09, jump slope not yet applied
	rate := m.BorrowRate(wadFrac(80, 100))
	if rate.Cmp(wadFrac(9, 100)) != 0 {
		t.Errorf("got %s, want %s", rate, wadFrac(9, 100))
	}
}

func TestBorrowRate_AboveKink(t *testing.T) {
	m := rates.NewModel(wadFrac(1, 100), wadFrac(10, 100), wadFrac(50, 100), wadFrac(80, 100))

	// u = 0.9: rate = 0.01 + 0.8*0.10 + 0.1*0.50 = 0.14
	rate := m.BorrowRate(wadFrac(90, 100))
	if rate.Cmp(wadFrac(14, 100)) != 0 {
		t.Errorf("got %s, want %s", rate, wadFrac(14, 100))
	}
}

func TestBorrowRate_ZeroUtilization(t *testing.T) {
	m := rates.NewModel(wadFrac(2, 100), wadFrac(10, 100), wadFrac(50, 100), wadFrac(80, 100))

	rate := m.BorrowRate(big.NewInt(0))
	if rate.Cmp(wadFrac(2, 100)) != 0 {
		t.Errorf("zero utilization should return base rate, got %s", rate)
	}
}

func TestRates_SupplyRate(t *testing.T) {
	m := rates.NewModel(big.NewInt(0), wadFrac(10, 100), wadFrac(50, 100), wadFrac(80, 100))

	// cash=5000, borrows=5000, reserves=0 -> u=0.5, borrowRate=0.05
	// supplyRate = 0.05 * 0.5 * (1 - 0.1) = 0.0225
	borrowRate, supplyRate := m.Rates(wad(5000), wad(5000), big.NewInt(0), wadFrac(10, 100))

	if borrowRate.Cmp(wadFrac(5, 100)) != 0 {
		t.Errorf("borrow rate: got %s, want %s", borrowRate, wadFrac(5, 100))
	}
	if supplyRate.Cmp(wadFrac(225, 10000)) != 0 {
		t.Errorf("supply rate: got %s, want %s", supplyRate, wadFrac(225, 10000))
	}
}

func TestRates_EmptyMarket(t *testing.T) {
	m := rates.NewModel(wadFrac(2, 100), wadFrac(10, 100), wadFrac(50, 100), wadFrac(80, 100))

	borrowRate, supplyRate := m.Rates(big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0))
	if borrowRate.Cmp(wadFrac(2, 100)) != 0 {
		t.Errorf("empty market borrow rate should be base rate, got %s", borrowRate)
	}
	if supplyRate.Sign() != 0 {
		t.Errorf("empty market supply rate should be 0, got %s", supplyRate)
	}
}
