package risk_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
	"LendLedger/internal/rates"
	"LendLedger/internal/risk"
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.Wad)
}

// wadF builds n/1000 units, e.g. wadF(750) == 0.75
func wadF(n int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(n), fpmath.Wad)
	return v.Quo(v, big.NewInt(1000))
}

func flatModel() *rates.Model {
	return rates.NewModel(new(big.Int), new(big.Int), new(big.Int), fpmath.One())
}

type fixture struct {
	registry *market.Registry
	accounts *ledger.Accounts
	prices   *oracle.Table
	calc     *risk.Calculator
	user     uuid.UUID
}

// newFixture builds the worked two-market scenario: the user supplies
// 1000 A (collateral_factor 0.75, liquidation_threshold 0.8) and borrows
// 700 B, both priced at 1.0.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := market.NewRegistry(flatModel())
	if _, err := registry.Add("A", market.RiskParams{
		ReserveFactor:        wadF(100),
		CollateralFactor:     wadF(750),
		LiquidationThreshold: wadF(800),
		LiquidationBonus:     wadF(50),
	}, 1); err != nil {
		t.Fatalf("add market A: %v", err)
	}
	if _, err := registry.Add("B", market.RiskParams{
		ReserveFactor:        wadF(100),
		CollateralFactor:     wadF(750),
		LiquidationThreshold: wadF(800),
		LiquidationBonus:     wadF(50),
	}, 1); err != nil {
		t.Fatalf("add market B: %v", err)
	}

	accounts := ledger.NewAccounts()
	user := uuid.New()
	a := accounts.GetOrCreate(user, "A")
	a.PrincipalSupply = wad(1000)
	b := accounts.GetOrCreate(user, "B")
	b.PrincipalBorrow = wad(700)

	prices := oracle.NewTable()
	prices.Set("A", fpmath.One(), 1)
	prices.Set("B", fpmath.One(), 1)

	return &fixture{
		registry: registry,
		accounts: accounts,
		prices:   prices,
		calc:     risk.NewCalculator(registry, accounts, prices),
		user:     user,
	}
}

func TestSnapshot_HealthyAtInitialPrices(t *testing.T) {
	f := newFixture(t)

	snap, err := f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snap.BorrowCapacity.Cmp(wad(750)) != 0 {
		t.Errorf("capacity: got %s, want %s", snap.BorrowCapacity, wad(750))
	}
	if snap.LiquidationCollateral.Cmp(wad(800)) != 0 {
		t.Errorf("liquidation collateral: got %s, want %s", snap.LiquidationCollateral, wad(800))
	}
	if snap.BorrowValue.Cmp(wad(700)) != 0 {
		t.Errorf("borrow value: got %s, want %s", snap.BorrowValue, wad(700))
	}

	// health_factor = 800/700 ≈ 1.1428
	hf, finite := snap.HealthFactor()
	if !finite {
		t.Fatal("health factor reported infinite with open debt")
	}
	if hf.Cmp(fpmath.Wad) <= 0 {
		t.Errorf("health factor %s should exceed 1.0", hf)
	}
	if snap.Liquidatable() {
		t.Error("healthy position reported liquidatable")
	}
}

func TestSnapshot_PriceDropMakesLiquidatable(t *testing.T) {
	f := newFixture(t)

	// price of A drops to 0.80: 1000*0.8*0.8/700 ≈ 0.914
	f.prices.Set("A", wadF(800), 2)

	snap, err := f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	hf, finite := snap.HealthFactor()
	if !finite {
		t.Fatal("health factor reported infinite with open debt")
	}
	if hf.Cmp(fpmath.Wad) >= 0 {
		t.Errorf("health factor %s should be below 1.0", hf)
	}
	if !snap.Liquidatable() {
		t.Error("under-collateralized position not reported liquidatable")
	}
}

func TestSnapshot_NoDebtIsInfinitelyHealthy(t *testing.T) {
	f := newFixture(t)
	b, _ := f.accounts.Lookup(f.user, "B")
	b.PrincipalBorrow = new(big.Int)

	snap, err := f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if _, finite := snap.HealthFactor(); finite {
		t.Error("debt-free position reported a finite health factor")
	}
	if snap.Liquidatable() {
		t.Error("debt-free position reported liquidatable")
	}
}

func TestSnapshot_MissingPriceFailsValuation(t *testing.T) {
	f := newFixture(t)
	c := f.accounts.GetOrCreate(f.user, "C")
	c.PrincipalSupply = wad(5)
	if _, err := f.registry.Add("C", market.RiskParams{
		ReserveFactor:        wadF(100),
		CollateralFactor:     wadF(500),
		LiquidationThreshold: wadF(600),
		LiquidationBonus:     wadF(50),
	}, 1); err != nil {
		t.Fatalf("add market C: %v", err)
	}

	_, err := f.calc.Snapshot(f.user)
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Errorf("got %v, want ErrPriceUnavailable", err)
	}
}

func TestSnapshot_CapacityGatesExtraDebt(t *testing.T) {
	f := newFixture(t)

	snap, err := f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// capacity 750, debt 700: 50 more fits, 51 does not
	if !snap.CoversAdditionalDebt(wad(50)) {
		t.Error("capacity should cover 50 more units of debt")
	}
	if snap.CoversAdditionalDebt(wad(51)) {
		t.Error("capacity should not cover 51 more units of debt")
	}
}

func TestLiquidator_PlanSeizure(t *testing.T) {
	f := newFixture(t)
	f.prices.Set("A", wadF(800), 2)

	snap, err := f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	liq := risk.NewLiquidator(risk.Params{CloseFactor: wadF(500)})
	collateralMarket, _ := f.registry.Get("A")
	borrowQuote, _ := f.prices.Quote("B")
	collateralQuote, _ := f.prices.Quote("A")

	// repay 350 B at close factor 0.5 on a 700 borrow
	plan, err := liq.PlanSeizure(snap, collateralMarket, borrowQuote, collateralQuote,
		wad(700), wad(1000), wad(350), 2)
	if err != nil {
		t.Fatalf("PlanSeizure failed: %v", err)
	}
	if plan.Repay.Cmp(wad(350)) != 0 {
		t.Errorf("repay: got %s, want %s", plan.Repay, wad(350))
	}

	// seize = 350 * 1.0 * 1.05 / 0.80 = 459.375 A
	wantSeize := new(big.Int).Mul(big.NewInt(459375), fpmath.Wad)
	wantSeize.Quo(wantSeize, big.NewInt(1000))
	if plan.Seize.Cmp(wantSeize) != 0 {
		t.Errorf("seize: got %s, want %s", plan.Seize, wantSeize)
	}
}

func TestLiquidator_RepayCapAndEligibility(t *testing.T) {
	f := newFixture(t)
	liq := risk.NewLiquidator(risk.Params{CloseFactor: wadF(500)})
	collateralMarket, _ := f.registry.Get("A")
	borrowQuote, _ := f.prices.Quote("B")
	collateralQuote, _ := f.prices.Quote("A")

	// healthy position refuses liquidation
	snap, err := f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	_, err = liq.PlanSeizure(snap, collateralMarket, borrowQuote, collateralQuote,
		wad(700), wad(1000), wad(100), 2)
	if !errors.Is(err, risk.ErrNotLiquidatable) {
		t.Fatalf("got %v, want ErrNotLiquidatable", err)
	}

	// over the close-factor cap
	f.prices.Set("A", wadF(800), 2)
	collateralQuote, _ = f.prices.Quote("A")
	snap, err = f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	_, err = liq.PlanSeizure(snap, collateralMarket, borrowQuote, collateralQuote,
		wad(700), wad(1000), wad(351), 2)
	if !errors.Is(err, risk.ErrRepayTooLarge) {
		t.Errorf("got %v, want ErrRepayTooLarge", err)
	}
}

func TestLiquidator_SeizureCappedAtCollateralBalance(t *testing.T) {
	f := newFixture(t)
	f.prices.Set("A", wadF(800), 2)

	snap, err := f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	liq := risk.NewLiquidator(risk.Params{CloseFactor: wadF(500)})
	collateralMarket, _ := f.registry.Get("A")
	borrowQuote, _ := f.prices.Quote("B")
	collateralQuote, _ := f.prices.Quote("A")

	// only 100 A of collateral available: seize is clamped
	plan, err := liq.PlanSeizure(snap, collateralMarket, borrowQuote, collateralQuote,
		wad(700), wad(100), wad(350), 2)
	if err != nil {
		t.Fatalf("PlanSeizure failed: %v", err)
	}
	if plan.Seize.Cmp(wad(100)) != 0 {
		t.Errorf("seize: got %s, want cap %s", plan.Seize, wad(100))
	}
}

func TestLiquidator_StalePriceBound(t *testing.T) {
	f := newFixture(t)
	f.prices.Set("A", wadF(800), 2)

	snap, err := f.calc.Snapshot(f.user)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	liq := risk.NewLiquidator(risk.Params{CloseFactor: wadF(500), MaxPriceAge: 10})
	collateralMarket, _ := f.registry.Get("A")
	borrowQuote, _ := f.prices.Quote("B") // posted at block 1
	collateralQuote, _ := f.prices.Quote("A")

	_, err = liq.PlanSeizure(snap, collateralMarket, borrowQuote, collateralQuote,
		wad(700), wad(1000), wad(350), 50)
	if !errors.Is(err, risk.ErrPriceStale) {
		t.Errorf("got %v, want ErrPriceStale", err)
	}

	// within the bound it passes
	if _, err := liq.PlanSeizure(snap, collateralMarket, borrowQuote, collateralQuote,
		wad(700), wad(1000), wad(350), 11); err != nil {
		t.Errorf("fresh enough quotes rejected: %v", err)
	}
}

func TestLiquidator_SetCloseFactor(t *testing.T) {
	liq := risk.NewLiquidator(risk.Params{CloseFactor: wadF(500)})

	if err := liq.SetCloseFactor(new(big.Int)); err == nil {
		t.Error("zero close factor accepted")
	}
	over := new(big.Int).Add(fpmath.Wad, big.NewInt(1))
	if err := liq.SetCloseFactor(over); err == nil {
		t.Error("close factor above 1 accepted")
	}
	if err := liq.SetCloseFactor(wadF(250)); err != nil {
		t.Fatalf("SetCloseFactor failed: %v", err)
	}
	if liq.CloseFactor().Cmp(wadF(250)) != 0 {
		t.Errorf("close factor: got %s, want %s", liq.CloseFactor(), wadF(250))
	}
}
