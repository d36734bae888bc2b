package query_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/rates"
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

func testMarket(asset string) *market.Market {
	m := market.NewMarket(asset, market.RiskParams{
		ReserveFactor:        wadF(100),
		CollateralFactor:     wadF(750),
		LiquidationThreshold: wadF(800),
		LiquidationBonus:     wadF(50),
	}, 1)
	m.Cash = wad(900)
	m.TotalBorrows = wad(100)
	m.TotalSupply = wad(1000)
	return m
}

// testState builds a snapshot with one market and one user who supplied
// 1000 USDC and borrowed 100.
func testState(user uuid.UUID) core.SnapshotState {
	account := ledger.NewUserAccount(user, "USDC")
	account.PrincipalSupply = wad(1000)
	account.PrincipalBorrow = wad(100)

	return core.SnapshotState{
		Sequence: 42,
		Markets:  []*market.Market{testMarket("USDC")},
		Accounts: []*ledger.UserAccount{account},
		Prices: map[string]oracle.Quote{
			"USDC": {Asset: "USDC", Price: fpmath.One(), Block: 1},
		},
	}
}

func newTestService(t *testing.T, user uuid.UUID) (*query.Service, *query.StateView) {
	t.Helper()
	view := query.NewStateView(flatModel())
	view.Update(testState(user))
	svc := query.NewService(nil, view, projection.NewLiquidationFeed(0))
	return svc, view
}

func TestService_ViewNotReady(t *testing.T) {
	view := query.NewStateView(flatModel())
	svc := query.NewService(nil, view, projection.NewLiquidationFeed(0))

	if view.Ready() {
		t.Fatal("view should not be ready before the first update")
	}
	if _, err := svc.GetMarketStats("USDC"); !errors.Is(err, query.ErrViewNotReady) {
		t.Fatalf("expected ErrViewNotReady, got %v", err)
	}
	if _, err := svc.GetHealth(uuid.New()); !errors.Is(err, query.ErrViewNotReady) {
		t.Fatalf("expected ErrViewNotReady, got %v", err)
	}
}

func TestGetMarketStats(t *testing.T) {
	svc, _ := newTestService(t, uuid.New())

	stats, err := svc.GetMarketStats("USDC")
	if err != nil {
		t.Fatalf("GetMarketStats failed: %v", err)
	}
	if stats.Asset != "USDC" || stats.Status != "Active" {
		t.Fatalf("unexpected market identity: %+v", stats)
	}
	if stats.Cash != wad(900).String() {
		t.Errorf("cash = %s, want %s", stats.Cash, wad(900).String())
	}
	if stats.TotalBorrows != wad(100).String() {
		t.Errorf("total_borrows = %s, want %s", stats.TotalBorrows, wad(100).String())
	}
	// 100 borrowed against 1000 total liquidity.
	if stats.Utilization != wadF(100).String() {
		t.Errorf("utilization = %s, want %s", stats.Utilization, wadF(100).String())
	}
	if stats.AsOfSequence != 42 {
		t.Errorf("as_of_sequence = %d, want 42", stats.AsOfSequence)
	}
	// Flat zero-rate model compounds to a zero APY.
	if stats.BorrowAPY != "0" || stats.SupplyAPY != "0" {
		t.Errorf("apy = %s/%s at zero rates, want 0/0", stats.BorrowAPY, stats.SupplyAPY)
	}
}

func TestGetMarketStats_UnknownAsset(t *testing.T) {
	svc, _ := newTestService(t, uuid.New())

	if _, err := svc.GetMarketStats("DOGE"); !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMarkets(t *testing.T) {
	svc, _ := newTestService(t, uuid.New())

	markets, err := svc.ListMarkets()
	if err != nil {
		t.Fatalf("ListMarkets failed: %v", err)
	}
	if len(markets) != 1 || markets[0].Asset != "USDC" {
		t.Fatalf("unexpected market list: %+v", markets)
	}
}

func TestGetPosition_ValuesAtViewIndexes(t *testing.T) {
	user := uuid.New()
	view := query.NewStateView(flatModel())

	state := testState(user)
	// Indexes grew 10% since the account last touched the market, so
	// live balances exceed the stored principals.
	state.Markets[0].SupplyIndex = wadF(1100)
	state.Markets[0].BorrowIndex = wadF(1100)
	view.Update(state)

	svc := query.NewService(nil, view, projection.NewLiquidationFeed(0))
	pos, err := svc.GetPosition(user, "USDC")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if pos.SupplyBalance != wad(1100).String() {
		t.Errorf("supply_balance = %s, want %s", pos.SupplyBalance, wad(1100).String())
	}
	if pos.BorrowBalance != wad(110).String() {
		t.Errorf("borrow_balance = %s, want %s", pos.BorrowBalance, wad(110).String())
	}
	if pos.PrincipalSupply != wad(1000).String() {
		t.Errorf("principal_supply = %s, want %s", pos.PrincipalSupply, wad(1000).String())
	}
}

func TestGetPosition_UnknownUser(t *testing.T) {
	svc, _ := newTestService(t, uuid.New())

	if _, err := svc.GetPosition(uuid.New(), "USDC"); !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPortfolio(t *testing.T) {
	user := uuid.New()
	svc, _ := newTestService(t, user)

	positions, err := svc.GetPortfolio(user)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	if len(positions) != 1 || positions[0].Asset != "USDC" {
		t.Fatalf("unexpected portfolio: %+v", positions)
	}

	empty, err := svc.GetPortfolio(uuid.New())
	if err != nil {
		t.Fatalf("GetPortfolio for untouched user failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty portfolio, got %+v", empty)
	}
}

func TestGetHealth(t *testing.T) {
	user := uuid.New()
	svc, _ := newTestService(t, user)

	health, err := svc.GetHealth(user)
	if err != nil {
		t.Fatalf("GetHealth failed: %v", err)
	}
	// 1000 collateral at factor 0.75 against 100 debt, price 1.0.
	if health.BorrowCapacity != wad(750).String() {
		t.Errorf("borrow_capacity = %s, want %s", health.BorrowCapacity, wad(750).String())
	}
	if health.BorrowValue != wad(100).String() {
		t.Errorf("borrow_value = %s, want %s", health.BorrowValue, wad(100).String())
	}
	if health.Liquidatable {
		t.Error("healthy user flagged liquidatable")
	}
	// threshold collateral 800 / debt 100 = 8.0
	if health.HealthFactor != wad(8).String() {
		t.Errorf("health_factor = %s, want %s", health.HealthFactor, wad(8).String())
	}
}

func TestGetHealth_DebtFreeOmitsHealthFactor(t *testing.T) {
	user := uuid.New()
	view := query.NewStateView(flatModel())

	state := testState(user)
	state.Accounts[0].PrincipalBorrow = new(big.Int)
	view.Update(state)

	svc := query.NewService(nil, view, projection.NewLiquidationFeed(0))
	health, err := svc.GetHealth(user)
	if err != nil {
		t.Fatalf("GetHealth failed: %v", err)
	}
	if health.HealthFactor != "" {
		t.Errorf("debt-free user should have no health factor, got %s", health.HealthFactor)
	}
	if health.Liquidatable {
		t.Error("debt-free user flagged liquidatable")
	}
}

func TestUpdate_IsolatesViewFromSource(t *testing.T) {
	user := uuid.New()
	view := query.NewStateView(flatModel())

	state := testState(user)
	view.Update(state)

	// Mutations to the snapshot after Update must not leak into reads.
	state.Markets[0].Cash.SetInt64(0)
	state.Accounts[0].PrincipalSupply.SetInt64(0)

	svc := query.NewService(nil, view, projection.NewLiquidationFeed(0))
	stats, err := svc.GetMarketStats("USDC")
	if err != nil {
		t.Fatalf("GetMarketStats failed: %v", err)
	}
	if stats.Cash != wad(900).String() {
		t.Errorf("view cash mutated through source: got %s", stats.Cash)
	}
	pos, err := svc.GetPosition(user, "USDC")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if pos.PrincipalSupply != wad(1000).String() {
		t.Errorf("view principal mutated through source: got %s", pos.PrincipalSupply)
	}
}

func TestUpdate_SwapsAtomically(t *testing.T) {
	user := uuid.New()
	view := query.NewStateView(flatModel())
	view.Update(testState(user))

	next := testState(user)
	next.Sequence = 43
	next.Markets[0].Cash = wad(950)
	view.Update(next)

	svc := query.NewService(nil, view, projection.NewLiquidationFeed(0))
	stats, err := svc.GetMarketStats("USDC")
	if err != nil {
		t.Fatalf("GetMarketStats failed: %v", err)
	}
	if stats.AsOfSequence != 43 {
		t.Errorf("as_of_sequence = %d, want 43", stats.AsOfSequence)
	}
	if stats.Cash != wad(950).String() {
		t.Errorf("cash = %s, want %s", stats.Cash, wad(950).String())
	}
}
