package ingestion_test

import (
	"encoding/json"
	"math/big"
	"testing"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
)

func marshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseSupply(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":    "550e8400-e29b-41d4-a716-446655440000",
		"user_id":  "660e8400-e29b-41d4-a716-446655440001",
		"asset":    "USDC",
		"amount":   "1500000000000000000000",
		"block":    uint64(120),
		"sequence": int64(42),
	}

	op, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "Supply")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	s, ok := op.(*event.Supply)
	if !ok {
		t.Fatalf("expected *event.Supply, got %T", op)
	}

	if s.Asset != "USDC" {
		t.Errorf("asset: got %s, want USDC", s.Asset)
	}
	want, _ := new(big.Int).SetString("1500000000000000000000", 10)
	if s.Amount.Cmp(want) != 0 {
		t.Errorf("amount: got %s, want %s", s.Amount, want)
	}
	if s.Block != 120 {
		t.Errorf("block: got %d, want 120", s.Block)
	}
	if s.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", s.Sequence)
	}
	if s.OpType() != event.OpTypeSupply {
		t.Errorf("op type: got %v, want Supply", s.OpType())
	}
}

func TestParseBorrow(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":    "550e8400-e29b-41d4-a716-446655440000",
		"user_id":  "660e8400-e29b-41d4-a716-446655440001",
		"asset":    "WETH",
		"amount":   "2000000000000000000",
		"block":    uint64(7),
		"sequence": int64(3),
	}

	op, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "Borrow")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	b, ok := op.(*event.Borrow)
	if !ok {
		t.Fatalf("expected *event.Borrow, got %T", op)
	}
	if b.Asset != "WETH" {
		t.Errorf("asset: got %s, want WETH", b.Asset)
	}
	if b.Amount.Cmp(big.NewInt(2_000_000_000_000_000_000)) != 0 {
		t.Errorf("amount: got %s, want 2e18", b.Amount)
	}
	if m := b.MarketID(); m == nil || *m != "WETH" {
		t.Errorf("market id: got %v, want WETH", m)
	}
}

func TestParseLiquidate(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":            "550e8400-e29b-41d4-a716-446655440000",
		"liquidator_id":    "660e8400-e29b-41d4-a716-446655440001",
		"borrower_id":      "770e8400-e29b-41d4-a716-446655440002",
		"repay_asset":      "USDC",
		"repay_amount":     "350000000000000000000",
		"collateral_asset": "WETH",
		"block":            uint64(9000),
		"sequence":         int64(17),
	}

	op, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "Liquidate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	l, ok := op.(*event.Liquidate)
	if !ok {
		t.Fatalf("expected *event.Liquidate, got %T", op)
	}
	if l.RepayAsset != "USDC" || l.CollateralAsset != "WETH" {
		t.Errorf("assets: got %s/%s, want USDC/WETH", l.RepayAsset, l.CollateralAsset)
	}
	if l.LiquidatorID == l.BorrowerID {
		t.Error("liquidator and borrower ids must differ")
	}
	want, _ := new(big.Int).SetString("350000000000000000000", 10)
	if l.RepayAmount.Cmp(want) != 0 {
		t.Errorf("repay amount: got %s, want %s", l.RepayAmount, want)
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"asset":          "WETH",
		"price":          "1850000000000000000000",
		"block":          uint64(500),
		"price_sequence": int64(1001),
	}

	op, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	p, ok := op.(*event.PriceUpdate)
	if !ok {
		t.Fatalf("expected *event.PriceUpdate, got %T", op)
	}
	if p.PriceSequence != 1001 {
		t.Errorf("price_sequence: got %d, want 1001", p.PriceSequence)
	}
	want, _ := new(big.Int).SetString("1850000000000000000000", 10)
	if p.Price.Cmp(want) != 0 {
		t.Errorf("price: got %s, want %s", p.Price, want)
	}
}

func TestParseAddMarket_ScalesFractions(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":                 "550e8400-e29b-41d4-a716-446655440000",
		"asset":                 "WETH",
		"reserve_factor":        "0.1",
		"collateral_factor":     "0.75",
		"liquidation_threshold": "0.8",
		"liquidation_bonus":     "0.05",
		"block":                 uint64(1),
		"sequence":              int64(1),
	}

	op, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "AddMarket")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	am, ok := op.(*event.AddMarket)
	if !ok {
		t.Fatalf("expected *event.AddMarket, got %T", op)
	}

	checks := []struct {
		name string
		got  *big.Int
		want string
	}{
		{"reserve_factor", am.ReserveFactor, "100000000000000000"},
		{"collateral_factor", am.CollateralFactor, "750000000000000000"},
		{"liquidation_threshold", am.LiquidationThreshold, "800000000000000000"},
		{"liquidation_bonus", am.LiquidationBonus, "50000000000000000"},
	}
	for _, c := range checks {
		want, _ := new(big.Int).SetString(c.want, 10)
		if c.got.Cmp(want) != 0 {
			t.Errorf("%s: got %s, want %s", c.name, c.got, want)
		}
	}
}

func TestParseFraction_TooPrecise_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":          "550e8400-e29b-41d4-a716-446655440000",
		"asset":          "WETH",
		"reserve_factor": "0.1000000000000000001",
		"block":          uint64(1),
		"sequence":       int64(1),
	}

	_, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "SetReserveFactor")
	if err == nil {
		t.Fatal("expected error for fraction beyond 18 decimal places")
	}
}

func TestParseReduceReserves(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"asset":        "USDC",
		"amount":       "500000000000000000",
		"recipient_id": "990e8400-e29b-41d4-a716-446655440009",
		"block":        uint64(77),
		"sequence":     int64(8),
	}

	op, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "ReduceReserves")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	rr, ok := op.(*event.ReduceReserves)
	if !ok {
		t.Fatalf("expected *event.ReduceReserves, got %T", op)
	}
	if rr.Asset != "USDC" {
		t.Errorf("asset: got %s, want USDC", rr.Asset)
	}
	if rr.RecipientID.String() != "990e8400-e29b-41d4-a716-446655440009" {
		t.Errorf("recipient: got %s", rr.RecipientID)
	}
}

func TestOpTypeFromSubject(t *testing.T) {
	cases := []struct {
		subject string
		want    string
	}{
		{"lend.supply.USDC", "Supply"},
		{"lend.withdraw.WETH", "Withdraw"},
		{"lend.borrow.USDC", "Borrow"},
		{"lend.repay.USDC", "Repay"},
		{"lend.liquidate.USDC", "Liquidate"},
		{"lend.prices.WETH", "PriceUpdate"},
		{"lend.admin.add_market", "AddMarket"},
		{"lend.admin.set_close_factor", "SetCloseFactor"},
		{"lend.admin.reduce_reserves", "ReduceReserves"},
	}
	for _, c := range cases {
		got, err := ingestion.OpTypeFromSubject(c.subject)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", c.subject, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: got %s, want %s", c.subject, got, c.want)
		}
	}

	if _, err := ingestion.OpTypeFromSubject("orders.new"); err == nil {
		t.Error("expected error for foreign subject")
	}
	if _, err := ingestion.OpTypeFromSubject("lend.admin"); err == nil {
		t.Error("expected error for admin subject without kind")
	}
}

func TestParseUnknownOpType_Fails(t *testing.T) {
	_, err := ingestion.ParseRawOperation([]byte(`{}`), "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown operation type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	_, err := ingestion.ParseRawOperation([]byte(`{invalid json`), "Supply")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":    "not-a-uuid",
		"user_id":  "also-not-a-uuid",
		"asset":    "USDC",
		"amount":   "1",
		"block":    uint64(0),
		"sequence": int64(0),
	}

	_, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "Supply")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseInvalidAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":    "550e8400-e29b-41d4-a716-446655440000",
		"user_id":  "660e8400-e29b-41d4-a716-446655440001",
		"asset":    "USDC",
		"amount":   "12.5",
		"block":    uint64(1),
		"sequence": int64(1),
	}

	_, err := ingestion.ParseRawOperation(marshalJSON(t, payload), "Supply")
	if err == nil {
		t.Fatal("expected error for non-integer amount")
	}
}
