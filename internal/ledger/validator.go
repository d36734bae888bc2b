package ledger

import (
	"fmt"

	"LendLedger/internal/market"
)

// InvariantValidator checks audit-trail invariants after each applied
// operation
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is balanced and well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the trail is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total.String())
		}
	}

	return nil
}

// ValidateMarketReconciles verifies tracked pool accounts match the market
// record exactly. Entries are generated from the same deltas the market
// applied, so any drift means a missed or duplicated posting.
func (v *InvariantValidator) ValidateMarketReconciles(m *market.Market) error {
	if cash := v.tracker.PoolCash(m.Asset); cash.Cmp(m.Cash) != 0 {
		return fmt.Errorf("market %s cash mismatch: trail=%s market=%s", m.Asset, cash.String(), m.Cash.String())
	}

	if recv := v.tracker.PoolReceivables(m.Asset); recv.Cmp(m.TotalBorrows) != 0 {
		return fmt.Errorf("market %s receivables mismatch: trail=%s market=%s", m.Asset, recv.String(), m.TotalBorrows.String())
	}

	if res := v.tracker.PoolReserves(m.Asset); res.Cmp(m.TotalReserves) != 0 {
		return fmt.Errorf("market %s reserves mismatch: trail=%s market=%s", m.Asset, res.String(), m.TotalReserves.String())
	}

	return nil
}

// ValidateSolvency verifies no market aggregate has gone negative. Reserves
// may legitimately exceed cash when most of the pool is lent out, so only
// signs are checked here; liquidity gating happens at operation time.
func (v *InvariantValidator) ValidateSolvency(m *market.Market) error {
	if m.Cash.Sign() < 0 {
		return fmt.Errorf("market %s has negative cash", m.Asset)
	}
	if m.TotalBorrows.Sign() < 0 {
		return fmt.Errorf("market %s has negative total borrows", m.Asset)
	}
	if m.TotalReserves.Sign() < 0 {
		return fmt.Errorf("market %s has negative reserves", m.Asset)
	}
	return nil
}
