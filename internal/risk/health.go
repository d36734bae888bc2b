package risk

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
)

// Snapshot values one user's cross-market position at current prices.
// Two collateral totals are kept because the two gates weight differently:
// borrowing capacity uses collateral factors, liquidation eligibility uses
// the higher liquidation thresholds. A position can sit between the two
// (no new borrows allowed, not yet seizable).
type Snapshot struct {
	// BorrowCapacity is Σ supply_value * collateral_factor.
	BorrowCapacity *big.Int
	// LiquidationCollateral is Σ supply_value * liquidation_threshold.
	LiquidationCollateral *big.Int
	// BorrowValue is Σ borrow_value, unweighted.
	BorrowValue *big.Int
}

// HealthFactor returns LiquidationCollateral / BorrowValue. The second
// return is false when the user has no debt, in which case health is
// unbounded and the first return is nil.
func (s *Snapshot) HealthFactor() (*big.Int, bool) {
	if s.BorrowValue.Sign() == 0 {
		return nil, false
	}
	hf, err := fpmath.Div(s.LiquidationCollateral, s.BorrowValue)
	if err != nil {
		// BorrowValue > 0 was checked, so only overflow remains; treat a
		// position too large to express as maximally unhealthy.
		return new(big.Int), true
	}
	return hf, true
}

// Liquidatable reports whether debt value exceeds threshold-weighted
// collateral. A debt-free position is never liquidatable.
func (s *Snapshot) Liquidatable() bool {
	if s.BorrowValue.Sign() == 0 {
		return false
	}
	return s.LiquidationCollateral.Cmp(s.BorrowValue) < 0
}

// CoversAdditionalDebt reports whether capacity-weighted collateral covers
// current debt plus extra quote value
func (s *Snapshot) CoversAdditionalDebt(extra *big.Int) bool {
	total := new(big.Int).Add(s.BorrowValue, extra)
	return s.BorrowCapacity.Cmp(total) >= 0
}

// Calculator values positions against market state and the price table.
// It is read-only: callers accrue the markets involved before asking so
// the indices it reads are current.
type Calculator struct {
	registry *market.Registry
	accounts *ledger.Accounts
	prices   oracle.Oracle
}

func NewCalculator(registry *market.Registry, accounts *ledger.Accounts, prices oracle.Oracle) *Calculator {
	return &Calculator{
		registry: registry,
		accounts: accounts,
		prices:   prices,
	}
}

// Snapshot values every market the user has touched. Any market holding a
// non-zero principal needs a posted price; a missing price fails the whole
// valuation rather than silently zeroing a leg.
func (c *Calculator) Snapshot(userID uuid.UUID) (*Snapshot, error) {
	snap := &Snapshot{
		BorrowCapacity:        new(big.Int),
		LiquidationCollateral: new(big.Int),
		BorrowValue:           new(big.Int),
	}

	for _, assetID := range c.accounts.AssetsOf(userID) {
		account, ok := c.accounts.Lookup(userID, assetID)
		if !ok {
			continue
		}
		if account.PrincipalSupply.Sign() == 0 && account.PrincipalBorrow.Sign() == 0 {
			continue
		}

		m, err := c.registry.Get(assetID)
		if err != nil {
			return nil, fmt.Errorf("valuing %s: %w", assetID, err)
		}

		quote, err := c.prices.Quote(assetID)
		if err != nil {
			return nil, fmt.Errorf("valuing %s: %w", assetID, err)
		}

		if account.PrincipalSupply.Sign() > 0 {
			balance, err := account.SupplyBalance(m.SupplyIndex)
			if err != nil {
				return nil, err
			}
			value, err := fpmath.Mul(balance, quote.Price)
			if err != nil {
				return nil, err
			}
			capacity, err := fpmath.Mul(value, m.CollateralFactor)
			if err != nil {
				return nil, err
			}
			threshold, err := fpmath.Mul(value, m.LiquidationThreshold)
			if err != nil {
				return nil, err
			}
			snap.BorrowCapacity.Add(snap.BorrowCapacity, capacity)
			snap.LiquidationCollateral.Add(snap.LiquidationCollateral, threshold)
		}

		if account.PrincipalBorrow.Sign() > 0 {
			balance, err := account.BorrowBalance(m.BorrowIndex)
			if err != nil {
				return nil, err
			}
			value, err := fpmath.Mul(balance, quote.Price)
			if err != nil {
				return nil, err
			}
			snap.BorrowValue.Add(snap.BorrowValue, value)
		}
	}

	return snap, nil
}
