package market

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/rates"
)

var (
	ErrMarketNotFound  = errors.New("market not found")
	ErrMarketExists    = errors.New("market already listed")
	ErrMarketInactive  = errors.New("market inactive")
	ErrInvalidParams   = errors.New("invalid market params")
	ErrBlockRegression = errors.New("accrual block behind last accrual")
)

// Registry owns every listed Market. It is an explicit object passed by
// handle to the engine; nothing else mutates market state.
type Registry struct {
	markets map[string]*Market
	model   *rates.Model
}

func NewRegistry(model *rates.Model) *Registry {
	return &Registry{
		markets: make(map[string]*Market),
		model:   model.Clone(),
	}
}

// ValidateParams checks the governance fractions: all in [0,1] and
// collateralFactor <= liquidationThreshold.
func ValidateParams(params RiskParams) error {
	for name, f := range map[string]*big.Int{
		"reserve_factor":        params.ReserveFactor,
		"collateral_factor":     params.CollateralFactor,
		"liquidation_threshold": params.LiquidationThreshold,
		"liquidation_bonus":     params.LiquidationBonus,
	} {
		if f == nil || f.Sign() < 0 || f.Cmp(fpmath.Wad) > 0 {
			return fmt.Errorf("%w: %s must be in [0,1]", ErrInvalidParams, name)
		}
	}
	if params.CollateralFactor.Cmp(params.LiquidationThreshold) > 0 {
		return fmt.Errorf("%w: collateral_factor must not exceed liquidation_threshold", ErrInvalidParams)
	}
	return nil
}

// Add lists a new market for the asset.
func (r *Registry) Add(asset string, params RiskParams, block uint64) (*Market, error) {
	if _, ok := r.markets[asset]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, asset)
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	m := NewMarket(asset, params, block)
	r.markets[asset] = m
	return m, nil
}

// Get returns the market for an asset.
func (r *Registry) Get(asset string) (*Market, error) {
	m, ok := r.markets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, asset)
	}
	return m, nil
}

// GetActive returns the market only when operations may touch it.
func (r *Registry) GetActive(asset string) (*Market, error) {
	m, err := r.Get(asset)
	if err != nil {
		return nil, err
	}
	if !m.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrMarketInactive, asset)
	}
	return m, nil
}

// Pause halts operations on a market.
func (r *Registry) Pause(asset string) error {
	m, err := r.Get(asset)
	if err != nil {
		return err
	}
	m.Status = StatusPaused
	m.Version++
	return nil
}

// Resume reactivates a paused market.
func (r *Registry) Resume(asset string) error {
	m, err := r.Get(asset)
	if err != nil {
		return err
	}
	m.Status = StatusActive
	m.Version++
	return nil
}

// SetReserveFactor updates the reserve factor for future accruals.
func (r *Registry) SetReserveFactor(asset string, factor *big.Int) error {
	m, err := r.Get(asset)
	if err != nil {
		return err
	}
	if factor == nil || factor.Sign() < 0 || factor.Cmp(fpmath.Wad) > 0 {
		return fmt.Errorf("%w: reserve_factor must be in [0,1]", ErrInvalidParams)
	}
	m.ReserveFactor = new(big.Int).Set(factor)
	m.Version++
	return nil
}

// SetBorrowCap updates the borrow cap. Zero removes the cap.
func (r *Registry) SetBorrowCap(asset string, cap *big.Int) error {
	m, err := r.Get(asset)
	if err != nil {
		return err
	}
	if cap == nil || cap.Sign() < 0 {
		return fmt.Errorf("%w: borrow_cap must be non-negative", ErrInvalidParams)
	}
	m.BorrowCap = new(big.Int).Set(cap)
	m.Version++
	return nil
}

// Assets returns listed asset IDs in deterministic order.
func (r *Registry) Assets() []string {
	assets := make([]string, 0, len(r.markets))
	for asset := range r.markets {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// All returns all markets in deterministic asset order.
func (r *Registry) All() []*Market {
	assets := r.Assets()
	result := make([]*Market, 0, len(assets))
	for _, asset := range assets {
		result = append(result, r.markets[asset])
	}
	return result
}

// Restore installs a market directly (snapshot restore).
func (r *Registry) Restore(m *Market) {
	r.markets[m.Asset] = m
}

// Accrue advances the market's interest accounting to currentBlock.
// Calling it twice in the same block is a no-op: rates are sampled once
// per block and applied once. The update is all-or-nothing; on any
// arithmetic failure the market is left untouched.
func (r *Registry) Accrue(m *Market, currentBlock uint64) error {
	if !m.IsActive() {
		return fmt.Errorf("%w: %s", ErrMarketInactive, m.Asset)
	}
	if currentBlock == m.LastAccrualBlock {
		return nil
	}
	if currentBlock < m.LastAccrualBlock {
		return fmt.Errorf("%w: %s at block %d, got %d",
			ErrBlockRegression, m.Asset, m.LastAccrualBlock, currentBlock)
	}

	borrowRate, supplyRate := r.model.Rates(m.Cash, m.TotalBorrows, m.TotalReserves, m.ReserveFactor)
	delta := currentBlock - m.LastAccrualBlock

	// Simple interest over the window: rate * delta * totalBorrows.
	borrowRateDelta, err := fpmath.MulInt(borrowRate, delta)
	if err != nil {
		return err
	}
	supplyRateDelta, err := fpmath.MulInt(supplyRate, delta)
	if err != nil {
		return err
	}
	interest, err := fpmath.Mul(borrowRateDelta, m.TotalBorrows)
	if err != nil {
		return err
	}
	// Reserves round up: the protocol's share never loses dust.
	reserveShare, err := fpmath.MulUp(interest, m.ReserveFactor)
	if err != nil {
		return err
	}

	borrowFactor, err := fpmath.Add(fpmath.One(), borrowRateDelta)
	if err != nil {
		return err
	}
	supplyFactor, err := fpmath.Add(fpmath.One(), supplyRateDelta)
	if err != nil {
		return err
	}
	newBorrowIndex, err := fpmath.Mul(m.BorrowIndex, borrowFactor)
	if err != nil {
		return err
	}
	newSupplyIndex, err := fpmath.Mul(m.SupplyIndex, supplyFactor)
	if err != nil {
		return err
	}
	newTotalBorrows, err := fpmath.Add(m.TotalBorrows, interest)
	if err != nil {
		return err
	}
	newTotalReserves, err := fpmath.Add(m.TotalReserves, reserveShare)
	if err != nil {
		return err
	}
	// Suppliers earn the interest net of the reserve share.
	supplierInterest := new(big.Int).Sub(interest, reserveShare)
	if supplierInterest.Sign() < 0 {
		supplierInterest.SetInt64(0)
	}
	newTotalSupply, err := fpmath.Add(m.TotalSupply, supplierInterest)
	if err != nil {
		return err
	}

	// Commit only after every computation succeeded.
	m.TotalBorrows = newTotalBorrows
	m.TotalReserves = newTotalReserves
	m.TotalSupply = newTotalSupply
	m.BorrowIndex = newBorrowIndex
	m.SupplyIndex = newSupplyIndex
	m.LastAccrualBlock = currentBlock
	m.Version++
	return nil
}
