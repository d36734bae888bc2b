package market

import (
	"math/big"

	fpmath "LendLedger/internal/math"
)

// Status is the per-market lifecycle state.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusActive
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "Uninitialized"
	case StatusActive:
		return "Active"
	case StatusPaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// RiskParams groups the governance-controlled fractions for a market.
// All values are Wad-scaled fractions in [0,1].
type RiskParams struct {
	ReserveFactor        *big.Int
	CollateralFactor     *big.Int
	LiquidationThreshold *big.Int
	LiquidationBonus     *big.Int
}

// Market is the per-asset pool of supplied and borrowed liquidity plus
// its interest-accounting state. All amounts are Wad-scaled.
type Market struct {
	Asset string

	// Cash is the on-hand liquidity held by the pool.
	Cash *big.Int
	// TotalBorrows is the outstanding borrowed amount including
	// accrued interest.
	TotalBorrows *big.Int
	// TotalReserves is the protocol's share of accrued interest.
	TotalReserves *big.Int
	// TotalSupply is the aggregate supplied amount including interest
	// credited to suppliers.
	TotalSupply *big.Int

	// BorrowIndex and SupplyIndex are the cumulative compounding
	// factors since market creation. Both start at 1.0 and never
	// decrease.
	BorrowIndex *big.Int
	SupplyIndex *big.Int

	LastAccrualBlock uint64

	ReserveFactor        *big.Int
	CollateralFactor     *big.Int
	LiquidationThreshold *big.Int
	LiquidationBonus     *big.Int

	// BorrowCap limits TotalBorrows when positive; zero means no cap.
	BorrowCap *big.Int

	Status Status

	// Version increments on every mutation (optimistic concurrency
	// for projections).
	Version int64
}

// NewMarket creates an Active market with unit indices.
func NewMarket(asset string, params RiskParams, block uint64) *Market {
	return &Market{
		Asset:                asset,
		Cash:                 fpmath.Zero(),
		TotalBorrows:         fpmath.Zero(),
		TotalReserves:        fpmath.Zero(),
		TotalSupply:          fpmath.Zero(),
		BorrowIndex:          fpmath.One(),
		SupplyIndex:          fpmath.One(),
		LastAccrualBlock:     block,
		ReserveFactor:        new(big.Int).Set(params.ReserveFactor),
		CollateralFactor:     new(big.Int).Set(params.CollateralFactor),
		LiquidationThreshold: new(big.Int).Set(params.LiquidationThreshold),
		LiquidationBonus:     new(big.Int).Set(params.LiquidationBonus),
		BorrowCap:            fpmath.Zero(),
		Status:               StatusActive,
	}
}

// IsActive reports whether operations may touch this market.
func (m *Market) IsActive() bool {
	return m != nil && m.Status == StatusActive
}

// AvailableLiquidity returns cash - totalReserves, clamped at zero.
// Reserves are part of cash but never lendable.
func (m *Market) AvailableLiquidity() *big.Int {
	liquidity := new(big.Int).Sub(m.Cash, m.TotalReserves)
	if liquidity.Sign() < 0 {
		return new(big.Int)
	}
	return liquidity
}

// Clone returns a deep copy, used for all-or-nothing rollback around
// external transfer calls.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Cash = new(big.Int).Set(m.Cash)
	clone.TotalBorrows = new(big.Int).Set(m.TotalBorrows)
	clone.TotalReserves = new(big.Int).Set(m.TotalReserves)
	clone.TotalSupply = new(big.Int).Set(m.TotalSupply)
	clone.BorrowIndex = new(big.Int).Set(m.BorrowIndex)
	clone.SupplyIndex = new(big.Int).Set(m.SupplyIndex)
	clone.ReserveFactor = new(big.Int).Set(m.ReserveFactor)
	clone.CollateralFactor = new(big.Int).Set(m.CollateralFactor)
	clone.LiquidationThreshold = new(big.Int).Set(m.LiquidationThreshold)
	clone.LiquidationBonus = new(big.Int).Set(m.LiquidationBonus)
	clone.BorrowCap = new(big.Int).Set(m.BorrowCap)
	return &clone
}

// Restore overwrites the market in place from a clone.
func (m *Market) Restore(from *Market) {
	*m = *from.Clone()
}

// CanonicalBytes returns a deterministic serialization for state
// hashing.
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, byte(len(m.Asset)))
	buf = append(buf, []byte(m.Asset)...)
	buf = appendBig(buf, m.Cash)
	buf = appendBig(buf, m.TotalBorrows)
	buf = appendBig(buf, m.TotalReserves)
	buf = appendBig(buf, m.TotalSupply)
	buf = appendBig(buf, m.BorrowIndex)
	buf = appendBig(buf, m.SupplyIndex)
	buf = appendUint64LE(buf, m.LastAccrualBlock)
	buf = append(buf, byte(m.Status))
	return buf
}

func appendBig(buf []byte, v *big.Int) []byte {
	b := v.Bytes()
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
