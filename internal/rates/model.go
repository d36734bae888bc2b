package rates

import "math/big"

// Model is the piecewise-linear "kinked" interest rate curve. All
// parameters are Wad-scaled (1e18) per-block rates except Kink, which
// is a utilization fraction in [0,1]. The model is pure: given
// non-negative inputs it always produces rates, never an error.
type Model struct {
	// BaseRate is the per-block borrow rate at zero utilization.
	BaseRate *big.Int
	// Multiplier is the per-block rate slope below the kink.
	Multiplier *big.Int
	// JumpMultiplier is the per-block rate slope above the kink.
	JumpMultiplier *big.Int
	// Kink is the utilization point where the slope changes.
	Kink *big.Int
}

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// NewModel constructs a model, treating nil parameters as zero.
func NewModel(baseRate, multiplier, jumpMultiplier, kink *big.Int) *Model {
	return &Model{
		BaseRate:       orZero(baseRate),
		Multiplier:     orZero(multiplier),
		JumpMultiplier: orZero(jumpMultiplier),
		Kink:           orZero(kink),
	}
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	return &Model{
		BaseRate:       new(big.Int).Set(m.BaseRate),
		Multiplier:     new(big.Int).Set(m.Multiplier),
		JumpMultiplier: new(big.Int).Set(m.JumpMultiplier),
		Kink:           new(big.Int).Set(m.Kink),
	}
}

// Utilization computes u = borrows / (cash + borrows - reserves),
// clamped to zero when the denominator is not positive.
func Utilization(cash, borrows, reserves *big.Int) *big.Int {
	if borrows == nil || borrows.Sign() <= 0 {
		return new(big.Int)
	}
	denom := new(big.Int).Add(orZero(cash), borrows)
	denom.Sub(denom, orZero(reserves))
	if denom.Sign() <= 0 {
		return new(big.Int)
	}
	return wadDiv(borrows, denom)
}

// Rates returns the per-block (borrowRate, supplyRate) pair for the
// given market balances. supplyRate = borrowRate * u * (1 - reserveFactor).
func (m *Model) Rates(cash, borrows, reserves, reserveFactor *big.Int) (*big.Int, *big.Int) {
	u := Utilization(cash, borrows, reserves)
	borrowRate := m.BorrowRate(u)

	oneMinusReserve := new(big.Int).Sub(wad, orZero(reserveFactor))
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	supplyRate := wadMul(wadMul(borrowRate, u), oneMinusReserve)
	return borrowRate, supplyRate
}

// BorrowRate returns the per-block borrow rate at utilization u.
// Below the kink: base + u*multiplier. Above it the jump multiplier
// applies to the excess.
func (m *Model) BorrowRate(u *big.Int) *big.Int {
	if m == nil {
		return new(big.Int)
	}
	rate := new(big.Int).Set(m.BaseRate)
	if u == nil || u.Sign() <= 0 {
		return rate
	}
	if m.Kink.Sign() == 0 || u.Cmp(m.Kink) <= 0 {
		return rate.Add(rate, wadMul(u, m.Multiplier))
	}
	rate.Add(rate, wadMul(m.Kink, m.Multiplier))
	excess := new(big.Int).Sub(u, m.Kink)
	return rate.Add(rate, wadMul(excess, m.JumpMultiplier))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Local half-up helpers. Inputs here are bounded (rates and fractions),
// so unlike the ledger math these cannot meaningfully overflow and the
// model stays total.
func wadMul(a, b *big.Int) *big.Int {
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfWad)
	return product.Quo(product, wad)
}

func wadDiv(a, b *big.Int) *big.Int {
	numerator := new(big.Int).Mul(a, wad)
	half := new(big.Int).Add(b, big.NewInt(1))
	half.Rsh(half, 1)
	numerator.Add(numerator, half)
	return numerator.Quo(numerator, b)
}

var halfWad = new(big.Int).Rsh(wad, 1)
