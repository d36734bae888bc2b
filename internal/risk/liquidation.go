package risk

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
)

var (
	ErrNotLiquidatable = errors.New("position not liquidatable")
	ErrRepayTooLarge   = errors.New("repay exceeds close factor limit")
	ErrPriceStale      = errors.New("price too stale to liquidate against")
)

// Params are the global liquidation knobs, governance-set and shared
// across markets.
type Params struct {
	// CloseFactor is the Wad fraction of a borrow balance one liquidation
	// may repay.
	CloseFactor *big.Int
	// MaxPriceAge bounds, in blocks, how old a quote may be when used to
	// size a seizure. Zero disables the bound.
	MaxPriceAge uint64
}

// Plan is the sized outcome of a liquidation before it is applied.
type Plan struct {
	Repay *big.Int // borrow-asset amount the liquidator pays
	Seize *big.Int // collateral-asset amount transferred out, bonus included
}

// Liquidator sizes liquidations. It does not mutate state; the core applies
// the plan after the transfer legs succeed.
type Liquidator struct {
	params Params
}

func NewLiquidator(params Params) *Liquidator {
	return &Liquidator{params: params}
}

// SetCloseFactor updates the governance close factor
func (l *Liquidator) SetCloseFactor(factor *big.Int) error {
	if factor == nil || factor.Sign() <= 0 || factor.Cmp(fpmath.Wad) > 0 {
		return fmt.Errorf("close factor must be in (0,1]: %s", factor)
	}
	l.params.CloseFactor = new(big.Int).Set(factor)
	return nil
}

// CloseFactor returns the current close factor
func (l *Liquidator) CloseFactor() *big.Int {
	return new(big.Int).Set(l.params.CloseFactor)
}

// PlanSeizure sizes a liquidation: the repay is capped by the close factor
// applied to the borrower's live balance, and the seized collateral is
//
//	repay * price(borrow) * (1 + bonus) / price(collateral)
//
// rounded up, then capped at the borrower's collateral balance. Both quotes
// must be fresh when MaxPriceAge is set.
func (l *Liquidator) PlanSeizure(
	snap *Snapshot,
	collateralMarket *market.Market,
	borrowQuote, collateralQuote oracle.Quote,
	borrowBalance, collateralBalance, requestedRepay *big.Int,
	currentBlock uint64,
) (*Plan, error) {
	if !snap.Liquidatable() {
		return nil, ErrNotLiquidatable
	}

	if err := l.checkFreshness(borrowQuote, currentBlock); err != nil {
		return nil, err
	}
	if err := l.checkFreshness(collateralQuote, currentBlock); err != nil {
		return nil, err
	}

	maxRepay, err := fpmath.Mul(borrowBalance, l.params.CloseFactor)
	if err != nil {
		return nil, err
	}
	if requestedRepay.Cmp(maxRepay) > 0 {
		return nil, fmt.Errorf("%w: requested %s, limit %s", ErrRepayTooLarge, requestedRepay, maxRepay)
	}

	repayValue, err := fpmath.Mul(requestedRepay, borrowQuote.Price)
	if err != nil {
		return nil, err
	}
	bonusFactor := new(big.Int).Add(fpmath.Wad, collateralMarket.LiquidationBonus)
	seizeValue, err := fpmath.MulUp(repayValue, bonusFactor)
	if err != nil {
		return nil, err
	}
	seize, err := fpmath.DivUp(seizeValue, collateralQuote.Price)
	if err != nil {
		return nil, err
	}

	if seize.Cmp(collateralBalance) > 0 {
		seize = new(big.Int).Set(collateralBalance)
	}

	return &Plan{
		Repay: new(big.Int).Set(requestedRepay),
		Seize: seize,
	}, nil
}

func (l *Liquidator) checkFreshness(q oracle.Quote, currentBlock uint64) error {
	if l.params.MaxPriceAge == 0 {
		return nil
	}
	if currentBlock > q.Block && currentBlock-q.Block > l.params.MaxPriceAge {
		return fmt.Errorf("%w: %s quoted at block %d, now %d", ErrPriceStale, q.Asset, q.Block, currentBlock)
	}
	return nil
}
