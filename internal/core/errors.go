package core

import "errors"

// Operation failures callers must be able to tell apart. Liquidation bots
// and risk dashboards branch on these, so handlers wrap them with %w and
// never collapse them into a generic failure.
var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientLiquidity  = errors.New("insufficient market liquidity")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrBorrowCapExceeded      = errors.New("borrow cap exceeded")
	ErrReentrancy             = errors.New("reentrant transfer call")
)
