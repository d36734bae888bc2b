package query

import "github.com/google/uuid"

// MarketStatsResponse describes one market's pool state. Wad values are
// base-10 strings so nothing is truncated in JSON.
type MarketStatsResponse struct {
	Asset            string `json:"asset"`
	Status           string `json:"status"`
	Cash             string `json:"cash"`
	TotalBorrows     string `json:"total_borrows"`
	TotalReserves    string `json:"total_reserves"`
	TotalSupply      string `json:"total_supply"`
	BorrowIndex      string `json:"borrow_index"`
	SupplyIndex      string `json:"supply_index"`
	BorrowCap        string `json:"borrow_cap"`
	Utilization      string `json:"utilization"`
	BorrowRate       string `json:"borrow_rate"`
	SupplyRate       string `json:"supply_rate"`
	BorrowAPY        string `json:"borrow_apy,omitempty"`
	SupplyAPY        string `json:"supply_apy,omitempty"`
	LastAccrualBlock uint64 `json:"last_accrual_block"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// PositionResponse is one user's position in one market, with live
// balances valued at the view's indexes.
type PositionResponse struct {
	UserID          uuid.UUID `json:"user_id"`
	Asset           string    `json:"asset"`
	SupplyBalance   string    `json:"supply_balance"`
	BorrowBalance   string    `json:"borrow_balance"`
	PrincipalSupply string    `json:"principal_supply"`
	PrincipalBorrow string    `json:"principal_borrow"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// HealthResponse is one user's cross-market risk valuation.
type HealthResponse struct {
	UserID                uuid.UUID `json:"user_id"`
	BorrowCapacity        string    `json:"borrow_capacity"`
	LiquidationCollateral string    `json:"liquidation_collateral"`
	BorrowValue           string    `json:"borrow_value"`
	// HealthFactor is empty when the user has no debt (unbounded health).
	HealthFactor string `json:"health_factor,omitempty"`
	Liquidatable bool   `json:"liquidatable"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EntryHistoryRow is a persisted ledger entry for API queries.
type EntryHistoryRow struct {
	EntryID       string `json:"entry_id"`
	BatchID       string `json:"batch_id"`
	OpRef         string `json:"op_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	EntryType     string `json:"entry_type"`
	Block         int64  `json:"block"`
}

// LiquidationNoticeResponse is one liquidation feed entry.
type LiquidationNoticeResponse struct {
	Sequence        int64     `json:"sequence"`
	Executed        bool      `json:"executed"`
	BorrowerID      uuid.UUID `json:"borrower_id"`
	LiquidatorID    string    `json:"liquidator_id,omitempty"`
	RepayAsset      string    `json:"repay_asset"`
	RepayAmount     string    `json:"repay_amount,omitempty"`
	CollateralAsset string    `json:"collateral_asset,omitempty"`
	Block           uint64    `json:"block"`
}

// OperationHistoryRow is a persisted operation for API queries.
type OperationHistoryRow struct {
	Sequence       int64   `json:"sequence"`
	OpType         string  `json:"op_type"`
	IdempotencyKey string  `json:"idempotency_key"`
	MarketID       *string `json:"market_id,omitempty"`
	Block          int64   `json:"block"`
	Payload        []byte  `json:"payload"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
