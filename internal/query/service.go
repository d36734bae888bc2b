package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"LendLedger/internal/market"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/projection"
	"LendLedger/internal/rates"
)

// blocksPerYear annualizes per-block rates, assuming a 12-second cadence.
const blocksPerYear = 2_628_000

var (
	ErrViewNotReady = errors.New("state view not ready")
	ErrNotFound     = errors.New("not found")
)

// Service answers read-only queries. Market, position, and health reads
// come from the in-memory state view (a consistent engine snapshot);
// history reads come from the persisted operation log and projections.
type Service struct {
	db   *sql.DB
	view *StateView
	feed *projection.LiquidationFeed
}

func NewService(db *sql.DB, view *StateView, feed *projection.LiquidationFeed) *Service {
	return &Service{db: db, view: view, feed: feed}
}

// GetMarketStats returns one market's pool state with derived rates.
func (s *Service) GetMarketStats(asset string) (*MarketStatsResponse, error) {
	vs := s.view.load()
	if vs == nil {
		return nil, ErrViewNotReady
	}

	m, err := vs.registry.Get(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, asset)
	}

	return s.marketStats(vs, m), nil
}

// ListMarkets returns stats for every registered market.
func (s *Service) ListMarkets() ([]MarketStatsResponse, error) {
	vs := s.view.load()
	if vs == nil {
		return nil, ErrViewNotReady
	}

	var out []MarketStatsResponse
	for _, m := range vs.registry.All() {
		out = append(out, *s.marketStats(vs, m))
	}
	return out, nil
}

func (s *Service) marketStats(vs *viewState, m *market.Market) *MarketStatsResponse {
	utilization := rates.Utilization(m.Cash, m.TotalBorrows, m.TotalReserves)
	borrowRate, supplyRate := s.view.model.Rates(m.Cash, m.TotalBorrows, m.TotalReserves, m.ReserveFactor)

	return &MarketStatsResponse{
		Asset:            m.Asset,
		Status:           m.Status.String(),
		Cash:             m.Cash.String(),
		TotalBorrows:     m.TotalBorrows.String(),
		TotalReserves:    m.TotalReserves.String(),
		TotalSupply:      m.TotalSupply.String(),
		BorrowIndex:      m.BorrowIndex.String(),
		SupplyIndex:      m.SupplyIndex.String(),
		BorrowCap:        m.BorrowCap.String(),
		Utilization:      utilization.String(),
		BorrowRate:       borrowRate.String(),
		SupplyRate:       supplyRate.String(),
		BorrowAPY:        annualize(borrowRate),
		SupplyAPY:        annualize(supplyRate),
		LastAccrualBlock: m.LastAccrualBlock,
		AsOfSequence:     vs.sequence,
	}
}

// annualize compounds a per-block Wad rate over a year of blocks,
// returning (1+r)^n - 1. Rates extreme enough to overflow the 256-bit
// bound report no APY rather than a wrong one.
func annualize(perBlock *big.Int) string {
	compounded, err := fpmath.Pow(new(big.Int).Add(fpmath.One(), perBlock), blocksPerYear)
	if err != nil {
		return ""
	}
	return compounded.Sub(compounded, fpmath.One()).String()
}

// GetPosition returns a user's position in one market, valued at the
// view's current indexes.
func (s *Service) GetPosition(userID uuid.UUID, asset string) (*PositionResponse, error) {
	vs := s.view.load()
	if vs == nil {
		return nil, ErrViewNotReady
	}

	account, ok := vs.accounts.Lookup(userID, asset)
	if !ok {
		return nil, fmt.Errorf("%w: no position for %s in %s", ErrNotFound, userID, asset)
	}

	m, err := vs.registry.Get(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, asset)
	}

	supplyBalance, err := account.SupplyBalance(m.SupplyIndex)
	if err != nil {
		return nil, err
	}
	borrowBalance, err := account.BorrowBalance(m.BorrowIndex)
	if err != nil {
		return nil, err
	}

	return &PositionResponse{
		UserID:          userID,
		Asset:           asset,
		SupplyBalance:   supplyBalance.String(),
		BorrowBalance:   borrowBalance.String(),
		PrincipalSupply: account.PrincipalSupply.String(),
		PrincipalBorrow: account.PrincipalBorrow.String(),
		AsOfSequence:    vs.sequence,
	}, nil
}

// GetPortfolio returns every market a user holds a position in.
func (s *Service) GetPortfolio(userID uuid.UUID) ([]PositionResponse, error) {
	vs := s.view.load()
	if vs == nil {
		return nil, ErrViewNotReady
	}

	var out []PositionResponse
	for _, asset := range vs.accounts.AssetsOf(userID) {
		p, err := s.GetPosition(userID, asset)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// GetHealth returns a user's cross-market risk valuation. Fails when any
// market the user holds a non-zero position in lacks a posted price.
func (s *Service) GetHealth(userID uuid.UUID) (*HealthResponse, error) {
	vs := s.view.load()
	if vs == nil {
		return nil, ErrViewNotReady
	}

	snap, err := vs.health.Snapshot(userID)
	if err != nil {
		return nil, err
	}

	resp := &HealthResponse{
		UserID:                userID,
		BorrowCapacity:        snap.BorrowCapacity.String(),
		LiquidationCollateral: snap.LiquidationCollateral.String(),
		BorrowValue:           snap.BorrowValue.String(),
		Liquidatable:          snap.Liquidatable(),
		AsOfSequence:          vs.sequence,
	}
	if hf, ok := snap.HealthFactor(); ok {
		resp.HealthFactor = hf.String()
	}
	return resp, nil
}

// GetEntryHistory returns persisted ledger entries for an asset with
// cursor-based pagination (descending sequence).
func (s *Service) GetEntryHistory(
	ctx context.Context,
	asset string,
	limit int,
	beforeSequence *int64,
) ([]EntryHistoryRow, error) {
	query := `
		SELECT entry_id, batch_id, op_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, entry_type, block
		FROM op_log.entries
		WHERE asset = $1
	`
	args := []interface{}{asset}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntryHistoryRow
	for rows.Next() {
		var e EntryHistoryRow
		if err := rows.Scan(
			&e.EntryID, &e.BatchID, &e.OpRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.EntryType, &e.Block,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetOperationHistory returns a user's applied operations, newest first.
// User association is read from the payload: the acting user for balance
// operations, either side of a liquidation.
func (s *Service) GetOperationHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]OperationHistoryRow, error) {
	query := `
		SELECT sequence, op_type, idempotency_key, market_id, block, payload
		FROM op_log.operations
		WHERE (payload->>'UserID' = $1
		    OR payload->>'BorrowerID' = $1
		    OR payload->>'LiquidatorID' = $1)
	`
	args := []interface{}{userID.String()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationHistoryRow
	for rows.Next() {
		var o OperationHistoryRow
		if err := rows.Scan(
			&o.Sequence, &o.OpType, &o.IdempotencyKey, &o.MarketID, &o.Block, &o.Payload,
		); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	return ops, rows.Err()
}

// GetLiquidationFeed returns recent liquidation activity, most recent
// first.
func (s *Service) GetLiquidationFeed(limit int) []LiquidationNoticeResponse {
	return noticesToResponses(s.feed.Recent(limit))
}

// GetUserLiquidations returns liquidation activity for one borrower.
func (s *Service) GetUserLiquidations(borrowerID uuid.UUID, limit int) []LiquidationNoticeResponse {
	return noticesToResponses(s.feed.ByBorrower(borrowerID, limit))
}

func noticesToResponses(notices []projection.LiquidationNotice) []LiquidationNoticeResponse {
	out := make([]LiquidationNoticeResponse, 0, len(notices))
	for _, n := range notices {
		r := LiquidationNoticeResponse{
			Sequence:        n.Sequence,
			Executed:        n.Executed,
			BorrowerID:      n.BorrowerID,
			RepayAsset:      n.RepayAsset,
			CollateralAsset: n.CollateralAsset,
			Block:           n.Block,
		}
		if n.Executed {
			r.LiquidatorID = n.LiquidatorID.String()
			if n.RepayAmount != nil {
				r.RepayAmount = n.RepayAmount.String()
			}
		}
		out = append(out, r)
	}
	return out
}

// --- Admin APIs ---

// VerifyIntegrity checks hash-chain continuity in the operation log and
// the per-asset zero-sum invariant over projected balances.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.operations o1
		JOIN op_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::TEXT AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset, total string
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// Watermark returns the last sequence the projection worker has applied.
func (s *Service) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
