package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
)

// SnapshotManager creates and loads state snapshots for recovery: account
// balances, markets, user positions, oracle prices, sequence cursors, the
// hash-chain head, and recent idempotency keys for LRU warming.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON-serializable form of the core's snapshot
// state. Wad values travel as base-10 strings so nothing is truncated.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Balances        map[string]string `json:"balances"` // AccountPath -> amount
	Markets         []MarketSnap      `json:"markets"`
	Accounts        []AccountSnap     `json:"accounts"`
	Prices          []QuoteSnap       `json:"prices"`
	CloseFactor     string            `json:"close_factor"`
	SequenceState   map[string]int64  `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string          `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time         `json:"created_at"`
}

// MarketSnap is a serializable market.
type MarketSnap struct {
	Asset                string `json:"asset"`
	Cash                 string `json:"cash"`
	TotalBorrows         string `json:"total_borrows"`
	TotalReserves        string `json:"total_reserves"`
	TotalSupply          string `json:"total_supply"`
	BorrowIndex          string `json:"borrow_index"`
	SupplyIndex          string `json:"supply_index"`
	LastAccrualBlock     uint64 `json:"last_accrual_block"`
	ReserveFactor        string `json:"reserve_factor"`
	CollateralFactor     string `json:"collateral_factor"`
	LiquidationThreshold string `json:"liquidation_threshold"`
	LiquidationBonus     string `json:"liquidation_bonus"`
	BorrowCap            string `json:"borrow_cap"`
	Status               int32  `json:"status"`
	Version              int64  `json:"version"`
}

// AccountSnap is a serializable user position.
type AccountSnap struct {
	UserID              string `json:"user_id"`
	Asset               string `json:"asset"`
	PrincipalSupply     string `json:"principal_supply"`
	SupplyIndexSnapshot string `json:"supply_index_snapshot"`
	PrincipalBorrow     string `json:"principal_borrow"`
	BorrowIndexSnapshot string `json:"borrow_index_snapshot"`
	Version             int64  `json:"version"`
}

// QuoteSnap is a serializable oracle quote.
type QuoteSnap struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
	Block uint64 `json:"block"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromEngineState converts the core's in-memory snapshot to its
// serializable form.
func FromEngineState(state core.SnapshotState) *SnapshotData {
	sd := &SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       state.StateHash[:],
		Balances:        make(map[string]string, len(state.Balances)),
		CloseFactor:     state.CloseFactor.String(),
		SequenceState:   state.SequenceState,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}

	for key, amount := range state.Balances {
		sd.Balances[key.AccountPath()] = amount.String()
	}

	for _, m := range state.Markets {
		sd.Markets = append(sd.Markets, MarketSnap{
			Asset:                m.Asset,
			Cash:                 m.Cash.String(),
			TotalBorrows:         m.TotalBorrows.String(),
			TotalReserves:        m.TotalReserves.String(),
			TotalSupply:          m.TotalSupply.String(),
			BorrowIndex:          m.BorrowIndex.String(),
			SupplyIndex:          m.SupplyIndex.String(),
			LastAccrualBlock:     m.LastAccrualBlock,
			ReserveFactor:        m.ReserveFactor.String(),
			CollateralFactor:     m.CollateralFactor.String(),
			LiquidationThreshold: m.LiquidationThreshold.String(),
			LiquidationBonus:     m.LiquidationBonus.String(),
			BorrowCap:            m.BorrowCap.String(),
			Status:               int32(m.Status),
			Version:              m.Version,
		})
	}

	for _, a := range state.Accounts {
		sd.Accounts = append(sd.Accounts, AccountSnap{
			UserID:              a.UserID.String(),
			Asset:               a.Asset,
			PrincipalSupply:     a.PrincipalSupply.String(),
			SupplyIndexSnapshot: a.SupplyIndexSnapshot.String(),
			PrincipalBorrow:     a.PrincipalBorrow.String(),
			BorrowIndexSnapshot: a.BorrowIndexSnapshot.String(),
			Version:             a.Version,
		})
	}

	for asset, q := range state.Prices {
		sd.Prices = append(sd.Prices, QuoteSnap{
			Asset: asset,
			Price: q.Price.String(),
			Block: q.Block,
		})
	}

	return sd
}

func parseBig(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("snapshot field %s: not an integer: %q", field, s)
	}
	return v, nil
}

// ToEngineState converts back to the core's in-memory snapshot form.
func (sd *SnapshotData) ToEngineState() (core.SnapshotState, error) {
	state := core.SnapshotState{
		Sequence:        sd.Sequence,
		Balances:        make(map[ledger.AccountKey]*big.Int, len(sd.Balances)),
		Prices:          make(map[string]oracle.Quote, len(sd.Prices)),
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
	}
	copy(state.StateHash[:], sd.StateHash)

	closeFactor, err := parseBig(sd.CloseFactor, "close_factor")
	if err != nil {
		return core.SnapshotState{}, err
	}
	state.CloseFactor = closeFactor

	for path, amountStr := range sd.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return core.SnapshotState{}, err
		}
		amount, err := parseBig(amountStr, "balance "+path)
		if err != nil {
			return core.SnapshotState{}, err
		}
		state.Balances[key] = amount
	}

	for _, ms := range sd.Markets {
		m := &market.Market{
			Asset:            ms.Asset,
			LastAccrualBlock: ms.LastAccrualBlock,
			Status:           market.Status(ms.Status),
			Version:          ms.Version,
		}
		fields := []struct {
			dst  **big.Int
			src  string
			name string
		}{
			{&m.Cash, ms.Cash, "cash"},
			{&m.TotalBorrows, ms.TotalBorrows, "total_borrows"},
			{&m.TotalReserves, ms.TotalReserves, "total_reserves"},
			{&m.TotalSupply, ms.TotalSupply, "total_supply"},
			{&m.BorrowIndex, ms.BorrowIndex, "borrow_index"},
			{&m.SupplyIndex, ms.SupplyIndex, "supply_index"},
			{&m.ReserveFactor, ms.ReserveFactor, "reserve_factor"},
			{&m.CollateralFactor, ms.CollateralFactor, "collateral_factor"},
			{&m.LiquidationThreshold, ms.LiquidationThreshold, "liquidation_threshold"},
			{&m.LiquidationBonus, ms.LiquidationBonus, "liquidation_bonus"},
			{&m.BorrowCap, ms.BorrowCap, "borrow_cap"},
		}
		for _, f := range fields {
			v, err := parseBig(f.src, ms.Asset+" "+f.name)
			if err != nil {
				return core.SnapshotState{}, err
			}
			*f.dst = v
		}
		state.Markets = append(state.Markets, m)
	}

	for _, as := range sd.Accounts {
		userID, err := uuid.Parse(as.UserID)
		if err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot account user_id: %w", err)
		}
		a := &ledger.UserAccount{
			UserID:  userID,
			Asset:   as.Asset,
			Version: as.Version,
		}
		if a.PrincipalSupply, err = parseBig(as.PrincipalSupply, "principal_supply"); err != nil {
			return core.SnapshotState{}, err
		}
		if a.SupplyIndexSnapshot, err = parseBig(as.SupplyIndexSnapshot, "supply_index_snapshot"); err != nil {
			return core.SnapshotState{}, err
		}
		if a.PrincipalBorrow, err = parseBig(as.PrincipalBorrow, "principal_borrow"); err != nil {
			return core.SnapshotState{}, err
		}
		if a.BorrowIndexSnapshot, err = parseBig(as.BorrowIndexSnapshot, "borrow_index_snapshot"); err != nil {
			return core.SnapshotState{}, err
		}
		state.Accounts = append(state.Accounts, a)
	}

	for _, qs := range sd.Prices {
		price, err := parseBig(qs.Price, "price "+qs.Asset)
		if err != nil {
			return core.SnapshotState{}, err
		}
		state.Prices[qs.Asset] = oracle.Quote{
			Asset: qs.Asset,
			Price: price,
			Block: qs.Block,
		}
	}

	return state, nil
}

// SaveSnapshot persists a snapshot. Snapshots are taken periodically and
// verified by replaying operations from snapshot.sequence+1 forward
// before being trusted for warm restarts.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO op_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM op_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as trusted after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE op_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadOperationsFrom loads operations for replay, warm (from a snapshot
// sequence) or cold (from zero).
func (sm *SnapshotManager) LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]OperationRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, op_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, block, source_sequence, created_at
		FROM op_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationRow
	for rows.Next() {
		var o OperationRow
		if err := rows.Scan(
			&o.Sequence, &o.OpType, &o.IdempotencyKey, &o.MarketID,
			&o.Payload, &o.StateHash, &o.PrevHash, &o.Block, &o.SourceSequence, &o.Timestamp,
		); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	return ops, rows.Err()
}

// GetLatestSequence returns the highest sequence in the operation log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM op_log.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
