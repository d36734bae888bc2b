package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
)

// OpLogWriter writes operations and ledger entries to Postgres using
// multi-row INSERT. Amounts are stored as NUMERIC(78,0) text so WAD
// values survive the round trip without loss.
type OpLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in op_log.operations
type OperationRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded operation payload
	StateHash      []byte
	PrevHash       []byte
	Block          int64
	SourceSequence int64
	Timestamp      time.Time
}

// EntryRow represents a row in op_log.entries
type EntryRow struct {
	EntryID       string
	BatchID       string
	OpRef         string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // base-10 big.Int text
	EntryType     string
	Block         int64
}

// Record is one applied operation ready for persistence.
type Record struct {
	Operation OperationRow
	Entries   []EntryRow
}

// NewRecord flattens a core envelope and its entry batch into rows.
// A nil or empty batch (recorded no-ops, admin operations) yields an
// operation row with no entries.
func NewRecord(env *event.Envelope, batch *ledger.Batch) Record {
	rec := Record{
		Operation: OperationRow{
			Sequence:       env.Sequence,
			OpType:         env.OpType.String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       env.MarketID,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Block:          int64(env.Block),
			SourceSequence: env.SourceSequence,
			Timestamp:      time.Now().UTC(),
		},
	}
	if batch == nil {
		return rec
	}
	for _, e := range batch.Entries {
		rec.Entries = append(rec.Entries, EntryRow{
			EntryID:       e.EntryID.String(),
			BatchID:       e.BatchID.String(),
			OpRef:         e.OpRef,
			Sequence:      e.Sequence,
			DebitAccount:  e.DebitAccount.AccountPath(),
			CreditAccount: e.CreditAccount.AccountPath(),
			Asset:         e.Asset,
			Amount:        e.Amount.String(),
			EntryType:     e.EntryType.String(),
			Block:         int64(e.Block),
		})
	}
	return rec
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteOperationBatch writes operation rows using multi-row INSERT.
// ON CONFLICT DO NOTHING makes replays idempotent.
func (w *OpLogWriter) WriteOperationBatch(ctx context.Context, tx execer, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(sequence, op_type, idempotency_key, market_id, payload, state_hash, prev_hash, block, source_sequence, created_at)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*10)

	for i, o := range ops {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			o.Sequence, o.OpType, o.IdempotencyKey, o.MarketID,
			o.Payload, o.StateHash, o.PrevHash, o.Block, o.SourceSequence, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch writes ledger entry rows.
func (w *OpLogWriter) WriteEntryBatch(ctx context.Context, tx execer, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.entries
		(entry_id, batch_id, op_ref, sequence, debit_account, credit_account, asset, amount, entry_type, block)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*10)

	for i, e := range entries {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.EntryID, e.BatchID, e.OpRef, e.Sequence,
			e.DebitAccount, e.CreditAccount, e.Asset, e.Amount,
			e.EntryType, e.Block,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// DB exposes the underlying handle for transactional flushes.
func (w *OpLogWriter) DB() *sql.DB {
	return w.db
}
