package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Record carries what projection workers need from one applied
// operation. The orchestrator bridges core output into this form.
type Record struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	MarketID       *string
	Block          uint64
	Payload        []byte // JSON-encoded operation payload
	Entries        []EntryDelta
}

// EntryDelta is a simplified ledger entry for projection consumption.
// Amount is a base-10 WAD string; debit increases, credit decreases.
type EntryDelta struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	EntryType     string
}

// Worker updates read-model tables from applied operations. The
// projection channel is non-blocking with drop on the core side: if
// projections fall behind they go stale, never block the core, and can
// be rebuilt from the operation log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Record
	feed      *LiquidationFeed
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Record, feed *LiquidationFeed) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		feed:      feed,
	}
}

// Run starts the projection loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.process(ctx, rec); err != nil {
				// Projections are eventually consistent; a failed update
				// is recovered by rebuild, not by stalling the feed.
				log.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("projection update failed")
			}

			if rec.Sequence > w.lastSeq {
				w.lastSeq = rec.Sequence
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, rec Record) error {
	if w.feed != nil {
		w.feed.Observe(rec)
	}

	if w.db == nil {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range rec.Entries {
		if err := w.applyBalanceDelta(ctx, tx, rec.Sequence, e); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if rec.OpType == "Liquidate" || rec.OpType == "LiquidationEligible" {
		if err := w.recordLiquidationEvent(ctx, tx, rec); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, rec.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) applyBalanceDelta(ctx context.Context, tx *sql.Tx, sequence int64, e EntryDelta) error {
	// Debit account: balance increases
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3::NUMERIC, last_sequence = $4
	`, e.DebitAccount, e.Asset, e.Amount, sequence); err != nil {
		return err
	}

	// Credit account: balance decreases
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -($3::NUMERIC), $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance - $3::NUMERIC, last_sequence = $4
	`, e.CreditAccount, e.Asset, e.Amount, sequence); err != nil {
		return err
	}

	return nil
}

func (w *Worker) recordLiquidationEvent(ctx context.Context, tx *sql.Tx, rec Record) error {
	marketID := ""
	if rec.MarketID != nil {
		marketID = *rec.MarketID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_events (sequence, op_type, market_id, block, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (sequence, op_type, block) DO NOTHING
	`, rec.Sequence, rec.OpType, marketID, int64(rec.Block), nullableJSON(rec.Payload))
	return err
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 || strings.TrimSpace(string(b)) == "" {
		return []byte("{}")
	}
	return b
}

// Rebuild recomputes the balance read model from the operation log and
// clears the watermark so the worker resumes from live traffic.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.liquidation_events`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits increase
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM op_log.entries
		GROUP BY debit_account, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credits decrease
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM op_log.entries
		GROUP BY credit_account, asset
		ON CONFLICT (account_path, asset) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Info().Msg("projection rebuild complete")
	return nil
}
