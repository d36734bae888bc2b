package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"LendLedger/internal/asset"
	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/market"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/risk"
	"LendLedger/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to lendledger.yaml if present)")
	flag.Parse()

	logger := observability.NewLogger("main")
	logger.Info().Msg("LendLedger starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	model, err := cfg.RatesModel()
	if err != nil {
		logger.Fatal().Err(err).Msg("build rate model")
	}
	closeFactor, err := cfg.CloseFactorWad()
	if err != nil {
		logger.Fatal().Err(err).Msg("parse close factor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: snapshot + replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot failed, falling back to full replay")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		logger.Info().Msg("no snapshot, cold start from sequence 0")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure), the projection channel
	// drops; projections rebuild from the log.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	persistWorkerChan := make(chan persistence.Record, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.Record, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableRecord, 4096)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Deterministic engine ---
	registry := market.NewRegistry(model)
	engine := core.NewEngine(
		startSequence,
		registry,
		asset.NewBank(),
		risk.Params{CloseFactor: closeFactor, MaxPriceAge: cfg.MaxPriceAge},
		persistCoreChan,
		projectionCoreChan,
		dbChecker,
		metrics,
	)

	if snap != nil {
		state, err := snap.ToEngineState()
		if err != nil {
			logger.Fatal().Err(err).Msg("decode snapshot")
		}
		if err := engine.RestoreFromSnapshot(&state); err != nil {
			logger.Fatal().Err(err).Msg("restore from snapshot")
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored in-memory state")
	}

	// Warm the dedup LRU from the log so restarts avoid cold-path lookups.
	if keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyLRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("warm idempotency LRU failed")
	} else if len(keys) > 0 {
		engine.WarmLRU(keys)
		logger.Info().Int("keys", len(keys)).Msg("warmed idempotency LRU")
	}

	replayed, err := replayOperations(ctx, snapMgr, engine, startSequence)
	if err != nil {
		logger.Fatal().Err(err).Msg("operation replay")
	}
	if replayed > 0 {
		logger.Info().Int64("operations", replayed).Int64("sequence", engine.GetSequence()).Msg("replayed operation log")
	}

	// With nothing replayed the restored hash must match the stored chain
	// tip exactly.
	if snap != nil && replayed == 0 {
		var expected [32]byte
		copy(expected[:], snap.StateHash)
		if actual := engine.GetStateHash(); actual != expected {
			logger.Fatal().
				Hex("expected", expected[:]).
				Hex("actual", actual[:]).
				Msg("state hash mismatch after snapshot restore")
		}
		logger.Info().Msg("state hash verified after restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawOpChan := make(chan ingestion.RawOperation, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawOpChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan)

	adminOpChan := make(chan event.Operation, 256)
	injector := ingestion.NewAdminInjector(adminOpChan)

	// --- Read side ---
	feed := projection.NewLiquidationFeed(cfg.LiquidationFeedSize)
	view := query.NewStateView(model)
	view.Update(*engine.CreateSnapshotState())
	queries := query.NewService(db, view, feed)

	grpcSrv := server.NewGRPCServer(cfg.GRPCAddr)
	httpSrv := server.NewHTTPServer(cfg.HTTPAddr, queries, injector, healthChecker, db)

	// --- Goroutines ---
	errChan := make(chan error, 8)

	persistWorker := persistence.NewWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() { errChan <- persistWorker.Run(ctx) }()

	projWorker := projection.NewWorker(db, projectionWorkerChan, feed)
	go func() { errChan <- projWorker.Run(ctx) }()

	go func() { errChan <- publisher.Run(ctx) }()

	go bridgeOutputs(ctx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan)

	loop := &processingLoop{
		cfg:     cfg,
		engine:  engine,
		view:    view,
		snapMgr: snapMgr,
		metrics: metrics,
	}
	go loop.run(ctx, rawOpChan, adminOpChan)

	go func() { errChan <- grpcSrv.Start(ctx) }()
	go func() { errChan <- httpSrv.Start(ctx) }()

	healthChecker.SetReady(true)
	grpcSrv.SetServing(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("LendLedger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	grpcSrv.SetServing(false)
	cancel()
	subscriber.Stop()

	// Give workers their final-flush window before exiting.
	time.Sleep(500 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := loop.takeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	logger.Info().Msg("shutdown complete")
}

// bridgeOutputs converts engine output into the per-worker record shapes.
// The write path keeps blocking semantics end to end; the projection and
// outbound paths drop when full.
func bridgeOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.Record,
	projectionOut chan<- projection.Record,
	publishOut chan<- ingestion.PublishableRecord,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			persistOut <- persistence.NewRecord(output.Envelope, output.Batch)

			select {
			case publishOut <- ingestion.PublishableRecord{
				Sequence:       output.Envelope.Sequence,
				OpType:         output.Envelope.OpType.String(),
				IdempotencyKey: output.Envelope.IdempotencyKey,
				MarketID:       output.Envelope.MarketID,
				Block:          output.Envelope.Block,
				Payload:        output.Envelope.Payload,
				StateHash:      output.Envelope.StateHash[:],
				Timestamp:      time.Now().UTC(),
			}:
			default:
				// Downstream consumers replay from the log.
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}

			rec := projection.Record{
				Sequence:       output.Envelope.Sequence,
				OpType:         output.Envelope.OpType.String(),
				IdempotencyKey: output.Envelope.IdempotencyKey,
				MarketID:       output.Envelope.MarketID,
				Block:          output.Envelope.Block,
				Payload:        output.Envelope.Payload,
			}
			if output.Batch != nil {
				for _, e := range output.Batch.Entries {
					rec.Entries = append(rec.Entries, projection.EntryDelta{
						DebitAccount:  e.DebitAccount.AccountPath(),
						CreditAccount: e.CreditAccount.AccountPath(),
						Asset:         e.Asset,
						Amount:        e.Amount.String(),
						EntryType:     e.EntryType.String(),
					})
				}
			}

			select {
			case projectionOut <- rec:
			default:
				// Projections go stale rather than block; rebuild recovers.
			}
		}
	}
}

// processingLoop owns the engine after startup. Everything that touches
// engine state, including snapshots and state-view refreshes, runs on
// this one goroutine.
type processingLoop struct {
	cfg     config.Config
	engine  *core.Engine
	view    *query.StateView
	snapMgr *persistence.SnapshotManager
	metrics *observability.Metrics

	lastSnapshotSeq int64
}

func (l *processingLoop) run(ctx context.Context, rawChan <-chan ingestion.RawOperation, adminChan <-chan event.Operation) {
	typedChan := make(chan event.Operation, 4096)

	// Parse goroutine: messages are acked after the blocking send to the
	// typed channel, not after engine processing, so backpressure reaches
	// NATS without AckWait expiry.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					close(typedChan)
					return
				}

				opType, err := ingestion.OpTypeFromSubject(raw.Subject)
				if err != nil {
					log.Warn().Str("subject", raw.Subject).Err(err).Msg("unroutable subject")
					raw.AckFunc() // Ack so it is not redelivered forever
					continue
				}

				op, err := ingestion.ParseRawOperation(raw.Data, opType)
				if err != nil {
					log.Warn().Str("subject", raw.Subject).Err(err).Msg("unparseable operation")
					raw.AckFunc()
					continue
				}

				select {
				case typedChan <- op:
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	l.lastSnapshotSeq = l.engine.GetSequence()

	refresh := time.NewTicker(l.cfg.StateViewRefresh)
	defer refresh.Stop()
	snapshotCheck := time.NewTicker(10 * time.Second)
	defer snapshotCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case op, ok := <-typedChan:
			if !ok {
				return
			}
			l.process(op)

		case op, ok := <-adminChan:
			if !ok {
				return
			}
			l.process(op)

		case <-refresh.C:
			l.view.Update(*l.engine.CreateSnapshotState())

		case <-snapshotCheck.C:
			current := l.engine.GetSequence()
			if current-l.lastSnapshotSeq < l.cfg.SnapshotInterval {
				continue
			}
			if err := l.takeSnapshot(ctx); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			l.lastSnapshotSeq = current
			log.Info().Int64("sequence", current).Msg("periodic snapshot")
		}
	}
}

func (l *processingLoop) process(op event.Operation) {
	if err := l.engine.ProcessOperation(op); err != nil {
		// Rejections (duplicates, gaps, invariants) are terminal for the
		// operation; the message was already acked.
		log.Warn().
			Str("op_type", op.OpType().String()).
			Str("idempotency_key", op.IdempotencyKey()).
			Err(err).
			Msg("operation rejected")
	}
}

func (l *processingLoop) takeSnapshot(ctx context.Context) error {
	start := time.Now()

	snapData := persistence.FromEngineState(*l.engine.CreateSnapshotState())
	if err := l.snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	// Created from live state, so verified by construction.
	if err := l.snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		log.Warn().Err(err).Msg("mark snapshot verified failed")
	}

	if l.metrics != nil {
		l.metrics.SnapshotTaken.Inc()
		l.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		l.metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}
	return nil
}

// replayOperations feeds the persisted log back through the engine,
// starting at fromSequence. The engine recomputes the hash chain as it
// goes; a tip that disagrees with the stored one means the log or the
// snapshot is corrupt, and starting up on bad state is worse than not
// starting at all.
func replayOperations(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine *core.Engine,
	fromSequence int64,
) (int64, error) {
	const batchSize = 1000
	var total int64
	var lastHash []byte
	var lastKey string

	for {
		rows, err := snapMgr.LoadOperationsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load operations from %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			lastHash = row.StateHash

			// An operation writes one row per entry batch, all sharing
			// the idempotency key; replaying the first re-applies every
			// batch, so skip the siblings.
			key := row.OpType + ":" + row.IdempotencyKey
			if key == lastKey {
				continue
			}
			lastKey = key

			op, err := event.DecodeOperation(row.OpType, row.Payload)
			if err != nil {
				return total, fmt.Errorf("decode sequence %d: %w", row.Sequence, err)
			}
			if err := engine.ReplayOperation(op); err != nil {
				return total, fmt.Errorf("replay sequence %d: %w", row.Sequence, err)
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}

	if lastHash != nil {
		var expected [32]byte
		copy(expected[:], lastHash)
		if actual := engine.GetStateHash(); actual != expected {
			return total, fmt.Errorf("state hash mismatch after replay: log has %x, recomputed %x", expected, actual)
		}
		log.Info().Msg("hash chain verified after replay")
	}
	return total, nil
}
