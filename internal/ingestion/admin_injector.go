package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/event"
)

// AdminInjector provides manual operation injection for the admin gRPC
// surface. It is for operator intervention and testing, not for
// high-throughput ingestion (use NATS for that). Injected operations
// use a timestamp-derived source sequence on the admin partition.
type AdminInjector struct {
	opChan chan<- event.Operation
}

func NewAdminInjector(opChan chan<- event.Operation) *AdminInjector {
	return &AdminInjector{opChan: opChan}
}

func (s *AdminInjector) send(ctx context.Context, op event.Operation) error {
	select {
	case s.opChan <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectPriceUpdate posts a manual oracle quote.
func (s *AdminInjector) InjectPriceUpdate(ctx context.Context, asset string, price *big.Int, priceSequence int64, block uint64) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("price must be positive")
	}
	return s.send(ctx, &event.PriceUpdate{
		Asset:         asset,
		Price:         price,
		Block:         block,
		PriceSequence: priceSequence,
	})
}

// InjectAddMarket registers a market outside the normal admin stream.
func (s *AdminInjector) InjectAddMarket(ctx context.Context, asset string, reserveFactor, collateralFactor, liqThreshold, liqBonus *big.Int, block uint64) error {
	return s.send(ctx, &event.AddMarket{
		OpID:                 uuid.New(),
		Asset:                asset,
		ReserveFactor:        reserveFactor,
		CollateralFactor:     collateralFactor,
		LiquidationThreshold: liqThreshold,
		LiquidationBonus:     liqBonus,
		Block:                block,
		Sequence:             time.Now().UnixMicro(),
	})
}

// InjectPauseMarket halts a market.
func (s *AdminInjector) InjectPauseMarket(ctx context.Context, asset string, block uint64) error {
	return s.send(ctx, &event.PauseMarket{
		OpID:     uuid.New(),
		Asset:    asset,
		Block:    block,
		Sequence: time.Now().UnixMicro(),
	})
}

// InjectResumeMarket reactivates a paused market.
func (s *AdminInjector) InjectResumeMarket(ctx context.Context, asset string, block uint64) error {
	return s.send(ctx, &event.ResumeMarket{
		OpID:     uuid.New(),
		Asset:    asset,
		Block:    block,
		Sequence: time.Now().UnixMicro(),
	})
}

// InjectSetBorrowCap bounds a market's total borrows; zero removes the cap.
func (s *AdminInjector) InjectSetBorrowCap(ctx context.Context, asset string, cap *big.Int, block uint64) error {
	if cap == nil || cap.Sign() < 0 {
		return fmt.Errorf("borrow cap must be non-negative")
	}
	return s.send(ctx, &event.SetBorrowCap{
		OpID:      uuid.New(),
		Asset:     asset,
		BorrowCap: cap,
		Block:     block,
		Sequence:  time.Now().UnixMicro(),
	})
}

// InjectReduceReserves pays reserves out to a recipient.
func (s *AdminInjector) InjectReduceReserves(ctx context.Context, asset string, amount *big.Int, recipientID uuid.UUID, block uint64) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return s.send(ctx, &event.ReduceReserves{
		OpID:        uuid.New(),
		Asset:       asset,
		Amount:      amount,
		RecipientID: recipientID,
		Block:       block,
		Sequence:    time.Now().UnixMicro(),
	})
}
