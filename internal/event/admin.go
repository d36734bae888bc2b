package event

import (
	"math/big"

	"github.com/google/uuid"
)

// AddMarket registers a new market with its risk parameters
type AddMarket struct {
	OpID                 uuid.UUID
	Asset                string
	ReserveFactor        *big.Int
	CollateralFactor     *big.Int
	LiquidationThreshold *big.Int
	LiquidationBonus     *big.Int
	Block                uint64
	Sequence             int64
}

func (a *AddMarket) IdempotencyKey() string { return a.OpID.String() }
func (a *AddMarket) OpType() OpType         { return OpTypeAddMarket }
func (a *AddMarket) MarketID() *string      { return &a.Asset }
func (a *AddMarket) SourceSequence() int64  { return a.Sequence }
func (a *AddMarket) BlockHeight() uint64    { return a.Block }

// PauseMarket halts all operations on a market
type PauseMarket struct {
	OpID     uuid.UUID
	Asset    string
	Block    uint64
	Sequence int64
}

func (p *PauseMarket) IdempotencyKey() string { return p.OpID.String() }
func (p *PauseMarket) OpType() OpType         { return OpTypePauseMarket }
func (p *PauseMarket) MarketID() *string      { return &p.Asset }
func (p *PauseMarket) SourceSequence() int64  { return p.Sequence }
func (p *PauseMarket) BlockHeight() uint64    { return p.Block }

// ResumeMarket reactivates a paused market
type ResumeMarket struct {
	OpID     uuid.UUID
	Asset    string
	Block    uint64
	Sequence int64
}

func (r *ResumeMarket) IdempotencyKey() string { return r.OpID.String() }
func (r *ResumeMarket) OpType() OpType         { return OpTypeResumeMarket }
func (r *ResumeMarket) MarketID() *string      { return &r.Asset }
func (r *ResumeMarket) SourceSequence() int64  { return r.Sequence }
func (r *ResumeMarket) BlockHeight() uint64    { return r.Block }

// SetReserveFactor changes a market's reserve factor; interest accrues at
// the old factor first
type SetReserveFactor struct {
	OpID          uuid.UUID
	Asset         string
	ReserveFactor *big.Int
	Block         uint64
	Sequence      int64
}

func (s *SetReserveFactor) IdempotencyKey() string { return s.OpID.String() }
func (s *SetReserveFactor) OpType() OpType         { return OpTypeSetReserveFactor }
func (s *SetReserveFactor) MarketID() *string      { return &s.Asset }
func (s *SetReserveFactor) SourceSequence() int64  { return s.Sequence }
func (s *SetReserveFactor) BlockHeight() uint64    { return s.Block }

// SetBorrowCap bounds a market's total borrows; zero removes the cap
type SetBorrowCap struct {
	OpID      uuid.UUID
	Asset     string
	BorrowCap *big.Int
	Block     uint64
	Sequence  int64
}

func (s *SetBorrowCap) IdempotencyKey() string { return s.OpID.String() }
func (s *SetBorrowCap) OpType() OpType         { return OpTypeSetBorrowCap }
func (s *SetBorrowCap) MarketID() *string      { return &s.Asset }
func (s *SetBorrowCap) SourceSequence() int64  { return s.Sequence }
func (s *SetBorrowCap) BlockHeight() uint64    { return s.Block }

// SetCloseFactor changes the global close factor
type SetCloseFactor struct {
	OpID        uuid.UUID
	CloseFactor *big.Int
	Block       uint64
	Sequence    int64
}

func (s *SetCloseFactor) IdempotencyKey() string { return s.OpID.String() }
func (s *SetCloseFactor) OpType() OpType         { return OpTypeSetCloseFactor }
func (s *SetCloseFactor) MarketID() *string      { return nil }
func (s *SetCloseFactor) SourceSequence() int64  { return s.Sequence }
func (s *SetCloseFactor) BlockHeight() uint64    { return s.Block }

// ReduceReserves pays accumulated reserves out to the protocol recipient
type ReduceReserves struct {
	OpID        uuid.UUID
	Asset       string
	Amount      *big.Int
	RecipientID uuid.UUID
	Block       uint64
	Sequence    int64
}

func (r *ReduceReserves) IdempotencyKey() string { return r.OpID.String() }
func (r *ReduceReserves) OpType() OpType         { return OpTypeReduceReserves }
func (r *ReduceReserves) MarketID() *string      { return &r.Asset }
func (r *ReduceReserves) SourceSequence() int64  { return r.Sequence }
func (r *ReduceReserves) BlockHeight() uint64    { return r.Block }
