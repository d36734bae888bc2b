package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Supply adds amount of asset to the pool on a user's behalf
type Supply struct {
	OpID     uuid.UUID
	UserID   uuid.UUID
	Asset    string
	Amount   *big.Int
	Block    uint64
	Sequence int64
}

func (s *Supply) IdempotencyKey() string { return s.OpID.String() }
func (s *Supply) OpType() OpType         { return OpTypeSupply }
func (s *Supply) MarketID() *string      { return &s.Asset }
func (s *Supply) SourceSequence() int64  { return s.Sequence }
func (s *Supply) BlockHeight() uint64    { return s.Block }

// Withdraw removes amount of supplied asset back to the user
type Withdraw struct {
	OpID     uuid.UUID
	UserID   uuid.UUID
	Asset    string
	Amount   *big.Int
	Block    uint64
	Sequence int64
}

func (w *Withdraw) IdempotencyKey() string { return w.OpID.String() }
func (w *Withdraw) OpType() OpType         { return OpTypeWithdraw }
func (w *Withdraw) MarketID() *string      { return &w.Asset }
func (w *Withdraw) SourceSequence() int64  { return w.Sequence }
func (w *Withdraw) BlockHeight() uint64    { return w.Block }

// Borrow draws amount of asset against the user's collateral
type Borrow struct {
	OpID     uuid.UUID
	UserID   uuid.UUID
	Asset    string
	Amount   *big.Int
	Block    uint64
	Sequence int64
}

func (b *Borrow) IdempotencyKey() string { return b.OpID.String() }
func (b *Borrow) OpType() OpType         { return OpTypeBorrow }
func (b *Borrow) MarketID() *string      { return &b.Asset }
func (b *Borrow) SourceSequence() int64  { return b.Sequence }
func (b *Borrow) BlockHeight() uint64    { return b.Block }

// Repay pays down the user's borrow; amounts above the live balance are
// capped, not rejected
type Repay struct {
	OpID     uuid.UUID
	UserID   uuid.UUID
	Asset    string
	Amount   *big.Int
	Block    uint64
	Sequence int64
}

func (r *Repay) IdempotencyKey() string { return r.OpID.String() }
func (r *Repay) OpType() OpType         { return OpTypeRepay }
func (r *Repay) MarketID() *string      { return &r.Asset }
func (r *Repay) SourceSequence() int64  { return r.Sequence }
func (r *Repay) BlockHeight() uint64    { return r.Block }
