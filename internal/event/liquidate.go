package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Liquidate repays part of an under-collateralized borrower's debt in
// exchange for seized collateral plus bonus
type Liquidate struct {
	OpID            uuid.UUID
	LiquidatorID    uuid.UUID
	BorrowerID      uuid.UUID
	RepayAsset      string
	RepayAmount     *big.Int
	CollateralAsset string
	Block           uint64
	Sequence        int64
}

func (l *Liquidate) IdempotencyKey() string { return l.OpID.String() }
func (l *Liquidate) OpType() OpType         { return OpTypeLiquidate }
func (l *Liquidate) MarketID() *string      { return &l.RepayAsset }
func (l *Liquidate) SourceSequence() int64  { return l.Sequence }
func (l *Liquidate) BlockHeight() uint64    { return l.Block }

// PriceUpdate posts a fresh oracle quote for one asset. Price sequences
// are per-asset and tolerate gaps; stale updates are ignored.
type PriceUpdate struct {
	Asset         string
	Price         *big.Int
	Block         uint64
	PriceSequence int64
}

func (p *PriceUpdate) IdempotencyKey() string {
	return "price:" + p.Asset + ":" + uuid.NewSHA1(uuid.NameSpaceOID, p.canonical()).String()
}

func (p *PriceUpdate) canonical() []byte {
	buf := make([]byte, 0, len(p.Asset)+32)
	buf = append(buf, p.Asset...)
	buf = append(buf, ':')
	buf = append(buf, p.Price.String()...)
	buf = append(buf, ':')
	buf = appendUint64(buf, uint64(p.PriceSequence))
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (p *PriceUpdate) OpType() OpType        { return OpTypePriceUpdate }
func (p *PriceUpdate) MarketID() *string     { return &p.Asset }
func (p *PriceUpdate) SourceSequence() int64 { return p.PriceSequence }
func (p *PriceUpdate) BlockHeight() uint64   { return p.Block }
