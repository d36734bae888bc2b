package projection

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// LiquidationNotice is one entry in the queryable liquidation feed:
// either an eligibility alert raised after a price move, or an executed
// liquidation.
type LiquidationNotice struct {
	Sequence        int64
	Executed        bool // false for eligibility alerts
	BorrowerID      uuid.UUID
	LiquidatorID    uuid.UUID // zero for alerts
	RepayAsset      string
	RepayAmount     *big.Int // nil for alerts
	CollateralAsset string
	Block           uint64
}

// LiquidationFeed keeps a bounded in-memory window of liquidation
// activity for the query surface. Older entries age out; the full
// history lives in the projection tables.
type LiquidationFeed struct {
	mu      sync.RWMutex
	notices []LiquidationNotice
	cap     int
}

func NewLiquidationFeed(capacity int) *LiquidationFeed {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LiquidationFeed{cap: capacity}
}

// liquidatePayload mirrors the JSON encoding of an executed liquidation
// operation.
type liquidatePayload struct {
	LiquidatorID    uuid.UUID `json:"LiquidatorID"`
	BorrowerID      uuid.UUID `json:"BorrowerID"`
	RepayAsset      string    `json:"RepayAsset"`
	RepayAmount     *big.Int  `json:"RepayAmount"`
	CollateralAsset string    `json:"CollateralAsset"`
	Block           uint64    `json:"Block"`
}

// Observe folds one applied operation into the feed. Non-liquidation
// operations are ignored.
func (f *LiquidationFeed) Observe(rec Record) {
	switch rec.OpType {
	case "Liquidate":
		var p liquidatePayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return
		}
		f.add(LiquidationNotice{
			Sequence:        rec.Sequence,
			Executed:        true,
			BorrowerID:      p.BorrowerID,
			LiquidatorID:    p.LiquidatorID,
			RepayAsset:      p.RepayAsset,
			RepayAmount:     p.RepayAmount,
			CollateralAsset: p.CollateralAsset,
			Block:           p.Block,
		})

	case "LiquidationEligible":
		// Alerts carry no payload; the key is liq_eligible:{user}:{asset}:{block}
		parts := strings.Split(rec.IdempotencyKey, ":")
		if len(parts) != 4 {
			return
		}
		borrowerID, err := uuid.Parse(parts[1])
		if err != nil {
			return
		}
		block, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return
		}
		f.add(LiquidationNotice{
			Sequence:   rec.Sequence,
			Executed:   false,
			BorrowerID: borrowerID,
			RepayAsset: parts[2],
			Block:      block,
		})
	}
}

func (f *LiquidationFeed) add(n LiquidationNotice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	if len(f.notices) > f.cap {
		f.notices = f.notices[len(f.notices)-f.cap:]
	}
}

// Recent returns the newest notices, most recent first.
func (f *LiquidationFeed) Recent(limit int) []LiquidationNotice {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]LiquidationNotice, 0, limit)
	for i := len(f.notices) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, f.notices[i])
	}
	return result
}

// ByBorrower returns notices for one borrower, most recent first.
func (f *LiquidationFeed) ByBorrower(borrowerID uuid.UUID, limit int) []LiquidationNotice {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]LiquidationNotice, 0, limit)
	for i := len(f.notices) - 1; i >= 0 && len(result) < limit; i-- {
		if f.notices[i].BorrowerID == borrowerID {
			result = append(result, f.notices[i])
		}
	}
	return result
}
