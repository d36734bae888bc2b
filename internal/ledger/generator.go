package ledger

import (
	"math/big"

	"github.com/google/uuid"
)

// EntryGenerator creates balanced entry batches for market operations.
// Amounts passed in are the exact deltas the caller applied to market
// state, so tracked pool balances reconcile against market fields exactly.
type EntryGenerator struct {
	sequence int64
}

func NewEntryGenerator(startSequence int64) *EntryGenerator {
	return &EntryGenerator{sequence: startSequence}
}

func (g *EntryGenerator) newBatch(opRef string, block uint64, capacity int) *Batch {
	return &Batch{
		BatchID:  uuid.New(),
		OpRef:    opRef,
		Sequence: g.sequence,
		Block:    block,
		Entries:  make([]Entry, 0, capacity),
	}
}

func (g *EntryGenerator) entry(b *Batch, debit, credit AccountKey, asset string, amount *big.Int, typ EntryType) {
	b.Entries = append(b.Entries, Entry{
		EntryID:       uuid.New(),
		BatchID:       b.BatchID,
		OpRef:         b.OpRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        new(big.Int).Set(amount),
		EntryType:     typ,
		Block:         b.Block,
	})
}

// GenerateSupply records cash arriving from a supplier.
// external:supplies → pool:cash
func (g *EntryGenerator) GenerateSupply(opRef, asset string, amount *big.Int, block uint64) *Batch {
	b := g.newBatch(opRef, block, 1)
	g.entry(b,
		NewPoolAccountKey(SubTypePoolCash, asset),
		NewExternalAccountKey(SubTypeExternalSupplies, asset),
		asset, amount, EntryTypeSupply)
	g.sequence++
	return b
}

// GenerateWithdraw records cash leaving to a supplier.
// pool:cash → external:supplies
func (g *EntryGenerator) GenerateWithdraw(opRef, asset string, amount *big.Int, block uint64) *Batch {
	b := g.newBatch(opRef, block, 1)
	g.entry(b,
		NewExternalAccountKey(SubTypeExternalSupplies, asset),
		NewPoolAccountKey(SubTypePoolCash, asset),
		asset, amount, EntryTypeWithdraw)
	g.sequence++
	return b
}

// GenerateBorrow records cash leaving to a borrower and the matching
// receivable. The two legs net the external:loans account to zero, so the
// trail shows both the outflow and the claim it created.
func (g *EntryGenerator) GenerateBorrow(opRef, asset string, amount *big.Int, block uint64) *Batch {
	b := g.newBatch(opRef, block, 2)
	g.entry(b,
		NewExternalAccountKey(SubTypeExternalLoans, asset),
		NewPoolAccountKey(SubTypePoolCash, asset),
		asset, amount, EntryTypeBorrowOut)
	g.entry(b,
		NewPoolAccountKey(SubTypePoolReceivables, asset),
		NewExternalAccountKey(SubTypeExternalLoans, asset),
		asset, amount, EntryTypeBorrowReceivable)
	g.sequence++
	return b
}

// GenerateRepay records cash returning from a borrower and the receivable
// it extinguishes. Per-account round-half-up balances can overshoot the
// aggregate receivable, so the extinguished amount is passed separately;
// any excess is booked as rounding income against system:interest.
func (g *EntryGenerator) GenerateRepay(opRef, asset string, repaid, receivable *big.Int, block uint64) *Batch {
	b := g.newBatch(opRef, block, 3)
	g.appendRepayLegs(b, asset, repaid, receivable)
	g.sequence++
	return b
}

// GenerateAccrual records compounded interest: the receivable grows against
// system:interest, and the reserve share is carved out of that income.
// Either leg may be zero and is then omitted; a nil return means nothing
// accrued.
func (g *EntryGenerator) GenerateAccrual(opRef, asset string, interest, reserveShare *big.Int, block uint64) *Batch {
	if interest.Sign() == 0 {
		return nil
	}

	b := g.newBatch(opRef, block, 2)
	g.entry(b,
		NewPoolAccountKey(SubTypePoolReceivables, asset),
		NewSystemAccountKey(SubTypeSystemInterest, asset),
		asset, interest, EntryTypeInterestAccrual)
	if reserveShare.Sign() > 0 {
		g.entry(b,
			NewSystemAccountKey(SubTypeSystemInterest, asset),
			NewPoolAccountKey(SubTypePoolReserves, asset),
			asset, reserveShare, EntryTypeReserveAccrual)
	}
	g.sequence++
	return b
}

// GenerateLiquidate records both legs of a liquidation under one batch:
// the liquidator repays borrowAsset on the borrower's behalf, and seized
// collateral leaves the pool in collateralAsset.
func (g *EntryGenerator) GenerateLiquidate(opRef, borrowAsset, collateralAsset string, repaid, receivable, seized *big.Int, block uint64) *Batch {
	b := g.newBatch(opRef, block, 4)
	g.appendRepayLegs(b, borrowAsset, repaid, receivable)
	g.entry(b,
		NewExternalAccountKey(SubTypeExternalSeizures, collateralAsset),
		NewPoolAccountKey(SubTypePoolCash, collateralAsset),
		collateralAsset, seized, EntryTypeCollateralSeize)
	g.sequence++
	return b
}

// GenerateReserveWithdraw records reserves paid out of the pool.
// pool:cash → external:reserve_payouts, releasing the reserve allocation.
func (g *EntryGenerator) GenerateReserveWithdraw(opRef, asset string, amount *big.Int, block uint64) *Batch {
	b := g.newBatch(opRef, block, 2)
	g.entry(b,
		NewExternalAccountKey(SubTypeExternalReservePayouts, asset),
		NewPoolAccountKey(SubTypePoolCash, asset),
		asset, amount, EntryTypeReservePayout)
	g.entry(b,
		NewPoolAccountKey(SubTypePoolReserves, asset),
		NewExternalAccountKey(SubTypeExternalReservePayouts, asset),
		asset, amount, EntryTypeReserveRelease)
	g.sequence++
	return b
}

// Sequence returns the next sequence the generator will assign
func (g *EntryGenerator) Sequence() int64 {
	return g.sequence
}

// SetSequence repositions the generator (recovery after replay)
func (g *EntryGenerator) SetSequence(seq int64) {
	g.sequence = seq
}

// appendRepayLegs books repaid cash in and the receivable out, with the
// three legs netting external:loans to zero. receivable never exceeds
// repaid; when it falls short the remainder is interest collected beyond
// the tracked receivable.
func (g *EntryGenerator) appendRepayLegs(b *Batch, asset string, repaid, receivable *big.Int) {
	g.entry(b,
		NewPoolAccountKey(SubTypePoolCash, asset),
		NewExternalAccountKey(SubTypeExternalLoans, asset),
		asset, repaid, EntryTypeRepayIn)
	if receivable.Sign() > 0 {
		g.entry(b,
			NewExternalAccountKey(SubTypeExternalLoans, asset),
			NewPoolAccountKey(SubTypePoolReceivables, asset),
			asset, receivable, EntryTypeRepayReceivable)
	}
	if remainder := new(big.Int).Sub(repaid, receivable); remainder.Sign() > 0 {
		g.entry(b,
			NewExternalAccountKey(SubTypeExternalLoans, asset),
			NewSystemAccountKey(SubTypeSystemInterest, asset),
			asset, remainder, EntryTypeRepayRemainder)
	}
}
