package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// EntryType represents the purpose of a ledger entry
type EntryType int32

const (
	EntryTypeSupply EntryType = iota
	EntryTypeWithdraw
	EntryTypeBorrowOut
	EntryTypeBorrowReceivable
	EntryTypeRepayIn
	EntryTypeRepayReceivable
	EntryTypeInterestAccrual
	EntryTypeReserveAccrual
	EntryTypeCollateralSeize
	EntryTypeReservePayout
	EntryTypeReserveRelease
	EntryTypeRepayRemainder
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeSupply:
		return "supply"
	case EntryTypeWithdraw:
		return "withdraw"
	case EntryTypeBorrowOut:
		return "borrow_out"
	case EntryTypeBorrowReceivable:
		return "borrow_receivable"
	case EntryTypeRepayIn:
		return "repay_in"
	case EntryTypeRepayReceivable:
		return "repay_receivable"
	case EntryTypeInterestAccrual:
		return "interest_accrual"
	case EntryTypeReserveAccrual:
		return "reserve_accrual"
	case EntryTypeCollateralSeize:
		return "collateral_seize"
	case EntryTypeReservePayout:
		return "reserve_payout"
	case EntryTypeReserveRelease:
		return "reserve_release"
	case EntryTypeRepayRemainder:
		return "repay_remainder"
	default:
		return "unknown"
	}
}

// Entry represents a single double-entry ledger record. Amount is a WAD
// fixed-point value and is always positive; the debit account increases
// and the credit account decreases, so every entry is balanced by
// construction.
type Entry struct {
	EntryID       uuid.UUID // Unique identifier
	BatchID       uuid.UUID // Groups entries posted by one operation
	OpRef         string    // Idempotency key of source operation
	Sequence      int64     // Global operation sequence
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Asset         string
	Amount        *big.Int
	EntryType     EntryType
	Block         uint64 // Versioned input block height (core never reads a clock)
}

// Batch represents the set of entries posted by a single operation
type Batch struct {
	BatchID  uuid.UUID
	OpRef    string
	Sequence int64
	Block    uint64
	Entries  []Entry
}

// Validate ensures the batch is well-formed. Σ debits == Σ credits is
// guaranteed per-entry, so balance needs no separate check; multi-leg
// operations (borrow, liquidation) post several entries under one batch_id,
// each individually balanced.
func (b *Batch) Validate() error {
	if len(b.Entries) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, e := range b.Entries {
		if e.Amount == nil || e.Amount.Sign() <= 0 {
			return fmt.Errorf("entry %s has non-positive amount", e.EntryID)
		}

		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}

		if e.DebitAccount == e.CreditAccount {
			return fmt.Errorf("entry %s has same debit and credit account", e.EntryID)
		}

		if e.DebitAccount.Asset != e.Asset || e.CreditAccount.Asset != e.Asset {
			return fmt.Errorf("entry %s moves %s between accounts of another asset", e.EntryID, e.Asset)
		}
	}

	return nil
}
