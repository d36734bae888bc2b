package ledger

import (
	"fmt"
	"math/big"
)

// BalanceTracker maintains in-memory audit-trail account balances.
// Balances are signed: debit-normal accounts carry positive balances,
// credit-normal accounts (pool reserves, system interest) carry negative
// ones.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyEntry applies a single entry to balances
func (bt *BalanceTracker) ApplyEntry(e Entry) {
	bt.add(e.DebitAccount, e.Amount)
	bt.sub(e.CreditAccount, e.Amount)
}

// ApplyBatch applies all entries in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, e := range batch.Entries {
		bt.ApplyEntry(e)
	}

	return nil
}

// GetBalance returns the current balance for an account. The returned value
// is a copy.
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// PoolCash returns the tracked cash balance for a market
func (bt *BalanceTracker) PoolCash(asset string) *big.Int {
	return bt.GetBalance(NewPoolAccountKey(SubTypePoolCash, asset))
}

// PoolReceivables returns the tracked outstanding-borrow balance for a market
func (bt *BalanceTracker) PoolReceivables(asset string) *big.Int {
	return bt.GetBalance(NewPoolAccountKey(SubTypePoolReceivables, asset))
}

// PoolReserves returns the tracked reserve balance for a market as a
// positive number (the account is credit-normal).
func (bt *BalanceTracker) PoolReserves(asset string) *big.Int {
	return new(big.Int).Neg(bt.GetBalance(NewPoolAccountKey(SubTypePoolReserves, asset)))
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]*big.Int {
	totals := make(map[string]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(big.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing and rollback)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances with a previously taken snapshot
func (bt *BalanceTracker) Restore(snapshot map[AccountKey]*big.Int) {
	bt.balances = make(map[AccountKey]*big.Int, len(snapshot))
	for k, v := range snapshot {
		bt.balances[k] = new(big.Int).Set(v)
	}
}

func (bt *BalanceTracker) add(key AccountKey, amount *big.Int) {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	b.Add(b, amount)
}

func (bt *BalanceTracker) sub(key AccountKey, amount *big.Int) {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	b.Sub(b, amount)
}
