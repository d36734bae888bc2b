package oracle_test

import (
	"math/big"
	"testing"

	"LendLedger/internal/oracle"
)

func TestTable_SetAndQuote(t *testing.T) {
	table := oracle.NewTable()

	if _, err := table.Quote("ETH"); err != oracle.ErrPriceUnavailable {
		t.Errorf("unposted asset: got %v, want ErrPriceUnavailable", err)
	}

	price := big.NewInt(2000)
	if err := table.Set("ETH", price, 100); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	q, err := table.Quote("ETH")
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.Price.Cmp(price) != 0 || q.Block != 100 {
		t.Errorf("got price=%s block=%d, want price=%s block=100", q.Price, q.Block, price)
	}

	// mutating the returned quote must not touch the table
	q.Price.SetInt64(1)
	again, _ := table.Quote("ETH")
	if again.Price.Cmp(price) != 0 {
		t.Error("Quote returned a live reference into the table")
	}
}

func TestTable_RejectsNonPositivePrices(t *testing.T) {
	table := oracle.NewTable()

	if err := table.Set("ETH", big.NewInt(0), 1); err != oracle.ErrInvalidPrice {
		t.Errorf("zero price: got %v, want ErrInvalidPrice", err)
	}
	if err := table.Set("ETH", big.NewInt(-5), 1); err != oracle.ErrInvalidPrice {
		t.Errorf("negative price: got %v, want ErrInvalidPrice", err)
	}
	if err := table.Set("ETH", nil, 1); err != oracle.ErrInvalidPrice {
		t.Errorf("nil price: got %v, want ErrInvalidPrice", err)
	}
}

func TestTable_SnapshotRestore(t *testing.T) {
	table := oracle.NewTable()
	table.Set("ETH", big.NewInt(2000), 100)

	snap := table.Snapshot()
	table.Set("ETH", big.NewInt(1500), 101)
	table.Set("BTC", big.NewInt(60000), 101)

	table.Restore(snap)

	q, err := table.Quote("ETH")
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.Price.Cmp(big.NewInt(2000)) != 0 || q.Block != 100 {
		t.Errorf("restore lost the original quote: got %s@%d", q.Price, q.Block)
	}
	if _, err := table.Quote("BTC"); err != oracle.ErrPriceUnavailable {
		t.Error("restore kept a quote posted after the snapshot")
	}
}

func TestTable_CanonicalBytesDeterministic(t *testing.T) {
	a := oracle.NewTable()
	a.Set("ETH", big.NewInt(2000), 100)
	a.Set("BTC", big.NewInt(60000), 100)

	b := oracle.NewTable()
	b.Set("BTC", big.NewInt(60000), 100)
	b.Set("ETH", big.NewInt(2000), 100)

	if string(a.CanonicalBytes()) != string(b.CanonicalBytes()) {
		t.Error("canonical bytes depend on insertion order")
	}
}
