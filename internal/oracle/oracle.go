package oracle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/big"
	"sort"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrInvalidPrice     = errors.New("price must be positive")
)

// Quote is a posted price for one asset in the common quote currency,
// Wad-scaled per whole unit, stamped with the block it arrived at.
type Quote struct {
	Asset string
	Price *big.Int
	Block uint64
}

// Oracle supplies prices to risk checks. Implementations must be
// deterministic reads of already-posted state; the core never reaches out
// to an external feed mid-operation.
type Oracle interface {
	Quote(asset string) (Quote, error)
}

// Table is the in-core price table, fed by price-update operations flowing
// through the event pipeline like any other state change.
type Table struct {
	quotes map[string]Quote
}

func NewTable() *Table {
	return &Table{
		quotes: make(map[string]Quote),
	}
}

// Set posts a price for an asset. Zero and negative prices are rejected;
// an asset with no posted price stays unavailable rather than defaulting.
func (t *Table) Set(asset string, price *big.Int, block uint64) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	t.quotes[asset] = Quote{
		Asset: asset,
		Price: new(big.Int).Set(price),
		Block: block,
	}
	return nil
}

// Quote returns the last posted price for an asset
func (t *Table) Quote(asset string) (Quote, error) {
	q, ok := t.quotes[asset]
	if !ok {
		return Quote{}, ErrPriceUnavailable
	}
	return Quote{
		Asset: q.Asset,
		Price: new(big.Int).Set(q.Price),
		Block: q.Block,
	}, nil
}

// Assets returns all assets with posted prices, sorted
func (t *Table) Assets() []string {
	assets := make([]string, 0, len(t.quotes))
	for asset := range t.quotes {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Snapshot returns a deep copy for rollback
func (t *Table) Snapshot() map[string]Quote {
	snap := make(map[string]Quote, len(t.quotes))
	for asset, q := range t.quotes {
		snap[asset] = Quote{
			Asset: q.Asset,
			Price: new(big.Int).Set(q.Price),
			Block: q.Block,
		}
	}
	return snap
}

// Restore replaces the table contents with a snapshot
func (t *Table) Restore(snap map[string]Quote) {
	t.quotes = make(map[string]Quote, len(snap))
	for asset, q := range snap {
		t.quotes[asset] = Quote{
			Asset: q.Asset,
			Price: new(big.Int).Set(q.Price),
			Block: q.Block,
		}
	}
}

// CanonicalBytes returns a deterministic encoding of the whole table for
// state hashing
func (t *Table) CanonicalBytes() []byte {
	var buf bytes.Buffer

	for _, asset := range t.Assets() {
		q := t.quotes[asset]
		buf.WriteString(asset)
		buf.WriteByte(0)
		pb := q.Price.Bytes()
		binary.Write(&buf, binary.BigEndian, uint32(len(pb)))
		buf.Write(pb)
		binary.Write(&buf, binary.BigEndian, q.Block)
	}

	return buf.Bytes()
}
