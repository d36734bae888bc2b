package asset

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

var ErrTransferFailed = errors.New("transfer failed")

// Transferer moves underlying assets across the custody boundary.
// TransferIn pulls funds from a user's external wallet into pool custody,
// TransferOut pushes funds the other way. Either side may fail; callers
// treat a failure as grounds for rolling the whole operation back.
type Transferer interface {
	TransferIn(userID uuid.UUID, asset string, amount *big.Int) error
	TransferOut(userID uuid.UUID, asset string, amount *big.Int) error
}

type bankKey struct {
	user  uuid.UUID
	asset string
}

// Bank is an in-memory Transferer backed by per-user wallet balances. It
// stands in for the settlement rail in tests and the standalone binary;
// TransferIn fails when the wallet cannot cover the pull, which exercises
// the rollback path the same way a declined settlement would.
type Bank struct {
	wallets map[bankKey]*big.Int
}

func NewBank() *Bank {
	return &Bank{
		wallets: make(map[bankKey]*big.Int),
	}
}

// Credit seeds a user's wallet
func (b *Bank) Credit(userID uuid.UUID, asset string, amount *big.Int) {
	key := bankKey{user: userID, asset: asset}
	w, ok := b.wallets[key]
	if !ok {
		w = new(big.Int)
		b.wallets[key] = w
	}
	w.Add(w, amount)
}

// Balance returns a copy of a user's wallet balance
func (b *Bank) Balance(userID uuid.UUID, asset string) *big.Int {
	if w, ok := b.wallets[bankKey{user: userID, asset: asset}]; ok {
		return new(big.Int).Set(w)
	}
	return new(big.Int)
}

func (b *Bank) TransferIn(userID uuid.UUID, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrTransferFailed)
	}
	key := bankKey{user: userID, asset: asset}
	w, ok := b.wallets[key]
	if !ok || w.Cmp(amount) < 0 {
		return fmt.Errorf("%w: wallet %s/%s cannot cover %s", ErrTransferFailed, userID, asset, amount)
	}
	w.Sub(w, amount)
	return nil
}

func (b *Bank) TransferOut(userID uuid.UUID, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrTransferFailed)
	}
	b.Credit(userID, asset, amount)
	return nil
}

// Settled is a Transferer for log replay. Every logged operation cleared
// its transfer when it was first applied, so both directions succeed
// unconditionally.
type Settled struct{}

func (Settled) TransferIn(uuid.UUID, string, *big.Int) error  { return nil }
func (Settled) TransferOut(uuid.UUID, string, *big.Int) error { return nil }

// FailNext wraps a Transferer and fails a chosen number of upcoming calls.
// Used in tests to force the rollback path deterministically.
type FailNext struct {
	Inner    Transferer
	FailIns  int
	FailOuts int
}

func (f *FailNext) TransferIn(userID uuid.UUID, asset string, amount *big.Int) error {
	if f.FailIns > 0 {
		f.FailIns--
		return fmt.Errorf("%w: injected failure", ErrTransferFailed)
	}
	return f.Inner.TransferIn(userID, asset, amount)
}

func (f *FailNext) TransferOut(userID uuid.UUID, asset string, amount *big.Int) error {
	if f.FailOuts > 0 {
		f.FailOuts--
		return fmt.Errorf("%w: injected failure", ErrTransferFailed)
	}
	return f.Inner.TransferOut(userID, asset, amount)
}
