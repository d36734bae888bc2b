package ledger

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"sort"

	"github.com/google/uuid"

	fpmath "LendLedger/internal/math"
)

// UserAccount tracks one user's supply and borrow position in a single
// market. Principals are stored with a snapshot of the market index at the
// last touch; the live balance is principal * current_index / snapshot, so
// interest compounds without per-account writes on accrual.
type UserAccount struct {
	UserID uuid.UUID
	Asset  string

	PrincipalSupply     *big.Int
	SupplyIndexSnapshot *big.Int
	PrincipalBorrow     *big.Int
	BorrowIndexSnapshot *big.Int

	Version int64
}

func NewUserAccount(userID uuid.UUID, asset string) *UserAccount {
	return &UserAccount{
		UserID:              userID,
		Asset:               asset,
		PrincipalSupply:     new(big.Int),
		SupplyIndexSnapshot: fpmath.One(),
		PrincipalBorrow:     new(big.Int),
		BorrowIndexSnapshot: fpmath.One(),
	}
}

// SupplyBalance returns the live supply balance at the given market supply
// index without mutating the account.
func (a *UserAccount) SupplyBalance(supplyIndex *big.Int) (*big.Int, error) {
	if a.PrincipalSupply.Sign() == 0 {
		return new(big.Int), nil
	}
	return fpmath.MulDiv(a.PrincipalSupply, supplyIndex, a.SupplyIndexSnapshot)
}

// BorrowBalance returns the live borrow balance at the given market borrow
// index without mutating the account.
func (a *UserAccount) BorrowBalance(borrowIndex *big.Int) (*big.Int, error) {
	if a.PrincipalBorrow.Sign() == 0 {
		return new(big.Int), nil
	}
	return fpmath.MulDiv(a.PrincipalBorrow, borrowIndex, a.BorrowIndexSnapshot)
}

// RealizeSupply folds accrued interest into the stored principal and moves
// the snapshot to the given index. Idempotent at a fixed index.
func (a *UserAccount) RealizeSupply(supplyIndex *big.Int) error {
	live, err := a.SupplyBalance(supplyIndex)
	if err != nil {
		return err
	}
	a.PrincipalSupply = live
	a.SupplyIndexSnapshot = new(big.Int).Set(supplyIndex)
	return nil
}

// RealizeBorrow folds accrued interest into the stored borrow principal and
// moves the snapshot to the given index.
func (a *UserAccount) RealizeBorrow(borrowIndex *big.Int) error {
	live, err := a.BorrowBalance(borrowIndex)
	if err != nil {
		return err
	}
	a.PrincipalBorrow = live
	a.BorrowIndexSnapshot = new(big.Int).Set(borrowIndex)
	return nil
}

// Clone returns a deep copy for rollback snapshots
func (a *UserAccount) Clone() *UserAccount {
	return &UserAccount{
		UserID:              a.UserID,
		Asset:               a.Asset,
		PrincipalSupply:     new(big.Int).Set(a.PrincipalSupply),
		SupplyIndexSnapshot: new(big.Int).Set(a.SupplyIndexSnapshot),
		PrincipalBorrow:     new(big.Int).Set(a.PrincipalBorrow),
		BorrowIndexSnapshot: new(big.Int).Set(a.BorrowIndexSnapshot),
		Version:             a.Version,
	}
}

// Restore copies all fields back from a snapshot taken with Clone
func (a *UserAccount) Restore(snapshot *UserAccount) {
	a.PrincipalSupply = new(big.Int).Set(snapshot.PrincipalSupply)
	a.SupplyIndexSnapshot = new(big.Int).Set(snapshot.SupplyIndexSnapshot)
	a.PrincipalBorrow = new(big.Int).Set(snapshot.PrincipalBorrow)
	a.BorrowIndexSnapshot = new(big.Int).Set(snapshot.BorrowIndexSnapshot)
	a.Version = snapshot.Version
}

// CanonicalBytes returns a deterministic byte encoding for state hashing
func (a *UserAccount) CanonicalBytes() []byte {
	var buf bytes.Buffer

	buf.Write(a.UserID[:])
	buf.WriteString(a.Asset)
	buf.WriteByte(0)
	writeBig(&buf, a.PrincipalSupply)
	writeBig(&buf, a.SupplyIndexSnapshot)
	writeBig(&buf, a.PrincipalBorrow)
	writeBig(&buf, a.BorrowIndexSnapshot)
	binary.Write(&buf, binary.BigEndian, a.Version)

	return buf.Bytes()
}

func writeBig(buf *bytes.Buffer, v *big.Int) {
	b := v.Bytes()
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

type userAssetKey struct {
	user  uuid.UUID
	asset string
}

// Accounts is the in-memory store of user positions across all markets.
// Accounts are created on first touch and never deleted; a fully repaid or
// withdrawn position keeps its record with zero principals.
type Accounts struct {
	accounts map[userAssetKey]*UserAccount
	byUser   map[uuid.UUID]map[string]struct{}
}

func NewAccounts() *Accounts {
	return &Accounts{
		accounts: make(map[userAssetKey]*UserAccount),
		byUser:   make(map[uuid.UUID]map[string]struct{}),
	}
}

// GetOrCreate returns the account for (user, asset), creating an empty one
// on first touch
func (s *Accounts) GetOrCreate(userID uuid.UUID, asset string) *UserAccount {
	key := userAssetKey{user: userID, asset: asset}
	if a, ok := s.accounts[key]; ok {
		return a
	}

	a := NewUserAccount(userID, asset)
	s.accounts[key] = a

	assets, ok := s.byUser[userID]
	if !ok {
		assets = make(map[string]struct{})
		s.byUser[userID] = assets
	}
	assets[asset] = struct{}{}

	return a
}

// Lookup returns the account if the user has ever touched the asset
func (s *Accounts) Lookup(userID uuid.UUID, asset string) (*UserAccount, bool) {
	a, ok := s.accounts[userAssetKey{user: userID, asset: asset}]
	return a, ok
}

// AssetsOf returns the assets a user has ever touched, sorted for
// deterministic iteration
func (s *Accounts) AssetsOf(userID uuid.UUID) []string {
	touched, ok := s.byUser[userID]
	if !ok {
		return nil
	}
	assets := make([]string, 0, len(touched))
	for asset := range touched {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Install places an account directly into the store (snapshot restore)
func (s *Accounts) Install(a *UserAccount) {
	key := userAssetKey{user: a.UserID, asset: a.Asset}
	s.accounts[key] = a

	assets, ok := s.byUser[a.UserID]
	if !ok {
		assets = make(map[string]struct{})
		s.byUser[a.UserID] = assets
	}
	assets[a.Asset] = struct{}{}
}

// Len returns the number of stored accounts
func (s *Accounts) Len() int {
	return len(s.accounts)
}

// All iterates accounts in deterministic (user, asset) order
func (s *Accounts) All(fn func(*UserAccount)) {
	keys := make([]userAssetKey, 0, len(s.accounts))
	for k := range s.accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci := bytes.Compare(keys[i].user[:], keys[j].user[:])
		if ci != 0 {
			return ci < 0
		}
		return keys[i].asset < keys[j].asset
	})
	for _, k := range keys {
		fn(s.accounts[k])
	}
}
