package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopePool
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Pool sub-types (debit-normal except reserves, which is credit-normal)
	SubTypePoolCash AccountSubType = iota
	SubTypePoolReceivables
	SubTypePoolReserves

	// System sub-types (credit-normal)
	SubTypeSystemInterest

	// External boundary sub-types
	SubTypeExternalSupplies
	SubTypeExternalLoans
	SubTypeExternalSeizures
	SubTypeExternalReservePayouts
)

// AccountKey is the in-memory key for balance tracking. Markets are created
// at runtime, so the asset symbol is carried directly instead of a numeric ID.
type AccountKey struct {
	Scope   AccountScope
	UserID  uuid.UUID // zero for pool/system/external accounts
	SubType AccountSubType
	Asset   string
}

// NewPoolAccountKey creates a key for per-market pool accounts
func NewPoolAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopePool,
		SubType: subType,
		Asset:   asset,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.UserID.String(), k.subTypeName(), k.Asset)
	case AccountScopePool:
		return fmt.Sprintf("pool:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePoolCash:
		return "cash"
	case SubTypePoolReceivables:
		return "receivables"
	case SubTypePoolReserves:
		return "reserves"
	case SubTypeSystemInterest:
		return "interest"
	case SubTypeExternalSupplies:
		return "supplies"
	case SubTypeExternalLoans:
		return "loans"
	case SubTypeExternalSeizures:
		return "seizures"
	case SubTypeExternalReservePayouts:
		return "reserve_payouts"
	default:
		return "unknown"
	}
}

// ParseAccountPath inverts AccountPath. Used when restoring balance maps
// from a persisted snapshot.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path: %q", path)
	}

	subTypeFor := func(name string) (AccountSubType, error) {
		switch name {
		case "cash":
			return SubTypePoolCash, nil
		case "receivables":
			return SubTypePoolReceivables, nil
		case "reserves":
			return SubTypePoolReserves, nil
		case "interest":
			return SubTypeSystemInterest, nil
		case "supplies":
			return SubTypeExternalSupplies, nil
		case "loans":
			return SubTypeExternalLoans, nil
		case "seizures":
			return SubTypeExternalSeizures, nil
		case "reserve_payouts":
			return SubTypeExternalReservePayouts, nil
		}
		return 0, fmt.Errorf("unknown account sub-type: %q", name)
	}

	switch parts[0] {
	case "user":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed user account path: %q", path)
		}
		userID, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse user id in %q: %w", path, err)
		}
		subType, err := subTypeFor(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return AccountKey{Scope: AccountScopeUser, UserID: userID, SubType: subType, Asset: parts[3]}, nil
	case "pool", "system", "external":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed account path: %q", path)
		}
		subType, err := subTypeFor(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		scope := AccountScopePool
		switch parts[0] {
		case "system":
			scope = AccountScopeSystem
		case "external":
			scope = AccountScopeExternal
		}
		return AccountKey{Scope: scope, SubType: subType, Asset: parts[2]}, nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope in %q", path)
}
