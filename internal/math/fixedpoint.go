package math

import (
	"errors"
	"math/big"
	"sync"
)

// All ledger quantities are unsigned fixed-point integers scaled by Wad
// (18 decimals). Results are bounded to 256 bits so that a value which
// would silently wrap on-chain is reported as ErrOverflow here instead.
var (
	// Wad is the fixed-point scale: 1e18.
	Wad = mustBig("1000000000000000000")

	halfWad = new(big.Int).Rsh(Wad, 1)

	// maxWord is 2^256 - 1, the largest representable ledger value.
	maxWord = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrNegativeValue  = errors.New("fixed-point value must be non-negative")
)

// Pooled big.Int for intermediate products.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid big integer constant: " + s)
	}
	return v
}

// One returns a fresh copy of the Wad unit value.
func One() *big.Int {
	return new(big.Int).Set(Wad)
}

// Zero returns a fresh zero value.
func Zero() *big.Int {
	return new(big.Int)
}

func checkInputs(vals ...*big.Int) error {
	for _, v := range vals {
		if v == nil || v.Sign() < 0 {
			return ErrNegativeValue
		}
	}
	return nil
}

func bounded(v *big.Int) (*big.Int, error) {
	if v.Cmp(maxWord) > 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

// Mul returns round-half-up(a*b / Wad).
func Mul(a, b *big.Int) (*big.Int, error) {
	if err := checkInputs(a, b); err != nil {
		return nil, err
	}
	product := getInt()
	product.Mul(a, b)
	product.Add(product, halfWad)
	result := new(big.Int).Quo(product, Wad)
	putInt(product)
	return bounded(result)
}

// Div returns round-half-up(a*Wad / b). Fails with ErrDivisionByZero
// when b is zero.
func Div(a, b *big.Int) (*big.Int, error) {
	if err := checkInputs(a, b); err != nil {
		return nil, err
	}
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	numerator := getInt()
	numerator.Mul(a, Wad)
	numerator.Add(numerator, half(b))
	result := new(big.Int).Quo(numerator, b)
	putInt(numerator)
	return bounded(result)
}

// MulUp returns ceil(a*b / Wad). Used where rounding must favor the
// protocol: reserve accrual and seized-collateral sizing.
func MulUp(a, b *big.Int) (*big.Int, error) {
	if err := checkInputs(a, b); err != nil {
		return nil, err
	}
	product := getInt()
	product.Mul(a, b)
	result := new(big.Int)
	result.Add(product, Wad)
	result.Sub(result, big.NewInt(1))
	result.Quo(result, Wad)
	putInt(product)
	return bounded(result)
}

// DivUp returns ceil(a*Wad / b).
func DivUp(a, b *big.Int) (*big.Int, error) {
	if err := checkInputs(a, b); err != nil {
		return nil, err
	}
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	numerator := getInt()
	numerator.Mul(a, Wad)
	result := new(big.Int)
	result.Add(numerator, b)
	result.Sub(result, big.NewInt(1))
	result.Quo(result, b)
	putInt(numerator)
	return bounded(result)
}

// MulDiv returns round-half-up(a*b / d) in a single rounding step. Index
// ratios (balance = principal * index / snapshot) and cross-asset seizure
// sizing go through here so precision is not lost to an intermediate Wad
// rescale.
func MulDiv(a, b, d *big.Int) (*big.Int, error) {
	if err := checkInputs(a, b, d); err != nil {
		return nil, err
	}
	if d.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := getInt()
	product.Mul(a, b)
	product.Add(product, half(d))
	result := new(big.Int).Quo(product, d)
	putInt(product)
	return bounded(result)
}

// MulDivUp returns ceil(a*b / d).
func MulDivUp(a, b, d *big.Int) (*big.Int, error) {
	if err := checkInputs(a, b, d); err != nil {
		return nil, err
	}
	if d.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := getInt()
	product.Mul(a, b)
	product.Add(product, d)
	product.Sub(product, big.NewInt(1))
	result := new(big.Int).Quo(product, d)
	putInt(product)
	return bounded(result)
}

// Pow raises a Wad-scaled base to an integer exponent by squaring,
// rounding half-up at every step like Mul.
func Pow(base *big.Int, exp uint64) (*big.Int, error) {
	if err := checkInputs(base); err != nil {
		return nil, err
	}
	result := One()
	acc := new(big.Int).Set(base)
	var err error
	for exp > 0 {
		if exp&1 == 1 {
			result, err = Mul(result, acc)
			if err != nil {
				return nil, err
			}
		}
		exp >>= 1
		if exp > 0 {
			acc, err = Mul(acc, acc)
			if err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Add returns a+b with the 256-bit bound applied.
func Add(a, b *big.Int) (*big.Int, error) {
	if err := checkInputs(a, b); err != nil {
		return nil, err
	}
	return bounded(new(big.Int).Add(a, b))
}

// Sub returns a-b, failing with ErrOverflow when b > a: ledger values
// are unsigned and a negative result always indicates a broken invariant.
func Sub(a, b *big.Int) (*big.Int, error) {
	if err := checkInputs(a, b); err != nil {
		return nil, err
	}
	if b.Cmp(a) > 0 {
		return nil, ErrOverflow
	}
	return new(big.Int).Sub(a, b), nil
}

// MulInt multiplies a Wad value by a plain integer scalar (e.g. a block
// delta) without rescaling.
func MulInt(a *big.Int, n uint64) (*big.Int, error) {
	if err := checkInputs(a); err != nil {
		return nil, err
	}
	result := new(big.Int).Mul(a, new(big.Int).SetUint64(n))
	return bounded(result)
}

func half(x *big.Int) *big.Int {
	return new(big.Int).Rsh(x, 1)
}
