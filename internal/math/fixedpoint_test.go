package math_test

import (
	"math/big"
	"testing"

	fpmath "LendLedger/internal/math"
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.Wad)
}

func TestMul_WholeUnits(t *testing.T) {
	got, err := fpmath.Mul(wad(3), wad(4))
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	if got.Cmp(wad(12)) != 0 {
		t.Errorf("3*4: got %s, want %s", got, wad(12))
	}
}

func TestMul_RoundsHalfUp(t *testing.T) {
	// 0.5 * 3e-18 = 1.5e-18, rounds up to 2e-18
	halfUnit := new(big.Int).Rsh(fpmath.Wad, 1)
	got, err := fpmath.Mul(halfUnit, big.NewInt(3))
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	if got.Cmp(big.NewInt(2)) != 0 {
		t.Errorf("0.5 * 3e-18: got %s, want 2", got)
	}
}

func TestDiv_RoundsHalfUp(t *testing.T) {
	// 1e-18 / 3 = 0.333e-18, rounds to 0
	got, err := fpmath.Div(big.NewInt(1), wad(3))
	if err != nil {
		t.Fatalf("Div failed: %v", err)
	}
	if got.Sign() != 0 {
		t.Errorf("1e-18 / 3: got %s, want 0", got)
	}

	// 2e-18 / 3 = 0.667e-18, rounds to 1
	got, err = fpmath.Div(big.NewInt(2), wad(3))
	if err != nil {
		t.Fatalf("Div failed: %v", err)
	}
	if got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("2e-18 / 3: got %s, want 1", got)
	}
}

func TestMulDiv_ApproximateInverse(t *testing.T) {
	// mul then div by the same factor stays within one unit of precision
	values := []*big.Int{wad(1), wad(7), wad(1_000_000), big.NewInt(123_456_789)}
	factor := new(big.Int).Add(wad(1), big.NewInt(37)) // 1 + 37e-18

	for _, v := range values {
		product, err := fpmath.Mul(v, factor)
		if err != nil {
			t.Fatalf("Mul failed: %v", err)
		}
		back, err := fpmath.Div(product, factor)
		if err != nil {
			t.Fatalf("Div failed: %v", err)
		}
		diff := new(big.Int).Sub(back, v)
		diff.Abs(diff)
		if diff.Cmp(big.NewInt(1)) > 0 {
			t.Errorf("round trip for %s drifted by %s", v, diff)
		}
	}
}

func TestMulUp_AlwaysCeils(t *testing.T) {
	// 1e-18 * 0.1 = 0.1e-18: Mul rounds to 0, MulUp to 1
	tenth := new(big.Int).Quo(fpmath.Wad, big.NewInt(10))

	down, err := fpmath.Mul(big.NewInt(1), tenth)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	if down.Sign() != 0 {
		t.Errorf("Mul: got %s, want 0", down)
	}

	up, err := fpmath.MulUp(big.NewInt(1), tenth)
	if err != nil {
		t.Fatalf("MulUp failed: %v", err)
	}
	if up.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("MulUp: got %s, want 1", up)
	}
}

func TestDiv_ByZero(t *testing.T) {
	_, err := fpmath.Div(wad(1), fpmath.Zero())
	if err != fpmath.ErrDivisionByZero {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}

	_, err = fpmath.DivUp(wad(1), fpmath.Zero())
	if err != fpmath.ErrDivisionByZero {
		t.Errorf("DivUp: got %v, want ErrDivisionByZero", err)
	}
}

func TestMul_Overflow(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 255)
	_, err := fpmath.Mul(huge, huge)
	if err != fpmath.ErrOverflow {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	_, err := fpmath.Sub(wad(1), wad(2))
	if err != fpmath.ErrOverflow {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestNegativeInput(t *testing.T) {
	neg := big.NewInt(-1)
	if _, err := fpmath.Mul(neg, fpmath.One()); err != fpmath.ErrNegativeValue {
		t.Errorf("Mul: got %v, want ErrNegativeValue", err)
	}
	if _, err := fpmath.Div(fpmath.One(), neg); err != fpmath.ErrNegativeValue {
		t.Errorf("Div: got %v, want ErrNegativeValue", err)
	}
}

func TestPow(t *testing.T) {
	// (1.0)^n == 1.0
	got, err := fpmath.Pow(fpmath.One(), 10)
	if err != nil {
		t.Fatalf("Pow failed: %v", err)
	}
	if got.Cmp(fpmath.Wad) != 0 {
		t.Errorf("1^10: got %s, want %s", got, fpmath.Wad)
	}

	// (2.0)^10 == 1024.0
	got, err = fpmath.Pow(wad(2), 10)
	if err != nil {
		t.Fatalf("Pow failed: %v", err)
	}
	if got.Cmp(wad(1024)) != 0 {
		t.Errorf("2^10: got %s, want %s", got, wad(1024))
	}

	// x^0 == 1
	got, err = fpmath.Pow(wad(7), 0)
	if err != nil {
		t.Fatalf("Pow failed: %v", err)
	}
	if got.Cmp(fpmath.Wad) != 0 {
		t.Errorf("7^0: got %s, want 1.0", got)
	}
}

func TestMulDiv_ExactRatio(t *testing.T) {
	// 1000 * 1.01 / 1.0: index-ratio form used for live balances
	index := new(big.Int).Add(wad(1), new(big.Int).Quo(fpmath.Wad, big.NewInt(100)))
	got, err := fpmath.MulDiv(wad(1000), index, fpmath.Wad)
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	if got.Cmp(wad(1010)) != 0 {
		t.Errorf("1000 * 1.01 / 1: got %s, want %s", got, wad(1010))
	}

	// 10 * 1 / 3 = 3.33.., half-up at the last place
	got, err = fpmath.MulDiv(big.NewInt(10), big.NewInt(1), big.NewInt(3))
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	if got.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("10/3: got %s, want 3", got)
	}

	_, err = fpmath.MulDiv(wad(1), wad(1), fpmath.Zero())
	if err != fpmath.ErrDivisionByZero {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestMulDivUp_Ceils(t *testing.T) {
	got, err := fpmath.MulDivUp(big.NewInt(10), big.NewInt(1), big.NewInt(3))
	if err != nil {
		t.Fatalf("MulDivUp failed: %v", err)
	}
	if got.Cmp(big.NewInt(4)) != 0 {
		t.Errorf("ceil(10/3): got %s, want 4", got)
	}

	// exact quotients do not round
	got, err = fpmath.MulDivUp(big.NewInt(9), big.NewInt(1), big.NewInt(3))
	if err != nil {
		t.Fatalf("MulDivUp failed: %v", err)
	}
	if got.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("ceil(9/3): got %s, want 3", got)
	}
}

func TestMulInt(t *testing.T) {
	got, err := fpmath.MulInt(wad(3), 100)
	if err != nil {
		t.Fatalf("MulInt failed: %v", err)
	}
	if got.Cmp(wad(300)) != 0 {
		t.Errorf("3*100: got %s, want %s", got, wad(300))
	}
}
