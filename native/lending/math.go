package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num := scaled.Num()
	den := scaled.Denom()
	if den.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	result := new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
	if result.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return result
}

// rateFactor converts an annual rate into a multiplicative ray factor for
// the elapsed seconds: 1 + rate × elapsed / secondsPerYear.
func rateFactor(rate *big.Rat, elapsed int64) *big.Int {
	if rate == nil || rate.Sign() == 0 || elapsed <= 0 {
		return new(big.Int).Set(ray)
	}
	perSecond := new(big.Rat).Set(rate)
	perSecond.Quo(perSecond, new(big.Rat).SetInt64(secondsPerYear))
	perSecond.Mul(perSecond, new(big.Rat).SetInt64(elapsed))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perSecond)
	return ratToRay(factor)
}

// ratToInt rounds a rational to the nearest integer, half up, never below
// zero.
func ratToInt(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	num := r.Num()
	den := r.Denom()
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
}

// positionDebt derives the current debt from a recorded principal and its
// index snapshot.
func positionDebt(principal, snapshot, index *big.Int) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return big.NewInt(0)
	}
	if snapshot == nil || snapshot.Sign() == 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	debt := new(big.Int).Mul(principal, index)
	debt.Add(debt, halfUp(snapshot))
	debt.Quo(debt, snapshot)
	return debt
}

func halfUp(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	if x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}

// mulDiv computes a × b / c with half-up rounding, zero when c is zero.
func mulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfUp(c))
	product.Quo(product, c)
	return product
}
