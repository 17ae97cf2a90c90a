package lending

import "math/big"

// InterestModel encapsulates the parameters that shape how borrow rates
// react to pool utilisation.
type InterestModel struct {
	// BaseRate is the minimum borrow APR applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilisation ratio where the borrow rate slope
	// changes to encourage liquidity.
	Kink *big.Rat
	// MaxRate clamps the borrow APR regardless of utilisation.
	MaxRate *big.Rat
}

// NewInterestModel constructs an interest model from floating point inputs.
//
// The parameters should be provided as decimals, e.g. a 2% base rate is
// expressed as 0.02 and an 80% kink utilisation is 0.8.
func NewInterestModel(baseRate, slope1, slope2, kink, maxRate float64) *InterestModel {
	model := &InterestModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
		MaxRate:  new(big.Rat),
	}
	model.BaseRate.SetFloat64(baseRate)
	model.Slope1.SetFloat64(slope1)
	model.Slope2.SetFloat64(slope2)
	model.Kink.SetFloat64(kink)
	model.MaxRate.SetFloat64(maxRate)
	return model
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	clone := &InterestModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
		MaxRate:  new(big.Rat),
	}
	if m.BaseRate != nil {
		clone.BaseRate.Set(m.BaseRate)
	}
	if m.Slope1 != nil {
		clone.Slope1.Set(m.Slope1)
	}
	if m.Slope2 != nil {
		clone.Slope2.Set(m.Slope2)
	}
	if m.Kink != nil {
		clone.Kink.Set(m.Kink)
	}
	if m.MaxRate != nil {
		clone.MaxRate.Set(m.MaxRate)
	}
	return clone
}

// Utilisation computes the pool utilisation ratio U = totalBorrows /
// totalSupply, capped at 1. When no liquidity exists the utilisation is
// defined as zero.
func (m *InterestModel) Utilisation(totalBorrows, totalSupply *big.Int) *big.Rat {
	if totalBorrows == nil || totalBorrows.Sign() <= 0 {
		return new(big.Rat)
	}
	if totalSupply == nil || totalSupply.Sign() <= 0 {
		return new(big.Rat)
	}
	u := new(big.Rat).SetFrac(totalBorrows, totalSupply)
	if u.Cmp(big.NewRat(1, 1)) > 0 {
		return big.NewRat(1, 1)
	}
	return u
}

// UtilisationBps renders utilisation in basis points, always in [0, 10000].
func (m *InterestModel) UtilisationBps(totalBorrows, totalSupply *big.Int) uint64 {
	u := m.Utilisation(totalBorrows, totalSupply)
	scaled := new(big.Rat).Mul(u, new(big.Rat).SetInt(basisPoints))
	bps := ratToInt(scaled)
	if !bps.IsUint64() || bps.Uint64() > 10_000 {
		return 10_000
	}
	return bps.Uint64()
}

// BorrowAPR derives the dynamic borrow APR based on the current utilisation.
// The curve is linear up to the kink and steeper beyond it, clamped to
// MaxRate; the result never decreases as utilisation grows.
func (m *InterestModel) BorrowAPR(totalBorrows, totalSupply *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(totalBorrows, totalSupply)
	if utilisation.Sign() != 0 {
		kink := cloneRat(m.Kink)
		slope1 := cloneRat(m.Slope1)
		slope2 := cloneRat(m.Slope2)
		if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
			// Linear region before the kink.
			rate.Add(rate, new(big.Rat).Mul(slope1, utilisation))
		} else {
			// Rate at the kink using slope1.
			rate.Add(rate, new(big.Rat).Mul(slope1, kink))

			// Additional rate beyond the kink using slope2.
			excess := new(big.Rat).Sub(utilisation, kink)
			rate.Add(rate, new(big.Rat).Mul(slope2, excess))
		}
	}
	if m.MaxRate != nil && m.MaxRate.Sign() > 0 && rate.Cmp(m.MaxRate) > 0 {
		return cloneRat(m.MaxRate)
	}
	return rate
}

// BorrowRateAnnualBps renders the annual borrow rate in basis points.
func (m *InterestModel) BorrowRateAnnualBps(totalBorrows, totalSupply *big.Int) uint64 {
	apr := m.BorrowAPR(totalBorrows, totalSupply)
	scaled := new(big.Rat).Mul(apr, new(big.Rat).SetInt(basisPoints))
	bps := ratToInt(scaled)
	if !bps.IsUint64() {
		return 0
	}
	return bps.Uint64()
}

// CalculateInterest applies the utilisation-derived annual rate to a
// principal over the elapsed seconds using simple interest. The result is
// exactly zero when the principal or the elapsed time is zero; compounding
// emerges from periodic re-application by the accrual loop.
func (m *InterestModel) CalculateInterest(principal, totalBorrows, totalSupply *big.Int, secondsElapsed int64) *big.Int {
	if m == nil || principal == nil || principal.Sign() == 0 || secondsElapsed <= 0 {
		return big.NewInt(0)
	}
	rate := m.BorrowAPR(totalBorrows, totalSupply)
	if rate.Sign() == 0 {
		return big.NewInt(0)
	}
	perSecond := new(big.Rat).Set(rate)
	perSecond.Quo(perSecond, new(big.Rat).SetInt64(secondsPerYear))
	perSecond.Mul(perSecond, new(big.Rat).SetInt64(secondsElapsed))
	interest := new(big.Rat).Mul(perSecond, new(big.Rat).SetInt(principal))
	return ratToInt(interest)
}

// SplitInterest divides an accrued interest amount between suppliers and
// the protocol reserve. The two parts always sum back to the input.
func SplitInterest(interest *big.Int, reserveFactorBps uint64) (supplierShare, reserveShare *big.Int) {
	if interest == nil || interest.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	if reserveFactorBps > 10_000 {
		reserveFactorBps = 10_000
	}
	reserveShare = new(big.Int).Mul(interest, new(big.Int).SetUint64(reserveFactorBps))
	reserveShare.Quo(reserveShare, basisPoints)
	supplierShare = new(big.Int).Sub(interest, reserveShare)
	return supplierShare, reserveShare
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultInterestModel provides a reasonable starting configuration featuring a
// kinked interest rate curve with a modest base rate.
var DefaultInterestModel = NewInterestModel(0.02, 0.15, 0.6, 0.8, 5.0)
