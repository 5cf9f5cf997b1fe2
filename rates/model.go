package rates

import (
	"errors"
	"math/big"
)

// ErrInvalidUtilization is returned when the utilisation denominator would be
// negative, i.e. reserves exceed cash plus borrows. Normal accrual flow keeps
// reserves bounded by accrued interest so hitting this indicates a
// configuration or accounting bug upstream.
var ErrInvalidUtilization = errors.New("rates: reserves exceed cash plus borrows")

var expScale = big.NewInt(1_000_000_000_000_000_000)

// BlocksPerYear is the block cadence used to derive per-block rates from the
// annual figures the model is parameterised with.
const BlocksPerYear = 2_102_400

// Model is a linear interest rate model: the annual borrow rate grows from
// BaseRate by Multiplier per unit of utilisation. Both parameters are
// 18-decimal fixed point. The model is stateless; every method is a pure
// function of its inputs so the market ledger can call it on every accrual
// and expose it read-only at the same time.
type Model struct {
	// BaseRate is the annual borrow rate applied at zero utilisation.
	BaseRate *big.Int
	// Multiplier is the annual borrow rate increase per unit of utilisation.
	Multiplier *big.Int
}

// NewModel constructs a linear model from 18-decimal fixed point inputs.
// Nil parameters are treated as zero.
func NewModel(baseRate, multiplier *big.Int) *Model {
	m := &Model{BaseRate: big.NewInt(0), Multiplier: big.NewInt(0)}
	if baseRate != nil {
		m.BaseRate = new(big.Int).Set(baseRate)
	}
	if multiplier != nil {
		m.Multiplier = new(big.Int).Set(multiplier)
	}
	return m
}

// DefaultModel mirrors the reference deployment: 2% base rate plus 30% per
// unit of utilisation, annually.
func DefaultModel() *Model {
	base, _ := new(big.Int).SetString("20000000000000000", 10)
	mult, _ := new(big.Int).SetString("300000000000000000", 10)
	return NewModel(base, mult)
}

// Utilization computes U = borrows / (cash + borrows - reserves) at 1e18
// scale. Zero borrows or a zero denominator both yield zero utilisation; a
// negative denominator is rejected.
func (m *Model) Utilization(cash, borrows, reserves *big.Int) (*big.Int, error) {
	if borrows == nil || borrows.Sign() == 0 {
		return big.NewInt(0), nil
	}
	denom := new(big.Int).Add(orZero(cash), borrows)
	denom.Sub(denom, orZero(reserves))
	if denom.Sign() < 0 {
		return nil, ErrInvalidUtilization
	}
	if denom.Sign() == 0 {
		return big.NewInt(0), nil
	}
	u := new(big.Int).Mul(borrows, expScale)
	return u.Quo(u, denom), nil
}

// BorrowRate returns the annual borrow rate for the supplied market balances.
// At zero borrows the rate is the base rate; when the utilisation denominator
// is zero the rate is zero.
func (m *Model) BorrowRate(cash, borrows, reserves *big.Int) (*big.Int, error) {
	if borrows == nil || borrows.Sign() == 0 {
		return new(big.Int).Set(m.BaseRate), nil
	}
	denom := new(big.Int).Add(orZero(cash), borrows)
	denom.Sub(denom, orZero(reserves))
	if denom.Sign() < 0 {
		return nil, ErrInvalidUtilization
	}
	if denom.Sign() == 0 {
		return big.NewInt(0), nil
	}
	u := new(big.Int).Mul(borrows, expScale)
	u.Quo(u, denom)
	rate := new(big.Int).Mul(u, m.Multiplier)
	rate.Quo(rate, expScale)
	return rate.Add(rate, m.BaseRate), nil
}

// BorrowRatePerBlock scales the annual borrow rate down to a single block.
func (m *Model) BorrowRatePerBlock(cash, borrows, reserves *big.Int) (*big.Int, error) {
	annual, err := m.BorrowRate(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	return annual.Quo(annual, big.NewInt(BlocksPerYear)), nil
}

// SupplyRate returns the annual supply rate:
// borrowRate * U * (1 - reserveFactor), all at 1e18 scale.
func (m *Model) SupplyRate(cash, borrows, reserves, reserveFactor *big.Int) (*big.Int, error) {
	borrowRate, err := m.BorrowRate(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	u, err := m.Utilization(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	if u.Sign() == 0 {
		return big.NewInt(0), nil
	}
	oneMinusReserve := new(big.Int).Sub(expScale, orZero(reserveFactor))
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	rate := new(big.Int).Mul(borrowRate, u)
	rate.Quo(rate, expScale)
	rate.Mul(rate, oneMinusReserve)
	return rate.Quo(rate, expScale), nil
}

// SupplyRatePerBlock scales the annual supply rate down to a single block.
func (m *Model) SupplyRatePerBlock(cash, borrows, reserves, reserveFactor *big.Int) (*big.Int, error) {
	annual, err := m.SupplyRate(cash, borrows, reserves, reserveFactor)
	if err != nil {
		return nil, err
	}
	return annual.Quo(annual, big.NewInt(BlocksPerYear)), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
