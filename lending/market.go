// Package lending implements the interest-bearing market ledger. One Market
// exists per listed asset; it tracks supplied shares and outstanding borrows,
// accrues interest lazily against an external block clock and defers risk
// decisions to an injected risk engine.
//
// A Market is not safe for concurrent use on its own. The protocol node
// serialises every call behind a single mutex, matching the single-writer
// execution model of the original deployment target.
package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cmevawala/compound-clone/rates"
)

var expScale = big.NewInt(1_000_000_000_000_000_000)

// Config carries the immutable parameters a market is created with.
type Config struct {
	// Symbol identifies the market and its underlying asset (e.g. "DAI").
	Symbol string
	// InitialExchangeRate seeds the share price while total supply is zero,
	// 1e18-scaled underlying per share.
	InitialExchangeRate *big.Int
	// ReserveFactor is the 1e18-scaled fraction of accrued interest retained
	// by the protocol.
	ReserveFactor *big.Int
	// Model derives borrow and supply rates from utilisation.
	Model *rates.Model
	// Underlying is the asset ledger the market settles against.
	Underlying Underlying
	// Blocks is the external block clock.
	Blocks BlockSource
}

// Market is the per-asset supply/borrow ledger. Every mutating entry point
// accrues interest first, then performs the balance mutation, then refreshes
// the cached exchange rate.
type Market struct {
	symbol  string
	address string

	model      *rates.Model
	underlying Underlying
	blocks     BlockSource
	risk       RiskEngine

	initialExchangeRate *big.Int
	reserveFactor       *big.Int

	totalSupplyShares *big.Int
	totalCash         *big.Int
	totalBorrows      *big.Int
	totalReserves     *big.Int
	exchangeRate      *big.Int
	borrowIndex       *big.Int
	accrualBlock      uint64

	positions map[string]*Position
}

// NewMarket constructs an empty market. The risk engine is wired afterwards
// via SetRiskEngine because markets and the risk engine reference each other.
func NewMarket(cfg Config) (*Market, error) {
	symbol := strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("lending: market symbol required")
	}
	if cfg.InitialExchangeRate == nil || cfg.InitialExchangeRate.Sign() <= 0 {
		return nil, fmt.Errorf("lending: market %s requires a positive initial exchange rate", symbol)
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("lending: market %s requires an interest rate model", symbol)
	}
	if cfg.Underlying == nil {
		return nil, fmt.Errorf("lending: market %s requires an underlying asset ledger", symbol)
	}
	if cfg.Blocks == nil {
		return nil, fmt.Errorf("lending: market %s requires a block source", symbol)
	}
	reserveFactor := big.NewInt(0)
	if cfg.ReserveFactor != nil {
		if cfg.ReserveFactor.Sign() < 0 || cfg.ReserveFactor.Cmp(expScale) > 0 {
			return nil, fmt.Errorf("lending: market %s reserve factor out of range", symbol)
		}
		reserveFactor.Set(cfg.ReserveFactor)
	}
	m := &Market{
		symbol:              symbol,
		address:             "market:" + strings.ToLower(symbol),
		model:               cfg.Model,
		underlying:          cfg.Underlying,
		blocks:              cfg.Blocks,
		initialExchangeRate: new(big.Int).Set(cfg.InitialExchangeRate),
		reserveFactor:       reserveFactor,
		totalSupplyShares:   big.NewInt(0),
		totalCash:           big.NewInt(0),
		totalBorrows:        big.NewInt(0),
		totalReserves:       big.NewInt(0),
		exchangeRate:        new(big.Int).Set(cfg.InitialExchangeRate),
		borrowIndex:         new(big.Int).Set(expScale),
		accrualBlock:        cfg.Blocks.Height(),
		positions:           make(map[string]*Position),
	}
	return m, nil
}

// SetRiskEngine wires the risk engine consulted on borrow and redeem.
func (m *Market) SetRiskEngine(risk RiskEngine) { m.risk = risk }

// Symbol returns the market identifier.
func (m *Market) Symbol() string { return m.symbol }

// Address returns the ledger account that holds the market's cash.
func (m *Market) Address() string { return m.address }

// Mint pulls amount of underlying from the supplier and credits shares priced
// at the exchange rate as of before this mint changes cash. Minting never
// dilutes existing holders: the exchange rate after a mint is never below the
// rate before it.
func (m *Market) Mint(account string, amount *big.Int) (*big.Int, error) {
	if strings.TrimSpace(account) == "" {
		return nil, fmt.Errorf("lending: account required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}

	rate := m.computeExchangeRate()
	if err := m.underlying.TransferFrom(m.address, account, m.address, amount); err != nil {
		return nil, fmt.Errorf("lending: pull underlying for mint: %w", err)
	}

	shares := new(big.Int).Mul(amount, expScale)
	shares.Quo(shares, rate)

	pos := m.ensurePosition(account)
	pos.Shares = new(big.Int).Add(pos.Shares, shares)
	m.totalSupplyShares = new(big.Int).Add(m.totalSupplyShares, shares)
	m.totalCash = new(big.Int).Add(m.totalCash, amount)
	m.refreshExchangeRate()

	return shares, nil
}

// Redeem burns shares and pays out the corresponding underlying. Redemption
// from a market the account has entered as collateral is blocked outright by
// the risk engine regardless of the amount.
func (m *Market) Redeem(account string, shares *big.Int) (*big.Int, error) {
	if strings.TrimSpace(account) == "" {
		return nil, fmt.Errorf("lending: account required")
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}

	pos := m.ensurePosition(account)
	if pos.Shares.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}

	amountOut := new(big.Int).Mul(shares, m.exchangeRate)
	amountOut.Quo(amountOut, expScale)
	if amountOut.Cmp(m.totalCash) > 0 {
		return nil, ErrInsufficientCash
	}
	if m.risk == nil {
		return nil, ErrNoRiskEngine
	}
	if err := m.risk.AuthorizeRedeem(account, m.symbol, shares); err != nil {
		return nil, err
	}

	if err := m.underlying.Transfer(m.address, account, amountOut); err != nil {
		return nil, fmt.Errorf("lending: pay out underlying for redeem: %w", err)
	}

	pos.Shares = new(big.Int).Sub(pos.Shares, shares)
	m.totalSupplyShares = new(big.Int).Sub(m.totalSupplyShares, shares)
	m.totalCash = new(big.Int).Sub(m.totalCash, amountOut)
	m.refreshExchangeRate()

	return amountOut, nil
}

// Borrow transfers amount of underlying to the borrower after the risk engine
// authorises the hypothetical post-borrow position. The borrower's principal
// is resynced to the current borrow index.
func (m *Market) Borrow(account string, amount *big.Int) error {
	if strings.TrimSpace(account) == "" {
		return fmt.Errorf("lending: account required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := m.AccrueInterest(); err != nil {
		return err
	}

	if amount.Cmp(m.totalCash) > 0 {
		return ErrInsufficientBalanceForBorrow
	}
	if m.risk == nil {
		return ErrNoRiskEngine
	}
	if err := m.risk.AuthorizeBorrow(account, m.symbol, amount); err != nil {
		return err
	}

	pos := m.ensurePosition(account)
	owed := m.owedAmount(pos)

	if err := m.underlying.Transfer(m.address, account, amount); err != nil {
		return fmt.Errorf("lending: pay out underlying for borrow: %w", err)
	}

	pos.BorrowPrincipal = new(big.Int).Add(owed, amount)
	pos.BorrowIndexSnapshot = new(big.Int).Set(m.borrowIndex)
	m.totalBorrows = new(big.Int).Add(m.totalBorrows, amount)
	m.totalCash = new(big.Int).Sub(m.totalCash, amount)
	m.refreshExchangeRate()

	return nil
}

// RepayBorrow pulls min(amount, owed) of underlying from the borrower and
// reduces the outstanding debt; any excess above the owed amount is refused
// rather than pulled. The repaid amount is returned.
func (m *Market) RepayBorrow(account string, amount *big.Int) (*big.Int, error) {
	if strings.TrimSpace(account) == "" {
		return nil, fmt.Errorf("lending: account required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}

	pos := m.ensurePosition(account)
	owed := m.owedAmount(pos)
	if owed.Sign() == 0 {
		return nil, ErrNoOutstandingBorrow
	}

	repay := new(big.Int).Set(amount)
	if repay.Cmp(owed) > 0 {
		repay.Set(owed)
	}

	if err := m.underlying.TransferFrom(m.address, account, m.address, repay); err != nil {
		return nil, fmt.Errorf("lending: pull underlying for repay: %w", err)
	}

	pos.BorrowPrincipal = new(big.Int).Sub(owed, repay)
	pos.BorrowIndexSnapshot = new(big.Int).Set(m.borrowIndex)
	m.totalBorrows = new(big.Int).Sub(m.totalBorrows, repay)
	if m.totalBorrows.Sign() < 0 {
		m.totalBorrows = big.NewInt(0)
	}
	m.totalCash = new(big.Int).Add(m.totalCash, repay)
	m.refreshExchangeRate()

	return repay, nil
}

// AccrueInterest applies the interest accumulated since the last accrual
// block. Accrual is idempotent within a block and never skipped on a
// mutating path.
func (m *Market) AccrueInterest() error {
	height := m.blocks.Height()
	if height < m.accrualBlock {
		return ErrBlockRegression
	}
	if height == m.accrualBlock {
		return nil
	}
	borrows, reserves, index, err := m.projectAccrual(height)
	if err != nil {
		return err
	}
	m.totalBorrows = borrows
	m.totalReserves = reserves
	m.borrowIndex = index
	m.accrualBlock = height
	m.refreshExchangeRate()
	return nil
}

// projectAccrual computes the market totals as they would stand after
// accruing up to height, without mutating the market. This is the pure
// counterpart of AccrueInterest.
func (m *Market) projectAccrual(height uint64) (borrows, reserves, index *big.Int, err error) {
	borrows = new(big.Int).Set(m.totalBorrows)
	reserves = new(big.Int).Set(m.totalReserves)
	index = new(big.Int).Set(m.borrowIndex)
	if height <= m.accrualBlock {
		return borrows, reserves, index, nil
	}
	delta := height - m.accrualBlock
	rate, err := m.model.BorrowRatePerBlock(m.totalCash, m.totalBorrows, m.totalReserves)
	if err != nil {
		return nil, nil, nil, err
	}
	simple := new(big.Int).Mul(rate, new(big.Int).SetUint64(delta))

	interest := new(big.Int).Mul(borrows, simple)
	interest.Quo(interest, expScale)
	borrows.Add(borrows, interest)

	reserveShare := new(big.Int).Mul(interest, m.reserveFactor)
	reserveShare.Quo(reserveShare, expScale)
	reserves.Add(reserves, reserveShare)

	indexDelta := new(big.Int).Mul(index, simple)
	indexDelta.Quo(indexDelta, expScale)
	index.Add(index, indexDelta)

	return borrows, reserves, index, nil
}

// ExchangeRateStored returns the cached exchange rate without accruing.
func (m *Market) ExchangeRateStored() *big.Int {
	return new(big.Int).Set(m.exchangeRate)
}

// ExchangeRateCurrent accrues interest and returns the resulting exchange
// rate. Note this mutates the accrual block as a side effect; callers that
// need a pure read should use ProjectedExchangeRate.
func (m *Market) ExchangeRateCurrent() (*big.Int, error) {
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}
	return m.ExchangeRateStored(), nil
}

// ProjectedExchangeRate computes the exchange rate as of height without
// mutating any state.
func (m *Market) ProjectedExchangeRate(height uint64) (*big.Int, error) {
	borrows, reserves, _, err := m.projectAccrual(height)
	if err != nil {
		return nil, err
	}
	if m.totalSupplyShares.Sign() == 0 {
		return new(big.Int).Set(m.initialExchangeRate), nil
	}
	pool := new(big.Int).Add(m.totalCash, borrows)
	pool.Sub(pool, reserves)
	pool.Mul(pool, expScale)
	return pool.Quo(pool, m.totalSupplyShares), nil
}

// BorrowBalanceStored derives the account's owed amount from the stored
// borrow index, without accruing.
func (m *Market) BorrowBalanceStored(account string) *big.Int {
	pos, ok := m.positions[account]
	if !ok {
		return big.NewInt(0)
	}
	return m.owedAmount(pos)
}

// BorrowBalanceCurrent accrues interest and returns the account's owed
// amount. Like ExchangeRateCurrent this mutates the accrual block.
func (m *Market) BorrowBalanceCurrent(account string) (*big.Int, error) {
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}
	return m.BorrowBalanceStored(account), nil
}

// AccountSnapshot reports the account's share balance, stored borrow balance
// and the stored exchange rate in one call for the risk engine.
func (m *Market) AccountSnapshot(account string) (shares, borrowed, exchangeRate *big.Int) {
	shares = big.NewInt(0)
	if pos, ok := m.positions[account]; ok && pos.Shares != nil {
		shares = new(big.Int).Set(pos.Shares)
	}
	return shares, m.BorrowBalanceStored(account), m.ExchangeRateStored()
}

// BalanceOf returns the account's share balance.
func (m *Market) BalanceOf(account string) *big.Int {
	shares, _, _ := m.AccountSnapshot(account)
	return shares
}

// TotalSupplyShares returns the aggregate share supply.
func (m *Market) TotalSupplyShares() *big.Int { return new(big.Int).Set(m.totalSupplyShares) }

// TotalCash returns the underlying held by the market.
func (m *Market) TotalCash() *big.Int { return new(big.Int).Set(m.totalCash) }

// TotalBorrows returns principal plus accrued interest owed in aggregate.
func (m *Market) TotalBorrows() *big.Int { return new(big.Int).Set(m.totalBorrows) }

// TotalReserves returns the protocol-retained interest.
func (m *Market) TotalReserves() *big.Int { return new(big.Int).Set(m.totalReserves) }

// BorrowIndex returns the cumulative borrow interest accumulator.
func (m *Market) BorrowIndex() *big.Int { return new(big.Int).Set(m.borrowIndex) }

// AccrualBlock returns the block the market last accrued at.
func (m *Market) AccrualBlock() uint64 { return m.accrualBlock }

// ReserveFactor returns the 1e18-scaled reserve factor.
func (m *Market) ReserveFactor() *big.Int { return new(big.Int).Set(m.reserveFactor) }

// BorrowRatePerBlock reports the current per-block borrow rate.
func (m *Market) BorrowRatePerBlock() (*big.Int, error) {
	return m.model.BorrowRatePerBlock(m.totalCash, m.totalBorrows, m.totalReserves)
}

// SupplyRatePerBlock reports the current per-block supply rate.
func (m *Market) SupplyRatePerBlock() (*big.Int, error) {
	return m.model.SupplyRatePerBlock(m.totalCash, m.totalBorrows, m.totalReserves, m.reserveFactor)
}

// Snapshot captures the market state for persistence.
func (m *Market) Snapshot() Snapshot {
	snap := Snapshot{
		Symbol:            m.symbol,
		TotalSupplyShares: new(big.Int).Set(m.totalSupplyShares),
		TotalCash:         new(big.Int).Set(m.totalCash),
		TotalBorrows:      new(big.Int).Set(m.totalBorrows),
		TotalReserves:     new(big.Int).Set(m.totalReserves),
		ExchangeRate:      new(big.Int).Set(m.exchangeRate),
		BorrowIndex:       new(big.Int).Set(m.borrowIndex),
		AccrualBlock:      m.accrualBlock,
		Positions:         make(map[string]PositionSnapshot, len(m.positions)),
	}
	for account, pos := range m.positions {
		clone := pos.Clone()
		snap.Positions[account] = PositionSnapshot{
			Shares:              clone.Shares,
			BorrowPrincipal:     clone.BorrowPrincipal,
			BorrowIndexSnapshot: clone.BorrowIndexSnapshot,
		}
	}
	return snap
}

// Restore replaces the market state with a previously captured snapshot.
func (m *Market) Restore(snap Snapshot) error {
	if !strings.EqualFold(strings.TrimSpace(snap.Symbol), m.symbol) {
		return fmt.Errorf("lending: snapshot for %q does not match market %s", snap.Symbol, m.symbol)
	}
	m.totalSupplyShares = orZero(snap.TotalSupplyShares)
	m.totalCash = orZero(snap.TotalCash)
	m.totalBorrows = orZero(snap.TotalBorrows)
	m.totalReserves = orZero(snap.TotalReserves)
	if snap.ExchangeRate != nil && snap.ExchangeRate.Sign() > 0 {
		m.exchangeRate = new(big.Int).Set(snap.ExchangeRate)
	} else {
		m.exchangeRate = new(big.Int).Set(m.initialExchangeRate)
	}
	if snap.BorrowIndex != nil && snap.BorrowIndex.Sign() > 0 {
		m.borrowIndex = new(big.Int).Set(snap.BorrowIndex)
	} else {
		m.borrowIndex = new(big.Int).Set(expScale)
	}
	m.accrualBlock = snap.AccrualBlock
	m.positions = make(map[string]*Position, len(snap.Positions))
	for account, pos := range snap.Positions {
		m.positions[account] = &Position{
			Shares:              orZero(pos.Shares),
			BorrowPrincipal:     orZero(pos.BorrowPrincipal),
			BorrowIndexSnapshot: orZero(pos.BorrowIndexSnapshot),
		}
	}
	return nil
}

func (m *Market) ensurePosition(account string) *Position {
	pos, ok := m.positions[account]
	if !ok {
		pos = &Position{
			Shares:              big.NewInt(0),
			BorrowPrincipal:     big.NewInt(0),
			BorrowIndexSnapshot: new(big.Int).Set(m.borrowIndex),
		}
		m.positions[account] = pos
	}
	return pos
}

func (m *Market) owedAmount(pos *Position) *big.Int {
	if pos == nil || pos.BorrowPrincipal == nil || pos.BorrowPrincipal.Sign() == 0 {
		return big.NewInt(0)
	}
	if pos.BorrowIndexSnapshot == nil || pos.BorrowIndexSnapshot.Sign() == 0 {
		return new(big.Int).Set(pos.BorrowPrincipal)
	}
	owed := new(big.Int).Mul(pos.BorrowPrincipal, m.borrowIndex)
	return owed.Quo(owed, pos.BorrowIndexSnapshot)
}

// computeExchangeRate derives the rate from current totals: the initial rate
// while no shares exist, otherwise (cash + borrows - reserves) / shares.
func (m *Market) computeExchangeRate() *big.Int {
	if m.totalSupplyShares.Sign() == 0 {
		return new(big.Int).Set(m.initialExchangeRate)
	}
	pool := new(big.Int).Add(m.totalCash, m.totalBorrows)
	pool.Sub(pool, m.totalReserves)
	pool.Mul(pool, expScale)
	return pool.Quo(pool, m.totalSupplyShares)
}

func (m *Market) refreshExchangeRate() {
	m.exchangeRate = m.computeExchangeRate()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
