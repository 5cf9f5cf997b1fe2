// Package comptroller implements the risk engine: it registers markets and
// their collateral factors, tracks which markets each account has entered and
// gates borrow and redeem operations on aggregate account liquidity.
package comptroller

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/cmevawala/compound-clone/lending"
	"github.com/cmevawala/compound-clone/oracle"
)

var (
	// ErrNotAdmin rejects configuration calls from non-admin accounts.
	ErrNotAdmin = errors.New("comptroller: caller is not the admin")
	// ErrAlreadyListed rejects listing a market twice.
	ErrAlreadyListed = errors.New("comptroller: market already listed")
	// ErrMarketNotListed rejects references to markets that were never added.
	ErrMarketNotListed = errors.New("comptroller: market not listed")
	// ErrInvalidFactor rejects collateral factors above 1.0.
	ErrInvalidFactor = errors.New("comptroller: collateral factor exceeds 1.0")
)

var expScale = big.NewInt(1_000_000_000_000_000_000)

// MarketView is the read surface the risk engine needs from a market ledger.
// *lending.Market satisfies it; tests substitute fakes.
type MarketView interface {
	Symbol() string
	AccountSnapshot(account string) (shares, borrowed, exchangeRate *big.Int)
}

// MarketInfo describes a listed market's risk configuration.
type MarketInfo struct {
	IsListed         bool     `json:"isListed"`
	CollateralFactor *big.Int `json:"collateralFactor"`
}

// Comptroller is the protocol risk engine. Markets are registered once and
// never removed; account memberships only grow (no exit operation exists,
// matching the original protocol).
type Comptroller struct {
	admin       string
	prices      oracle.PriceSource
	markets     map[string]MarketInfo
	marketOrder []string
	views       map[string]MarketView
	memberships map[string][]string
}

// New constructs a comptroller gated on the given admin account and price
// source.
func New(admin string, prices oracle.PriceSource) *Comptroller {
	return &Comptroller{
		admin:       strings.TrimSpace(admin),
		prices:      prices,
		markets:     make(map[string]MarketInfo),
		views:       make(map[string]MarketView),
		memberships: make(map[string][]string),
	}
}

// AddMarket lists a market with a zero collateral factor. Admin only.
func (c *Comptroller) AddMarket(caller string, view MarketView) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if view == nil {
		return fmt.Errorf("comptroller: market view required")
	}
	symbol := normaliseSymbol(view.Symbol())
	if symbol == "" {
		return fmt.Errorf("comptroller: market symbol required")
	}
	if info, ok := c.markets[symbol]; ok && info.IsListed {
		return fmt.Errorf("%w: %s", ErrAlreadyListed, symbol)
	}
	c.markets[symbol] = MarketInfo{IsListed: true, CollateralFactor: big.NewInt(0)}
	c.views[symbol] = view
	c.marketOrder = append(c.marketOrder, symbol)
	return nil
}

// SetCollateralFactor updates a listed market's collateral factor. Admin
// only; factors above 1.0 (1e18-scaled) are rejected.
func (c *Comptroller) SetCollateralFactor(caller, symbol string, factor *big.Int) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	key := normaliseSymbol(symbol)
	info, ok := c.markets[key]
	if !ok || !info.IsListed {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, key)
	}
	if factor == nil || factor.Sign() < 0 || factor.Cmp(expScale) > 0 {
		return ErrInvalidFactor
	}
	info.CollateralFactor = new(big.Int).Set(factor)
	c.markets[key] = info
	return nil
}

// Market returns the listing state and collateral factor for a market.
func (c *Comptroller) Market(symbol string) MarketInfo {
	info, ok := c.markets[normaliseSymbol(symbol)]
	if !ok {
		return MarketInfo{IsListed: false, CollateralFactor: big.NewInt(0)}
	}
	return MarketInfo{IsListed: info.IsListed, CollateralFactor: new(big.Int).Set(info.CollateralFactor)}
}

// MarketsCount returns the number of listed markets.
func (c *Comptroller) MarketsCount() int { return len(c.marketOrder) }

// ListedMarkets returns market symbols in listing order.
func (c *Comptroller) ListedMarkets() []string {
	return append([]string{}, c.marketOrder...)
}

// EnterMarkets opts the account into the given markets as collateral and
// borrow-eligible. The call is atomic: if any symbol is unlisted nothing is
// entered. Entering is additive and idempotent.
func (c *Comptroller) EnterMarkets(account string, symbols []string) error {
	if strings.TrimSpace(account) == "" {
		return fmt.Errorf("comptroller: account required")
	}
	normalised := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		key := normaliseSymbol(symbol)
		info, ok := c.markets[key]
		if !ok || !info.IsListed {
			return fmt.Errorf("%w: %s", ErrMarketNotListed, key)
		}
		normalised = append(normalised, key)
	}
	for _, key := range normalised {
		if !c.hasEntered(account, key) {
			c.memberships[account] = append(c.memberships[account], key)
		}
	}
	return nil
}

// AccountMembership returns the markets the account has entered, in entry
// order.
func (c *Comptroller) AccountMembership(account string) []string {
	return append([]string{}, c.memberships[account]...)
}

// HasEntered reports whether the account has entered the market.
func (c *Comptroller) HasEntered(account, symbol string) bool {
	return c.hasEntered(account, normaliseSymbol(symbol))
}

// AccountLiquidity aggregates the account's position across all markets in
// the common price unit: collateral value over entered markets minus borrow
// value over every market with a nonzero borrow. A negative result means the
// account is undercollateralised. A missing oracle price is a fatal
// configuration error, never treated as zero.
func (c *Comptroller) AccountLiquidity(account string) (*big.Int, error) {
	return c.hypotheticalLiquidity(account, "", nil)
}

// AuthorizeBorrow reports whether the account may borrow amount from the
// market by recomputing liquidity with the hypothetical new borrow included.
func (c *Comptroller) AuthorizeBorrow(account, symbol string, amount *big.Int) error {
	key := normaliseSymbol(symbol)
	info, ok := c.markets[key]
	if !ok || !info.IsListed {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, key)
	}
	liquidity, err := c.hypotheticalLiquidity(account, key, amount)
	if err != nil {
		return err
	}
	if liquidity.Sign() < 0 {
		return lending.ErrInsufficientBalanceForBorrow
	}
	return nil
}

// AuthorizeRedeem refuses any redemption from a market the account has
// entered as collateral, regardless of the amount. This blanket policy is
// deliberately conservative and mirrors the original protocol's behaviour.
func (c *Comptroller) AuthorizeRedeem(account, symbol string, _ *big.Int) error {
	if c.hasEntered(account, normaliseSymbol(symbol)) {
		return lending.ErrRedeemBlockedByCollateral
	}
	return nil
}

// hypotheticalLiquidity computes account liquidity with an optional extra
// borrow of borrowAmount against borrowSymbol folded in.
func (c *Comptroller) hypotheticalLiquidity(account, borrowSymbol string, borrowAmount *big.Int) (*big.Int, error) {
	collateral := big.NewInt(0)
	borrowed := big.NewInt(0)

	symbols := append([]string{}, c.marketOrder...)
	sort.Strings(symbols)
	for _, symbol := range symbols {
		view := c.views[symbol]
		if view == nil {
			continue
		}
		shares, owed, exchangeRate := view.AccountSnapshot(account)
		extra := big.NewInt(0)
		if symbol == borrowSymbol && borrowAmount != nil {
			extra = borrowAmount
		}
		if (shares == nil || shares.Sign() == 0) && (owed == nil || owed.Sign() == 0) && extra.Sign() == 0 {
			continue
		}
		price, err := c.prices.GetAssetPrice(symbol)
		if err != nil {
			return nil, fmt.Errorf("comptroller: price for %s: %w", symbol, err)
		}

		if c.hasEntered(account, symbol) && shares != nil && shares.Sign() > 0 {
			info := c.markets[symbol]
			value := new(big.Int).Mul(shares, exchangeRate)
			value.Quo(value, expScale)
			value.Mul(value, price)
			value.Quo(value, expScale)
			value.Mul(value, info.CollateralFactor)
			value.Quo(value, expScale)
			collateral.Add(collateral, value)
		}
		if owed != nil && owed.Sign() > 0 {
			value := new(big.Int).Mul(owed, price)
			value.Quo(value, expScale)
			borrowed.Add(borrowed, value)
		}
		if extra.Sign() > 0 {
			value := new(big.Int).Mul(extra, price)
			value.Quo(value, expScale)
			borrowed.Add(borrowed, value)
		}
	}
	return collateral.Sub(collateral, borrowed), nil
}

// Snapshot captures the risk configuration and memberships for persistence.
type Snapshot struct {
	Markets     map[string]MarketInfo `json:"markets"`
	MarketOrder []string              `json:"marketOrder"`
	Memberships map[string][]string   `json:"memberships"`
}

// Snapshot returns a deep copy of the comptroller's persistent state. Market
// views are runtime wiring and are not part of the snapshot.
func (c *Comptroller) Snapshot() Snapshot {
	snap := Snapshot{
		Markets:     make(map[string]MarketInfo, len(c.markets)),
		MarketOrder: append([]string{}, c.marketOrder...),
		Memberships: make(map[string][]string, len(c.memberships)),
	}
	for symbol, info := range c.markets {
		snap.Markets[symbol] = MarketInfo{IsListed: info.IsListed, CollateralFactor: new(big.Int).Set(info.CollateralFactor)}
	}
	for account, entered := range c.memberships {
		snap.Memberships[account] = append([]string{}, entered...)
	}
	return snap
}

// Restore replaces the comptroller's persistent state with a snapshot.
// Callers re-attach market views afterwards via AddMarket wiring at startup.
func (c *Comptroller) Restore(snap Snapshot) {
	c.markets = make(map[string]MarketInfo, len(snap.Markets))
	for symbol, info := range snap.Markets {
		factor := big.NewInt(0)
		if info.CollateralFactor != nil {
			factor = new(big.Int).Set(info.CollateralFactor)
		}
		c.markets[symbol] = MarketInfo{IsListed: info.IsListed, CollateralFactor: factor}
	}
	c.marketOrder = append([]string{}, snap.MarketOrder...)
	c.memberships = make(map[string][]string, len(snap.Memberships))
	for account, entered := range snap.Memberships {
		c.memberships[account] = append([]string{}, entered...)
	}
}

// AttachView re-binds a market view after a Restore.
func (c *Comptroller) AttachView(view MarketView) error {
	symbol := normaliseSymbol(view.Symbol())
	info, ok := c.markets[symbol]
	if !ok || !info.IsListed {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, symbol)
	}
	c.views[symbol] = view
	return nil
}

func (c *Comptroller) requireAdmin(caller string) error {
	if strings.TrimSpace(caller) != c.admin || c.admin == "" {
		return ErrNotAdmin
	}
	return nil
}

func (c *Comptroller) hasEntered(account, symbol string) bool {
	for _, entered := range c.memberships[account] {
		if entered == symbol {
			return true
		}
	}
	return false
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
