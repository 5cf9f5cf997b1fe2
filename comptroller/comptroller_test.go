package comptroller

import (
	"errors"
	"math/big"
	"testing"

	"github.com/cmevawala/compound-clone/lending"
	"github.com/cmevawala/compound-clone/oracle"
)

type fakeMarket struct {
	symbol string
	shares map[string]*big.Int
	owed   map[string]*big.Int
	rate   *big.Int
}

func newFakeMarket(symbol string, rate *big.Int) *fakeMarket {
	return &fakeMarket{
		symbol: symbol,
		shares: make(map[string]*big.Int),
		owed:   make(map[string]*big.Int),
		rate:   rate,
	}
}

func (m *fakeMarket) Symbol() string { return m.symbol }

func (m *fakeMarket) AccountSnapshot(account string) (*big.Int, *big.Int, *big.Int) {
	shares := big.NewInt(0)
	if v, ok := m.shares[account]; ok {
		shares = new(big.Int).Set(v)
	}
	owed := big.NewInt(0)
	if v, ok := m.owed[account]; ok {
		owed = new(big.Int).Set(v)
	}
	return shares, owed, new(big.Int).Set(m.rate)
}

func exp(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

// fraction returns n/d scaled by 1e18.
func fraction(n, d int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
	return v.Quo(v, big.NewInt(d))
}

func newTestComptroller(t *testing.T) (*Comptroller, *oracle.StaticOracle) {
	t.Helper()
	prices := oracle.NewStaticOracle()
	return New("admin", prices), prices
}

func TestAddMarketAdminGated(t *testing.T) {
	c, _ := newTestComptroller(t)
	eth := newFakeMarket("ETH", exp(1))
	if err := c.AddMarket("mallory", eth); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if err := c.AddMarket("admin", eth); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.AddMarket("admin", eth); !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
	if got := c.MarketsCount(); got != 1 {
		t.Fatalf("expected 1 market, got %d", got)
	}
	info := c.Market("eth")
	if !info.IsListed || info.CollateralFactor.Sign() != 0 {
		t.Fatalf("unexpected listing state: %+v", info)
	}
}

func TestSetCollateralFactor(t *testing.T) {
	c, _ := newTestComptroller(t)
	if err := c.SetCollateralFactor("admin", "ETH", fraction(3, 4)); !errors.Is(err, ErrMarketNotListed) {
		t.Fatalf("expected ErrMarketNotListed, got %v", err)
	}
	if err := c.AddMarket("admin", newFakeMarket("ETH", exp(1))); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.SetCollateralFactor("mallory", "ETH", fraction(3, 4)); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	over := new(big.Int).Add(exp(1), big.NewInt(1))
	if err := c.SetCollateralFactor("admin", "ETH", over); !errors.Is(err, ErrInvalidFactor) {
		t.Fatalf("expected ErrInvalidFactor, got %v", err)
	}
	if err := c.SetCollateralFactor("admin", "ETH", fraction(3, 4)); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if got := c.Market("ETH").CollateralFactor; got.Cmp(fraction(3, 4)) != 0 {
		t.Fatalf("collateral factor = %s", got)
	}
}

func TestEnterMarketsAtomicAndIdempotent(t *testing.T) {
	c, _ := newTestComptroller(t)
	if err := c.AddMarket("admin", newFakeMarket("ETH", exp(1))); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"ETH", "DAI"}); !errors.Is(err, ErrMarketNotListed) {
		t.Fatalf("expected ErrMarketNotListed, got %v", err)
	}
	if got := c.AccountMembership("alice"); len(got) != 0 {
		t.Fatalf("failed enter must not record membership, got %v", got)
	}
	if err := c.AddMarket("admin", newFakeMarket("DAI", exp(1))); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"ETH", "DAI"}); err != nil {
		t.Fatalf("enter markets: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"eth"}); err != nil {
		t.Fatalf("re-enter markets: %v", err)
	}
	got := c.AccountMembership("alice")
	if len(got) != 2 || got[0] != "ETH" || got[1] != "DAI" {
		t.Fatalf("membership = %v", got)
	}
	if !c.HasEntered("alice", "dai") {
		t.Fatal("expected alice to have entered DAI")
	}
}

// Collateral 1 ETH at price 2000, factor 0.75 -> 1500 of borrowing power.
// Borrows of 100 DAI at price 1 leave liquidity 1400.
func TestAccountLiquidity(t *testing.T) {
	c, prices := newTestComptroller(t)
	prices.Set("ETH", exp(2000))
	prices.Set("DAI", exp(1))

	eth := newFakeMarket("ETH", fraction(1, 50)) // exchange rate 0.02
	eth.shares["alice"] = exp(50)                // 50 shares -> 1 underlying
	dai := newFakeMarket("DAI", fraction(1, 50))
	dai.owed["alice"] = exp(100)

	if err := c.AddMarket("admin", eth); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.AddMarket("admin", dai); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.SetCollateralFactor("admin", "ETH", fraction(3, 4)); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"ETH"}); err != nil {
		t.Fatalf("enter markets: %v", err)
	}

	liquidity, err := c.AccountLiquidity("alice")
	if err != nil {
		t.Fatalf("account liquidity: %v", err)
	}
	if liquidity.Cmp(exp(1400)) != 0 {
		t.Fatalf("liquidity = %s, want %s", liquidity, exp(1400))
	}
}

// Borrows count against liquidity in every market, entered or not.
func TestAccountLiquidityCountsBorrowsInUnenteredMarkets(t *testing.T) {
	c, prices := newTestComptroller(t)
	prices.Set("ETH", exp(2000))
	prices.Set("DAI", exp(1))

	eth := newFakeMarket("ETH", fraction(1, 50))
	eth.shares["alice"] = exp(50)
	dai := newFakeMarket("DAI", fraction(1, 50))
	dai.owed["alice"] = exp(2000)

	if err := c.AddMarket("admin", eth); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.AddMarket("admin", dai); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.SetCollateralFactor("admin", "ETH", fraction(3, 4)); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"ETH"}); err != nil {
		t.Fatalf("enter markets: %v", err)
	}

	liquidity, err := c.AccountLiquidity("alice")
	if err != nil {
		t.Fatalf("account liquidity: %v", err)
	}
	if liquidity.Cmp(exp(-500)) != 0 {
		t.Fatalf("liquidity = %s, want %s", liquidity, exp(-500))
	}
}

func TestAccountLiquidityMissingPrice(t *testing.T) {
	c, prices := newTestComptroller(t)
	prices.Set("ETH", exp(2000))

	eth := newFakeMarket("ETH", fraction(1, 50))
	eth.shares["alice"] = exp(50)
	dai := newFakeMarket("DAI", fraction(1, 50))
	dai.owed["alice"] = exp(100)

	if err := c.AddMarket("admin", eth); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.AddMarket("admin", dai); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"ETH"}); err != nil {
		t.Fatalf("enter markets: %v", err)
	}

	if _, err := c.AccountLiquidity("alice"); !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestAuthorizeBorrow(t *testing.T) {
	c, prices := newTestComptroller(t)
	prices.Set("ETH", exp(2000))
	prices.Set("DAI", exp(1))

	eth := newFakeMarket("ETH", fraction(1, 50))
	eth.shares["alice"] = exp(50)
	dai := newFakeMarket("DAI", fraction(1, 50))

	if err := c.AddMarket("admin", eth); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.AddMarket("admin", dai); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.SetCollateralFactor("admin", "ETH", fraction(3, 4)); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"ETH"}); err != nil {
		t.Fatalf("enter markets: %v", err)
	}

	// Borrowing power is 1500 DAI.
	if err := c.AuthorizeBorrow("alice", "DAI", exp(1500)); err != nil {
		t.Fatalf("borrow at the limit should pass: %v", err)
	}
	if err := c.AuthorizeBorrow("alice", "DAI", exp(1501)); !errors.Is(err, lending.ErrInsufficientBalanceForBorrow) {
		t.Fatalf("expected ErrInsufficientBalanceForBorrow, got %v", err)
	}
	if err := c.AuthorizeBorrow("alice", "USDC", exp(1)); !errors.Is(err, ErrMarketNotListed) {
		t.Fatalf("expected ErrMarketNotListed, got %v", err)
	}
}

func TestAuthorizeRedeemBlanketBlock(t *testing.T) {
	c, _ := newTestComptroller(t)
	if err := c.AddMarket("admin", newFakeMarket("ETH", exp(1))); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.AuthorizeRedeem("alice", "ETH", exp(1)); err != nil {
		t.Fatalf("redeem from unentered market should pass: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"ETH"}); err != nil {
		t.Fatalf("enter markets: %v", err)
	}
	if err := c.AuthorizeRedeem("alice", "ETH", big.NewInt(1)); !errors.Is(err, lending.ErrRedeemBlockedByCollateral) {
		t.Fatalf("expected ErrRedeemBlockedByCollateral, got %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c, _ := newTestComptroller(t)
	eth := newFakeMarket("ETH", exp(1))
	if err := c.AddMarket("admin", eth); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := c.SetCollateralFactor("admin", "ETH", fraction(3, 4)); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if err := c.EnterMarkets("alice", []string{"ETH"}); err != nil {
		t.Fatalf("enter markets: %v", err)
	}

	snap := c.Snapshot()
	restored := New("admin", oracle.NewStaticOracle())
	restored.Restore(snap)
	if err := restored.AttachView(eth); err != nil {
		t.Fatalf("attach view: %v", err)
	}
	if got := restored.Market("ETH").CollateralFactor; got.Cmp(fraction(3, 4)) != 0 {
		t.Fatalf("collateral factor = %s", got)
	}
	if !restored.HasEntered("alice", "ETH") {
		t.Fatal("membership lost across snapshot round trip")
	}
	if err := restored.AttachView(newFakeMarket("DAI", exp(1))); !errors.Is(err, ErrMarketNotListed) {
		t.Fatalf("expected ErrMarketNotListed, got %v", err)
	}
}
