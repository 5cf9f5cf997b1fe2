// Package core wires the protocol together: the block clock, the per-asset
// markets and their underlying ledgers, the risk engine, and persistence.
// The node is the single writer; every state transition runs under one mutex
// and is flushed to storage before the call returns.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmevawala/compound-clone/comptroller"
	"github.com/cmevawala/compound-clone/config"
	"github.com/cmevawala/compound-clone/lending"
	"github.com/cmevawala/compound-clone/observability"
	"github.com/cmevawala/compound-clone/oracle"
	"github.com/cmevawala/compound-clone/rates"
	"github.com/cmevawala/compound-clone/storage"
	"github.com/cmevawala/compound-clone/token"
)

var (
	// ErrUnknownMarket is returned for operations against unlisted markets.
	ErrUnknownMarket = errors.New("core: unknown market")
	// ErrNotAdmin rejects privileged operations from non-admin callers.
	ErrNotAdmin = errors.New("core: caller is not the admin")
)

// Node is the central controller. It owns the block clock the markets read,
// serialises all mutations, and persists a snapshot of every touched
// component after each committed transition.
type Node struct {
	db     storage.Database
	log    *slog.Logger
	admin  string
	prices *oracle.StaticOracle
	risk   *comptroller.Comptroller

	mu      sync.Mutex
	height  atomic.Uint64
	markets map[string]*lending.Market
	ledgers map[string]*token.Ledger
	factors map[string]*big.Int
	order   []string
}

// Height implements lending.BlockSource. Markets read the clock while the
// node holds its mutex, so the counter is atomic rather than lock-guarded.
func (n *Node) Height() uint64 { return n.height.Load() }

// NewNode builds a node from configuration and reloads any persisted state
// from the database.
func NewNode(db storage.Database, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("core: configuration required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	prices := oracle.NewStaticOracle()
	for symbol, price := range cfg.Prices {
		parsed, err := config.ParseDecimal(price)
		if err != nil {
			return nil, fmt.Errorf("core: price for %s: %w", symbol, err)
		}
		prices.Set(symbol, parsed)
	}

	n := &Node{
		db:      db,
		log:     logger.With(slog.String("component", "node")),
		admin:   cfg.AdminAccount,
		prices:  prices,
		risk:    comptroller.New(cfg.AdminAccount, prices),
		markets: make(map[string]*lending.Market),
		ledgers: make(map[string]*token.Ledger),
		factors: make(map[string]*big.Int),
	}

	for _, mc := range cfg.Markets {
		if err := n.addMarket(mc); err != nil {
			return nil, err
		}
	}
	if err := n.loadState(); err != nil {
		return nil, err
	}
	observability.Protocol().SetBlockHeight(n.height.Load())
	return n, nil
}

func (n *Node) addMarket(mc config.MarketConfig) error {
	symbol := strings.ToUpper(strings.TrimSpace(mc.Symbol))
	initialRate, err := config.ParseDecimal(mc.InitialExchangeRate)
	if err != nil {
		return fmt.Errorf("core: market %s: initial exchange rate: %w", symbol, err)
	}
	reserveFactor, err := config.ParseDecimal(mc.ReserveFactor)
	if err != nil {
		return fmt.Errorf("core: market %s: reserve factor: %w", symbol, err)
	}
	collateralFactor, err := config.ParseDecimal(mc.CollateralFactor)
	if err != nil {
		return fmt.Errorf("core: market %s: collateral factor: %w", symbol, err)
	}
	baseRate, err := config.ParseDecimal(mc.BaseRate)
	if err != nil {
		return fmt.Errorf("core: market %s: base rate: %w", symbol, err)
	}
	multiplier, err := config.ParseDecimal(mc.Multiplier)
	if err != nil {
		return fmt.Errorf("core: market %s: multiplier: %w", symbol, err)
	}
	model := rates.NewModel(baseRate, multiplier)

	ledger := token.NewLedger(symbol, 18)
	for account, balance := range mc.GenesisBalances {
		seed, err := config.ParseDecimal(balance)
		if err != nil {
			return fmt.Errorf("core: market %s: genesis balance for %s: %w", symbol, account, err)
		}
		if err := ledger.Mint(account, seed); err != nil {
			return fmt.Errorf("core: market %s: genesis balance for %s: %w", symbol, account, err)
		}
	}
	market, err := lending.NewMarket(lending.Config{
		Symbol:              symbol,
		InitialExchangeRate: initialRate,
		ReserveFactor:       reserveFactor,
		Model:               model,
		Underlying:          ledger,
		Blocks:              n,
	})
	if err != nil {
		return err
	}
	market.SetRiskEngine(n.risk)
	if err := n.risk.AddMarket(n.admin, market); err != nil {
		return err
	}
	if err := n.risk.SetCollateralFactor(n.admin, symbol, collateralFactor); err != nil {
		return err
	}

	n.markets[symbol] = market
	n.ledgers[symbol] = ledger
	n.factors[symbol] = collateralFactor
	n.order = append(n.order, symbol)
	return nil
}

// AdvanceBlock moves the clock forward one block. Interest accrues lazily on
// the next operation against each market.
func (n *Node) AdvanceBlock() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	height := n.height.Add(1)
	if err := n.persistHeight(); err != nil {
		n.log.Error("persist height", slog.String("error", err.Error()))
	}
	observability.Protocol().SetBlockHeight(height)
	return height
}

// Markets returns the listed market symbols in listing order.
func (n *Node) Markets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.order...)
}

// Faucet credits underlying units to an account. Admin only; meant for local
// and test deployments where no external asset bridge exists.
func (n *Node) Faucet(caller, symbol, account string, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if caller != n.admin {
		return ErrNotAdmin
	}
	ledger, ok := n.ledgers[normalise(symbol)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	if err := ledger.Mint(account, amount); err != nil {
		return err
	}
	return n.persistToken(ledger)
}

// ApproveMarket grants the market's vault address an allowance over the
// caller's underlying balance, the prerequisite for Mint and RepayBorrow.
func (n *Node) ApproveMarket(account, symbol string, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := normalise(symbol)
	market, ok := n.markets[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	if err := n.ledgers[key].Approve(account, market.Address(), amount); err != nil {
		return err
	}
	return n.persistToken(n.ledgers[key])
}

// Mint supplies underlying to a market in exchange for shares.
func (n *Node) Mint(account, symbol string, amount *big.Int) (*big.Int, error) {
	var shares *big.Int
	err := n.mutate(symbol, "mint", account, func(m *lending.Market) error {
		minted, err := m.Mint(account, amount)
		if err != nil {
			return err
		}
		shares = minted
		return nil
	})
	return shares, err
}

// Redeem burns shares for underlying, subject to the risk engine.
func (n *Node) Redeem(account, symbol string, shares *big.Int) (*big.Int, error) {
	var amountOut *big.Int
	err := n.mutate(symbol, "redeem", account, func(m *lending.Market) error {
		out, err := m.Redeem(account, shares)
		if err != nil {
			return err
		}
		amountOut = out
		return nil
	})
	return amountOut, err
}

// Borrow draws underlying from a market against the account's collateral.
func (n *Node) Borrow(account, symbol string, amount *big.Int) error {
	return n.mutate(symbol, "borrow", account, func(m *lending.Market) error {
		return m.Borrow(account, amount)
	})
}

// RepayBorrow pays down the account's debt and returns the amount applied.
func (n *Node) RepayBorrow(account, symbol string, amount *big.Int) (*big.Int, error) {
	var repaid *big.Int
	err := n.mutate(symbol, "repay", account, func(m *lending.Market) error {
		applied, err := m.RepayBorrow(account, amount)
		if err != nil {
			return err
		}
		repaid = applied
		return nil
	})
	return repaid, err
}

// AccrueInterest forces accrual on a market without another operation.
func (n *Node) AccrueInterest(symbol string) error {
	return n.mutate(symbol, "accrue", "", func(m *lending.Market) error {
		return m.AccrueInterest()
	})
}

// mutate runs op against the named market under the node lock, persists the
// market and its ledger on success, and records metrics either way.
func (n *Node) mutate(symbol, opName, account string, op func(*lending.Market) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := normalise(symbol)
	market, ok := n.markets[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}

	start := time.Now()
	err := op(market)
	observability.Protocol().ObserveOperation(key, opName, err, time.Since(start))
	if err != nil {
		n.log.Warn("market operation rejected",
			slog.String("market", key),
			slog.String("operation", opName),
			slog.String("account", account),
			slog.String("error", err.Error()))
		return err
	}

	if err := n.persistMarket(market); err != nil {
		return err
	}
	if err := n.persistToken(n.ledgers[key]); err != nil {
		return err
	}
	observability.Protocol().SetMarketBalances(key,
		market.TotalCash(), market.TotalBorrows(), market.TotalReserves(), market.ExchangeRateStored())
	n.log.Info("market operation applied",
		slog.String("market", key),
		slog.String("operation", opName),
		slog.String("account", account),
		slog.Uint64("height", n.height.Load()))
	return nil
}

// EnterMarkets opts the account into markets as collateral.
func (n *Node) EnterMarkets(account string, symbols []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.risk.EnterMarkets(account, symbols); err != nil {
		return err
	}
	return n.persistRisk()
}

// SetCollateralFactor updates a market's collateral factor. Admin only.
func (n *Node) SetCollateralFactor(caller, symbol string, factor *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.risk.SetCollateralFactor(caller, symbol, factor); err != nil {
		return err
	}
	return n.persistRisk()
}

// SetPrice updates the oracle quote for an asset. Admin only. Like
// collateral factors, updated quotes are persisted and survive a restart.
func (n *Node) SetPrice(caller, symbol string, price *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if caller != n.admin {
		return ErrNotAdmin
	}
	if err := n.prices.Set(symbol, price); err != nil {
		return err
	}
	return n.persistPrices()
}

// AccountLiquidity returns the account's aggregate liquidity in the common
// price unit; negative values mean the account is undercollateralised.
func (n *Node) AccountLiquidity(account string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.risk.AccountLiquidity(account)
}

// AccountMembership lists the markets the account has entered.
func (n *Node) AccountMembership(account string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.risk.AccountMembership(account)
}

// MarketStats is the externally visible state of one market.
type MarketStats struct {
	Symbol             string   `json:"symbol"`
	TotalSupplyShares  *big.Int `json:"totalSupplyShares"`
	TotalCash          *big.Int `json:"totalCash"`
	TotalBorrows       *big.Int `json:"totalBorrows"`
	TotalReserves      *big.Int `json:"totalReserves"`
	ExchangeRate       *big.Int `json:"exchangeRate"`
	BorrowIndex        *big.Int `json:"borrowIndex"`
	AccrualBlock       uint64   `json:"accrualBlock"`
	CollateralFactor   *big.Int `json:"collateralFactor"`
	BorrowRatePerBlock *big.Int `json:"borrowRatePerBlock"`
	SupplyRatePerBlock *big.Int `json:"supplyRatePerBlock"`
}

// MarketStats reports a market's totals, rates, and risk configuration. The
// exchange rate is the stored value; call AccrueInterest first for a fresh
// reading, or use ProjectedExchangeRate for a read-only one.
func (n *Node) MarketStats(symbol string) (MarketStats, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := normalise(symbol)
	market, ok := n.markets[key]
	if !ok {
		return MarketStats{}, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	borrowRate, err := market.BorrowRatePerBlock()
	if err != nil {
		return MarketStats{}, err
	}
	supplyRate, err := market.SupplyRatePerBlock()
	if err != nil {
		return MarketStats{}, err
	}
	return MarketStats{
		Symbol:             key,
		TotalSupplyShares:  market.TotalSupplyShares(),
		TotalCash:          market.TotalCash(),
		TotalBorrows:       market.TotalBorrows(),
		TotalReserves:      market.TotalReserves(),
		ExchangeRate:       market.ExchangeRateStored(),
		BorrowIndex:        market.BorrowIndex(),
		AccrualBlock:       market.AccrualBlock(),
		CollateralFactor:   n.risk.Market(key).CollateralFactor,
		BorrowRatePerBlock: borrowRate,
		SupplyRatePerBlock: supplyRate,
	}, nil
}

// ProjectedExchangeRate returns the exchange rate the market would report
// after accruing to the current block, without mutating state.
func (n *Node) ProjectedExchangeRate(symbol string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	market, ok := n.markets[normalise(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return market.ProjectedExchangeRate(n.height.Load())
}

// BorrowBalance returns the account's debt including interest accrued up to
// the market's last accrual block.
func (n *Node) BorrowBalance(account, symbol string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	market, ok := n.markets[normalise(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return market.BorrowBalanceStored(account), nil
}

// ShareBalance returns the account's market share balance.
func (n *Node) ShareBalance(account, symbol string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	market, ok := n.markets[normalise(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return market.BalanceOf(account), nil
}

// UnderlyingBalance returns the account's balance on the asset ledger.
func (n *Node) UnderlyingBalance(account, symbol string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ledger, ok := n.ledgers[normalise(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return ledger.BalanceOf(account), nil
}

func (n *Node) persistMarket(market *lending.Market) error {
	encoded, err := json.Marshal(market.Snapshot())
	if err != nil {
		return fmt.Errorf("core: encode market %s: %w", market.Symbol(), err)
	}
	if err := n.db.Put(storage.MarketKey(market.Symbol()), encoded); err != nil {
		return fmt.Errorf("core: persist market %s: %w", market.Symbol(), err)
	}
	return nil
}

func (n *Node) persistToken(ledger *token.Ledger) error {
	encoded, err := json.Marshal(ledger.Snapshot())
	if err != nil {
		return fmt.Errorf("core: encode ledger %s: %w", ledger.Symbol(), err)
	}
	if err := n.db.Put(storage.TokenKey(ledger.Symbol()), encoded); err != nil {
		return fmt.Errorf("core: persist ledger %s: %w", ledger.Symbol(), err)
	}
	return nil
}

func (n *Node) persistRisk() error {
	encoded, err := json.Marshal(n.risk.Snapshot())
	if err != nil {
		return fmt.Errorf("core: encode risk state: %w", err)
	}
	if err := n.db.Put(storage.RiskStateKey(), encoded); err != nil {
		return fmt.Errorf("core: persist risk state: %w", err)
	}
	return nil
}

func (n *Node) persistPrices() error {
	encoded, err := json.Marshal(n.prices.Snapshot())
	if err != nil {
		return fmt.Errorf("core: encode prices: %w", err)
	}
	if err := n.db.Put(storage.PricesKey(), encoded); err != nil {
		return fmt.Errorf("core: persist prices: %w", err)
	}
	return nil
}

func (n *Node) persistHeight() error {
	height := strconv.FormatUint(n.height.Load(), 10)
	return n.db.Put(storage.BlockHeightKey(), []byte(height))
}

// loadState reloads persisted snapshots. Missing keys are a fresh database,
// not an error. The height is restored before markets so restored accrual
// blocks never exceed the clock.
func (n *Node) loadState() error {
	if raw, err := n.db.Get(storage.BlockHeightKey()); err == nil {
		height, parseErr := strconv.ParseUint(string(raw), 10, 64)
		if parseErr != nil {
			return fmt.Errorf("core: corrupt persisted height: %w", parseErr)
		}
		n.height.Store(height)
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	if raw, err := n.db.Get(storage.PricesKey()); err == nil {
		var quotes map[string]*big.Int
		if err := json.Unmarshal(raw, &quotes); err != nil {
			return fmt.Errorf("core: corrupt prices: %w", err)
		}
		// Persisted quotes overlay config seeds, so runtime price updates
		// survive a restart the same way collateral factors do.
		n.prices.Restore(quotes)
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	if raw, err := n.db.Get(storage.RiskStateKey()); err == nil {
		var snap comptroller.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("core: corrupt risk state: %w", err)
		}
		n.risk.Restore(snap)
		// Markets added to the config after the snapshot was taken are not
		// in it; list them fresh so a deployment can grow its market set.
		for _, symbol := range n.order {
			market := n.markets[symbol]
			if !n.risk.Market(symbol).IsListed {
				if err := n.risk.AddMarket(n.admin, market); err != nil {
					return err
				}
				if err := n.risk.SetCollateralFactor(n.admin, symbol, n.factors[symbol]); err != nil {
					return err
				}
				continue
			}
			if err := n.risk.AttachView(market); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	for _, symbol := range n.order {
		if raw, err := n.db.Get(storage.MarketKey(symbol)); err == nil {
			var snap lending.Snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				return fmt.Errorf("core: corrupt market %s: %w", symbol, err)
			}
			if err := n.markets[symbol].Restore(snap); err != nil {
				return err
			}
		} else if !errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}
		if raw, err := n.db.Get(storage.TokenKey(symbol)); err == nil {
			var snap token.Snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				return fmt.Errorf("core: corrupt ledger %s: %w", symbol, err)
			}
			n.ledgers[symbol].Restore(snap)
		} else if !errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

func normalise(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
