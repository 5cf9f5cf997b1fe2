// Package oracle provides the price-lookup collaborator used by the risk
// engine. Prices are 18-decimal fixed point values denominated in the common
// accounting unit.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// ErrPriceUnavailable indicates no price is configured for the requested
// asset. The risk engine treats this as a fatal configuration error rather
// than a zero price.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// PriceSource resolves the price of an asset, scaled by 1e18.
type PriceSource interface {
	GetAssetPrice(symbol string) (*big.Int, error)
}

// StaticOracle is an in-memory price source fed by configuration or manual
// overrides during incident response. Safe for concurrent access.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]*big.Int
}

// NewStaticOracle constructs an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string]*big.Int)}
}

// Set stores the 1e18-scaled price for the asset symbol. Non-positive prices
// are rejected so a misconfigured feed cannot silently zero out collateral.
func (o *StaticOracle) Set(symbol string, price *big.Int) error {
	key := normaliseSymbol(symbol)
	if key == "" {
		return fmt.Errorf("oracle: symbol required")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("oracle: price for %s must be positive", key)
	}
	o.mu.Lock()
	o.prices[key] = new(big.Int).Set(price)
	o.mu.Unlock()
	return nil
}

// SetDecimal parses a decimal price string (e.g. "0.02") and stores it at
// 1e18 scale.
func (o *StaticOracle) SetDecimal(symbol, price string) error {
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("oracle: invalid price %q", price)
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(big.NewInt(1_000_000_000_000_000_000)))
	return o.Set(symbol, new(big.Int).Quo(scaled.Num(), scaled.Denom()))
}

// GetAssetPrice returns a defensive copy of the stored price.
func (o *StaticOracle) GetAssetPrice(symbol string) (*big.Int, error) {
	key := normaliseSymbol(symbol)
	o.mu.RLock()
	stored, ok := o.prices[key]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, key)
	}
	return new(big.Int).Set(stored), nil
}

// Snapshot returns a deep copy of all stored quotes for persistence.
func (o *StaticOracle) Snapshot() map[string]*big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]*big.Int, len(o.prices))
	for symbol, price := range o.prices {
		out[symbol] = new(big.Int).Set(price)
	}
	return out
}

// Restore overlays persisted quotes onto the oracle. Non-positive or nil
// entries are skipped, keeping the positive-price invariant.
func (o *StaticOracle) Restore(prices map[string]*big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for symbol, price := range prices {
		key := normaliseSymbol(symbol)
		if key == "" || price == nil || price.Sign() <= 0 {
			continue
		}
		o.prices[key] = new(big.Int).Set(price)
	}
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
