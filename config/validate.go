package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for structural problems before the node
// boots. Fractional fields must parse and factors must not exceed 1.0.
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("markets: at least one market required")
	}
	seen := make(map[string]struct{}, len(c.Markets))
	for i, market := range c.Markets {
		symbol := strings.ToUpper(strings.TrimSpace(market.Symbol))
		if symbol == "" {
			return fmt.Errorf("markets[%d]: symbol required", i)
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("markets[%d]: duplicate symbol %s", i, symbol)
		}
		seen[symbol] = struct{}{}

		rate, err := ParseDecimal(market.InitialExchangeRate)
		if err != nil {
			return fmt.Errorf("markets[%d] %s: InitialExchangeRate: %w", i, symbol, err)
		}
		if rate.Sign() <= 0 {
			return fmt.Errorf("markets[%d] %s: InitialExchangeRate must be positive", i, symbol)
		}
		for field, value := range map[string]string{
			"ReserveFactor":    market.ReserveFactor,
			"CollateralFactor": market.CollateralFactor,
		} {
			parsed, err := ParseDecimal(value)
			if err != nil {
				return fmt.Errorf("markets[%d] %s: %s: %w", i, symbol, field, err)
			}
			if parsed.Cmp(expScale) > 0 {
				return fmt.Errorf("markets[%d] %s: %s exceeds 1.0", i, symbol, field)
			}
		}
		if _, err := ParseDecimal(market.BaseRate); err != nil {
			return fmt.Errorf("markets[%d] %s: BaseRate: %w", i, symbol, err)
		}
		if _, err := ParseDecimal(market.Multiplier); err != nil {
			return fmt.Errorf("markets[%d] %s: Multiplier: %w", i, symbol, err)
		}
		for account, balance := range market.GenesisBalances {
			if strings.TrimSpace(account) == "" {
				return fmt.Errorf("markets[%d] %s: genesis balance account required", i, symbol)
			}
			parsed, err := ParseDecimal(balance)
			if err != nil {
				return fmt.Errorf("markets[%d] %s: genesis balance for %s: %w", i, symbol, account, err)
			}
			if parsed.Sign() <= 0 {
				return fmt.Errorf("markets[%d] %s: genesis balance for %s must be positive", i, symbol, account)
			}
		}
	}
	for symbol, price := range c.Prices {
		parsed, err := ParseDecimal(price)
		if err != nil {
			return fmt.Errorf("prices[%s]: %w", symbol, err)
		}
		if parsed.Sign() <= 0 {
			return fmt.Errorf("prices[%s]: must be positive", symbol)
		}
	}
	return nil
}
