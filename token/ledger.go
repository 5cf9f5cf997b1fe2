// Package token implements the underlying fungible-asset ledger consumed by
// the lending markets: transferable balances with ERC-20 style allowance
// semantics. Amounts are integers scaled by the asset's decimal precision.
package token

import (
	"errors"
	"math/big"
	"strings"
	"sync"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientFunds     = errors.New("token: insufficient funds")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAccount        = errors.New("token: account required")
)

// Ledger is an in-memory transferable-balance store for a single asset.
// It is safe for concurrent use, although the protocol node serialises all
// calls behind its own mutex anyway.
type Ledger struct {
	mu         sync.RWMutex
	symbol     string
	decimals   uint8
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int
}

// NewLedger constructs an empty ledger for the given asset symbol.
func NewLedger(symbol string, decimals uint8) *Ledger {
	return &Ledger{
		symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		decimals:   decimals,
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
	}
}

// Symbol returns the asset symbol the ledger tracks.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the asset's decimal precision.
func (l *Ledger) Decimals() uint8 { return l.decimals }

// Mint credits freshly issued units to the account. Used for genesis funding
// and test fixtures; the lending protocol itself never mints underlying.
func (l *Ledger) Mint(account string, amount *big.Int) error {
	if strings.TrimSpace(account) == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = new(big.Int).Add(l.balance(account), amount)
	return nil
}

// BalanceOf reports the account's current balance. Unknown accounts hold zero.
func (l *Ledger) BalanceOf(account string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balance(account))
}

// Transfer moves amount from one account to another. The move is atomic:
// on any failure neither balance changes.
func (l *Ledger) Transfer(from, to string, amount *big.Int) error {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

// Approve grants the spender permission to move up to amount from owner's
// balance via TransferFrom. A zero amount revokes the allowance.
func (l *Ledger) Approve(owner, spender string, amount *big.Int) error {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(spender) == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	grants, ok := l.allowances[owner]
	if !ok {
		grants = make(map[string]*big.Int)
		l.allowances[owner] = grants
	}
	grants[spender] = new(big.Int).Set(amount)
	return nil
}

// Allowance reports how much the spender may still move from owner's balance.
func (l *Ledger) Allowance(owner, spender string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if grants, ok := l.allowances[owner]; ok {
		if granted, ok := grants[spender]; ok {
			return new(big.Int).Set(granted)
		}
	}
	return big.NewInt(0)
}

// TransferFrom moves amount from the owner to the recipient on behalf of the
// spender, consuming allowance. All-or-nothing: a failed check leaves both
// balances and the allowance untouched.
func (l *Ledger) TransferFrom(spender, owner, to string, amount *big.Int) error {
	if strings.TrimSpace(spender) == "" || strings.TrimSpace(owner) == "" || strings.TrimSpace(to) == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	grants := l.allowances[owner]
	granted, ok := grants[spender]
	if !ok || granted.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.move(owner, to, amount); err != nil {
		return err
	}
	grants[spender] = new(big.Int).Sub(granted, amount)
	return nil
}

// TotalHeld sums all tracked balances. Read-only helper for audits and tests.
func (l *Ledger) TotalHeld() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := big.NewInt(0)
	for _, balance := range l.balances {
		total.Add(total, balance)
	}
	return total
}

// Snapshot is the serialisable image of a ledger used for persistence.
type Snapshot struct {
	Symbol     string                         `json:"symbol"`
	Decimals   uint8                          `json:"decimals"`
	Balances   map[string]*big.Int            `json:"balances"`
	Allowances map[string]map[string]*big.Int `json:"allowances"`
}

// Snapshot returns a deep copy of the ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := Snapshot{
		Symbol:     l.symbol,
		Decimals:   l.decimals,
		Balances:   make(map[string]*big.Int, len(l.balances)),
		Allowances: make(map[string]map[string]*big.Int, len(l.allowances)),
	}
	for account, balance := range l.balances {
		snap.Balances[account] = new(big.Int).Set(balance)
	}
	for owner, grants := range l.allowances {
		copied := make(map[string]*big.Int, len(grants))
		for spender, amount := range grants {
			copied[spender] = new(big.Int).Set(amount)
		}
		snap.Allowances[owner] = copied
	}
	return snap
}

// Restore replaces the ledger state with a snapshot.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[string]*big.Int, len(snap.Balances))
	for account, balance := range snap.Balances {
		if balance != nil {
			l.balances[account] = new(big.Int).Set(balance)
		}
	}
	l.allowances = make(map[string]map[string]*big.Int, len(snap.Allowances))
	for owner, grants := range snap.Allowances {
		copied := make(map[string]*big.Int, len(grants))
		for spender, amount := range grants {
			if amount != nil {
				copied[spender] = new(big.Int).Set(amount)
			}
		}
		l.allowances[owner] = copied
	}
}

func (l *Ledger) balance(account string) *big.Int {
	if balance, ok := l.balances[account]; ok {
		return balance
	}
	return big.NewInt(0)
}

func (l *Ledger) move(from, to string, amount *big.Int) error {
	fromBalance := l.balance(from)
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	l.balances[from] = new(big.Int).Sub(fromBalance, amount)
	l.balances[to] = new(big.Int).Add(l.balance(to), amount)
	return nil
}
