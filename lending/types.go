package lending

import "math/big"

// Position maintains one account's claim on a market: its share balance plus
// the borrow principal and the borrow index captured when the borrow was last
// synced. The current owed amount is principal * borrowIndex / snapshot.
type Position struct {
	Shares              *big.Int
	BorrowPrincipal     *big.Int
	BorrowIndexSnapshot *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{}
	if p.Shares != nil {
		clone.Shares = new(big.Int).Set(p.Shares)
	}
	if p.BorrowPrincipal != nil {
		clone.BorrowPrincipal = new(big.Int).Set(p.BorrowPrincipal)
	}
	if p.BorrowIndexSnapshot != nil {
		clone.BorrowIndexSnapshot = new(big.Int).Set(p.BorrowIndexSnapshot)
	}
	return clone
}

// Snapshot is the serialisable image of a market used for persistence.
type Snapshot struct {
	Symbol            string                       `json:"symbol"`
	TotalSupplyShares *big.Int                     `json:"totalSupplyShares"`
	TotalCash         *big.Int                     `json:"totalCash"`
	TotalBorrows      *big.Int                     `json:"totalBorrows"`
	TotalReserves     *big.Int                     `json:"totalReserves"`
	ExchangeRate      *big.Int                     `json:"exchangeRate"`
	BorrowIndex       *big.Int                     `json:"borrowIndex"`
	AccrualBlock      uint64                       `json:"accrualBlock"`
	Positions         map[string]PositionSnapshot  `json:"positions"`
}

// PositionSnapshot is the serialisable image of one account position.
type PositionSnapshot struct {
	Shares              *big.Int `json:"shares"`
	BorrowPrincipal     *big.Int `json:"borrowPrincipal"`
	BorrowIndexSnapshot *big.Int `json:"borrowIndexSnapshot"`
}

// BlockSource supplies the current block number. The block clock is external
// to the ledger and advances only between operations, never during one.
type BlockSource interface {
	Height() uint64
}

// Underlying is the transferable-balance store holding the market's asset.
// Implementations must apply each call atomically: a failed transfer leaves
// every balance unchanged.
type Underlying interface {
	TransferFrom(spender, owner, to string, amount *big.Int) error
	Transfer(from, to string, amount *big.Int) error
	BalanceOf(account string) *big.Int
}

// RiskEngine authorises borrow and redeem operations. Policy rejections are
// reported through the sentinel errors in this package so callers receive the
// reason verbatim.
type RiskEngine interface {
	AuthorizeBorrow(account, symbol string, amount *big.Int) error
	AuthorizeRedeem(account, symbol string, shares *big.Int) error
}
