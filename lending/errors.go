package lending

import "errors"

var (
	// ErrInvalidAmount rejects nil, zero or negative amounts at call time.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrInsufficientShares rejects a redeem exceeding the account's shares.
	ErrInsufficientShares = errors.New("lending: insufficient share balance")
	// ErrInsufficientCash rejects a redeem worth more underlying than the
	// market currently holds.
	ErrInsufficientCash = errors.New("lending: insufficient cash")
	// ErrInsufficientBalanceForBorrow rejects a borrow the risk engine did
	// not authorise or that exceeds the market's available cash.
	ErrInsufficientBalanceForBorrow = errors.New("lending: insufficient balance for borrow")
	// ErrRedeemBlockedByCollateral rejects redemption from a market the
	// account has entered as collateral.
	ErrRedeemBlockedByCollateral = errors.New("lending: redeem blocked by collateral")
	// ErrNoOutstandingBorrow rejects a repayment when the account owes
	// nothing.
	ErrNoOutstandingBorrow = errors.New("lending: no outstanding borrow to repay")
	// ErrNoRiskEngine signals a market wired without its risk engine; borrow
	// and redeem are refused rather than left ungated.
	ErrNoRiskEngine = errors.New("lending: risk engine not configured")
	// ErrBlockRegression signals the block source moved backwards, which
	// violates the accrual invariant and is treated as a fatal bug.
	ErrBlockRegression = errors.New("lending: block height regressed below accrual block")
)
