package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cmevawala/compound-clone/comptroller"
	"github.com/cmevawala/compound-clone/core"
	"github.com/cmevawala/compound-clone/lending"
	"github.com/cmevawala/compound-clone/oracle"
	"github.com/cmevawala/compound-clone/token"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// lendingRoutes maps the HTTP API onto node operations.
type lendingRoutes struct {
	node   *core.Node
	logger *slog.Logger
}

func (lr *lendingRoutes) mount(r chi.Router) {
	r.Get("/markets", lr.listMarkets)
	r.Get("/markets/{symbol}", lr.getMarket)
	r.Get("/markets/{symbol}/rates", lr.getRates)
	r.Post("/supply", lr.supply)
	r.Post("/withdraw", lr.withdraw)
	r.Post("/borrow", lr.borrow)
	r.Post("/repay", lr.repay)
	r.Post("/approve", lr.approve)
	r.Post("/faucet", lr.faucet)
	r.Post("/enter-markets", lr.enterMarkets)
	r.Get("/accounts/{account}/liquidity", lr.liquidity)
	r.Get("/accounts/{account}/positions", lr.positions)
	r.Get("/accounts/{account}/memberships", lr.memberships)
}

type amountRequest struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

type faucetRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

type enterMarketsRequest struct {
	Account string   `json:"account"`
	Symbols []string `json:"symbols"`
}

type positionResponse struct {
	Symbol        string   `json:"symbol"`
	Shares        *big.Int `json:"shares"`
	BorrowBalance *big.Int `json:"borrowBalance"`
	Underlying    *big.Int `json:"underlying"`
}

func (lr *lendingRoutes) listMarkets(w http.ResponseWriter, r *http.Request) {
	symbols := lr.node.Markets()
	out := make([]core.MarketStats, 0, len(symbols))
	for _, symbol := range symbols {
		stats, err := lr.node.MarketStats(symbol)
		if err != nil {
			lr.writeError(w, r, err)
			return
		}
		out = append(out, stats)
	}
	writeJSON(w, http.StatusOK, out)
}

func (lr *lendingRoutes) getMarket(w http.ResponseWriter, r *http.Request) {
	stats, err := lr.node.MarketStats(chi.URLParam(r, "symbol"))
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (lr *lendingRoutes) getRates(w http.ResponseWriter, r *http.Request) {
	stats, err := lr.node.MarketStats(chi.URLParam(r, "symbol"))
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*big.Int{
		"borrowRatePerBlock": stats.BorrowRatePerBlock,
		"supplyRatePerBlock": stats.SupplyRatePerBlock,
	})
}

func (lr *lendingRoutes) memberships(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, map[string][]string{"entered": lr.node.AccountMembership(account)})
}

func (lr *lendingRoutes) supply(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := lr.decodeAmount(w, r)
	if !ok {
		return
	}
	shares, err := lr.node.Mint(req.Account, req.Symbol, amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*big.Int{"shares": shares})
}

func (lr *lendingRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	req, shares, ok := lr.decodeAmount(w, r)
	if !ok {
		return
	}
	amount, err := lr.node.Redeem(req.Account, req.Symbol, shares)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*big.Int{"amount": amount})
}

func (lr *lendingRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := lr.decodeAmount(w, r)
	if !ok {
		return
	}
	if err := lr.node.Borrow(req.Account, req.Symbol, amount); err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (lr *lendingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := lr.decodeAmount(w, r)
	if !ok {
		return
	}
	repaid, err := lr.node.RepayBorrow(req.Account, req.Symbol, amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*big.Int{"repaid": repaid})
}

func (lr *lendingRoutes) approve(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := lr.decodeAmount(w, r)
	if !ok {
		return
	}
	if err := lr.node.ApproveMarket(req.Account, req.Symbol, amount); err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (lr *lendingRoutes) faucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if !lr.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	if err := lr.node.Faucet(req.Caller, req.Symbol, req.Account, amount); err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (lr *lendingRoutes) enterMarkets(w http.ResponseWriter, r *http.Request) {
	var req enterMarketsRequest
	if !lr.decode(w, r, &req) {
		return
	}
	if err := lr.node.EnterMarkets(req.Account, req.Symbols); err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"entered": lr.node.AccountMembership(req.Account)})
}

func (lr *lendingRoutes) liquidity(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	liquidity, err := lr.node.AccountLiquidity(account)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*big.Int{"liquidity": liquidity})
}

func (lr *lendingRoutes) positions(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	symbols := lr.node.Markets()
	out := make([]positionResponse, 0, len(symbols))
	for _, symbol := range symbols {
		shares, err := lr.node.ShareBalance(account, symbol)
		if err != nil {
			lr.writeError(w, r, err)
			return
		}
		debt, err := lr.node.BorrowBalance(account, symbol)
		if err != nil {
			lr.writeError(w, r, err)
			return
		}
		underlying, err := lr.node.UnderlyingBalance(account, symbol)
		if err != nil {
			lr.writeError(w, r, err)
			return
		}
		out = append(out, positionResponse{Symbol: symbol, Shares: shares, BorrowBalance: debt, Underlying: underlying})
	}
	writeJSON(w, http.StatusOK, out)
}

func (lr *lendingRoutes) decodeAmount(w http.ResponseWriter, r *http.Request) (amountRequest, *big.Int, bool) {
	var req amountRequest
	if !lr.decode(w, r, &req) {
		return req, nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		lr.writeError(w, r, err)
		return req, nil, false
	}
	return req, amount, true
}

func (lr *lendingRoutes) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, requestBodyLimit)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

var errMalformedAmount = errors.New("gateway: malformed amount")

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errMalformedAmount
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errMalformedAmount, value)
	}
	return amount, nil
}

// writeError maps domain sentinels to HTTP statuses: unknown resources to
// 404, admin rejections to 403, malformed input to 400, and policy or
// balance rejections to 422.
func (lr *lendingRoutes) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrUnknownMarket), errors.Is(err, comptroller.ErrMarketNotListed):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrNotAdmin), errors.Is(err, comptroller.ErrNotAdmin):
		status = http.StatusForbidden
	case errors.Is(err, errMalformedAmount),
		errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAccount):
		status = http.StatusBadRequest
	case errors.Is(err, lending.ErrInsufficientBalanceForBorrow),
		errors.Is(err, lending.ErrRedeemBlockedByCollateral),
		errors.Is(err, lending.ErrInsufficientShares),
		errors.Is(err, lending.ErrInsufficientCash),
		errors.Is(err, lending.ErrNoOutstandingBorrow),
		errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, oracle.ErrPriceUnavailable):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		lr.logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
