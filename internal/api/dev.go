package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/parimutuel-engine/internal/oracle"
	"github.com/atmx/parimutuel-engine/internal/program"
)

// Funder credits an account from outside the system.
type Funder interface {
	Deposit(account string, amount uint64) error
}

// PriceSetter publishes an oracle observation.
type PriceSetter interface {
	SetPrice(feedID string, p oracle.Price)
}

// DepositRequest credits Amount to Account.
type DepositRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// PriceRequest publishes Value × 10^Exponent for FeedID. PublishedAt
// defaults to the time of the request.
type PriceRequest struct {
	FeedID      string    `json:"feed_id"`
	Value       int64     `json:"value"`
	Exponent    int32     `json:"exponent"`
	PublishedAt time.Time `json:"published_at"`
}

// MountDev registers the admin-only routes that stand in for custody and
// oracle feeds when the server runs on in-process collaborators. A nil
// collaborator leaves its route unmounted.
func (s *Service) MountDev(r chi.Router, funds Funder, prices PriceSetter) {
	if funds != nil {
		r.Post("/dev/deposits", s.deposit(funds))
	}
	if prices != nil {
		r.Post("/dev/prices", s.setPrice(prices))
	}
}

// deposit handles POST /api/v1/dev/deposits
func (s *Service) deposit(funds Funder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		var req DepositRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Account == "" || req.Amount == 0 {
			writeError(w, "account and a positive amount are required", http.StatusBadRequest)
			return
		}
		if err := funds.Deposit(req.Account, req.Amount); err != nil {
			writeEngineError(w, err)
			return
		}
		bal, err := s.ledger.Balance(r.Context(), req.Account)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"account": req.Account, "balance": bal})
	}
}

// setPrice handles POST /api/v1/dev/prices
func (s *Service) setPrice(prices PriceSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		var req PriceRequest
		if !decode(w, r, &req) {
			return
		}
		if req.FeedID == "" {
			writeError(w, "feed_id is required", http.StatusBadRequest)
			return
		}
		if _, err := oracle.Normalize(req.Value, req.Exponent); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.PublishedAt.IsZero() {
			req.PublishedAt = time.Now().UTC()
		}
		p := oracle.Price{Value: req.Value, Exponent: req.Exponent, PublishedAt: req.PublishedAt}
		prices.SetPrice(req.FeedID, p)
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Service) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	cfg, err := s.eng.Store().Config(r.Context())
	if err == nil {
		err = program.RequireAdmin(cfg, signer(r))
	}
	if err != nil {
		writeEngineError(w, err)
		return false
	}
	return true
}
