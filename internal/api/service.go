// Package api exposes the settlement engine over HTTP.
//
// The caller identity is read from the X-Signer header; authenticating it
// is left to whatever sits in front of this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/engine"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/program"
	"github.com/atmx/parimutuel-engine/internal/round"
	"github.com/atmx/parimutuel-engine/internal/vault"
)

// SignerHeader carries the caller identity.
const SignerHeader = "X-Signer"

// Service handles engine operations.
type Service struct {
	eng    *engine.Engine
	ledger vault.Ledger
}

// NewService creates a service over eng. ledger backs balance queries.
func NewService(eng *engine.Engine, ledger vault.Ledger) *Service {
	return &Service{eng: eng, ledger: ledger}
}

// Mount registers every route on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/config", s.GetConfig)
	r.Post("/config", s.InitializeConfig)
	r.Patch("/config", s.UpdateConfig)
	r.Post("/config/pause", s.setStatus(s.eng.Pause))
	r.Post("/config/unpause", s.setStatus(s.eng.Unpause))
	r.Post("/config/emergency-pause", s.setStatus(s.eng.EmergencyPause))
	r.Post("/config/emergency-unpause", s.setStatus(s.eng.EmergencyUnpause))

	r.Get("/accounts/{account}/balance", s.GetBalance)

	r.Get("/rounds", s.ListRounds)
	r.Post("/rounds", s.CreateRound)
	r.Route("/rounds/{roundID}", func(r chi.Router) {
		r.Get("/", s.GetRound)
		r.Post("/start", s.StartRound)
		r.Post("/settle", s.SettleRound)
		r.Post("/cancel", s.CancelRound)

		r.Get("/bets", s.ListBets)
		r.Post("/bets", s.PlaceBet)
		r.Delete("/bets/{betID}", s.WithdrawBet)
		r.Post("/bets/{betID}/claim", s.ClaimReward)

		r.Get("/groups", s.ListGroups)
		r.Post("/groups", s.AddGroup)
		r.Post("/groups/finalize-start", s.FinalizeStartGroups)
		r.Post("/groups/finalize-end", s.FinalizeEndGroups)
		r.Get("/groups/{groupID}/assets", s.ListAssets)
		r.Post("/groups/{groupID}/assets", s.AddAsset)
		r.Post("/groups/{groupID}/start-prices", s.CaptureStartPrices)
		r.Post("/groups/{groupID}/end-prices", s.CaptureEndPrices)
		r.Post("/groups/{groupID}/finalize", s.FinalizeGroupAssets)
	})
}

// --- Request/Response types ---

// InitializeRequest is the JSON body for POST /config. Durations are
// nanoseconds, matching the config document.
type InitializeRequest struct {
	Treasury                  string        `json:"treasury"`
	Keepers                   []string      `json:"keepers"`
	SingleAssetFeeBps         uint16        `json:"single_asset_fee_bps"`
	GroupBattleFeeBps         uint16        `json:"group_battle_fee_bps"`
	MinBetAmount              uint64        `json:"min_bet_amount"`
	BetCutoffWindow           time.Duration `json:"bet_cutoff_window"`
	MinTimeFactorBps          uint16        `json:"min_time_factor_bps"`
	MaxTimeFactorBps          uint16        `json:"max_time_factor_bps"`
	DefaultDirectionFactorBps uint16        `json:"default_direction_factor_bps"`
	MaxPriceAge               time.Duration `json:"max_price_age"`
}

// Params converts the request; the signer becomes admin.
func (req InitializeRequest) Params() program.Params {
	return program.Params{
		Treasury:                  req.Treasury,
		Keepers:                   req.Keepers,
		SingleAssetFeeBps:         req.SingleAssetFeeBps,
		GroupBattleFeeBps:         req.GroupBattleFeeBps,
		MinBetAmount:              req.MinBetAmount,
		BetCutoffWindow:           req.BetCutoffWindow,
		MinTimeFactorBps:          req.MinTimeFactorBps,
		MaxTimeFactorBps:          req.MaxTimeFactorBps,
		DefaultDirectionFactorBps: req.DefaultDirectionFactorBps,
		MaxPriceAge:               req.MaxPriceAge,
	}
}

// AddGroupRequest is the JSON body for POST /rounds/{roundID}/groups.
type AddGroupRequest struct {
	Symbol string `json:"symbol"`
}

// AddAssetRequest is the JSON body for POST .../groups/{groupID}/assets.
type AddAssetRequest struct {
	FeedID string `json:"feed_id"`
	Symbol string `json:"symbol"`
}

// BatchRequest names the records one batch operates on. Bets and assets
// use Records; group batches use Groups. An empty list lets the server pick.
type BatchRequest struct {
	Records []address.Address `json:"records,omitempty"`
	Groups  []address.Address `json:"groups,omitempty"`
}

// SettleResponse is returned from POST /rounds/{roundID}/settle.
type SettleResponse struct {
	Settled int          `json:"settled"`
	Won     int          `json:"won"`
	Lost    int          `json:"lost"`
	Draw    int          `json:"draw"`
	Fee     uint64       `json:"fee"`
	Ended   bool         `json:"ended"`
	Round   *model.Round `json:"round"`
}

// CancelResponse is returned from POST /rounds/{roundID}/cancel.
type CancelResponse struct {
	Refunded int    `json:"refunded"`
	Amount   uint64 `json:"amount"`
	Closed   bool   `json:"closed"`
}

// PayoutResponse is returned by withdrawals and claims.
type PayoutResponse struct {
	RoundID uint64 `json:"round_id"`
	BetID   uint64 `json:"bet_id"`
	Amount  uint64 `json:"amount"`
}

// --- Config ---

// GetConfig handles GET /api/v1/config
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.eng.Store().Config(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// InitializeConfig handles POST /api/v1/config
func (s *Service) InitializeConfig(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.eng.Initialize(r.Context(), signer(r), req.Params())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// UpdateConfig handles PATCH /api/v1/config
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req program.Update
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.eng.UpdateConfig(r.Context(), signer(r), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) setStatus(fn func(ctx context.Context, signer string) (*model.Config, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := fn(r.Context(), signer(r))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

// GetBalance handles GET /api/v1/accounts/{account}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	bal, err := s.ledger.Balance(r.Context(), account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": bal})
}

// --- Rounds ---

// ListRounds handles GET /api/v1/rounds[?status=]
func (s *Service) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.eng.Store().Rounds(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status := model.RoundStatus(r.URL.Query().Get("status"))
	out := make([]*model.Round, 0, len(rounds))
	for _, rd := range rounds {
		if status == "" || rd.Status == status {
			out = append(out, rd)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateRound handles POST /api/v1/rounds
func (s *Service) CreateRound(w http.ResponseWriter, r *http.Request) {
	var req round.CreateParams
	if !decode(w, r, &req) {
		return
	}
	rd, err := s.eng.CreateRound(r.Context(), signer(r), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("round created via api", "round", rd.ID, "kind", rd.Kind, "start", rd.StartTime, "end", rd.EndTime)
	writeJSON(w, http.StatusCreated, rd)
}

// GetRound handles GET /api/v1/rounds/{roundID}
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return
	}
	rd, err := s.eng.Store().Round(r.Context(), roundID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// StartRound handles POST /api/v1/rounds/{roundID}/start
func (s *Service) StartRound(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return
	}
	rd, err := s.eng.StartRound(r.Context(), signer(r), roundID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// SettleRound handles POST /api/v1/rounds/{roundID}/settle
func (s *Service) SettleRound(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return
	}
	bets, ok := s.betBatch(w, r, roundID)
	if !ok {
		return
	}
	res, err := s.eng.SettleRound(r.Context(), signer(r), roundID, bets)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	rd, err := s.eng.Store().Round(r.Context(), roundID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	won, lost, draw := res.Counts()
	writeJSON(w, http.StatusOK, SettleResponse{
		Settled: len(res.Settled), Won: won, Lost: lost, Draw: draw,
		Fee: res.Fee, Ended: res.Ended, Round: rd,
	})
}

// CancelRound handles POST /api/v1/rounds/{roundID}/cancel
func (s *Service) CancelRound(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return
	}
	bets, ok := s.betBatch(w, r, roundID)
	if !ok {
		return
	}
	res, err := s.eng.CancelRound(r.Context(), signer(r), roundID, bets)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Refunded: len(res.Refunds), Amount: res.Total(), Closed: res.Closed})
}

// betBatch reads the bet addresses of a settle or cancel call, defaulting
// to the next pending bets of the round.
func (s *Service) betBatch(w http.ResponseWriter, r *http.Request, roundID uint64) ([]address.Address, bool) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return nil, false
	}
	if len(req.Records) > 0 {
		return req.Records, true
	}
	pending, err := s.eng.PendingBets(r.Context(), roundID, model.MaxBatchSize)
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return engine.BetAddresses(pending), true
}

// --- Bets ---

// ListBets handles GET /api/v1/rounds/{roundID}/bets[?bettor=&status=]
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return
	}
	if _, err := s.eng.Store().Round(r.Context(), roundID); err != nil {
		writeEngineError(w, err)
		return
	}
	bets, err := s.eng.Store().Bets(r.Context(), roundID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	q := r.URL.Query()
	bettor, status := q.Get("bettor"), model.BetStatus(q.Get("status"))
	out := make([]*model.Bet, 0, len(bets))
	for _, b := range bets {
		if bettor != "" && b.Bettor != bettor {
			continue
		}
		if status != "" && b.Status != status {
			continue
		}
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

// PlaceBet handles POST /api/v1/rounds/{roundID}/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return
	}
	var req engine.BetRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := s.eng.PlaceBet(r.Context(), signer(r), roundID, req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// WithdrawBet handles DELETE /api/v1/rounds/{roundID}/bets/{betID}
func (s *Service) WithdrawBet(w http.ResponseWriter, r *http.Request) {
	roundID, betID, ok := betPath(w, r)
	if !ok {
		return
	}
	amount, err := s.eng.WithdrawBet(r.Context(), signer(r), roundID, betID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PayoutResponse{RoundID: roundID, BetID: betID, Amount: amount})
}

// ClaimReward handles POST /api/v1/rounds/{roundID}/bets/{betID}/claim
func (s *Service) ClaimReward(w http.ResponseWriter, r *http.Request) {
	roundID, betID, ok := betPath(w, r)
	if !ok {
		return
	}
	amount, err := s.eng.ClaimReward(r.Context(), signer(r), roundID, betID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PayoutResponse{RoundID: roundID, BetID: betID, Amount: amount})
}

// --- Groups ---

// ListGroups handles GET /api/v1/rounds/{roundID}/groups
func (s *Service) ListGroups(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return
	}
	groups, err := s.eng.Store().Groups(r.Context(), roundID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if groups == nil {
		groups = []*model.GroupAsset{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// AddGroup handles POST /api/v1/rounds/{roundID}/groups
func (s *Service) AddGroup(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return
	}
	var req AddGroupRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := s.eng.AddGroup(r.Context(), signer(r), roundID, req.Symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// ListAssets handles GET /api/v1/rounds/{roundID}/groups/{groupID}/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	roundID, groupID, ok := groupPath(w, r)
	if !ok {
		return
	}
	assets, err := s.eng.Store().Assets(r.Context(), roundID, groupID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if assets == nil {
		assets = []*model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// AddAsset handles POST /api/v1/rounds/{roundID}/groups/{groupID}/assets
func (s *Service) AddAsset(w http.ResponseWriter, r *http.Request) {
	roundID, groupID, ok := groupPath(w, r)
	if !ok {
		return
	}
	var req AddAssetRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.eng.AddAsset(r.Context(), signer(r), roundID, groupID, req.FeedID, req.Symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// CaptureStartPrices handles POST .../groups/{groupID}/start-prices
func (s *Service) CaptureStartPrices(w http.ResponseWriter, r *http.Request) {
	s.assetBatch(w, r, s.eng.CaptureStartPrices)
}

// CaptureEndPrices handles POST .../groups/{groupID}/end-prices
func (s *Service) CaptureEndPrices(w http.ResponseWriter, r *http.Request) {
	s.assetBatch(w, r, s.eng.CaptureEndPrices)
}

// FinalizeGroupAssets handles POST .../groups/{groupID}/finalize
func (s *Service) FinalizeGroupAssets(w http.ResponseWriter, r *http.Request) {
	s.assetBatch(w, r, s.eng.FinalizeEndGroupAssets)
}

type assetOp func(ctx context.Context, signer string, roundID, groupID uint64, assets []address.Address) ([]*model.Asset, error)

// assetBatch runs op over the supplied assets, or every asset of the group
// when none are named. A group never holds more than one batch of assets.
func (s *Service) assetBatch(w http.ResponseWriter, r *http.Request, op assetOp) {
	roundID, groupID, ok := groupPath(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	refs := req.Records
	if len(refs) == 0 {
		assets, err := s.eng.Store().Assets(r.Context(), roundID, groupID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		refs = engine.AssetAddresses(assets)
	}
	changed, err := op(r.Context(), signer(r), roundID, groupID, refs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if changed == nil {
		changed = []*model.Asset{}
	}
	writeJSON(w, http.StatusOK, changed)
}

// FinalizeStartGroups handles POST /api/v1/rounds/{roundID}/groups/finalize-start
func (s *Service) FinalizeStartGroups(w http.ResponseWriter, r *http.Request) {
	roundID, refs, ok := s.groupBatch(w, r)
	if !ok {
		return
	}
	groups, err := s.eng.FinalizeStartGroups(r.Context(), signer(r), roundID, refs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if groups == nil {
		groups = []*model.GroupAsset{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// FinalizeEndGroups handles POST /api/v1/rounds/{roundID}/groups/finalize-end
func (s *Service) FinalizeEndGroups(w http.ResponseWriter, r *http.Request) {
	roundID, refs, ok := s.groupBatch(w, r)
	if !ok {
		return
	}
	rd, err := s.eng.FinalizeEndGroups(r.Context(), signer(r), roundID, refs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// groupBatch reads group addresses, defaulting to every group of the round.
func (s *Service) groupBatch(w http.ResponseWriter, r *http.Request) (uint64, []address.Address, bool) {
	roundID, ok := pathID(w, r, "roundID")
	if !ok {
		return 0, nil, false
	}
	var req BatchRequest
	if !decode(w, r, &req) {
		return 0, nil, false
	}
	if len(req.Groups) > 0 {
		return roundID, req.Groups, true
	}
	groups, err := s.eng.Store().Groups(r.Context(), roundID)
	if err != nil {
		writeEngineError(w, err)
		return 0, nil, false
	}
	return roundID, engine.GroupAddresses(groups), true
}

// --- helpers ---

func signer(r *http.Request) string {
	return r.Header.Get(SignerHeader)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, "invalid request body", http.StatusBadRequest)
	return false
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, fmt.Sprintf("invalid %s: %q", name, raw), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func betPath(w http.ResponseWriter, r *http.Request) (roundID, betID uint64, ok bool) {
	if roundID, ok = pathID(w, r, "roundID"); !ok {
		return
	}
	betID, ok = pathID(w, r, "betID")
	return
}

func groupPath(w http.ResponseWriter, r *http.Request) (roundID, groupID uint64, ok bool) {
	if roundID, ok = pathID(w, r, "roundID"); !ok {
		return
	}
	groupID, ok = pathID(w, r, "groupID")
	return
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
