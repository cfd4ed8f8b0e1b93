package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xogrid/server/internal/game"
	"github.com/xogrid/server/internal/kafka"
	"github.com/xogrid/server/internal/ledger"
	"github.com/xogrid/server/internal/session"
	"github.com/xogrid/server/internal/storage"
)

// AdminTokenHeader carries the admin token on privileged routes
const AdminTokenHeader = "X-Admin-Token"

const recentMatchesLimit = 10

// Handlers holds API handler dependencies
type Handlers struct {
	store      storage.Store
	coord      *session.Coordinator
	ledger     *ledger.Ledger
	producer   *kafka.Producer
	analytics  *kafka.Analytics
	adminToken string
}

// NewHandlers creates a new API handlers instance. producer and analytics
// may be nil; an empty adminToken disables the admin routes.
func NewHandlers(store storage.Store, coord *session.Coordinator, l *ledger.Ledger,
	producer *kafka.Producer, analytics *kafka.Analytics, adminToken string) *Handlers {
	return &Handlers{
		store:      store,
		coord:      coord,
		ledger:     l,
		producer:   producer,
		analytics:  analytics,
		adminToken: adminToken,
	}
}

// RegisterRoutes registers API routes
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/queue", h.JoinQueue)
	r.Delete("/queue/{playerID}", h.LeaveQueue)

	r.Get("/matches/{matchID}", h.GetMatch)
	r.Post("/matches/{matchID}/moves", h.SubmitMove)

	r.Get("/profiles/{playerID}", h.GetProfile)
	r.Post("/profiles/{playerID}/referrer", h.RegisterReferrer)
	r.Post("/profiles/{playerID}/purchases", h.Purchase)
	r.Post("/profiles/{playerID}/exchange", h.Exchange)
	r.Get("/profiles/{playerID}/withdrawals", h.GetWithdrawal)
	r.Post("/profiles/{playerID}/withdrawals", h.RequestWithdrawal)
	r.Post("/profiles/{playerID}/daily", h.ClaimDaily)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/admin/adjustments", h.Adjust)
		r.Get("/admin/withdrawals", h.PendingWithdrawals)
		r.Post("/admin/withdrawals/{playerID}/complete", h.CompleteWithdrawal)
	})

	r.Get("/leaderboard", h.GetLeaderboard)
	r.Get("/stats", h.GetStats)
	r.Get("/analytics", h.GetAnalytics)
	r.Get("/status", h.GetStatus)
}

type joinRequest struct {
	PlayerID int64  `json:"playerId"`
	GameType string `json:"gameType"`
}

// JoinQueue puts a player in a matchmaking queue
func (h *Handlers) JoinQueue(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) || !requirePlayer(w, req.PlayerID) {
		return
	}
	t, err := game.ParseGameType(req.GameType)
	if err != nil {
		respondError(w, err)
		return
	}

	res, err := h.coord.JoinQueue(r.Context(), req.PlayerID, t)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Status == session.StatusMatchCreated {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

// LeaveQueue removes a player from any queue
func (h *Handlers) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	playerID, ok := playerParam(w, r)
	if !ok {
		return
	}
	left, err := h.coord.LeaveQueue(r.Context(), playerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"left": left})
}

// GetMatch returns the match as seen by ?player=
func (h *Handlers) GetMatch(w http.ResponseWriter, r *http.Request) {
	playerID, err := strconv.ParseInt(r.URL.Query().Get("player"), 10, 64)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "player query parameter required", "BAD_REQUEST")
		return
	}
	if !requirePlayer(w, playerID) {
		return
	}
	view, err := h.coord.GetMatchView(r.Context(), chi.URLParam(r, "matchID"), playerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type moveRequest struct {
	PlayerID int64 `json:"playerId"`
	Row      int   `json:"row"`
	Col      int   `json:"col"`
}

// SubmitMove plays a move. A late move answers 409 TIMEOUT_FORFEIT with the
// forfeit result attached.
func (h *Handlers) SubmitMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !decode(w, r, &req) || !requirePlayer(w, req.PlayerID) {
		return
	}
	res, err := h.coord.SubmitMove(r.Context(), chi.URLParam(r, "matchID"), req.PlayerID, req.Row, req.Col)
	if errors.Is(err, game.ErrTimeoutForfeit) {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":  err.Error(),
			"code":   game.Code(err),
			"result": res,
		})
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GetProfile returns a profile with its most recent matches
func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	playerID, ok := playerParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	profile, err := h.store.GetProfile(ctx, playerID)
	if err != nil {
		respondError(w, err)
		return
	}
	recent, err := h.store.RecentMatches(ctx, playerID, recentMatchesLimit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"profile":       profile,
		"recentMatches": recent,
	})
}

type referrerRequest struct {
	ReferrerID int64 `json:"referrerId"`
}

// RegisterReferrer records who referred the player
func (h *Handlers) RegisterReferrer(w http.ResponseWriter, r *http.Request) {
	playerID, ok := playerParam(w, r)
	if !ok {
		return
	}
	var req referrerRequest
	if !decode(w, r, &req) {
		return
	}
	recorded, err := h.ledger.RegisterReferral(r.Context(), playerID, req.ReferrerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"recorded": recorded})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Purchase credits a completed purchase
func (h *Handlers) Purchase(w http.ResponseWriter, r *http.Request) {
	h.amountOp(w, r, h.ledger.Purchase)
}

// Exchange converts withdrawable winnings into stake balance
func (h *Handlers) Exchange(w http.ResponseWriter, r *http.Request) {
	h.amountOp(w, r, h.ledger.Exchange)
}

func (h *Handlers) amountOp(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, playerID int64, amount decimal.Decimal) (*storage.PlayerProfile, error)) {
	playerID, ok := playerParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	profile, err := op(r.Context(), playerID, req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// GetWithdrawal returns the player's current or last withdrawal request
func (h *Handlers) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	playerID, ok := playerParam(w, r)
	if !ok {
		return
	}
	wd, err := h.ledger.Withdrawal(r.Context(), playerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wd)
}

// RequestWithdrawal files a payout request for an admin to complete
func (h *Handlers) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	playerID, ok := playerParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	wd, err := h.ledger.RequestWithdrawal(r.Context(), playerID, req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, wd)
}

// ClaimDaily credits the daily bonus
func (h *Handlers) ClaimDaily(w http.ResponseWriter, r *http.Request) {
	playerID, ok := playerParam(w, r)
	if !ok {
		return
	}
	amount, profile, err := h.ledger.ClaimDaily(r.Context(), playerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"amount":  amount,
		"profile": profile,
	})
}

// PendingWithdrawals lists requests waiting for an admin
func (h *Handlers) PendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.ledger.PendingWithdrawals(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if pending == nil {
		pending = []storage.Withdrawal{}
	}
	respondJSON(w, http.StatusOK, pending)
}

// CompleteWithdrawal pays out a pending request
func (h *Handlers) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	playerID, ok := playerParam(w, r)
	if !ok {
		return
	}
	wd, err := h.ledger.CompleteWithdrawal(r.Context(), playerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wd)
}

type adjustRequest struct {
	PlayerID int64 `json:"playerId"`
	ledger.Adjustment
}

// Adjust applies an administrative balance adjustment
func (h *Handlers) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !decode(w, r, &req) || !requirePlayer(w, req.PlayerID) {
		return
	}
	profile, err := h.ledger.Adjust(r.Context(), req.PlayerID, req.Adjustment)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// GetLeaderboard returns the top players by ?by=trophies|withdrawable
func (h *Handlers) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	by := storage.LeaderboardBy(r.URL.Query().Get("by"))
	switch by {
	case "":
		by = storage.ByTrophies
	case storage.ByTrophies, storage.ByWithdrawable:
	default:
		respondMessage(w, http.StatusBadRequest, "by must be trophies or withdrawable", "BAD_REQUEST")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.store.Leaderboard(r.Context(), by, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// GetStats returns the global counters
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetAnalytics returns the event stream aggregates
func (h *Handlers) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		respondJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"enabled":            true,
		"avgMatchDuration":   h.analytics.AverageMatchDuration(),
		"mostFrequentWinner": h.analytics.MostFrequentWinner(),
		"matchesPerHour":     h.analytics.MatchesPerHour(time.Now()),
		"metrics":            h.analytics.Metrics(),
	})
}

// GetStatus returns server status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mm := h.coord.Matchmaker()
	queues, err := mm.QueueLengths(ctx)
	if err != nil {
		respondError(w, err)
		return
	}
	active, err := mm.ActiveMatchCount(ctx)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeMatches":  active,
		"playersWaiting": queues,
		"kafkaEnabled":   h.producer != nil && h.producer.IsEnabled(),
	})
}

func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(AdminTokenHeader)
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			respondMessage(w, http.StatusUnauthorized, "admin token required", "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func playerParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "playerID"), 10, 64)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid player id", "BAD_REQUEST")
		return 0, false
	}
	return id, requirePlayer(w, id)
}

func requirePlayer(w http.ResponseWriter, id int64) bool {
	if id <= 0 {
		respondMessage(w, http.StatusBadRequest, "player id must be positive", "BAD_REQUEST")
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return false
	}
	return true
}

// statusFor maps a rejection code to its HTTP status
func statusFor(code string) int {
	switch code {
	case "MATCH_NOT_FOUND", "NO_PENDING_WITHDRAWAL":
		return http.StatusNotFound
	case "INVALID_AMOUNT", "INVALID_CELL", "INVALID_GAME_TYPE":
		return http.StatusUnprocessableEntity
	}
	return http.StatusConflict
}

func respondError(w http.ResponseWriter, err error) {
	code := game.Code(err)
	if code == "" {
		log.Printf("[API] Internal error: %v", err)
		respondMessage(w, http.StatusInternalServerError, "internal error", "INTERNAL")
		return
	}
	respondMessage(w, statusFor(code), err.Error(), code)
}

func respondMessage(w http.ResponseWriter, status int, msg, code string) {
	respondJSON(w, status, map[string]string{"error": msg, "code": code})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Error encoding response: %v", err)
	}
}
