package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/xogrid/server/internal/game"
)

// PlayerProfile holds a player's balances and counters. A profile that was
// never written reads as the zero value.
type PlayerProfile struct {
	ID                   int64           `json:"id"`
	Username             string          `json:"username"`
	Trophies             int             `json:"trophies"`
	StakeBalance         decimal.Decimal `json:"stakeBalance"`
	WithdrawableBalance  decimal.Decimal `json:"withdrawableBalance"`
	LedgerCredit         decimal.Decimal `json:"ledgerCredit"`
	Referrals            int             `json:"referrals"`
	EarnedFromReferrals  decimal.Decimal `json:"earnedFromReferrals"`
	ReferredBy           int64           `json:"referredBy,omitempty"`
	MatchesPlayed        int             `json:"matchesPlayed"`
	Wins                 int             `json:"wins"`
	Losses               int             `json:"losses"`
	HasPlayedRankedMatch bool            `json:"hasPlayedRankedMatch"`
	LastDailyBonus       time.Time       `json:"lastDailyBonus"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Stats are the global counters
type Stats struct {
	TotalMatches          int64           `json:"totalMatches"`
	TotalStarsDistributed decimal.Decimal `json:"totalStarsDistributed"`
	TotalStarsPurchased   decimal.Decimal `json:"totalStarsPurchased"`
}

// QueueEntry is a player waiting in a matchmaking queue
type QueueEntry struct {
	PlayerID int64     `json:"playerId"`
	JoinTime time.Time `json:"joinTime"`
}

// CompletedMatch represents a settled match kept for history
type CompletedMatch struct {
	ID              string        `json:"id"`
	Player1         int64         `json:"player1"`
	Player2         int64         `json:"player2"`
	Type            game.GameType `json:"type"`
	Winner          int64         `json:"winner,omitempty"`
	RoundWins       [2]int        `json:"roundWins"`
	RoundsPlayed    int           `json:"roundsPlayed"`
	IsForfeit       bool          `json:"isForfeit"`
	IsDraw          bool          `json:"isDraw"`
	DurationSeconds int           `json:"durationSeconds"`
	MoveCount       int           `json:"moveCount"`
	CreatedAt       time.Time     `json:"createdAt"`
	EndedAt         time.Time     `json:"endedAt"`
	// SettlementErrors lists the post-commit writes that failed, so the
	// balances of this match can be reconciled by hand.
	SettlementErrors []string `json:"settlementErrors,omitempty"`
}

// NewCompletedMatch builds the archive record of a settled match
func NewCompletedMatch(m *game.Match) *CompletedMatch {
	return &CompletedMatch{
		ID:              m.ID,
		Player1:         m.P1,
		Player2:         m.P2,
		Type:            m.Type,
		Winner:          m.Winner,
		RoundWins:       m.RoundWins,
		RoundsPlayed:    m.Round,
		IsForfeit:       m.Forfeit,
		IsDraw:          m.Winner == 0,
		DurationSeconds: m.GetDuration(),
		MoveCount:       m.MoveCount,
		CreatedAt:       m.CreatedAt,
		EndedAt:         m.EndedAt,
	}
}

// Withdrawal is a player's payout request. A player has at most one
// record; a completed one may be replaced by a new request.
type Withdrawal struct {
	PlayerID    int64           `json:"playerId"`
	Amount      decimal.Decimal `json:"amount"`
	RequestedAt time.Time       `json:"requestedAt"`
	Completed   bool            `json:"completed"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

// Pending reports whether the request still waits for an admin
func (w Withdrawal) Pending() bool {
	return !w.RequestedAt.IsZero() && !w.Completed
}

// LeaderboardBy selects the ranking column
type LeaderboardBy string

const (
	ByTrophies     LeaderboardBy = "trophies"
	ByWithdrawable LeaderboardBy = "withdrawable"
)

// LeaderboardEntry represents a player's ranking
type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	PlayerID      int64           `json:"playerId"`
	Username      string          `json:"username"`
	Trophies      int             `json:"trophies"`
	Withdrawable  decimal.Decimal `json:"withdrawable"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	MatchesPlayed int             `json:"matchesPlayed"`
}
