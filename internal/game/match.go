package game

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxRounds          = 3
	RoundsToWin        = 2
	DefaultMoveTimeout = 60 * time.Second
)

// GameType selects what a match is played for
type GameType string

const (
	Ranked GameType = "ranked" // trophies
	Staked GameType = "staked" // stake currency
)

// GameTypes lists every queue the matchmaker runs.
var GameTypes = []GameType{Ranked, Staked}

// ParseGameType accepts the canonical names and the legacy trophy/star aliases.
func ParseGameType(s string) (GameType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ranked", "trophy":
		return Ranked, nil
	case "staked", "star":
		return Staked, nil
	}
	return "", ErrInvalidGameType
}

// Phase is the state of the match state machine
type Phase string

const (
	PhaseInRound   Phase = "in_round"
	PhaseMatchOver Phase = "match_over"
)

// ResultKind describes what a move (or a timeout check) did to the match
type ResultKind string

const (
	KindMoveApplied    ResultKind = "move_applied"
	KindRoundOver      ResultKind = "round_over"
	KindMatchOver      ResultKind = "match_over"
	KindTimeoutForfeit ResultKind = "timeout_forfeit"
)

// Match is a best-of-three tic-tac-toe match between two players.
// P1 always plays X and P2 always plays O.
type Match struct {
	ID           string        `json:"id"`
	P1           int64         `json:"p1"`
	P2           int64         `json:"p2"`
	Type         GameType      `json:"type"`
	Board        Board         `json:"board"`
	Turn         int64         `json:"turn"`
	Round        int           `json:"round"`
	RoundWins    [2]int        `json:"roundWins"`
	Phase        Phase         `json:"phase"`
	Winner       int64         `json:"winner,omitempty"`
	Forfeit      bool          `json:"forfeit,omitempty"`
	Active       bool          `json:"active"`
	MoveCount    int           `json:"moveCount"`
	MoveTimeout  time.Duration `json:"moveTimeout"`
	LastMoveTime time.Time     `json:"lastMoveTime"`
	CreatedAt    time.Time     `json:"createdAt"`
	EndedAt      time.Time     `json:"endedAt,omitempty"`
}

// MoveResult reports the transition applied by ApplyMove or CheckTimeout
type MoveResult struct {
	Kind        ResultKind `json:"kind"`
	Player      int64      `json:"player"`
	Row         int        `json:"row"`
	Col         int        `json:"col"`
	Mark        Mark       `json:"mark,omitempty"`
	Round       int        `json:"round"`
	RoundWinner int64      `json:"roundWinner,omitempty"`
	RoundTied   bool       `json:"roundTied,omitempty"`
	FinalBoard  Board      `json:"finalBoard"`
	Winner      int64      `json:"winner,omitempty"`
	Loser       int64      `json:"loser,omitempty"`
}

// NewMatch creates a new match; p1 moves first in round 1
func NewMatch(p1, p2 int64, t GameType, now time.Time, moveTimeout time.Duration) *Match {
	if moveTimeout <= 0 {
		moveTimeout = DefaultMoveTimeout
	}
	return &Match{
		ID:           uuid.New().String(),
		P1:           p1,
		P2:           p2,
		Type:         t,
		Board:        NewBoard(),
		Turn:         p1,
		Round:        1,
		Phase:        PhaseInRound,
		Active:       true,
		MoveTimeout:  moveTimeout,
		LastMoveTime: now,
		CreatedAt:    now,
	}
}

// Seat returns 0 for p1, 1 for p2, -1 for anyone else
func (m *Match) Seat(playerID int64) int {
	switch playerID {
	case m.P1:
		return 0
	case m.P2:
		return 1
	}
	return -1
}

// MarkOf returns the player's mark
func (m *Match) MarkOf(playerID int64) Mark {
	switch m.Seat(playerID) {
	case 0:
		return X
	case 1:
		return O
	}
	return Empty
}

// Opponent returns the other participant
func (m *Match) Opponent(playerID int64) int64 {
	if playerID == m.P1 {
		return m.P2
	}
	return m.P1
}

func (m *Match) playerFor(mark Mark) int64 {
	if mark == X {
		return m.P1
	}
	return m.P2
}

// IsOver reports whether the state machine reached MatchOver.
// The match stays Active until settlement commits.
func (m *Match) IsOver() bool {
	return m.Phase == PhaseMatchOver
}

func (m *Match) timeout() time.Duration {
	if m.MoveTimeout <= 0 {
		return DefaultMoveTimeout
	}
	return m.MoveTimeout
}

// TurnDeadline is the instant after which the player to move forfeits
func (m *Match) TurnDeadline() time.Time {
	return m.LastMoveTime.Add(m.timeout())
}

// TimedOut reports whether the player to move has exceeded the move timer
func (m *Match) TimedOut(now time.Time) bool {
	return m.Active && !m.IsOver() && now.Sub(m.LastMoveTime) > m.timeout()
}

// MajorityWinner returns the player with more round wins, or 0 on a tie
func (m *Match) MajorityWinner() int64 {
	switch {
	case m.RoundWins[0] > m.RoundWins[1]:
		return m.P1
	case m.RoundWins[1] > m.RoundWins[0]:
		return m.P2
	}
	return 0
}

// ApplyMove makes a move for the specified player.
// The timeout check runs before the cell is validated: a late move forfeits
// the match instead of being played.
func (m *Match) ApplyMove(playerID int64, row, col int, now time.Time) (MoveResult, error) {
	if !m.Active || m.IsOver() {
		return MoveResult{}, ErrNotActive
	}
	if m.Seat(playerID) < 0 {
		return MoveResult{}, ErrNotParticipant
	}
	if m.Turn != playerID {
		return MoveResult{}, ErrNotYourTurn
	}
	if m.TimedOut(now) {
		return m.forfeit(playerID, now), nil
	}

	mark := m.MarkOf(playerID)
	if err := m.Board.Place(row, col, mark); err != nil {
		return MoveResult{}, err
	}
	m.MoveCount++
	m.Turn = m.Opponent(playerID)
	m.LastMoveTime = now

	res := MoveResult{
		Kind:   KindMoveApplied,
		Player: playerID,
		Row:    row,
		Col:    col,
		Mark:   mark,
		Round:  m.Round,
	}

	winMark := m.Board.Winner()
	tie := winMark == Empty && m.Board.IsFull()
	if winMark == Empty && !tie {
		res.FinalBoard = m.Board
		return res, nil
	}

	// Round decided
	res.FinalBoard = m.Board
	if winMark != Empty {
		res.RoundWinner = m.playerFor(winMark)
		m.RoundWins[m.Seat(res.RoundWinner)]++
	} else {
		res.RoundTied = true
	}

	if m.RoundWins[0] >= RoundsToWin || m.RoundWins[1] >= RoundsToWin || m.Round >= MaxRounds {
		m.Phase = PhaseMatchOver
		m.Winner = m.MajorityWinner()
		res.Kind = KindMatchOver
		res.Winner = m.Winner
		if m.Winner != 0 {
			res.Loser = m.Opponent(m.Winner)
		}
		return res, nil
	}

	m.startRound(m.Round+1, now)
	res.Kind = KindRoundOver
	return res, nil
}

// startRound resets the board. Odd rounds open with p1, even rounds with p2,
// whatever the previous round's result.
func (m *Match) startRound(round int, now time.Time) {
	m.Round = round
	m.Board = NewBoard()
	if round%2 == 1 {
		m.Turn = m.P1
	} else {
		m.Turn = m.P2
	}
	m.LastMoveTime = now
}

// CheckTimeout forfeits the match for the player to move if the timer expired
func (m *Match) CheckTimeout(now time.Time) (MoveResult, bool) {
	if !m.TimedOut(now) {
		return MoveResult{}, false
	}
	return m.forfeit(m.Turn, now), true
}

// forfeit ends the match with loser losing regardless of round wins
func (m *Match) forfeit(loser int64, now time.Time) MoveResult {
	m.Phase = PhaseMatchOver
	m.Forfeit = true
	m.Winner = m.Opponent(loser)
	return MoveResult{
		Kind:       KindTimeoutForfeit,
		Player:     loser,
		Round:      m.Round,
		FinalBoard: m.Board,
		Winner:     m.Winner,
		Loser:      loser,
	}
}

// View is the read-only projection of a match for one participant
type View struct {
	MatchID           string     `json:"matchId"`
	Type              GameType   `json:"type"`
	Board             [][]string `json:"board"`
	YourMark          Mark       `json:"yourMark"`
	YourTurn          bool       `json:"yourTurn"`
	Opponent          int64      `json:"opponent"`
	Round             int        `json:"round"`
	YourRoundWins     int        `json:"yourRoundWins"`
	OpponentRoundWins int        `json:"opponentRoundWins"`
	Active            bool       `json:"active"`
	Over              bool       `json:"over"`
	Winner            int64      `json:"winner,omitempty"`
	TurnDeadline      time.Time  `json:"turnDeadline"`
}

// View returns the match as seen by playerID
func (m *Match) View(playerID int64) (*View, error) {
	seat := m.Seat(playerID)
	if seat < 0 {
		return nil, ErrNotParticipant
	}
	return &View{
		MatchID:           m.ID,
		Type:              m.Type,
		Board:             m.Board.ToSlice(),
		YourMark:          m.MarkOf(playerID),
		YourTurn:          m.Active && !m.IsOver() && m.Turn == playerID,
		Opponent:          m.Opponent(playerID),
		Round:             m.Round,
		YourRoundWins:     m.RoundWins[seat],
		OpponentRoundWins: m.RoundWins[1-seat],
		Active:            m.Active,
		Over:              m.IsOver() || !m.Active,
		Winner:            m.Winner,
		TurnDeadline:      m.TurnDeadline(),
	}, nil
}

// GetDuration returns the match duration in seconds
func (m *Match) GetDuration() int {
	if m.EndedAt.IsZero() {
		return int(time.Since(m.CreatedAt).Seconds())
	}
	return int(m.EndedAt.Sub(m.CreatedAt).Seconds())
}
