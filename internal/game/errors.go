package game

import "errors"

// Errors
var (
	ErrAlreadyInMatch    = &GameError{"ALREADY_IN_MATCH", "player already in an active match"}
	ErrAlreadyQueued     = &GameError{"ALREADY_QUEUED", "player already in a queue"}
	ErrInsufficientFunds = &GameError{"INSUFFICIENT_FUNDS", "insufficient balance"}
	ErrNotActive         = &GameError{"NOT_ACTIVE", "match is not active"}
	ErrNotYourTurn       = &GameError{"NOT_YOUR_TURN", "not your turn"}
	ErrCellOccupied      = &GameError{"CELL_OCCUPIED", "cell already taken"}
	ErrTimeoutForfeit    = &GameError{"TIMEOUT_FORFEIT", "move timer expired, match forfeited"}
	ErrInvalidAmount     = &GameError{"INVALID_AMOUNT", "invalid amount"}
	ErrInvalidCell       = &GameError{"INVALID_CELL", "cell out of range"}
	ErrNotParticipant    = &GameError{"NOT_PARTICIPANT", "player is not in this match"}
	ErrMatchNotFound     = &GameError{"MATCH_NOT_FOUND", "match not found"}
	ErrInvalidGameType   = &GameError{"INVALID_GAME_TYPE", "unknown game type"}
	ErrMatchCancelled    = &GameError{"MATCH_CANCELLED", "match cancelled before it started"}
	ErrMatchInProgress   = &GameError{"MATCH_IN_PROGRESS", "match has not finished"}

	ErrWithdrawalPending   = &GameError{"WITHDRAWAL_PENDING", "a withdrawal is already pending"}
	ErrNoPendingWithdrawal = &GameError{"NO_PENDING_WITHDRAWAL", "no pending withdrawal"}
	ErrDailyNotReady       = &GameError{"DAILY_NOT_READY", "daily bonus already claimed"}
)

// GameError is a recoverable rejection with a stable reason code.
type GameError struct {
	Code string
	msg  string
}

func (e *GameError) Error() string {
	return e.msg
}

// Code returns the reason code of a GameError in err's chain, or "".
func Code(err error) string {
	var ge *GameError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
