// Package settlement applies the balance changes of a finished match.
//
// The commit point is the match's active flag: the compare-and-swap that
// flips it to false decides which caller settles. Everything after that is
// applied exactly once by that caller. A process crash between the commit
// point and the profile updates leaves the match settled with balances not
// applied. Writes that fail after the commit point are listed on the
// archived match so they can be reconciled.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xogrid/server/internal/game"
	"github.com/xogrid/server/internal/notify"
	"github.com/xogrid/server/internal/storage"
)

var (
	// WinnerPayout is credited to the winner of a staked match. The pool is
	// one stake unit from each player.
	WinnerPayout = decimal.RequireFromString("1.5")
	// DistributedShare is recorded in the global stats per staked win. The
	// remaining half unit of the pool is the house rake and is not credited.
	DistributedShare = decimal.RequireFromString("0.5")
	// ReferralBonus is paid to a referrer when their referral completes a
	// first ranked match.
	ReferralBonus = decimal.NewFromInt(10)
)

var errAlreadySettled = errors.New("match already settled")

// Store is the persistence settlement needs
type Store interface {
	storage.ProfileStore
	storage.MatchStore
	storage.StatsStore
	storage.ArchiveStore
}

// Result describes what a Settle call did
type Result struct {
	MatchID        string        `json:"matchId"`
	Type           game.GameType `json:"type"`
	Winner         int64         `json:"winner,omitempty"`
	Loser          int64         `json:"loser,omitempty"`
	Tie            bool          `json:"tie"`
	Forfeit        bool          `json:"forfeit"`
	RoundWins      [2]int        `json:"roundWins"`
	ReferrersPaid  []int64       `json:"referrersPaid,omitempty"`
	AlreadySettled bool          `json:"alreadySettled,omitempty"`
}

// Settler is the single writer of result-driven balance changes
type Settler struct {
	store     Store
	notifier  notify.Notifier
	now       func() time.Time
	onSettled func(m *game.Match, r *Result)
}

// NewSettler creates a settler
func NewSettler(store Store, notifier notify.Notifier) *Settler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Settler{store: store, notifier: notifier, now: time.Now}
}

// SetOnSettled sets the callback run after a match has been settled
func (s *Settler) SetOnSettled(callback func(m *game.Match, r *Result)) {
	s.onSettled = callback
}

// SetClock replaces the time source
func (s *Settler) SetClock(now func() time.Time) {
	s.now = now
}

// Settle ends the match and applies its outcome. forfeitWinner, when non
// zero, overrides the round count; without it the match must have reached
// MatchOver. Calling Settle on a match that is no longer active returns a
// Result with AlreadySettled set and changes nothing.
func (s *Settler) Settle(ctx context.Context, matchID string, forfeitWinner int64) (*Result, error) {
	match, err := s.store.UpdateMatch(ctx, matchID, func(m *game.Match) error {
		if !m.Active {
			return errAlreadySettled
		}
		winner := m.Winner
		switch {
		case forfeitWinner != 0:
			if m.Seat(forfeitWinner) < 0 {
				return game.ErrNotParticipant
			}
			winner = forfeitWinner
			m.Forfeit = true
		case !m.IsOver():
			return game.ErrMatchInProgress
		case winner == 0 && !m.Forfeit:
			winner = m.MajorityWinner()
		}
		m.Active = false
		m.Phase = game.PhaseMatchOver
		m.Winner = winner
		m.EndedAt = s.now()
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		return &Result{MatchID: matchID, AlreadySettled: true}, nil
	}
	if err != nil {
		return nil, err
	}

	res := Result{
		MatchID:   match.ID,
		Type:      match.Type,
		Winner:    match.Winner,
		Tie:       match.Winner == 0,
		Forfeit:   match.Forfeit,
		RoundWins: match.RoundWins,
	}
	if match.Winner != 0 {
		res.Loser = match.Opponent(match.Winner)
	}
	log.Printf("[Settlement] Match %s settled: winner=%d forfeit=%v rounds=%v", match.ID, res.Winner, res.Forfeit, res.RoundWins)

	// Past the commit point every step runs even if an earlier one failed.
	var errs []error
	for _, player := range []int64{match.P1, match.P2} {
		if err := s.store.ClearActiveMatch(ctx, player, match.ID); err != nil {
			errs = append(errs, fmt.Errorf("clear marker of %d: %w", player, err))
		}
	}

	for _, player := range []int64{match.P1, match.P2} {
		referrer, err := s.applyProfile(ctx, match, player)
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %d: %w", player, err))
			continue
		}
		if referrer != 0 {
			if err := s.payReferral(ctx, referrer, player); err != nil {
				errs = append(errs, fmt.Errorf("referral bonus for %d: %w", referrer, err))
				continue
			}
			res.ReferrersPaid = append(res.ReferrersPaid, referrer)
		}
	}

	_, err = s.store.UpdateStats(ctx, func(st *storage.Stats) error {
		st.TotalMatches++
		if match.Type == game.Staked && match.Winner != 0 {
			st.TotalStarsDistributed = st.TotalStarsDistributed.Add(DistributedShare)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("stats: %w", err))
	}

	s.notifyOutcome(ctx, match, &res)

	archived := storage.NewCompletedMatch(match)
	for _, err := range errs {
		archived.SettlementErrors = append(archived.SettlementErrors, err.Error())
	}
	if err := s.store.SaveCompletedMatch(ctx, archived); err != nil {
		log.Printf("[Settlement] Error archiving match %s: %v", match.ID, err)
	}
	if len(errs) > 0 {
		log.Printf("[Settlement] Match %s needs reconciliation: %v", match.ID, errors.Join(errs...))
	}

	if s.onSettled != nil {
		s.onSettled(match, &res)
	}

	if len(errs) > 0 {
		return &res, errors.Join(errs...)
	}
	return &res, nil
}

// applyProfile updates one participant and returns the referrer owed a
// bonus, or 0.
func (s *Settler) applyProfile(ctx context.Context, m *game.Match, player int64) (int64, error) {
	var referrer int64
	_, err := s.store.UpdateProfile(ctx, player, func(p *storage.PlayerProfile) error {
		referrer = 0
		p.MatchesPlayed++

		if m.Winner != 0 {
			won := player == m.Winner
			if won {
				p.Wins++
			} else {
				p.Losses++
			}
			switch m.Type {
			case game.Ranked:
				if won {
					p.Trophies++
				} else if p.Trophies > 0 {
					p.Trophies--
				}
			case game.Staked:
				if won {
					p.WithdrawableBalance = p.WithdrawableBalance.Add(WinnerPayout)
				}
			}
		}

		if m.Type == game.Ranked && !p.HasPlayedRankedMatch {
			p.HasPlayedRankedMatch = true
			if p.ReferredBy != 0 && p.ReferredBy != player {
				referrer = p.ReferredBy
			}
		}
		return nil
	})
	return referrer, err
}

func (s *Settler) payReferral(ctx context.Context, referrer, referred int64) error {
	_, err := s.store.UpdateProfile(ctx, referrer, func(p *storage.PlayerProfile) error {
		p.LedgerCredit = p.LedgerCredit.Add(ReferralBonus)
		p.EarnedFromReferrals = p.EarnedFromReferrals.Add(ReferralBonus)
		return nil
	})
	if err == nil {
		log.Printf("[Settlement] Referral bonus paid to %d for %d", referrer, referred)
	}
	return err
}

func (s *Settler) notifyOutcome(ctx context.Context, m *game.Match, res *Result) {
	if res.Tie {
		s.notifier.Notify(ctx, m.P1, notify.KindMatchTied, res)
		s.notifier.Notify(ctx, m.P2, notify.KindMatchTied, res)
		return
	}
	s.notifier.Notify(ctx, res.Winner, notify.KindMatchWon, res)
	s.notifier.Notify(ctx, res.Loser, notify.KindMatchLost, res)
}
