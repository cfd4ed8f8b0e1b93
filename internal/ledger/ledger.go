// Package ledger holds the balance paths that are not driven by match
// results: purchases, exchanges, withdrawals, the daily bonus, referrals and
// administrative adjustments.
package ledger

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xogrid/server/internal/game"
	"github.com/xogrid/server/internal/storage"
)

// Store is the persistence the ledger needs
type Store interface {
	storage.ProfileStore
	storage.StatsStore
	storage.WithdrawalStore
}

var (
	// ExchangeMinimum is the smallest amount Exchange moves
	ExchangeMinimum = decimal.NewFromInt(1)
	// WithdrawalMinimum is the smallest payout a player may request
	WithdrawalMinimum = decimal.NewFromInt(50)
)

// Daily bonus credit is a whole number in [DailyBonusMin, DailyBonusMax],
// claimable once per DailyBonusInterval.
const (
	DailyBonusInterval = 24 * time.Hour
	DailyBonusMin      = 2
	DailyBonusMax      = 5
)

// Op is the direction of an adjustment
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Field is the balance an adjustment targets
type Field string

const (
	FieldTrophies     Field = "trophies"
	FieldStake        Field = "stake"
	FieldWithdrawable Field = "withdrawable"
	FieldLedgerCredit Field = "ledger_credit"
)

// Adjustment is an administrative balance edit. Removals never take a
// balance below zero.
type Adjustment struct {
	Op     Op              `json:"op"`
	Field  Field           `json:"field"`
	Amount decimal.Decimal `json:"amount"`
}

// Validate checks the adjustment is well formed
func (a Adjustment) Validate() error {
	if a.Op != OpAdd && a.Op != OpRemove {
		return fmt.Errorf("unknown op %q: %w", a.Op, game.ErrInvalidAmount)
	}
	switch a.Field {
	case FieldTrophies:
		if !a.Amount.IsInteger() {
			return fmt.Errorf("trophies must be whole: %w", game.ErrInvalidAmount)
		}
	case FieldStake, FieldWithdrawable, FieldLedgerCredit:
	default:
		return fmt.Errorf("unknown field %q: %w", a.Field, game.ErrInvalidAmount)
	}
	if a.Amount.IsNegative() {
		return game.ErrInvalidAmount
	}
	return nil
}

// Ledger applies non-match balance changes through the profile store
type Ledger struct {
	store Store
	now   func() time.Time
	roll  func() int64
}

// New creates a ledger
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		now:   time.Now,
		roll:  func() int64 { return DailyBonusMin + rand.Int63n(DailyBonusMax-DailyBonusMin+1) },
	}
}

// SetClock replaces the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Purchase credits a completed purchase to the stake balance
func (l *Ledger) Purchase(ctx context.Context, playerID int64, amount decimal.Decimal) (*storage.PlayerProfile, error) {
	if !amount.IsPositive() {
		return nil, game.ErrInvalidAmount
	}
	p, err := l.store.UpdateProfile(ctx, playerID, func(p *storage.PlayerProfile) error {
		p.StakeBalance = p.StakeBalance.Add(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := l.store.UpdateStats(ctx, func(st *storage.Stats) error {
		st.TotalStarsPurchased = st.TotalStarsPurchased.Add(amount)
		return nil
	}); err != nil {
		return p, fmt.Errorf("record purchase stats: %w", err)
	}
	log.Printf("[Ledger] Player %d purchased %s", playerID, amount)
	return p, nil
}

// Exchange moves winnings from the withdrawable balance into the stake
// balance. At least ExchangeMinimum is moved.
func (l *Ledger) Exchange(ctx context.Context, playerID int64, amount decimal.Decimal) (*storage.PlayerProfile, error) {
	if amount.LessThan(ExchangeMinimum) {
		return nil, fmt.Errorf("minimum exchange is %s: %w", ExchangeMinimum, game.ErrInvalidAmount)
	}
	return l.store.UpdateProfile(ctx, playerID, func(p *storage.PlayerProfile) error {
		if p.WithdrawableBalance.LessThan(amount) {
			return game.ErrInsufficientFunds
		}
		p.WithdrawableBalance = p.WithdrawableBalance.Sub(amount)
		p.StakeBalance = p.StakeBalance.Add(amount)
		return nil
	})
}

// RequestWithdrawal files a payout request. The amount must be at least
// WithdrawalMinimum and covered by the withdrawable balance; nothing is
// debited until an admin completes the request. A player has at most one
// pending request.
func (l *Ledger) RequestWithdrawal(ctx context.Context, playerID int64, amount decimal.Decimal) (*storage.Withdrawal, error) {
	if amount.LessThan(WithdrawalMinimum) {
		return nil, fmt.Errorf("minimum withdrawal is %s: %w", WithdrawalMinimum, game.ErrInvalidAmount)
	}
	p, err := l.store.GetProfile(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if p.WithdrawableBalance.LessThan(amount) {
		return nil, game.ErrInsufficientFunds
	}

	now := l.now()
	w, err := l.store.UpdateWithdrawal(ctx, playerID, func(w *storage.Withdrawal) error {
		if w.Pending() {
			return game.ErrWithdrawalPending
		}
		*w = storage.Withdrawal{PlayerID: playerID, Amount: amount, RequestedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Ledger] Player %d requested a withdrawal of %s", playerID, amount)
	return w, nil
}

// CompleteWithdrawal pays out the player's pending request and debits the
// withdrawable balance. The request is closed before the debit; if the
// debit fails it is reopened.
func (l *Ledger) CompleteWithdrawal(ctx context.Context, playerID int64) (*storage.Withdrawal, error) {
	var requestedAt time.Time
	w, err := l.store.UpdateWithdrawal(ctx, playerID, func(w *storage.Withdrawal) error {
		if !w.Pending() {
			return game.ErrNoPendingWithdrawal
		}
		p, err := l.store.GetProfile(ctx, playerID)
		if err != nil {
			return err
		}
		if p.WithdrawableBalance.LessThan(w.Amount) {
			return game.ErrInsufficientFunds
		}
		requestedAt = w.RequestedAt
		w.Completed = true
		w.CompletedAt = l.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = l.store.UpdateProfile(ctx, playerID, func(p *storage.PlayerProfile) error {
		if p.WithdrawableBalance.LessThan(w.Amount) {
			return game.ErrInsufficientFunds
		}
		p.WithdrawableBalance = p.WithdrawableBalance.Sub(w.Amount)
		return nil
	})
	if err != nil {
		if _, rerr := l.store.UpdateWithdrawal(ctx, playerID, func(w *storage.Withdrawal) error {
			if w.Completed && w.RequestedAt.Equal(requestedAt) {
				w.Completed = false
				w.CompletedAt = time.Time{}
			}
			return nil
		}); rerr != nil {
			log.Printf("[Ledger] Could not reopen withdrawal of player %d: %v", playerID, rerr)
		}
		return nil, err
	}
	log.Printf("[Ledger] Withdrawal of %s completed for player %d", w.Amount, playerID)
	return w, nil
}

// Withdrawal returns the player's current or last withdrawal request
func (l *Ledger) Withdrawal(ctx context.Context, playerID int64) (*storage.Withdrawal, error) {
	return l.store.GetWithdrawal(ctx, playerID)
}

// PendingWithdrawals lists the requests waiting for an admin
func (l *Ledger) PendingWithdrawals(ctx context.Context) ([]storage.Withdrawal, error) {
	return l.store.PendingWithdrawals(ctx)
}

// ClaimDaily credits the daily bonus to the ledger credit balance. It
// returns the amount credited, or game.ErrDailyNotReady inside the
// cooldown.
func (l *Ledger) ClaimDaily(ctx context.Context, playerID int64) (decimal.Decimal, *storage.PlayerProfile, error) {
	now := l.now()
	amount := decimal.NewFromInt(l.roll())
	p, err := l.store.UpdateProfile(ctx, playerID, func(p *storage.PlayerProfile) error {
		if !p.LastDailyBonus.IsZero() && now.Sub(p.LastDailyBonus) < DailyBonusInterval {
			return game.ErrDailyNotReady
		}
		p.LastDailyBonus = now
		p.LedgerCredit = p.LedgerCredit.Add(amount)
		return nil
	})
	if err != nil {
		return decimal.Zero, nil, err
	}
	log.Printf("[Ledger] Player %d claimed a daily bonus of %s", playerID, amount)
	return amount, p, nil
}

// RegisterReferral records who referred the player. It only takes effect
// the first time and never for self referrals. It reports whether the
// referral was recorded.
func (l *Ledger) RegisterReferral(ctx context.Context, playerID, referrerID int64) (bool, error) {
	if referrerID == 0 || referrerID == playerID {
		return false, nil
	}
	var recorded bool
	_, err := l.store.UpdateProfile(ctx, playerID, func(p *storage.PlayerProfile) error {
		recorded = p.ReferredBy == 0
		if recorded {
			p.ReferredBy = referrerID
		}
		return nil
	})
	if err != nil || !recorded {
		return false, err
	}
	if _, err := l.store.UpdateProfile(ctx, referrerID, func(p *storage.PlayerProfile) error {
		p.Referrals++
		return nil
	}); err != nil {
		return true, fmt.Errorf("count referral: %w", err)
	}
	log.Printf("[Ledger] Player %d referred by %d", playerID, referrerID)
	return true, nil
}

// Adjust applies an administrative adjustment
func (l *Ledger) Adjust(ctx context.Context, playerID int64, adj Adjustment) (*storage.PlayerProfile, error) {
	if err := adj.Validate(); err != nil {
		return nil, err
	}
	p, err := l.store.UpdateProfile(ctx, playerID, func(p *storage.PlayerProfile) error {
		switch adj.Field {
		case FieldTrophies:
			p.Trophies = applyInt(p.Trophies, adj)
		case FieldStake:
			p.StakeBalance = applyDecimal(p.StakeBalance, adj)
		case FieldWithdrawable:
			p.WithdrawableBalance = applyDecimal(p.WithdrawableBalance, adj)
		case FieldLedgerCredit:
			p.LedgerCredit = applyDecimal(p.LedgerCredit, adj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Ledger] Adjusted player %d: %s %s %s", playerID, adj.Op, adj.Amount, adj.Field)
	return p, nil
}

func applyInt(cur int, adj Adjustment) int {
	n := int(adj.Amount.IntPart())
	if adj.Op == OpAdd {
		return cur + n
	}
	return max(cur-n, 0)
}

func applyDecimal(cur decimal.Decimal, adj Adjustment) decimal.Decimal {
	if adj.Op == OpAdd {
		return cur.Add(adj.Amount)
	}
	return decimal.Max(cur.Sub(adj.Amount), decimal.Zero)
}
