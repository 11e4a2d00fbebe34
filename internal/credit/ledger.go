// Package credit implements the per-user credit ledger: reserve before work,
// finalize on success, refund on failure. Balances never go negative and
// operations for one user are serialized.
package credit

import (
	"fmt"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
)

// Policy holds the pricing rules applied by a ledger.
type Policy struct {
	// Costs maps each billable action to its price. Actions outside the map
	// are rejected with INVALID_ACTION.
	Costs map[string]int64
	// DailyCap bounds the net amount reserved per UTC day. Zero disables it.
	DailyCap int64
	// StarterGrant is credited once when a user is first seen.
	StarterGrant int64
}

// CostOf returns the price of action.
func (p Policy) CostOf(action string) (int64, error) {
	cost, ok := p.Costs[action]
	if !ok {
		return 0, domain.NewError(domain.CodeInvalidAction, "action %q is not billable", action)
	}
	return cost, nil
}

// ReserveRequest debits cost from a user under an idempotency key.
type ReserveRequest struct {
	UserID    string
	RequestID string
	Action    string
	Cost      int64
}

func (r ReserveRequest) validate(p Policy) error {
	if r.UserID == "" || r.RequestID == "" {
		return domain.NewError(domain.CodeValidationFailed, "user id and request id are required")
	}
	if _, err := p.CostOf(r.Action); err != nil {
		return err
	}
	if r.Cost <= 0 {
		return domain.NewError(domain.CodeValidationFailed, "cost must be positive, got %d", r.Cost)
	}
	return nil
}

func starterRequestID(userID string) string {
	return "starter:" + userID
}

func dayStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func checkLimits(p Policy, balance, usedToday, cost int64) error {
	if p.DailyCap > 0 && usedToday+cost > p.DailyCap {
		return domain.NewError(domain.CodeDailyCapReached,
			"daily cap of %d reached (used %d, requested %d)", p.DailyCap, usedToday, cost)
	}
	if balance < cost {
		return domain.NewError(domain.CodeInsufficientCredits,
			"balance %d is below cost %d", balance, cost)
	}
	return nil
}

// refundAmount resolves the amount to return. Zero means the full reservation.
func refundAmount(requested, reserved int64) (int64, error) {
	switch {
	case requested == 0:
		return reserved, nil
	case requested < 0 || requested > reserved:
		return 0, domain.NewError(domain.CodeValidationFailed,
			"refund of %d outside reserved amount %d", requested, reserved)
	}
	return requested, nil
}

func notFound(requestID string) error {
	return fmt.Errorf("request %s: %w", requestID, domain.ErrReservationNotFound)
}

func settled(requestID, by string) error {
	return domain.NewError(domain.CodeReservationSettled, "reservation %s already has a %s entry", requestID, by)
}
