package credit

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
)

// MemoryLedger is the in-process ledger. A mutex per user serializes that
// user's operations while different users proceed in parallel.
type MemoryLedger struct {
	policy Policy
	now    func() time.Time

	userLocks sync.Map // user id -> *sync.Mutex

	mu       sync.Mutex
	balances map[string]int64
	entries  []domain.LedgerEntry
	byKey    map[entryKey]int // index into entries
}

type entryKey struct {
	requestID string
	action    string
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger(policy Policy) *MemoryLedger {
	return &MemoryLedger{
		policy:   policy,
		now:      time.Now,
		balances: make(map[string]int64),
		byKey:    make(map[entryKey]int),
	}
}

// WithClock replaces the time source
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

// Policy returns the pricing rules
func (l *MemoryLedger) Policy() Policy {
	return l.policy
}

func (l *MemoryLedger) lockUser(userID string) func() {
	m, _ := l.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (l *MemoryLedger) Reserve(_ context.Context, req ReserveRequest) (int64, error) {
	if err := req.validate(l.policy); err != nil {
		return 0, err
	}
	defer l.lockUser(req.UserID)()

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.provision(req.UserID)
	if _, ok := l.byKey[entryKey{req.RequestID, domain.LedgerReserve}]; ok {
		return 0, domain.NewError(domain.CodeDuplicateRequest, "request %s already reserved", req.RequestID)
	}

	if err := checkLimits(l.policy, balance, l.usedToday(req.UserID), req.Cost); err != nil {
		return 0, err
	}

	balance -= req.Cost
	l.balances[req.UserID] = balance
	l.append(domain.LedgerEntry{
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Action:    domain.LedgerReserve,
		Amount:    req.Cost,
		Reason:    req.Action,
	})
	return balance, nil
}

func (l *MemoryLedger) Finalize(ctx context.Context, requestID string) error {
	return l.settle(ctx, requestID, domain.LedgerFinalize, 0)
}

func (l *MemoryLedger) Refund(ctx context.Context, requestID string, amount int64) error {
	return l.settle(ctx, requestID, domain.LedgerRefund, amount)
}

func (l *MemoryLedger) settle(_ context.Context, requestID, action string, amount int64) error {
	l.mu.Lock()
	idx, ok := l.byKey[entryKey{requestID, domain.LedgerReserve}]
	var reserve domain.LedgerEntry
	if ok {
		reserve = l.entries[idx]
	}
	l.mu.Unlock()
	if !ok {
		return notFound(requestID)
	}

	defer l.lockUser(reserve.UserID)()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, done := l.byKey[entryKey{requestID, action}]; done {
		return nil
	}
	for _, other := range []string{domain.LedgerFinalize, domain.LedgerRefund} {
		if _, done := l.byKey[entryKey{requestID, other}]; other != action && done {
			return settled(requestID, other)
		}
	}

	applied := reserve.Amount
	if action == domain.LedgerRefund {
		var err error
		if applied, err = refundAmount(amount, reserve.Amount); err != nil {
			return err
		}
		l.balances[reserve.UserID] += applied
	}

	l.append(domain.LedgerEntry{
		UserID:    reserve.UserID,
		RequestID: requestID,
		Action:    action,
		Amount:    applied,
		Reason:    reserve.Reason,
	})
	return nil
}

func (l *MemoryLedger) Grant(_ context.Context, userID, requestID string, amount int64, reason string) (int64, error) {
	if userID == "" || requestID == "" || amount <= 0 {
		return 0, domain.NewError(domain.CodeValidationFailed, "grant needs a user, a request id and a positive amount")
	}
	defer l.lockUser(userID)()

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.provision(userID)
	if _, ok := l.byKey[entryKey{requestID, domain.LedgerGrant}]; ok {
		return balance, nil
	}
	balance += amount
	l.balances[userID] = balance
	l.append(domain.LedgerEntry{
		UserID:    userID,
		RequestID: requestID,
		Action:    domain.LedgerGrant,
		Amount:    amount,
		Reason:    reason,
	})
	return balance, nil
}

func (l *MemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	defer l.lockUser(userID)()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.provision(userID), nil
}

func (l *MemoryLedger) History(_ context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(l.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if l.entries[i].UserID == userID {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

// provision must be called with mu held.
func (l *MemoryLedger) provision(userID string) int64 {
	if balance, ok := l.balances[userID]; ok {
		return balance
	}
	l.balances[userID] = l.policy.StarterGrant
	if l.policy.StarterGrant > 0 {
		l.append(domain.LedgerEntry{
			UserID:    userID,
			RequestID: starterRequestID(userID),
			Action:    domain.LedgerGrant,
			Amount:    l.policy.StarterGrant,
			Reason:    "starter grant",
		})
	}
	return l.policy.StarterGrant
}

// usedToday must be called with mu held.
func (l *MemoryLedger) usedToday(userID string) int64 {
	since := dayStart(l.now())
	var used int64
	for _, e := range l.entries {
		if e.UserID != userID || e.CreatedAt.Before(since) {
			continue
		}
		switch e.Action {
		case domain.LedgerReserve:
			used += e.Amount
		case domain.LedgerRefund:
			// a refund only gives back today's cap when its reservation was made today
			if idx, ok := l.byKey[entryKey{e.RequestID, domain.LedgerReserve}]; ok && !l.entries[idx].CreatedAt.Before(since) {
				used -= e.Amount
			}
		}
	}
	if used < 0 {
		return 0
	}
	return used
}

// append must be called with mu held.
func (l *MemoryLedger) append(e domain.LedgerEntry) {
	e.ID = int64(len(l.entries) + 1)
	e.Status = domain.EntryStatusPosted
	e.CreatedAt = l.now().UTC()
	l.byKey[entryKey{e.RequestID, e.Action}] = len(l.entries)
	l.entries = append(l.entries, e)
}
