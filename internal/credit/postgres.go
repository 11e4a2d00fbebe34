package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresLedger keeps balances and the append-only ledger in PostgreSQL.
// Every mutation runs in one transaction holding the user's balance row lock.
type PostgresLedger struct {
	pg     *postgresql.Client
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresLedger creates a ledger on an open client
func NewPostgresLedger(pg *postgresql.Client, policy Policy, logger *slog.Logger) *PostgresLedger {
	return &PostgresLedger{
		pg:     pg,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Policy returns the pricing rules
func (l *PostgresLedger) Policy() Policy {
	return l.policy
}

// Reserve debits req.Cost and appends a reserve entry. Returns the new balance.
func (l *PostgresLedger) Reserve(ctx context.Context, req ReserveRequest) (int64, error) {
	if err := req.validate(l.policy); err != nil {
		return 0, err
	}

	var balance int64
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := l.lockBalance(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		if _, err := findEntry(ctx, tx, req.RequestID, domain.LedgerReserve); err == nil {
			return domain.NewError(domain.CodeDuplicateRequest, "request %s already reserved", req.RequestID)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var used int64
		// refunds count only against reservations made in the same window
		usageQuery := `
			SELECT COALESCE(SUM(CASE WHEN e.action = $1 THEN e.amount ELSE -e.amount END), 0)
			FROM credit_ledger e
			LEFT JOIN credit_ledger r
			  ON e.action = $3
			 AND r.request_id = e.request_id
			 AND r.action = $1
			WHERE e.user_id = $2
			  AND e.created_at >= $4
			  AND (e.action = $1 OR (e.action = $3 AND r.created_at >= $4))
		`
		if err := tx.GetContext(ctx, &used, usageQuery,
			domain.LedgerReserve, req.UserID, domain.LedgerRefund, dayStart(l.now())); err != nil {
			return fmt.Errorf("failed to sum daily usage: %w", err)
		}
		if used < 0 {
			used = 0
		}

		if err := checkLimits(l.policy, current, used, req.Cost); err != nil {
			return err
		}

		balance = current - req.Cost
		if err := setBalance(ctx, tx, req.UserID, balance); err != nil {
			return err
		}
		return appendEntry(ctx, tx, domain.LedgerEntry{
			UserID:    req.UserID,
			RequestID: req.RequestID,
			Action:    domain.LedgerReserve,
			Amount:    req.Cost,
			Reason:    req.Action,
		})
	})
	if err != nil {
		return 0, err
	}

	l.logger.Info("Credits reserved",
		slog.String("user_id", req.UserID),
		slog.String("request_id", req.RequestID),
		slog.Int64("cost", req.Cost),
		slog.Int64("balance", balance),
	)
	return balance, nil
}

// Finalize settles a reservation. Repeating it is a no-op.
func (l *PostgresLedger) Finalize(ctx context.Context, requestID string) error {
	return l.settle(ctx, requestID, domain.LedgerFinalize, 0)
}

// Refund returns amount (zero for the whole reservation) to the user.
// Repeating it is a no-op; refunding a finalized reservation is rejected.
func (l *PostgresLedger) Refund(ctx context.Context, requestID string, amount int64) error {
	return l.settle(ctx, requestID, domain.LedgerRefund, amount)
}

func (l *PostgresLedger) settle(ctx context.Context, requestID, action string, amount int64) error {
	var applied int64
	var userID string
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		reserve, err := findEntry(ctx, tx, requestID, domain.LedgerReserve)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(requestID)
		} else if err != nil {
			return err
		}
		userID = reserve.UserID

		current, err := l.lockBalance(ctx, tx, reserve.UserID)
		if err != nil {
			return err
		}

		existing, err := settlements(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if existing[action] {
			return nil
		}
		for _, other := range []string{domain.LedgerFinalize, domain.LedgerRefund} {
			if other != action && existing[other] {
				return settled(requestID, other)
			}
		}

		applied = reserve.Amount
		if action == domain.LedgerRefund {
			if applied, err = refundAmount(amount, reserve.Amount); err != nil {
				return err
			}
			if err := setBalance(ctx, tx, reserve.UserID, current+applied); err != nil {
				return err
			}
		}

		return appendEntry(ctx, tx, domain.LedgerEntry{
			UserID:    reserve.UserID,
			RequestID: requestID,
			Action:    action,
			Amount:    applied,
			Reason:    reserve.Reason,
		})
	})
	if err != nil {
		return err
	}

	l.logger.Info("Reservation settled",
		slog.String("user_id", userID),
		slog.String("request_id", requestID),
		slog.String("action", action),
		slog.Int64("amount", applied),
	)
	return nil
}

// Grant credits amount to a user. requestID makes the grant idempotent.
func (l *PostgresLedger) Grant(ctx context.Context, userID, requestID string, amount int64, reason string) (int64, error) {
	if userID == "" || requestID == "" || amount <= 0 {
		return 0, domain.NewError(domain.CodeValidationFailed, "grant needs a user, a request id and a positive amount")
	}

	var balance int64
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := l.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		balance = current

		if _, err := findEntry(ctx, tx, requestID, domain.LedgerGrant); err == nil {
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		balance = current + amount
		if err := setBalance(ctx, tx, userID, balance); err != nil {
			return err
		}
		return appendEntry(ctx, tx, domain.LedgerEntry{
			UserID:    userID,
			RequestID: requestID,
			Action:    domain.LedgerGrant,
			Amount:    amount,
			Reason:    reason,
		})
	})
	return balance, err
}

// Balance returns the user's balance, provisioning the starter grant on first sight.
func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		balance, err = l.lockBalance(ctx, tx, userID)
		return err
	})
	return balance, err
}

// History returns the user's most recent ledger entries, newest first.
func (l *PostgresLedger) History(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, user_id, request_id, action, amount, status, reason, created_at
		FROM credit_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	var entries []domain.LedgerEntry
	if err := l.pg.SelectContext(ctx, &entries, query, userID, limit); err != nil {
		return nil, domain.WrapError(domain.CodeDBError, err, "list ledger")
	}
	return entries, nil
}

func (l *PostgresLedger) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	err := l.pg.WithTx(ctx, fn)
	if err == nil {
		return nil
	}

	var txErr *postgresql.TxError
	switch {
	case errors.As(err, &txErr):
		return domain.WrapError(domain.CodeDBError, txErr.Err, txErr.Op+" ledger transaction")
	case isUniqueViolation(err):
		return domain.NewError(domain.CodeDuplicateRequest, "ledger entry already exists")
	default:
		return err
	}
}

// lockBalance provisions the balance row if missing and locks it for the transaction.
func (l *PostgresLedger) lockBalance(ctx context.Context, tx *sqlx.Tx, userID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, l.policy.StarterGrant)
	if err != nil {
		return 0, fmt.Errorf("failed to provision balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 && l.policy.StarterGrant > 0 {
		if err := appendEntry(ctx, tx, domain.LedgerEntry{
			UserID:    userID,
			RequestID: starterRequestID(userID),
			Action:    domain.LedgerGrant,
			Amount:    l.policy.StarterGrant,
			Reason:    "starter grant",
		}); err != nil {
			return 0, err
		}
	}

	var balance int64
	if err := tx.GetContext(ctx, &balance,
		`SELECT balance FROM credit_balances WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return 0, fmt.Errorf("failed to lock balance: %w", err)
	}
	return balance, nil
}

func setBalance(ctx context.Context, tx *sqlx.Tx, userID string, balance int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = $1, updated_at = NOW() WHERE user_id = $2`,
		balance, userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func appendEntry(ctx context.Context, tx *sqlx.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (user_id, request_id, action, amount, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.UserID, e.RequestID, e.Action, e.Amount, domain.EntryStatusPosted, e.Reason)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func findEntry(ctx context.Context, tx *sqlx.Tx, requestID, action string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := tx.GetContext(ctx, &e, `
		SELECT id, user_id, request_id, action, amount, status, reason, created_at
		FROM credit_ledger
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func settlements(ctx context.Context, tx *sqlx.Tx, requestID string) (map[string]bool, error) {
	var actions []string
	err := tx.SelectContext(ctx, &actions, `
		SELECT action FROM credit_ledger
		WHERE request_id = $1 AND action IN ($2, $3)
	`, requestID, domain.LedgerFinalize, domain.LedgerRefund)
	if err != nil {
		return nil, fmt.Errorf("failed to read settlements: %w", err)
	}
	out := make(map[string]bool, len(actions))
	for _, a := range actions {
		out[a] = true
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
