package credit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		Costs: map[string]int64{
			"single-image":     1,
			"story-multi-shot": 2,
			"video-to-video":   5,
		},
		StarterGrant: 10,
	}
}

func TestMemoryLedger_Reserve(t *testing.T) {
	tests := []struct {
		name     string
		policy   func(p *Policy)
		req      ReserveRequest
		wantCode domain.Code
		wantBal  int64
	}{
		{
			name:    "reserve within balance",
			req:     ReserveRequest{UserID: "u1", RequestID: "r1", Action: "single-image", Cost: 1},
			wantBal: 9,
		},
		{
			name:     "unknown action",
			req:      ReserveRequest{UserID: "u1", RequestID: "r1", Action: "upscale", Cost: 1},
			wantCode: domain.CodeInvalidAction,
		},
		{
			name:     "non positive cost",
			req:      ReserveRequest{UserID: "u1", RequestID: "r1", Action: "single-image", Cost: 0},
			wantCode: domain.CodeValidationFailed,
		},
		{
			name:     "insufficient credits",
			req:      ReserveRequest{UserID: "u1", RequestID: "r1", Action: "video-to-video", Cost: 11},
			wantCode: domain.CodeInsufficientCredits,
		},
		{
			name:     "daily cap",
			policy:   func(p *Policy) { p.DailyCap = 4 },
			req:      ReserveRequest{UserID: "u1", RequestID: "r1", Action: "video-to-video", Cost: 5},
			wantCode: domain.CodeDailyCapReached,
		},
		{
			name:    "cost equal to cap is allowed",
			policy:  func(p *Policy) { p.DailyCap = 5 },
			req:     ReserveRequest{UserID: "u1", RequestID: "r1", Action: "video-to-video", Cost: 5},
			wantBal: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := testPolicy()
			if tt.policy != nil {
				tt.policy(&policy)
			}
			ledger := NewMemoryLedger(policy)

			balance, err := ledger.Reserve(context.Background(), tt.req)

			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, domain.CodeOf(err))

				after, err := ledger.Balance(context.Background(), tt.req.UserID)
				require.NoError(t, err)
				assert.Equal(t, policy.StarterGrant, after, "rejected reserve must leave balance unchanged")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBal, balance)
		})
	}
}

func TestMemoryLedger_DuplicateRequest(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(testPolicy())
	req := ReserveRequest{UserID: "u1", RequestID: "r1", Action: "single-image", Cost: 1}

	_, err := ledger.Reserve(ctx, req)
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, req)
	assert.Equal(t, domain.CodeDuplicateRequest, domain.CodeOf(err))

	balance, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), balance)
}

func TestMemoryLedger_ConcurrentReservesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.StarterGrant = 2
	ledger := NewMemoryLedger(policy)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []domain.Code
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, ReserveRequest{
				UserID:    "U",
				RequestID: fmt.Sprintf("run-%d", i),
				Action:    "story-multi-shot",
				Cost:      2,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, domain.CodeOf(err))
				return
			}
			successes++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, []domain.Code{domain.CodeInsufficientCredits}, failures)

	balance, err := ledger.Balance(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestMemoryLedger_ManyConcurrentReserves(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(testPolicy())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var reserved int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, ReserveRequest{
				UserID: "u1", RequestID: fmt.Sprintf("r-%d", i), Action: "single-image", Cost: 1,
			})
			if err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	balance, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), reserved)
	assert.Equal(t, int64(10)-reserved, balance)
	assert.GreaterOrEqual(t, balance, int64(0))
}

func TestMemoryLedger_Settlement(t *testing.T) {
	ctx := context.Background()

	t.Run("finalize is idempotent", func(t *testing.T) {
		ledger := NewMemoryLedger(testPolicy())
		_, err := ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "r1", Action: "story-multi-shot", Cost: 2})
		require.NoError(t, err)

		require.NoError(t, ledger.Finalize(ctx, "r1"))
		require.NoError(t, ledger.Finalize(ctx, "r1"))

		balance, _ := ledger.Balance(ctx, "u1")
		assert.Equal(t, int64(8), balance)

		err = ledger.Refund(ctx, "r1", 0)
		assert.Equal(t, domain.CodeReservationSettled, domain.CodeOf(err))
	})

	t.Run("refund restores balance once", func(t *testing.T) {
		ledger := NewMemoryLedger(testPolicy())
		_, err := ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "r1", Action: "story-multi-shot", Cost: 2})
		require.NoError(t, err)

		require.NoError(t, ledger.Refund(ctx, "r1", 0))
		require.NoError(t, ledger.Refund(ctx, "r1", 0))

		balance, _ := ledger.Balance(ctx, "u1")
		assert.Equal(t, int64(10), balance)

		err = ledger.Finalize(ctx, "r1")
		assert.Equal(t, domain.CodeReservationSettled, domain.CodeOf(err))
	})

	t.Run("partial refund", func(t *testing.T) {
		ledger := NewMemoryLedger(testPolicy())
		_, err := ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "r1", Action: "video-to-video", Cost: 5})
		require.NoError(t, err)

		err = ledger.Refund(ctx, "r1", 6)
		assert.Equal(t, domain.CodeValidationFailed, domain.CodeOf(err))

		require.NoError(t, ledger.Refund(ctx, "r1", 3))
		balance, _ := ledger.Balance(ctx, "u1")
		assert.Equal(t, int64(8), balance)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		ledger := NewMemoryLedger(testPolicy())
		err := ledger.Finalize(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrReservationNotFound)
		assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
	})
}

func TestMemoryLedger_DailyCapCountsRefunds(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.DailyCap = 5
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	ledger := NewMemoryLedger(policy).WithClock(func() time.Time { return now })

	_, err := ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "a", Action: "video-to-video", Cost: 5})
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "b", Action: "single-image", Cost: 1})
	assert.Equal(t, domain.CodeDailyCapReached, domain.CodeOf(err))

	require.NoError(t, ledger.Refund(ctx, "a", 0))
	_, err = ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "c", Action: "single-image", Cost: 1})
	require.NoError(t, err)

	// next UTC day starts a fresh window
	now = now.Add(2 * time.Hour)
	_, err = ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "d", Action: "video-to-video", Cost: 5})
	require.NoError(t, err)
}

func TestMemoryLedger_DailyCapIgnoresRefundsOfEarlierDays(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.StarterGrant = 100
	policy.DailyCap = 10
	policy.Costs["batch"] = 10
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	ledger := NewMemoryLedger(policy).WithClock(func() time.Time { return now })

	_, err := ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "a", Action: "batch", Cost: 10})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "b", Action: "batch", Cost: 10})
	require.NoError(t, err)

	// a was reserved yesterday, so its refund does not reopen today's window
	require.NoError(t, ledger.Refund(ctx, "a", 0))
	_, err = ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "c", Action: "batch", Cost: 10})
	assert.Equal(t, domain.CodeDailyCapReached, domain.CodeOf(err))

	// today's refund does
	require.NoError(t, ledger.Refund(ctx, "b", 0))
	_, err = ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "c", Action: "batch", Cost: 10})
	require.NoError(t, err)
}

func TestCheckLimits(t *testing.T) {
	policy := Policy{DailyCap: 10}
	tests := []struct {
		name      string
		balance   int64
		usedToday int64
		cost      int64
		want      domain.Code
	}{
		{"within both limits", 5, 0, 5, ""},
		{"cap exceeded", 20, 8, 5, domain.CodeDailyCapReached},
		{"balance short", 2, 0, 5, domain.CodeInsufficientCredits},
		{"both exceeded reports cap first", 2, 8, 5, domain.CodeDailyCapReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkLimits(policy, tt.balance, tt.usedToday, tt.cost)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.want, domain.CodeOf(err))
		})
	}
}

func TestMemoryLedger_GrantAndHistory(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(testPolicy())

	balance, err := ledger.Grant(ctx, "u1", "promo-1", 5, "promo")
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)

	balance, err = ledger.Grant(ctx, "u1", "promo-1", 5, "promo")
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance, "same grant request applies once")

	_, err = ledger.Reserve(ctx, ReserveRequest{UserID: "u1", RequestID: "r1", Action: "single-image", Cost: 1})
	require.NoError(t, err)

	history, err := ledger.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.LedgerReserve, history[0].Action)
	assert.Equal(t, "single-image", history[0].Reason)
	assert.Equal(t, "promo-1", history[1].RequestID)
	assert.Equal(t, "starter:u1", history[2].RequestID)
}
