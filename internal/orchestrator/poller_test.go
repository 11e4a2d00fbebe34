package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		check     func(n int) (bool, error)
		wantErr   error
		wantCode  domain.Code
		wantCalls int
	}{
		{
			name:      "done on first check",
			check:     func(int) (bool, error) { return true, nil },
			wantCalls: 1,
		},
		{
			name:      "done after a few ticks",
			check:     func(n int) (bool, error) { return n == 3, nil },
			wantCalls: 3,
		},
		{
			name:      "check error stops polling",
			check:     func(n int) (bool, error) { return false, boom },
			wantErr:   boom,
			wantCalls: 1,
		},
		{
			name:     "never done times out",
			check:    func(int) (bool, error) { return false, nil },
			wantCode: domain.CodeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Poll(context.Background(), 5*time.Millisecond, 60*time.Millisecond, func(context.Context) (bool, error) {
				calls++
				return tt.check(calls)
			})

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantCode != "":
				assert.Equal(t, tt.wantCode, domain.CodeOf(err))
			default:
				assert.NoError(t, err)
			}
			if tt.wantCalls > 0 {
				assert.Equal(t, tt.wantCalls, calls)
			}
		})
	}
}

func TestPoll_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Poll(ctx, 5*time.Millisecond, time.Minute, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoll_RejectsZeroInterval(t *testing.T) {
	err := Poll(context.Background(), 0, time.Second, func(context.Context) (bool, error) { return true, nil })
	assert.Error(t, err)
}

type recordingPublisher struct {
	ids    []string
	bodies [][]byte
	err    error
}

func (p *recordingPublisher) PublishWithRetry(_ context.Context, messageID string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, messageID)
	p.bodies = append(p.bodies, body)
	return nil
}

func TestRabbitDispatcher(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewRabbitDispatcher(pub, discardLogger())

	require.NoError(t, d.Dispatch(context.Background(), "job-1"))
	require.Len(t, pub.bodies, 1)
	assert.Equal(t, []string{"job-1"}, pub.ids)

	var msg DispatchMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, "job-1", msg.JobID)

	pub.err = errors.New("channel closed")
	assert.Error(t, d.Dispatch(context.Background(), "job-2"))
}

func TestInlineDispatcher(t *testing.T) {
	d := NewInlineDispatcher(1)

	require.NoError(t, d.Dispatch(context.Background(), "job-1"))
	assert.ErrorIs(t, d.Dispatch(context.Background(), "job-2"), ErrQueueFull)
	assert.Equal(t, "job-1", <-d.Jobs())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Dispatch(ctx, "job-3"), context.Canceled)
}

func TestInlineDispatcher_WaitsForFreeSlot(t *testing.T) {
	d := NewInlineDispatcher(1).WithEnqueueTimeout(time.Second)
	require.NoError(t, d.Dispatch(context.Background(), "job-1"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-d.Jobs()
	}()
	require.NoError(t, d.Dispatch(context.Background(), "job-2"))
	assert.Equal(t, "job-2", <-d.Jobs())

	// full queue, caller gives up first
	require.NoError(t, d.Dispatch(context.Background(), "job-3"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Dispatch(ctx, "job-4"), context.DeadlineExceeded)

	// full queue, enqueue timeout passes first
	short := NewInlineDispatcher(1).WithEnqueueTimeout(20 * time.Millisecond)
	require.NoError(t, short.Dispatch(context.Background(), "job-1"))
	start := time.Now()
	assert.ErrorIs(t, short.Dispatch(context.Background(), "job-2"), ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
