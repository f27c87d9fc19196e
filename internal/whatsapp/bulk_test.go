package whatsapp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubDispatcher answers every command from a per-recipient table.
type stubDispatcher struct {
	mu    sync.Mutex
	calls []map[string]interface{}
	fail  map[string]bool
}

func (s *stubDispatcher) Dispatch(_ context.Context, deviceKey, command string, payload map[string]interface{}) CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, payload)
	to, _ := payload["to"].(string)
	if s.fail[to] {
		return CommandResult{Success: false, HTTPStatus: 400, Error: "invalid recipient", Kind: KindRemote}
	}
	return CommandResult{Success: true, HTTPStatus: 200}
}

func (s *stubDispatcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestBulkRunner(t *testing.T, d CommandDispatcher) (*BulkRunner, *[]time.Duration) {
	t.Helper()
	runner, err := NewBulkRunner(d, 2)
	require.NoError(t, err)
	t.Cleanup(runner.Release)

	var sleeps []time.Duration
	runner.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return runner, &sleeps
}

func TestBulkSendKeepsOrderAndContinuesOnFailure(t *testing.T) {
	stub := &stubDispatcher{fail: map[string]bool{"bad": true}}
	runner, sleeps := newTestBulkRunner(t, stub)
	recipients := []string{"a", "bad", "c", "d"}

	results := runner.BulkSend(context.Background(), "dev-1", recipients, "promo", 250*time.Millisecond)

	require.Len(t, results, len(recipients))
	for i, r := range results {
		require.Equal(t, recipients[i], r.Recipient)
	}
	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.Equal(t, "invalid recipient", results[1].Error)
	require.True(t, results[2].Success)
	require.True(t, results[3].Success)

	require.Equal(t, len(recipients), stub.Calls())
	require.Len(t, *sleeps, len(recipients)-1)
	for _, d := range *sleeps {
		require.Equal(t, 250*time.Millisecond, d)
	}
	require.Equal(t, "promo", stub.calls[0]["message"])
}

func TestBulkSendZeroDelayNeverSleeps(t *testing.T) {
	runner, sleeps := newTestBulkRunner(t, &stubDispatcher{})

	results := runner.BulkSend(context.Background(), "dev-1", []string{"a", "b"}, "m", 0)
	require.Len(t, results, 2)
	require.Empty(t, *sleeps)

	require.Empty(t, runner.BulkSend(context.Background(), "dev-1", nil, "m", time.Second))
}

func TestBulkSendCancelledMarksRemainder(t *testing.T) {
	stub := &stubDispatcher{}
	runner, _ := newTestBulkRunner(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	runner.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	results := runner.BulkSend(ctx, "dev-1", []string{"a", "b", "c"}, "m", time.Second)

	require.Len(t, results, 3)
	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.Contains(t, results[1].Error, "not sent")
	require.False(t, results[2].Success)
	require.Equal(t, 1, stub.Calls())
}

func TestBulkSubmitRunsInBackground(t *testing.T) {
	stub := &stubDispatcher{fail: map[string]bool{"x": true}}
	runner, _ := newTestBulkRunner(t, stub)

	job, err := runner.Submit("dev-1", []string{"a", "x", "b"}, "m", 0)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, 3, job.Total)

	require.Eventually(t, func() bool {
		got, ok := runner.Job(job.ID)
		return ok && got.Status == BulkJobDone
	}, 2*time.Second, 10*time.Millisecond)

	got, ok := runner.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, 2, got.Sent)
	require.Equal(t, 1, got.Failed)
	require.Len(t, got.Results, 3)
	require.NotNil(t, got.DoneAt)

	_, ok = runner.Job("nope")
	require.False(t, ok)
}
