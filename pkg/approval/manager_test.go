package approval

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/kvstore"
	"github.com/sentience-labs/warden/pkg/notify"
)

const whitelisted = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// eth converts a milli-ether count into wei for readable test values.
func milliEth(n int64) *big.Int {
	wei := new(big.Int).Mul(big.NewInt(n), big.NewInt(1e15))
	return wei
}

func newManager(t *testing.T, sink notify.Sink) *Manager {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, sink, nil, Config{
		Whitelist:   []string{whitelisted},
		PerTxCapWei: milliEth(10), // 0.01 ETH per transaction
		DailyCapWei: milliEth(50), // 0.05 ETH per day
		TTL:         time.Minute,
	})
}

func intent(value *big.Int) Intent {
	return Intent{Operation: "send", To: whitelisted, Value: value, Chain: "base", Creator: "test"}
}

func TestAutoApproveUnderCaps(t *testing.T) {
	m := newManager(t, notify.NewChanSink(4))
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(5)))
	require.NoError(t, err)
	assert.Equal(t, StateApproved, rec.State)
	assert.Equal(t, SourceAuto, rec.Source)

	// Second identical intent still auto-approves; the daily sum is 0.01.
	rec, err = m.Submit(ctx, intent(milliEth(5)))
	require.NoError(t, err)
	assert.Equal(t, StateApproved, rec.State)

	// Four more bring the sum to 0.03, still within the 0.05 daily cap.
	for range 4 {
		rec, err = m.Submit(ctx, intent(milliEth(5)))
		require.NoError(t, err)
		assert.Equal(t, StateApproved, rec.State)
	}
}

func TestOverPerTxCapGoesToOwner(t *testing.T) {
	sink := notify.NewChanSink(4)
	m := newManager(t, sink)
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(20))) // 0.02 > 0.01 per-tx cap
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)

	select {
	case prompt := <-sink.Prompts():
		assert.Equal(t, rec.ID, prompt.ApprovalID)
		assert.Equal(t, "send", prompt.Operation)
		assert.Positive(t, prompt.TTLRemaining)
	case <-time.After(time.Second):
		t.Fatal("owner was not notified")
	}
}

func TestDailyCapExhaustionGoesToOwner(t *testing.T) {
	sink := notify.NewChanSink(16)
	m := newManager(t, sink)
	ctx := context.Background()

	// 0.009 each; per-tx cap is strict so 0.01 exactly would not auto.
	for range 5 {
		rec, err := m.Submit(ctx, intent(milliEth(9)))
		require.NoError(t, err)
		require.Equal(t, StateApproved, rec.State)
	}
	// Sum is 0.045; another 0.009 would reach 0.054 > 0.05.
	rec, err := m.Submit(ctx, intent(milliEth(9)))
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
}

func TestNonWhitelistedGoesToOwner(t *testing.T) {
	sink := notify.NewChanSink(4)
	m := newManager(t, sink)

	rec, err := m.Submit(context.Background(), Intent{
		Operation: "send",
		To:        "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Value:     milliEth(1),
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
}

func TestWhitelistIsCaseInsensitive(t *testing.T) {
	m := newManager(t, notify.NewChanSink(4))

	rec, err := m.Submit(context.Background(), Intent{
		Operation: "send",
		To:        "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Value:     milliEth(1),
	})
	require.NoError(t, err)
	assert.Equal(t, StateApproved, rec.State)
}

func TestOwnerApproveResolvesWaiter(t *testing.T) {
	sink := notify.NewChanSink(4)
	m := newManager(t, sink)
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(20)))
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() {
		outcome, aerr := m.Await(ctx, rec.ID)
		if aerr == nil {
			done <- outcome
		}
	}()

	time.Sleep(20 * time.Millisecond)
	outcome, err := m.Approve(ctx, rec.ID, SourceOwner)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, outcome.State)
	assert.False(t, outcome.AlreadyResolved)

	select {
	case got := <-done:
		assert.Equal(t, StateApproved, got.State)
		assert.Equal(t, SourceOwner, got.Source)
		assert.NoError(t, got.Err())
	case <-time.After(time.Second):
		t.Fatal("waiter not resolved")
	}
}

func TestRejectOutcomeErr(t *testing.T) {
	sink := notify.NewChanSink(4)
	m := newManager(t, sink)
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(20)))
	require.NoError(t, err)

	outcome, err := m.Reject(ctx, rec.ID, SourceOwner)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, outcome.State)
	assert.Error(t, outcome.Err())
}

func TestApproveRejectRaceExactlyOneWins(t *testing.T) {
	sink := notify.NewChanSink(4)
	m := newManager(t, sink)
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(20)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outcomes[0], _ = m.Approve(ctx, rec.ID, SourceOwner)
	}()
	go func() {
		defer wg.Done()
		outcomes[1], _ = m.Reject(ctx, rec.ID, SourceOwner)
	}()
	wg.Wait()

	// Exactly one transition won; both callers observe the same terminal
	// state, and the loser is marked already-resolved.
	assert.Equal(t, outcomes[0].State, outcomes[1].State)
	assert.NotEqual(t, outcomes[0].AlreadyResolved, outcomes[1].AlreadyResolved)

	current, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, current.State.Terminal())
}

func TestRepeatedResolutionIsNoOp(t *testing.T) {
	sink := notify.NewChanSink(4)
	m := newManager(t, sink)
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(20)))
	require.NoError(t, err)

	first, err := m.Approve(ctx, rec.ID, SourceOwner)
	require.NoError(t, err)
	require.Equal(t, StateApproved, first.State)

	// Approve again and reject after the fact: both report the terminal
	// outcome without changing it.
	again, err := m.Approve(ctx, rec.ID, SourceOwner)
	require.NoError(t, err)
	assert.True(t, again.AlreadyResolved)
	assert.Equal(t, StateApproved, again.State)

	rejected, err := m.Reject(ctx, rec.ID, SourceOwner)
	require.NoError(t, err)
	assert.True(t, rejected.AlreadyResolved)
	assert.Equal(t, StateApproved, rejected.State)
}

func TestSweepExpiresPendingRecords(t *testing.T) {
	sink := notify.NewChanSink(4)
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	m := NewManager(store, sink, nil, Config{
		Whitelist:   []string{whitelisted},
		PerTxCapWei: milliEth(10),
		DailyCapWei: milliEth(50),
		TTL:         10 * time.Millisecond,
	})
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(20)))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.Sweep(ctx)

	current, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, current.State)
	assert.Equal(t, SourceSweep, current.Source)
}

func TestAwaitTimesOutToExpired(t *testing.T) {
	sink := notify.NewChanSink(4)
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	m := NewManager(store, sink, nil, Config{
		Whitelist:   []string{whitelisted},
		PerTxCapWei: milliEth(10),
		DailyCapWei: milliEth(50),
		TTL:         30 * time.Millisecond,
	})
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(20)))
	require.NoError(t, err)

	outcome, err := m.Await(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, outcome.State)
	assert.Error(t, outcome.Err())
}

func TestMarkExecuted(t *testing.T) {
	m := newManager(t, notify.NewChanSink(4))
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(5)))
	require.NoError(t, err)
	require.Equal(t, StateApproved, rec.State)

	require.NoError(t, m.MarkExecuted(ctx, rec.ID))

	current, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, current.State)

	// Executing twice is refused.
	assert.Error(t, m.MarkExecuted(ctx, rec.ID))
}

func TestNoSinkRefusesOverCap(t *testing.T) {
	m := newManager(t, nil)

	_, err := m.Submit(context.Background(), intent(milliEth(20)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_rejected_over_cap")
}

func TestAuditTrail(t *testing.T) {
	m := newManager(t, notify.NewChanSink(4))
	ctx := context.Background()

	rec, err := m.Submit(ctx, intent(milliEth(5)))
	require.NoError(t, err)
	require.NoError(t, m.MarkExecuted(ctx, rec.ID))

	trail, err := m.AuditTrail(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, StateApproved, trail[0].State)
	assert.Equal(t, StateExecuted, trail[1].State)
}
