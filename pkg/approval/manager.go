package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/kvstore"
	"github.com/sentience-labs/warden/pkg/metrics"
	"github.com/sentience-labs/warden/pkg/notify"
	"github.com/sentience-labs/warden/pkg/textfold"
)

// Store key prefixes.
const (
	recordPrefix = "approval:rec:"
	auditPrefix  = "approval:audit:"
	dailyPrefix  = "approval:daily:"
)

// recordRetention keeps resolved records and audit entries readable for a
// day past their TTL.
const recordRetention = 24 * time.Hour

// casRetries bounds the daily-counter reservation loop.
const casRetries = 3

// Config holds the gating policy.
type Config struct {
	Whitelist     []string // contract addresses eligible for auto-approval
	PerTxCapWei   *big.Int // strict upper bound for one auto-approved value
	DailyCapWei   *big.Int // inclusive bound for the daily auto-approved sum
	TTL           time.Duration
	SweepInterval time.Duration
}

// Manager owns all approval records. It never executes intents; it only
// gates them.
type Manager struct {
	store  kvstore.Store
	sink   notify.Sink // nil means no owner channel: over-cap intents are refused
	events *bus.Bus
	cfg    Config
	logger *slog.Logger

	whitelist map[string]struct{}

	mu      sync.Mutex
	waiters map[string][]chan Outcome
}

// NewManager builds the manager. sink may be nil when no owner channel is
// configured; in that mode anything that cannot auto-approve is refused
// with auto_rejected_over_cap.
func NewManager(store kvstore.Store, sink notify.Sink, events *bus.Bus, cfg Config) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, addr := range cfg.Whitelist {
		whitelist[textfold.FoldLower(addr)] = struct{}{}
	}
	return &Manager{
		store:     store,
		sink:      sink,
		events:    events,
		cfg:       cfg,
		logger:    slog.Default().With("component", "approval"),
		whitelist: whitelist,
		waiters:   make(map[string][]chan Outcome),
	}
}

// Run drives the expiry sweep and consumes owner decisions until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	var decisions <-chan notify.Decision
	if m.sink != nil {
		decisions = m.sink.Decisions()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		case decision, ok := <-decisions:
			if !ok {
				decisions = nil
				continue
			}
			m.applyDecision(ctx, decision)
		}
	}
}

func (m *Manager) applyDecision(ctx context.Context, decision notify.Decision) {
	var (
		outcome Outcome
		err     error
	)
	if decision.Approve {
		outcome, err = m.Approve(ctx, decision.ApprovalID, SourceOwner)
	} else {
		outcome, err = m.Reject(ctx, decision.ApprovalID, SourceOwner)
	}
	if err != nil {
		m.logger.Warn("Failed to apply owner decision",
			"approval_id", decision.ApprovalID, "approve", decision.Approve, "error", err)
		return
	}
	m.logger.Info("Owner decision applied",
		"approval_id", outcome.ID, "state", outcome.State, "already_resolved", outcome.AlreadyResolved)
}

// Submit classifies an intent. Auto-approvable intents resolve synchronously
// with source "auto"; everything else is recorded pending, the owner is
// notified, and the caller awaits resolution. With no owner channel
// configured, a non-auto intent is refused with auto_rejected_over_cap.
func (m *Manager) Submit(ctx context.Context, intent Intent) (*Record, error) {
	if intent.To == "" {
		return nil, errkind.New(errkind.KindInvalidParams, "intent has no target address")
	}
	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}

	now := time.Now()
	rec := &Record{
		ID:         uuid.NewString(),
		Operation:  intent.Operation,
		To:         textfold.FoldLower(intent.To),
		Value:      value.String(),
		DataDigest: digest(intent.Data),
		Chain:      intent.Chain,
		Creator:    intent.Creator,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.TTL),
		State:      StatePending,
	}

	if m.autoApprovable(ctx, rec.To, value) {
		rec.State = StateApproved
		rec.Source = SourceAuto
		rec.ResolvedAt = now
		if err := m.putRecord(ctx, rec, nil); err != nil {
			return nil, err
		}
		m.recordResolution(ctx, rec)
		return rec, nil
	}

	if m.sink == nil {
		rec.State = StateRejected
		rec.Source = SourceAuto
		rec.ResolvedAt = now
		if err := m.putRecord(ctx, rec, nil); err != nil {
			return nil, err
		}
		m.recordResolution(ctx, rec)
		return nil, errkind.New(errkind.KindAutoRejectedOverCap,
			"intent exceeds auto-approval policy and no owner channel is configured")
	}

	if err := m.putRecord(ctx, rec, nil); err != nil {
		return nil, err
	}
	if err := m.sink.Notify(ctx, notify.Prompt{
		ApprovalID:   rec.ID,
		Operation:    rec.Operation,
		To:           rec.To,
		Value:        rec.Value,
		DataDigest:   rec.DataDigest,
		TTLRemaining: time.Until(rec.ExpiresAt),
	}); err != nil {
		// Delivery failure does not resolve the record; the TTL decides.
		m.logger.Warn("Failed to notify owner", "approval_id", rec.ID, "error", err)
	}
	return rec, nil
}

// autoApprovable checks the whitelist, the strict per-transaction cap, and
// reserves value against the daily budget. The daily counter is keyed by
// local date, so the reset at midnight is observed on the first attempt of
// a new day.
func (m *Manager) autoApprovable(ctx context.Context, to string, value *big.Int) bool {
	if m.cfg.PerTxCapWei == nil || m.cfg.DailyCapWei == nil {
		return false
	}
	if _, ok := m.whitelist[to]; !ok {
		return false
	}
	if value.Cmp(m.cfg.PerTxCapWei) >= 0 {
		return false
	}

	key := dailyPrefix + time.Now().Format("2006-01-02")
	for range casRetries {
		raw, found, err := m.store.Get(ctx, key)
		if err != nil {
			m.logger.Warn("Daily counter read failed", "error", err)
			return false
		}
		sum := new(big.Int)
		if found {
			if _, ok := sum.SetString(string(raw), 10); !ok {
				m.logger.Warn("Daily counter corrupt, refusing auto-approval", "value", string(raw))
				return false
			}
		}
		next := new(big.Int).Add(sum, value)
		if next.Cmp(m.cfg.DailyCapWei) > 0 {
			return false
		}
		var expected []byte
		if found {
			expected = raw
		}
		err = m.store.CompareAndSet(ctx, key, expected, []byte(next.String()), recordRetention)
		if err == nil {
			return true
		}
		if !errors.Is(err, kvstore.ErrCASConflict) {
			m.logger.Warn("Daily counter update failed", "error", err)
			return false
		}
	}
	return false
}

// Await blocks until the record reaches a terminal state, the context is
// cancelled, or the TTL fires. On expiry Await races the sweep through the
// same CAS; one of them wins.
func (m *Manager) Await(ctx context.Context, id string) (Outcome, error) {
	ch := make(chan Outcome, 1)
	m.mu.Lock()
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()
	defer m.removeWaiter(id, ch)

	rec, err := m.getRecord(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if rec.State.Terminal() {
		return outcomeOf(rec), nil
	}

	expiry := time.NewTimer(time.Until(rec.ExpiresAt))
	defer expiry.Stop()

	for {
		select {
		case outcome := <-ch:
			return outcome, nil
		case <-ctx.Done():
			return Outcome{}, errkind.Wrap(errkind.KindCancelled, ctx.Err())
		case <-expiry.C:
			outcome, err := m.expire(ctx, id)
			if err != nil {
				return Outcome{}, err
			}
			return outcome, nil
		}
	}
}

// Approve transitions id to approved. Past a terminal state it is a no-op
// returning the terminal outcome with AlreadyResolved set.
func (m *Manager) Approve(ctx context.Context, id, source string) (Outcome, error) {
	return m.resolve(ctx, id, StateApproved, source)
}

// Reject transitions id to rejected.
func (m *Manager) Reject(ctx context.Context, id, source string) (Outcome, error) {
	return m.resolve(ctx, id, StateRejected, source)
}

// MarkExecuted records that the caller executed an approved intent.
func (m *Manager) MarkExecuted(ctx context.Context, id string) error {
	rec, err := m.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateApproved {
		return errkind.New(errkind.KindAlreadyResolved,
			"approval %s is %s, not approved", id, rec.State)
	}
	old, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	rec.State = StateExecuted
	if err := m.putRecord(ctx, rec, old); err != nil {
		return err
	}
	m.audit(ctx, rec)
	return nil
}

// Get returns the record for id.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.getRecord(ctx, id)
}

// Sweep transitions every pending record past its expiry to expired.
func (m *Manager) Sweep(ctx context.Context) {
	keys, err := m.store.List(ctx, recordPrefix)
	if err != nil {
		m.logger.Warn("Sweep list failed", "error", err)
		return
	}
	now := time.Now()
	for _, key := range keys {
		id := strings.TrimPrefix(key, recordPrefix)
		rec, err := m.getRecord(ctx, id)
		if err != nil {
			continue
		}
		if rec.State != StatePending || now.Before(rec.ExpiresAt) {
			continue
		}
		if _, err := m.expire(ctx, id); err != nil {
			m.logger.Warn("Sweep expiry failed", "approval_id", id, "error", err)
		}
	}
}

func (m *Manager) expire(ctx context.Context, id string) (Outcome, error) {
	return m.resolve(ctx, id, StateExpired, SourceSweep)
}

// resolve performs the single-winner transition to target. The compare half
// of the CAS is the record's previous serialized form, so a concurrent
// approve, reject, or sweep invalidates it and exactly one caller wins.
func (m *Manager) resolve(ctx context.Context, id string, target State, source string) (Outcome, error) {
	rec, err := m.getRecord(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if rec.State.Terminal() {
		outcome := outcomeOf(rec)
		outcome.AlreadyResolved = true
		return outcome, nil
	}

	old, err := json.Marshal(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode record: %w", err)
	}
	rec.State = target
	rec.Source = source
	rec.ResolvedAt = time.Now()

	if err := m.putRecord(ctx, rec, old); err != nil {
		if errors.Is(err, kvstore.ErrCASConflict) {
			// Someone else resolved first; report their outcome.
			current, gerr := m.getRecord(ctx, id)
			if gerr != nil {
				return Outcome{}, gerr
			}
			outcome := outcomeOf(current)
			outcome.AlreadyResolved = true
			return outcome, nil
		}
		return Outcome{}, err
	}

	m.recordResolution(ctx, rec)
	return outcomeOf(rec), nil
}

// recordResolution fans a resolution out: audit trail, waiters, metrics,
// and the bus.
func (m *Manager) recordResolution(ctx context.Context, rec *Record) {
	m.audit(ctx, rec)
	outcome := outcomeOf(rec)

	m.mu.Lock()
	waiters := m.waiters[rec.ID]
	delete(m.waiters, rec.ID)
	m.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- outcome:
		default:
		}
	}

	metrics.ApprovalResolutions.WithLabelValues(string(rec.State), rec.Source).Inc()
	if m.events != nil {
		m.events.Publish(bus.TopicApprovalResolved, outcome)
	}
	m.logger.Info("Approval resolved",
		"approval_id", rec.ID, "state", rec.State, "source", rec.Source)
}

// AuditEntry is one line of a record's resolution trail.
type AuditEntry struct {
	State     State     `json:"state"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// audit appends to the record's trail. Best effort: a failed write is
// logged, not propagated.
func (m *Manager) audit(ctx context.Context, rec *Record) {
	key := auditPrefix + rec.ID
	var trail []AuditEntry
	if raw, found, err := m.store.Get(ctx, key); err == nil && found {
		_ = json.Unmarshal(raw, &trail)
	}
	trail = append(trail, AuditEntry{State: rec.State, Source: rec.Source, Timestamp: time.Now()})
	raw, err := json.Marshal(trail)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, key, raw, recordRetention); err != nil {
		m.logger.Warn("Audit write failed", "approval_id", rec.ID, "error", err)
	}
}

// AuditTrail returns the resolution trail for id.
func (m *Manager) AuditTrail(ctx context.Context, id string) ([]AuditEntry, error) {
	raw, found, err := m.store.Get(ctx, auditPrefix+id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var trail []AuditEntry
	if err := json.Unmarshal(raw, &trail); err != nil {
		return nil, fmt.Errorf("decode audit trail: %w", err)
	}
	return trail, nil
}

func (m *Manager) getRecord(ctx context.Context, id string) (*Record, error) {
	raw, found, err := m.store.Get(ctx, recordPrefix+id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errkind.New(errkind.KindInvalidParams, "no approval record %s", id)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode approval record: %w", err)
	}
	return &rec, nil
}

// putRecord persists rec. expected non-nil makes the write a CAS against
// the previous serialized form; nil creates the record.
func (m *Manager) putRecord(ctx context.Context, rec *Record, expected []byte) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode approval record: %w", err)
	}
	key := recordPrefix + rec.ID
	ttl := time.Until(rec.ExpiresAt) + recordRetention
	return m.store.CompareAndSet(ctx, key, expected, raw, ttl)
}

func (m *Manager) removeWaiter(id string, ch chan Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[id]
	for i, w := range list {
		if w == ch {
			m.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}

func outcomeOf(rec *Record) Outcome {
	return Outcome{ID: rec.ID, State: rec.State, Source: rec.Source}
}
