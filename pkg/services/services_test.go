package services

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/approval"
	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/chat"
	"github.com/sentience-labs/warden/pkg/dispatch"
	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/kvstore"
	"github.com/sentience-labs/warden/pkg/loop"
	"github.com/sentience-labs/warden/pkg/netsafe"
	"github.com/sentience-labs/warden/pkg/queue"
	"github.com/sentience-labs/warden/pkg/skills"
)

type fakeSocial struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakeSocial) Post(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return "post-1", nil
}

type fakeChain struct {
	mu        sync.Mutex
	submitted []*PreparedTx
	sigs      []string
}

func (f *fakeChain) PrepareSend(_ context.Context, to, amount, token string) (*PreparedTx, error) {
	return &PreparedTx{To: to, Value: big.NewInt(100), Data: []byte("send:" + amount + token), Chain: "base"}, nil
}

func (f *fakeChain) PrepareSwap(_ context.Context, from, to, amount string) (*PreparedTx, error) {
	return &PreparedTx{To: "0xrouter", Value: big.NewInt(0), Data: []byte("swap:" + from + to + amount), Chain: "base"}, nil
}

func (f *fakeChain) PrepareDeploy(_ context.Context, req DeployRequest) (*PreparedTx, error) {
	return &PreparedTx{To: "0xfactory", Value: big.NewInt(0), Data: []byte("deploy:" + req.Template), Chain: "base"}, nil
}

func (f *fakeChain) Submit(_ context.Context, tx *PreparedTx, signature string) (*SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, tx)
	f.sigs = append(f.sigs, signature)
	return &SubmitResult{TxHash: "0xhash", Address: "0xdeployed"}, nil
}

func (f *fakeChain) Balance(_ context.Context, _, token string) (string, error) {
	if token == "" {
		return "1.5 ETH", nil
	}
	return "42", nil
}

func (f *fakeChain) Portfolio(_ context.Context, _ string) (map[string]any, error) {
	return map[string]any{"ETH": "1.5"}, nil
}

type fakeSigner struct{}

func (fakeSigner) Address(context.Context) (string, error) { return "0xme", nil }
func (fakeSigner) SignMessage(_ context.Context, _ []byte) (string, error) {
	return "0xsigned", nil
}
func (fakeSigner) SignTypedData(context.Context, broker.SignTypedDataRequest) (string, error) {
	return "0xsigned", nil
}

type fakeBrowser struct {
	mu        sync.Mutex
	navigated []string
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	return nil
}
func (f *fakeBrowser) Snapshot(context.Context) (string, error)      { return "<page/>", nil }
func (f *fakeBrowser) Screenshot(context.Context) ([]byte, error)    { return []byte{1, 2}, nil }
func (f *fakeBrowser) Click(context.Context, string) error           { return nil }
func (f *fakeBrowser) Fill(context.Context, string, string) error    { return nil }
func (f *fakeBrowser) Eval(context.Context, string) (string, error)  { return "42", nil }
func (f *fakeBrowser) Extract(context.Context, string) (string, error) { return "text", nil }

// autoApprovals builds a manager that auto-approves everything under the cap.
func autoApprovals(t *testing.T) *approval.Manager {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return approval.NewManager(store, nil, bus.New(), approval.Config{
		Whitelist:   []string{"0xrouter", "0xme", ""},
		PerTxCapWei: big.NewInt(1_000_000),
		DailyCapWei: big.NewInt(10_000_000),
		TTL:         time.Minute,
	})
}

func newServices(t *testing.T, deps Deps) *Services {
	t.Helper()
	return New(Config{Identity: "warden", OwnerID: "alice"}, deps)
}

func TestBrowserNavigateBlockedForPrivateHost(t *testing.T) {
	fetcher, err := netsafe.New(netsafe.Config{MaxBodyBytes: 1024})
	require.NoError(t, err)
	browser := &fakeBrowser{}
	s := newServices(t, Deps{Browser: browser, Validator: fetcher})

	_, err = s.handleBrowser(context.Background(), map[string]any{
		"action": "navigate",
		"url":    "http://169.254.169.254/latest/",
	})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindHostPrivate))
	assert.Empty(t, browser.navigated, "no navigation on a blocked target")
}

func TestBrowserNavigateAllowedHost(t *testing.T) {
	fetcher, err := netsafe.New(netsafe.Config{MaxBodyBytes: 1024})
	require.NoError(t, err)
	browser := &fakeBrowser{}
	s := newServices(t, Deps{Browser: browser, Validator: fetcher})

	result, err := s.handleBrowser(context.Background(), map[string]any{
		"action": "navigate",
		"url":    "https://example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/"}, browser.navigated)
	assert.Equal(t, "navigated", result.(map[string]any)["status"])
}

func TestBrowserSnapshotPublishesEvent(t *testing.T) {
	events := bus.New()
	sub := events.Subscribe(bus.TopicBrowserSnapshot, 4)
	defer events.Unsubscribe(sub)

	s := newServices(t, Deps{Browser: &fakeBrowser{}, Events: events})
	result, err := s.handleBrowser(context.Background(), map[string]any{"action": "snapshot"})
	require.NoError(t, err)
	assert.Equal(t, "<page/>", result.(map[string]any)["snapshot"])

	_, ok := sub.Receive(context.Background())
	assert.True(t, ok)
}

func TestBrowserUnknownAction(t *testing.T) {
	s := newServices(t, Deps{Browser: &fakeBrowser{}})
	_, err := s.handleBrowser(context.Background(), map[string]any{"action": "teleport"})
	assert.True(t, errkind.Is(err, errkind.KindInvalidParams))
}

func TestPostWithExplicitText(t *testing.T) {
	social := &fakeSocial{}
	s := newServices(t, Deps{Social: social})

	result, err := s.handlePost(context.Background(), map[string]any{"text": "gm"})
	require.NoError(t, err)
	assert.Equal(t, "post-1", result.(map[string]any)["post_id"])
	assert.Equal(t, []string{"gm"}, social.posts)
}

func TestSendIntentGatedSignedSubmitted(t *testing.T) {
	chainClient := &fakeChain{}
	s := newServices(t, Deps{
		Chain:     chainClient,
		Signer:    fakeSigner{},
		Approvals: autoApprovals(t),
	})

	reply, err := s.Send(context.Background(), chat.SendIntent{To: "0xrouter", Amount: "5", Token: "USDC"})
	require.NoError(t, err)
	assert.Contains(t, reply, "0xhash")
	require.Len(t, chainClient.submitted, 1)
	assert.Equal(t, "0xsigned", chainClient.sigs[0], "submission carries the post-approval signature")
}

func TestSendRejectedWithoutSinkOverCap(t *testing.T) {
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	// Not whitelisted and no owner sink: the gate refuses.
	approvals := approval.NewManager(store, nil, bus.New(), approval.Config{
		PerTxCapWei: big.NewInt(1),
		DailyCapWei: big.NewInt(1),
		TTL:         time.Minute,
	})
	chainClient := &fakeChain{}
	s := newServices(t, Deps{Chain: chainClient, Signer: fakeSigner{}, Approvals: approvals})

	_, err := s.Send(context.Background(), chat.SendIntent{To: "0xstranger", Amount: "5", Token: "USDC"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindAutoRejectedOverCap))
	assert.Empty(t, chainClient.submitted, "nothing is signed or submitted on refusal")
}

func TestBalanceIntent(t *testing.T) {
	s := newServices(t, Deps{Chain: &fakeChain{}, Signer: fakeSigner{}})
	reply, err := s.Balance(context.Background(), chat.BalanceIntent{})
	require.NoError(t, err)
	assert.Contains(t, reply, "1.5 ETH")
}

func TestDefiIncludesPortfolio(t *testing.T) {
	s := newServices(t, Deps{Chain: &fakeChain{}, Signer: fakeSigner{}})
	result, err := s.handleDefi(context.Background(), map[string]any{"query": "what do I hold"})
	require.NoError(t, err)
	out := result.(map[string]any)
	assert.Equal(t, "what do I hold", out["query"])
	assert.Equal(t, map[string]any{"ETH": "1.5"}, out["portfolio"])
	assert.NotEmpty(t, out["timestamp"])
}

func TestRegisterAllThenQueueBinding(t *testing.T) {
	d := dispatch.New()
	s := newServices(t, Deps{Chain: &fakeChain{}, Signer: fakeSigner{}})
	require.NoError(t, s.RegisterAll(d))
	assert.Len(t, d.Methods(), 7)

	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	p := queue.NewPoller(store, queue.Config{})
	s.BindQueue(p, d)

	ctx := context.Background()
	id, err := queue.Enqueue(ctx, store, queue.TypeDefiQuery, map[string]any{"query": "tvl"})
	require.NoError(t, err)
	p.PollOnce(ctx)

	task, found, err := queue.Get(ctx, store, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, queue.StatusCompleted, task.Status)
}

// plannerReply is a one-line planner model for loop-driven tests.
type plannerReply string

func (p plannerReply) LLMComplete(context.Context, broker.CompletionRequest) (*broker.CompletionResult, error) {
	return &broker.CompletionResult{Content: string(p)}, nil
}

func TestPlannerSkillDecisionExecutesSkill(t *testing.T) {
	events := bus.New()
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	registry, err := skills.NewRegistry(store, nil, nil, nil, events, nil, skills.Config{})
	require.NoError(t, err)

	var mu sync.Mutex
	var ran []string
	_, err = registry.Register(context.Background(), &skills.FuncSkill{
		Meta: skills.Info{Name: "price-check", Description: "spot price lookup", Provenance: skills.ProvenanceLocal},
		Fn: func(_ context.Context, _ map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, "price-check")
			return "ok", nil
		},
	})
	require.NoError(t, err)

	d := dispatch.New()
	s := newServices(t, Deps{Skills: registry})
	require.NoError(t, s.RegisterAll(d))
	d.Seal()

	planner := loop.New(loop.Config{Interval: time.Hour}, plannerReply(`{"action":"skill","skill":"price-check"}`), d, nil, events)
	planner.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"price-check"}, ran, "the planner's chosen skill runs through the skill method")
}

func TestMissingCollaboratorsRefuseTyped(t *testing.T) {
	s := newServices(t, Deps{})
	ctx := context.Background()

	_, err := s.handlePost(ctx, map[string]any{"text": "gm"})
	assert.True(t, errkind.Is(err, errkind.KindCapabilityMissing))

	_, err = s.handleBrowser(ctx, map[string]any{"action": "navigate", "url": "https://example.com"})
	assert.True(t, errkind.Is(err, errkind.KindCapabilityMissing))

	_, err = s.Send(ctx, chat.SendIntent{To: "0x1", Amount: "1", Token: "ETH"})
	assert.True(t, errkind.Is(err, errkind.KindCapabilityMissing))
}
