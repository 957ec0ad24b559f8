package skills

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/kvstore"
	"github.com/sentience-labs/warden/pkg/netsafe"
)

// keywordEmbed is a deterministic stand-in for the broker's embed tool: one
// axis per topic word, so related texts land on the same unit vector.
func keywordEmbed(_ context.Context, text string) ([]float32, error) {
	text = strings.ToLower(text)
	switch {
	case strings.Contains(text, "weather"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "price"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

type fakeChain struct {
	records []ChainSkill
	calls   int
	limit   int
}

func (c *fakeChain) ListSkills(_ context.Context, limit int) ([]ChainSkill, error) {
	c.calls++
	c.limit = limit
	return c.records, nil
}

type fakeFetcher struct {
	status int
	body   any
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, _ netsafe.Options) (*netsafe.Result, error) {
	f.calls++
	raw, err := json.Marshal(f.body)
	if err != nil {
		return nil, err
	}
	return &netsafe.Result{Status: f.status, Body: raw}, nil
}

// candidateLoader builds a no-op skill from the candidate and counts loads.
type candidateLoader struct {
	loads int
}

func (l *candidateLoader) Load(_ context.Context, candidate Candidate) (Skill, error) {
	l.loads++
	return &FuncSkill{
		Meta: candidate.Info,
		Fn: func(context.Context, map[string]any) (any, error) {
			return "ok", nil
		},
	}, nil
}

func newStore(t *testing.T) kvstore.Store {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func echoSkill(name, description string) Skill {
	return &FuncSkill{
		Meta: Info{Name: name, Description: description, Provenance: ProvenanceLocal},
		Fn: func(_ context.Context, input map[string]any) (any, error) {
			return input["text"], nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	events := bus.New()
	sub := events.Subscribe(bus.TopicSkillExecuted, 4)
	defer events.Unsubscribe(sub)

	r, err := NewRegistry(newStore(t), nil, nil, nil, events, nil, Config{})
	require.NoError(t, err)

	_, err = r.Register(context.Background(), echoSkill("echo", "repeat the input text"))
	require.NoError(t, err)

	result, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := sub.Receive(ctx)
	require.True(t, ok)
	payload, ok := event.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "echo", payload["skill"])
	assert.Equal(t, "execute", payload["action"])
}

func TestExecuteUnknownSkill(t *testing.T) {
	r, err := NewRegistry(newStore(t), nil, nil, nil, nil, nil, Config{})
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestRegisterRequiresName(t *testing.T) {
	r, err := NewRegistry(newStore(t), nil, nil, nil, nil, nil, Config{})
	require.NoError(t, err)

	_, err = r.Register(context.Background(), echoSkill("", "nameless"))
	assert.Error(t, err)
}

func TestSemanticSearch(t *testing.T) {
	r, err := NewRegistry(newStore(t), nil, nil, nil, nil, keywordEmbed, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	embedded, err := r.Register(ctx, echoSkill("weather", "fetch the weather forecast"))
	require.NoError(t, err)
	require.True(t, embedded)
	embedded, err = r.Register(ctx, echoSkill("price", "look up a token price"))
	require.NoError(t, err)
	require.True(t, embedded)

	candidate, err := r.Search(ctx, "what is the weather like tomorrow")
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "weather", candidate.Name)
	assert.Equal(t, "semantic", candidate.Source)
	assert.GreaterOrEqual(t, candidate.Score, 0.5)
}

func TestKeywordFallbackWithoutEmbeddings(t *testing.T) {
	r, err := NewRegistry(newStore(t), nil, nil, nil, nil, nil, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Register(ctx, echoSkill("scam-check", "analyze a contract for scam patterns"))
	require.NoError(t, err)
	_, err = r.Register(ctx, echoSkill("news", "summarize crypto news"))
	require.NoError(t, err)

	candidate, err := r.Search(ctx, "check this contract for scam signals")
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "scam-check", candidate.Name)
	assert.Equal(t, "keyword", candidate.Source)
}

func TestEmptyQueryMatchesNothing(t *testing.T) {
	r, err := NewRegistry(newStore(t), nil, nil, nil, nil, nil, Config{})
	require.NoError(t, err)

	candidate, err := r.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestOnChainLookupFiltersByStake(t *testing.T) {
	chain := &fakeChain{records: []ChainSkill{
		{Name: "portfolio", Description: "track portfolio value", Stake: big.NewInt(10), Content: "low-stake"},
		{Name: "portfolio-pro", Description: "track portfolio value", Stake: big.NewInt(500), Content: "manifest"},
	}}
	r, err := NewRegistry(newStore(t), nil, chain, nil, nil, nil, Config{
		MinStakeWei: big.NewInt(100),
	})
	require.NoError(t, err)

	candidate, err := r.Search(context.Background(), "track my portfolio")
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "portfolio-pro", candidate.Name)
	assert.Equal(t, "on-chain", candidate.Source)
	assert.Equal(t, ProvenanceOnChain, candidate.Provenance)
	assert.Equal(t, "manifest", candidate.Content)
	assert.Equal(t, 50, chain.limit)
}

func TestRemoteLookupIsLastResort(t *testing.T) {
	fetcher := &fakeFetcher{status: 200, body: []remoteSkill{
		{Name: "bridge", Description: "bridge tokens across chains", Content: "manifest"},
	}}
	r, err := NewRegistry(newStore(t), fetcher, nil, nil, nil, nil, Config{
		RemoteEndpoint: "https://skills.example.com/search",
	})
	require.NoError(t, err)

	candidate, err := r.Search(context.Background(), "bridge tokens")
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "bridge", candidate.Name)
	assert.Equal(t, "remote", candidate.Source)
	assert.Equal(t, ProvenanceRemote, candidate.Provenance)
	assert.Equal(t, 1, fetcher.calls)
}

func TestRemoteLookupNonOKIsAMiss(t *testing.T) {
	fetcher := &fakeFetcher{status: 503, body: []remoteSkill{}}
	r, err := NewRegistry(newStore(t), fetcher, nil, nil, nil, nil, Config{
		RemoteEndpoint: "https://skills.example.com/search",
	})
	require.NoError(t, err)

	candidate, err := r.Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestFindAndLoadInstallsOncePerQuery(t *testing.T) {
	chain := &fakeChain{records: []ChainSkill{
		{Name: "airdrop", Description: "scan for airdrop eligibility", Stake: big.NewInt(500), Content: "manifest"},
	}}
	loader := &candidateLoader{}
	events := bus.New()
	sub := events.Subscribe(bus.TopicSkillExecuted, 4)
	defer events.Unsubscribe(sub)

	r, err := NewRegistry(newStore(t), nil, chain, loader, events, nil, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	skill, err := r.FindAndLoad(ctx, "scan airdrop eligibility")
	require.NoError(t, err)
	require.NotNil(t, skill)
	assert.Equal(t, 1, loader.loads)

	// The install was announced on the bus.
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	event, ok := sub.Receive(rctx)
	require.True(t, ok)
	payload, ok := event.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "install", payload["action"])

	// The skill is now local; a second query resolves without another load.
	skill, err = r.FindAndLoad(ctx, "scan airdrop eligibility")
	require.NoError(t, err)
	require.NotNil(t, skill)
	assert.Equal(t, 1, loader.loads)
}

func TestFindAndLoadWithoutLoaderSkipsInstall(t *testing.T) {
	chain := &fakeChain{records: []ChainSkill{
		{Name: "airdrop", Description: "scan for airdrop eligibility", Stake: big.NewInt(500), Content: "manifest"},
	}}
	r, err := NewRegistry(newStore(t), nil, chain, nil, nil, nil, Config{})
	require.NoError(t, err)

	skill, err := r.FindAndLoad(context.Background(), "scan airdrop eligibility")
	require.NoError(t, err)
	assert.Nil(t, skill)
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("Check the WEATHER, please!")
	assert.Contains(t, tokens, "check")
	assert.Contains(t, tokens, "weather")
	assert.Contains(t, tokens, "please")
	assert.NotContains(t, tokens, "the")
}
