package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/kvstore"
)

const indexPrefix = "skill:"

// EmbedFunc produces an embedding vector for text, typically the broker's
// embed tool. A capability_missing error disables semantic search.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Config tunes the search ladder.
type Config struct {
	MinSimilarity  float32  // semantic match threshold
	OnChainLimit   int      // max records read from the chain registry per search
	MinStakeWei    *big.Int // stake threshold for on-chain skills
	RemoteEndpoint string   // skills endpoint for the final ladder step
	PersistPath    string   // directory for the embedding cache; empty = in-memory
}

// Registry indexes skills by name and answers natural-language lookups.
type Registry struct {
	store   kvstore.Store
	fetcher Fetcher
	chain   ChainRegistry
	loader  Loader
	events  *bus.Bus
	embed   EmbedFunc
	cfg     Config
	logger  *slog.Logger

	collection *chromem.Collection

	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry builds the registry. fetcher, chain, loader, events, and embed
// may each be nil; the corresponding ladder step or side effect is skipped.
func NewRegistry(store kvstore.Store, fetcher Fetcher, chain ChainRegistry, loader Loader, events *bus.Bus, embed EmbedFunc, cfg Config) (*Registry, error) {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.5
	}
	if cfg.OnChainLimit <= 0 {
		cfg.OnChainLimit = 50
	}

	r := &Registry{
		store:   store,
		fetcher: fetcher,
		chain:   chain,
		loader:  loader,
		events:  events,
		embed:   embed,
		cfg:     cfg,
		logger:  slog.Default().With("component", "skills"),
		skills:  make(map[string]Skill),
	}

	if embed != nil {
		var db *chromem.DB
		var err error
		if cfg.PersistPath != "" {
			db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "skills.gob"), false)
			if err != nil {
				return nil, fmt.Errorf("open embedding cache: %w", err)
			}
		} else {
			db = chromem.NewDB()
		}
		collection, err := db.GetOrCreateCollection("skills", nil, chromem.EmbeddingFunc(embed))
		if err != nil {
			return nil, fmt.Errorf("create embedding collection: %w", err)
		}
		r.collection = collection
	}
	return r, nil
}

// Register indexes a skill. The index entry is persisted and the embedding
// cache updated; embedding failure is best-effort and reported via the
// returned status only.
func (r *Registry) Register(ctx context.Context, skill Skill) (embedded bool, err error) {
	info := skill.Info()
	if info.Name == "" {
		return false, errkind.New(errkind.KindInvalidParams, "skill has no name")
	}

	r.mu.Lock()
	r.skills[info.Name] = skill
	r.mu.Unlock()

	raw, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("encode index entry: %w", err)
	}
	if err := r.store.Set(ctx, indexPrefix+info.Name, raw, 0); err != nil {
		return false, fmt.Errorf("persist index entry: %w", err)
	}

	if r.collection == nil {
		return false, nil
	}
	if err := r.collection.AddDocument(ctx, chromem.Document{
		ID:      info.Name,
		Content: info.Name + ": " + info.Description,
	}); err != nil {
		// Cache save failures are silent by contract; the caller may care.
		r.logger.Debug("Embedding cache update failed", "skill", info.Name, "error", err)
		return false, nil
	}
	return true, nil
}

// Get returns the registered skill by exact name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	return skill, ok
}

// Names lists registered skill names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	return names
}

// Execute runs a registered skill and publishes the execution on the bus.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (any, error) {
	skill, ok := r.Get(name)
	if !ok {
		return nil, errkind.New(errkind.KindInvalidParams, "unknown skill %q", name)
	}
	result, err := skill.Execute(ctx, input)
	if err != nil {
		return nil, err
	}
	r.publishExecuted(name, "execute")
	return result, nil
}

func (r *Registry) publishExecuted(name, action string) {
	if r.events == nil {
		return
	}
	r.events.Publish(bus.TopicSkillExecuted, map[string]any{
		"skill":  name,
		"action": action,
		"at":     time.Now(),
	})
}
