package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/sentience-labs/warden/pkg/netsafe"
	"github.com/sentience-labs/warden/pkg/textfold"
)

// Search walks the lookup ladder for query and returns the best candidate,
// or nil when nothing matches anywhere.
func (r *Registry) Search(ctx context.Context, query string) (*Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if c := r.searchSemantic(ctx, query); c != nil {
		return c, nil
	}
	if c := r.searchKeyword(query); c != nil {
		return c, nil
	}
	if c := r.searchOnChain(ctx, query); c != nil {
		return c, nil
	}
	return r.searchRemote(ctx, query)
}

// FindAndLoad searches and, when the best match is not yet local and carries
// installable content, audits and registers it. At most one install happens
// per query.
func (r *Registry) FindAndLoad(ctx context.Context, query string) (Skill, error) {
	candidate, err := r.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, nil
	}
	if skill, ok := r.Get(candidate.Name); ok {
		return skill, nil
	}
	if candidate.Content == "" || r.loader == nil {
		return nil, nil
	}

	skill, err := r.loader.Load(ctx, *candidate)
	if err != nil {
		return nil, fmt.Errorf("load skill %q: %w", candidate.Name, err)
	}
	if _, err := r.Register(ctx, skill); err != nil {
		return nil, err
	}
	r.publishExecuted(candidate.Name, "install")
	r.logger.Info("Skill installed", "skill", candidate.Name, "source", candidate.Source)
	return skill, nil
}

// searchSemantic queries the embedding cache. Any failure (including a
// broker without the embed capability) falls through to the next step.
func (r *Registry) searchSemantic(ctx context.Context, query string) *Candidate {
	if r.collection == nil || r.collection.Count() == 0 {
		return nil
	}
	results, err := r.collection.Query(ctx, query, 1, nil, nil)
	if err != nil {
		r.logger.Debug("Semantic search unavailable", "error", err)
		return nil
	}
	if len(results) == 0 || results[0].Similarity < r.cfg.MinSimilarity {
		return nil
	}

	name := results[0].ID
	info, ok := r.indexEntry(ctx, name)
	if !ok {
		return nil
	}
	return &Candidate{Info: info, Score: float64(results[0].Similarity), Source: "semantic"}
}

// searchKeyword scores token overlap across name and description.
func (r *Registry) searchKeyword(query string) *Candidate {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Candidate
	for name, skill := range r.skills {
		info := skill.Info()
		score := overlap(queryTokens, tokenize(name+" "+info.Description))
		if score <= 0 {
			continue
		}
		if best == nil || score > best.Score {
			best = &Candidate{Info: info, Score: score, Source: "keyword"}
		}
	}
	return best
}

// searchOnChain reads a capped batch from the chain registry, drops records
// under the stake threshold, and returns the first name or description
// match.
func (r *Registry) searchOnChain(ctx context.Context, query string) *Candidate {
	if r.chain == nil {
		return nil
	}
	records, err := r.chain.ListSkills(ctx, r.cfg.OnChainLimit)
	if err != nil {
		r.logger.Warn("On-chain skill lookup failed", "error", err)
		return nil
	}

	queryTokens := tokenize(query)
	for _, rec := range records {
		if r.cfg.MinStakeWei != nil && (rec.Stake == nil || rec.Stake.Cmp(r.cfg.MinStakeWei) < 0) {
			continue
		}
		if overlap(queryTokens, tokenize(rec.Name+" "+rec.Description)) > 0 {
			return &Candidate{
				Info:    Info{Name: rec.Name, Description: rec.Description, Provenance: ProvenanceOnChain},
				Score:   1,
				Source:  "on-chain",
				Content: rec.Content,
			}
		}
	}
	return nil
}

// remoteSkill is the wire shape of the remote skills endpoint.
type remoteSkill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// searchRemote performs one HTTP query through the safety layer and takes
// the first result.
func (r *Registry) searchRemote(ctx context.Context, query string) (*Candidate, error) {
	if r.fetcher == nil || r.cfg.RemoteEndpoint == "" {
		return nil, nil
	}

	target := r.cfg.RemoteEndpoint + "?q=" + url.QueryEscape(query)
	res, err := r.fetcher.Fetch(ctx, target, netsafe.Options{})
	if err != nil {
		r.logger.Warn("Remote skill lookup failed", "error", err)
		return nil, nil
	}
	if res.Status != 200 {
		return nil, nil
	}

	var found []remoteSkill
	if err := json.Unmarshal(res.Body, &found); err != nil {
		r.logger.Warn("Remote skill response malformed", "error", err)
		return nil, nil
	}
	if len(found) == 0 {
		return nil, nil
	}
	first := found[0]
	return &Candidate{
		Info:    Info{Name: first.Name, Description: first.Description, Provenance: ProvenanceRemote},
		Score:   1,
		Source:  "remote",
		Content: first.Content,
	}, nil
}

func (r *Registry) indexEntry(ctx context.Context, name string) (Info, bool) {
	raw, found, err := r.store.Get(ctx, indexPrefix+name)
	if err != nil || !found {
		return Info{}, false
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, false
	}
	return info, true
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(textfold.FoldLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) > 2 { // drop stopword-sized noise
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

func overlap(a, b map[string]struct{}) float64 {
	count := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			count++
		}
	}
	return float64(count)
}
