// Package skills indexes the runtime's capabilities and finds the right one
// for a natural-language query. Lookup works down a ladder: cached semantic
// search, keyword overlap, the on-chain registry, then one remote query.
// "Installing" a skill means registering an implementation into the index;
// skill content is never evaluated as code.
package skills

import (
	"context"
	"math/big"

	"github.com/sentience-labs/warden/pkg/netsafe"
)

// Provenance records where a skill came from.
type Provenance string

const (
	ProvenanceLocal   Provenance = "local"
	ProvenanceOnChain Provenance = "on-chain"
	ProvenanceRemote  Provenance = "remote"
)

// Info describes an indexed skill.
type Info struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Provenance  Provenance `json:"provenance"`
}

// Skill is one executable capability.
type Skill interface {
	Info() Info
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Candidate is a search result, possibly carrying installable content.
type Candidate struct {
	Info
	Score   float64 // similarity or overlap score, search-step specific
	Source  string  // semantic, keyword, on-chain, remote
	Content string  // installable manifest, empty for local skills
}

// ChainSkill is one record from the on-chain skill registry collaborator.
type ChainSkill struct {
	Name        string
	Description string
	Stake       *big.Int // community stake backing the skill
	Content     string
}

// ChainRegistry reads skill records from the external on-chain registry.
type ChainRegistry interface {
	ListSkills(ctx context.Context, limit int) ([]ChainSkill, error)
}

// Loader audits a candidate and constructs a Skill from it. Implementations
// decide what "audit" means; a refusal aborts the install.
type Loader interface {
	Load(ctx context.Context, candidate Candidate) (Skill, error)
}

// Fetcher is the slice of the network safety layer the remote lookup step
// needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts netsafe.Options) (*netsafe.Result, error)
}

// FuncSkill wraps a function as a Skill.
type FuncSkill struct {
	Meta Info
	Fn   func(ctx context.Context, input map[string]any) (any, error)
}

func (s *FuncSkill) Info() Info { return s.Meta }

func (s *FuncSkill) Execute(ctx context.Context, input map[string]any) (any, error) {
	return s.Fn(ctx, input)
}
