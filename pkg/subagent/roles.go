package subagent

import "time"

// Role is a sub-agent job description. The set is closed; spawning any
// other role is refused.
type Role string

const (
	RoleNewsCurator    Role = "news-curator"
	RoleDefiMonitor    Role = "defi-monitor"
	RoleContentCreator Role = "content-creator"
	RoleResearch       Role = "research"
)

// IsValid checks if the role is one of the known values.
func (r Role) IsValid() bool {
	switch r {
	case RoleNewsCurator, RoleDefiMonitor, RoleContentCreator, RoleResearch:
		return true
	}
	return false
}

// Capability is a named power granted to a role. A child request that
// exercises an absent capability is dropped without reply.
type Capability string

const (
	CapabilityHTTPFetch      Capability = "http-fetch"
	CapabilityLLM            Capability = "llm"
	CapabilityWorkspaceWrite Capability = "workspace-write"
)

// roleProfile fixes a role's capability set and maximum lifetime. Profiles
// are not configurable; changing a role's powers is a code change.
type roleProfile struct {
	capabilities []Capability
	maxLifetime  time.Duration
}

var roleProfiles = map[Role]roleProfile{
	RoleNewsCurator: {
		capabilities: []Capability{CapabilityHTTPFetch, CapabilityLLM},
		maxLifetime:  30 * time.Minute,
	},
	RoleDefiMonitor: {
		capabilities: []Capability{CapabilityHTTPFetch, CapabilityLLM},
		maxLifetime:  time.Hour,
	},
	RoleContentCreator: {
		capabilities: []Capability{CapabilityLLM, CapabilityWorkspaceWrite},
		maxLifetime:  30 * time.Minute,
	},
	RoleResearch: {
		capabilities: []Capability{CapabilityHTTPFetch, CapabilityLLM, CapabilityWorkspaceWrite},
		maxLifetime:  45 * time.Minute,
	},
}

// Capabilities returns the fixed capability set for role.
func (r Role) Capabilities() []Capability {
	profile, ok := roleProfiles[r]
	if !ok {
		return nil
	}
	out := make([]Capability, len(profile.capabilities))
	copy(out, profile.capabilities)
	return out
}

// MaxLifetime returns the fixed lifetime ceiling for role.
func (r Role) MaxLifetime() time.Duration {
	return roleProfiles[r].maxLifetime
}

// Has reports whether role's fixed set grants capability.
func (r Role) Has(capability Capability) bool {
	for _, c := range roleProfiles[r].capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
