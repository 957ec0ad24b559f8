// Package config loads, validates, and exposes warden's runtime configuration.
//
// Configuration comes from a single warden.yaml in the --config-dir, with
// environment variables expanded via Go template syntax ({{.VAR_NAME}}) and
// built-in defaults applied for any unset value.
package config

import (
	"math/big"
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Queue      QueueConfig      `yaml:"queue"`
	Loop       LoopConfig       `yaml:"loop"`
	Approval   ApprovalConfig   `yaml:"approval"`
	NetSafe    NetSafeConfig    `yaml:"netsafe"`
	SubAgents  SubAgentConfig   `yaml:"subagents"`
	Broker     BrokerConfig     `yaml:"broker"`
	Chat       ChatConfig       `yaml:"chat"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	KVStore    KVStoreConfig    `yaml:"kvstore"`
	Skills     SkillsConfig     `yaml:"skills"`
	Slack      SlackConfig      `yaml:"slack"`
	Thinking   ThinkingConfig   `yaml:"thinking"`
}

// GatewayConfig controls the duplex client gateway.
type GatewayConfig struct {
	// ListenAddr is the bind address. Loopback by default; exposing the
	// gateway beyond loopback is a deployment concern.
	ListenAddr string `yaml:"listen_addr"`

	// WriteTimeout bounds each WebSocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DispatcherConfig controls the request dispatcher.
type DispatcherConfig struct {
	// DefaultDeadline applies to methods registered without an explicit one.
	DefaultDeadline time.Duration `yaml:"default_deadline"`
}

// QueueConfig controls the external task queue poller.
type QueueConfig struct {
	// PollInterval is the cadence of poll cycles. A cycle still in flight
	// causes the next tick to be skipped.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchSize is the maximum number of pending task ids pulled per cycle.
	BatchSize int `yaml:"batch_size"`

	// TaskTimeout bounds each task handler invocation.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// RetentionTTL is how long completed/failed task records are retained.
	RetentionTTL time.Duration `yaml:"retention_ttl"`
}

// LoopConfig controls the agentic planner loop.
type LoopConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// SnapshotSize is the maximum number of recent bus events fed to the
	// planner prompt each tick.
	SnapshotSize int `yaml:"snapshot_size"`
}

// ApprovalConfig controls the transaction approval manager.
type ApprovalConfig struct {
	// TTL is the pending-approval lifetime before expiry.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is the cadence of the expiry sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Whitelist lists contract addresses eligible for auto-approval.
	Whitelist []string `yaml:"whitelist"`

	// AutoApproveCapWei is the per-transaction auto-approve ceiling in wei.
	AutoApproveCapWei string `yaml:"auto_approve_cap_wei"`

	// DailyCapWei is the daily auto-approved value ceiling in wei.
	DailyCapWei string `yaml:"daily_cap_wei"`

	// Parsed caps, populated during validation.
	AutoApproveCap *big.Int `yaml:"-"`
	DailyCap       *big.Int `yaml:"-"`
}

// NetSafeConfig controls the SSRF-safe outbound fetch layer.
type NetSafeConfig struct {
	// MaxBodyBytes caps response bodies; larger responses are truncated.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// FetchTimeout bounds each outbound fetch end to end.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// Denylist is an operator-configured list of forbidden hosts.
	Denylist []string `yaml:"denylist"`

	// PerHostRPS and PerHostBurst shape the per-host token bucket.
	PerHostRPS   float64 `yaml:"per_host_rps"`
	PerHostBurst int     `yaml:"per_host_burst"`
}

// SubAgentConfig controls the sub-agent supervisor.
type SubAgentConfig struct {
	// Command is the child binary path. Empty means "warden-agent" on PATH.
	Command string `yaml:"command"`

	// MaxConcurrent is the hard ceiling on simultaneously active sub-agents.
	MaxConcurrent int `yaml:"max_concurrent"`

	// StartupTimeout is how long a child has to send ready.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// TaskTimeout is the default per-task deadline.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// GracePeriod is how long stop waits after shutdown before killing.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// BrokerConfig controls the secrets broker child process.
type BrokerConfig struct {
	// Command is the broker binary path. Empty means "warden-broker" on PATH.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// LLMTimeout bounds llm_complete calls.
	LLMTimeout time.Duration `yaml:"llm_timeout"`

	// ScrubEnv lists sensitive environment variable names removed from the
	// runtime's own environment after the broker handshake.
	ScrubEnv []string `yaml:"scrub_env"`

	// AllowLocalSigner permits a process-local private key when the broker
	// is absent. Off by default.
	AllowLocalSigner bool `yaml:"allow_local_signer"`
}

// ChatConfig controls chat sessions.
type ChatConfig struct {
	// HistoryExchanges is N; history keeps the last 2N entries.
	HistoryExchanges int `yaml:"history_exchanges"`

	// OwnerOnly drops messages not originating from OwnerID.
	OwnerOnly bool   `yaml:"owner_only"`
	OwnerID   string `yaml:"owner_id"`
}

// WorkspaceConfig controls the on-disk workspace jail.
type WorkspaceConfig struct {
	Root string `yaml:"root"`

	// MaxFileBytes caps each file write.
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// KVStoreConfig controls the key/value collaborator.
type KVStoreConfig struct {
	// Path is the sqlite database file. Empty means in-memory (tests).
	Path string `yaml:"path"`

	// SweepInterval is the cadence of the expired-row purge.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SkillsConfig controls the skill registry.
type SkillsConfig struct {
	// RemoteEndpoint is the HTTP skills lookup endpoint. Empty disables
	// remote lookup.
	RemoteEndpoint string `yaml:"remote_endpoint"`

	// MinStake is the minimum community stake (wei) for on-chain results.
	MinStake string `yaml:"min_stake"`

	// SimilarityThreshold is the minimum cosine similarity for a semantic match.
	SimilarityThreshold float32 `yaml:"similarity_threshold"`

	// OnChainLimit caps how many on-chain records one lookup reads.
	OnChainLimit int `yaml:"onchain_limit"`
}

// SlackConfig holds approval notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// ThinkingConfig holds the thinking-level defaults.
type ThinkingConfig struct {
	// DefaultLevel is the session default ("medium" unless overridden).
	DefaultLevel string `yaml:"default_level"`

	// CommandPrefix is the <prefix> in the "<prefix>:<level>" chat command.
	CommandPrefix string `yaml:"command_prefix"`
}
