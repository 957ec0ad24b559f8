package config

import "time"

// Built-in defaults. Any value left unset in warden.yaml falls back to these.
const (
	DefaultListenAddr      = "127.0.0.1:7700"
	DefaultWriteTimeout    = 10 * time.Second
	DefaultDeadline        = 30 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultBatchSize       = 3
	DefaultTaskTimeout     = 60 * time.Second
	DefaultRetentionTTL    = time.Hour
	DefaultLoopInterval    = 60 * time.Second
	DefaultSnapshotSize    = 32
	DefaultApprovalTTL     = 10 * time.Minute
	DefaultSweepInterval   = 60 * time.Second
	DefaultKVSweepInterval = 5 * time.Minute
	DefaultMaxBodyBytes    = 1 << 20 // 1 MiB
	DefaultFetchTimeout    = 10 * time.Second
	DefaultPerHostRPS      = 1.0
	DefaultPerHostBurst    = 5
	DefaultMaxConcurrent   = 4
	DefaultStartupTimeout  = 10 * time.Second
	DefaultGracePeriod     = 5 * time.Second
	DefaultLLMTimeout      = 30 * time.Second
	DefaultHistoryExchanges = 10
	DefaultMaxFileBytes    = 50 << 10 // 50 KiB
	DefaultOnChainLimit    = 50
	DefaultSimilarity      = 0.5
)

// DefaultScrubEnv is the deployment-contract list of sensitive environment
// variable names scrubbed from the runtime process after broker handshake.
var DefaultScrubEnv = []string{
	"WALLET_PRIVATE_KEY",
	"SIGNER_PRIVATE_KEY",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"LLM_API_KEY",
	"EMBEDDING_API_KEY",
	"SLACK_BOT_TOKEN",
	"SOCIAL_API_TOKEN",
	"RPC_AUTH_TOKEN",
}

// applyDefaults fills every unset field with its built-in default.
func applyDefaults(c *Config) {
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = DefaultListenAddr
	}
	if c.Gateway.WriteTimeout <= 0 {
		c.Gateway.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dispatcher.DefaultDeadline <= 0 {
		c.Dispatcher.DefaultDeadline = DefaultDeadline
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = DefaultPollInterval
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = DefaultBatchSize
	}
	if c.Queue.TaskTimeout <= 0 {
		c.Queue.TaskTimeout = DefaultTaskTimeout
	}
	if c.Queue.RetentionTTL <= 0 {
		c.Queue.RetentionTTL = DefaultRetentionTTL
	}
	if c.Loop.Interval <= 0 {
		c.Loop.Interval = DefaultLoopInterval
	}
	if c.Loop.SnapshotSize <= 0 {
		c.Loop.SnapshotSize = DefaultSnapshotSize
	}
	if c.Approval.TTL <= 0 {
		c.Approval.TTL = DefaultApprovalTTL
	}
	if c.Approval.SweepInterval <= 0 {
		c.Approval.SweepInterval = DefaultSweepInterval
	}
	if c.KVStore.SweepInterval <= 0 {
		c.KVStore.SweepInterval = DefaultKVSweepInterval
	}
	if c.Approval.AutoApproveCapWei == "" {
		c.Approval.AutoApproveCapWei = "10000000000000000" // 0.01 ETH
	}
	if c.Approval.DailyCapWei == "" {
		c.Approval.DailyCapWei = "50000000000000000" // 0.05 ETH
	}
	if c.NetSafe.MaxBodyBytes <= 0 {
		c.NetSafe.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.NetSafe.FetchTimeout <= 0 {
		c.NetSafe.FetchTimeout = DefaultFetchTimeout
	}
	if c.NetSafe.PerHostRPS <= 0 {
		c.NetSafe.PerHostRPS = DefaultPerHostRPS
	}
	if c.NetSafe.PerHostBurst <= 0 {
		c.NetSafe.PerHostBurst = DefaultPerHostBurst
	}
	if c.SubAgents.Command == "" {
		c.SubAgents.Command = "warden-agent"
	}
	if c.SubAgents.MaxConcurrent <= 0 {
		c.SubAgents.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.SubAgents.StartupTimeout <= 0 {
		c.SubAgents.StartupTimeout = DefaultStartupTimeout
	}
	if c.SubAgents.TaskTimeout <= 0 {
		c.SubAgents.TaskTimeout = DefaultTaskTimeout
	}
	if c.SubAgents.GracePeriod <= 0 {
		c.SubAgents.GracePeriod = DefaultGracePeriod
	}
	if c.Broker.Command == "" {
		c.Broker.Command = "warden-broker"
	}
	if c.Broker.LLMTimeout <= 0 {
		c.Broker.LLMTimeout = DefaultLLMTimeout
	}
	if len(c.Broker.ScrubEnv) == 0 {
		c.Broker.ScrubEnv = append([]string(nil), DefaultScrubEnv...)
	}
	if c.Chat.HistoryExchanges <= 0 {
		c.Chat.HistoryExchanges = DefaultHistoryExchanges
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = "./workspace"
	}
	if c.Workspace.MaxFileBytes <= 0 {
		c.Workspace.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.Skills.SimilarityThreshold <= 0 {
		c.Skills.SimilarityThreshold = DefaultSimilarity
	}
	if c.Skills.OnChainLimit <= 0 {
		c.Skills.OnChainLimit = DefaultOnChainLimit
	}
	if c.Skills.MinStake == "" {
		c.Skills.MinStake = "0"
	}
	if c.Slack.TokenEnv == "" {
		c.Slack.TokenEnv = "SLACK_BOT_TOKEN"
	}
	if c.Thinking.DefaultLevel == "" {
		c.Thinking.DefaultLevel = "medium"
	}
	if c.Thinking.CommandPrefix == "" {
		c.Thinking.CommandPrefix = "think"
	}
}
