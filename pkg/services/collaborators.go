package services

import (
	"context"
	"math/big"
)

// SocialClient posts to the configured social platform.
type SocialClient interface {
	// Post publishes text and returns the platform post id.
	Post(ctx context.Context, text string) (string, error)
}

// DeployRequest names a contract template and its instantiation parameters.
type DeployRequest struct {
	Template string
	Name     string
	Symbol   string
	Params   map[string]any
}

// PreparedTx is an unsigned transaction built by the chain client. It is the
// unit the approval manager gates and the signer signs.
type PreparedTx struct {
	To    string
	Value *big.Int
	Data  []byte
	Chain string
}

// SubmitResult is the outcome of a submitted transaction.
type SubmitResult struct {
	TxHash  string
	Address string // deployed contract address, when applicable
}

// ChainClient prepares and submits on-chain operations. Preparation never
// signs; signatures come from the signer after the approval gate.
type ChainClient interface {
	PrepareSend(ctx context.Context, to, amount, token string) (*PreparedTx, error)
	PrepareSwap(ctx context.Context, fromToken, toToken, amount string) (*PreparedTx, error)
	PrepareDeploy(ctx context.Context, req DeployRequest) (*PreparedTx, error)
	Submit(ctx context.Context, tx *PreparedTx, signature string) (*SubmitResult, error)
	Balance(ctx context.Context, address, token string) (string, error)
	Portfolio(ctx context.Context, address string) (map[string]any, error)
}

// BrowserDriver runs the headless browser actions. Navigation targets are
// validated by network safety before this interface sees them.
type BrowserDriver interface {
	Navigate(ctx context.Context, url string) error
	Snapshot(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Eval(ctx context.Context, script string) (string, error)
	Extract(ctx context.Context, selector string) (string, error)
}
