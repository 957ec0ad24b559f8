// Package signer provides the opaque signing handle used by every on-chain
// component. The two implementations — broker-backed and local key — satisfy
// the same contract, and callers cannot tell which one they hold. A Signer
// is never serialized into an event or an IPC message.
package signer

import (
	"context"

	"github.com/sentience-labs/warden/pkg/broker"
)

// Signer signs messages and typed data and reports its address.
type Signer interface {
	// Address returns the 0x-prefixed signing address.
	Address(ctx context.Context) (string, error)
	// SignMessage signs raw bytes under the personal-message scheme and
	// returns the 0x-prefixed 65-byte signature.
	SignMessage(ctx context.Context, message []byte) (string, error)
	// SignTypedData signs an EIP-712 payload.
	SignTypedData(ctx context.Context, req broker.SignTypedDataRequest) (string, error)
}
