package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/sentience-labs/warden/pkg/broker"
)

// BrokerSigner delegates all signing to the secrets broker. The key never
// enters this process.
type BrokerSigner struct {
	client *broker.Client
}

// NewBrokerSigner wraps a broker client.
func NewBrokerSigner(client *broker.Client) *BrokerSigner {
	return &BrokerSigner{client: client}
}

// Address returns the broker key's address; the broker client caches it
// after the first call.
func (s *BrokerSigner) Address(ctx context.Context) (string, error) {
	return s.client.Address(ctx)
}

// SignMessage signs message through the broker.
func (s *BrokerSigner) SignMessage(ctx context.Context, message []byte) (string, error) {
	return s.client.SignMessage(ctx, hexutil.Encode(message))
}

// SignTypedData signs an EIP-712 payload through the broker.
func (s *BrokerSigner) SignTypedData(ctx context.Context, req broker.SignTypedDataRequest) (string, error) {
	return s.client.SignTypedData(ctx, req)
}
