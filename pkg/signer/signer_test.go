package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/errkind"
)

// Throwaway key used only in tests.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// Both variants satisfy the same contract.
var (
	_ Signer = (*LocalSigner)(nil)
	_ Signer = (*BrokerSigner)(nil)
)

func TestLocalSignerAddress(t *testing.T) {
	s, err := NewLocal(testKeyHex)
	require.NoError(t, err)

	addr, err := s.Address(context.Background())
	require.NoError(t, err)
	assert.Len(t, addr, 42)

	withPrefix, err := NewLocal("0x" + testKeyHex)
	require.NoError(t, err)
	addr2, _ := withPrefix.Address(context.Background())
	assert.Equal(t, addr, addr2)

	_, err = NewLocal("garbage")
	assert.Error(t, err)
}

func TestLocalSignerSignatureRecovers(t *testing.T) {
	s, err := NewLocal(testKeyHex)
	require.NoError(t, err)
	ctx := context.Background()

	message := []byte("gm")
	sigHex, err := s.SignMessage(ctx, message)
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	require.NoError(t, err)

	addr, _ := s.Address(ctx)
	assert.Equal(t, addr, crypto.PubkeyToAddress(*pub).Hex())
}

func TestLocalSignerTypedDataDeterministic(t *testing.T) {
	s, err := NewLocal(testKeyHex)
	require.NoError(t, err)
	ctx := context.Background()

	req := broker.SignTypedDataRequest{
		Domain: map[string]any{"name": "Warden", "version": "1", "chainId": 1},
		Types: map[string][]broker.TypedDataField{
			"Ping": {{Name: "nonce", Type: "uint256"}},
		},
		PrimaryType: "Ping",
		Message:     map[string]any{"nonce": "7"},
	}

	first, err := s.SignTypedData(ctx, req)
	require.NoError(t, err)
	second, err := s.SignTypedData(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBrokerSignerDegraded(t *testing.T) {
	// A signer over a degraded broker client surfaces broker_unavailable,
	// same as any other broker call.
	client := broker.NewClient(broker.Config{})
	s := NewBrokerSigner(client)
	ctx := context.Background()

	_, err := s.Address(ctx)
	assert.True(t, errkind.Is(err, errkind.KindBrokerUnavailable), "got %v", err)

	_, err = s.SignMessage(ctx, []byte("x"))
	assert.True(t, errkind.Is(err, errkind.KindBrokerUnavailable), "got %v", err)
}
