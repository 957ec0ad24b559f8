package brokerd

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/broker"
)

// Throwaway key used only in tests.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestNewKeySigner(t *testing.T) {
	s, err := newKeySigner(testKeyHex)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.address(), "0x"))
	assert.Len(t, s.address(), 42)

	// 0x prefix on the key is accepted too.
	s2, err := newKeySigner("0x" + testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, s.address(), s2.address())

	_, err = newKeySigner("not-a-key")
	assert.Error(t, err)
}

func TestSignMessageRecovers(t *testing.T) {
	s, err := newKeySigner(testKeyHex)
	require.NoError(t, err)

	sigHex, err := s.signMessage("hello warden")
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	// Undo the 27/28 shift and recover the signing address.
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte("hello warden")), sig)
	require.NoError(t, err)
	assert.Equal(t, s.address(), crypto.PubkeyToAddress(*pub).Hex())
}

func TestSignMessageHexInput(t *testing.T) {
	s, err := newKeySigner(testKeyHex)
	require.NoError(t, err)

	sigFromHex, err := s.signMessage("0x68656c6c6f") // "hello"
	require.NoError(t, err)
	sigFromText, err := s.signMessage("hello")
	require.NoError(t, err)
	assert.Equal(t, sigFromText, sigFromHex)

	_, err = s.signMessage("0xzzzz")
	assert.Error(t, err)
}

func TestSignTypedData(t *testing.T) {
	s, err := newKeySigner(testKeyHex)
	require.NoError(t, err)

	req := broker.SignTypedDataRequest{
		Domain: map[string]any{
			"name":    "Warden",
			"version": "1",
			"chainId": 8453,
		},
		Types: map[string][]broker.TypedDataField{
			"Transfer": {
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "Transfer",
		Message: map[string]any{
			"to":     "0x0000000000000000000000000000000000000001",
			"amount": "1000",
		},
	}

	sigHex, err := s.signTypedData(req)
	require.NoError(t, err)
	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	assert.Len(t, sig, 65)

	// Deterministic per input.
	again, err := s.signTypedData(req)
	require.NoError(t, err)
	assert.Equal(t, sigHex, again)
}

func TestServerCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected []broker.Capability
	}{
		{
			name:     "key only",
			cfg:      Config{PrivateKeyHex: testKeyHex},
			expected: []broker.Capability{broker.CapabilitySign},
		},
		{
			name:     "llm only",
			cfg:      Config{LLMAPIKey: "sk-test", LLMModel: "m", EmbedModel: "e"},
			expected: []broker.Capability{broker.CapabilityLLM, broker.CapabilityEmbed},
		},
		{
			name: "everything",
			cfg:  Config{PrivateKeyHex: testKeyHex, LLMAPIKey: "sk-test", LLMModel: "m", EmbedModel: "e"},
			expected: []broker.Capability{
				broker.CapabilityLLM, broker.CapabilityEmbed, broker.CapabilitySign,
			},
		},
		{
			name:     "nothing",
			cfg:      Config{},
			expected: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, s.Capabilities())
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvSignerKey, "")
	t.Setenv(EnvWalletKey, "legacy-key")
	t.Setenv(EnvLLMModel, "")
	t.Setenv(EnvEmbedModel, "")

	cfg := FromEnv()
	assert.Equal(t, "legacy-key", cfg.PrivateKeyHex)
	assert.Equal(t, DefaultLLMModel, cfg.LLMModel)
	assert.Equal(t, DefaultEmbedModel, cfg.EmbedModel)
}
