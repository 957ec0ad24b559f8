package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/sentience-labs/warden/pkg/broker"
)

// LocalSigner holds a raw private key in-process. Used by the broker daemon
// and, when local operation is explicitly configured, by a runtime without a
// broker. The key never leaves the struct.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr string
}

// NewLocal parses a hex private key (with or without 0x prefix).
func NewLocal(privateKeyHex string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &LocalSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the key's address.
func (s *LocalSigner) Address(_ context.Context) (string, error) {
	return s.addr, nil
}

// SignMessage signs message under the EIP-191 personal-message scheme.
func (s *LocalSigner) SignMessage(_ context.Context, message []byte) (string, error) {
	signature, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	// Shift V into the 27/28 convention wallets expect.
	signature[64] += 27
	return hexutil.Encode(signature), nil
}

// SignTypedData signs an EIP-712 payload.
func (s *LocalSigner) SignTypedData(_ context.Context, req broker.SignTypedDataRequest) (string, error) {
	typedData, err := toTypedData(req)
	if err != nil {
		return "", err
	}
	hash, _, err := apitypes.TypedDataAndHash(*typedData)
	if err != nil {
		return "", fmt.Errorf("hash typed data: %w", err)
	}
	signature, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	signature[64] += 27
	return hexutil.Encode(signature), nil
}

// toTypedData converts the wire shape into go-ethereum's typed-data
// structure. The domain goes through a JSON round trip so chainId accepts
// both numeric and hex forms.
func toTypedData(req broker.SignTypedDataRequest) (*apitypes.TypedData, error) {
	rawDomain, err := json.Marshal(req.Domain)
	if err != nil {
		return nil, fmt.Errorf("encode domain: %w", err)
	}
	var domain apitypes.TypedDataDomain
	if err := json.Unmarshal(rawDomain, &domain); err != nil {
		return nil, fmt.Errorf("decode domain: %w", err)
	}

	types := make(apitypes.Types, len(req.Types))
	for name, fields := range req.Types {
		converted := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			converted[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		types[name] = converted
	}
	if _, ok := types["EIP712Domain"]; !ok {
		types["EIP712Domain"] = defaultDomainType(domain)
	}

	return &apitypes.TypedData{
		Types:       types,
		PrimaryType: req.PrimaryType,
		Domain:      domain,
		Message:     req.Message,
	}, nil
}

// defaultDomainType builds the EIP712Domain type from the fields the domain
// actually carries, for callers that omit it.
func defaultDomainType(domain apitypes.TypedDataDomain) []apitypes.Type {
	var fields []apitypes.Type
	if domain.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if domain.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	return fields
}
