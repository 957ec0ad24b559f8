package brokerd

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/signer"
)

// keySigner adapts the local key signer to the broker wire shapes.
type keySigner struct {
	local *signer.LocalSigner
	addr  string
}

func newKeySigner(privateKeyHex string) (*keySigner, error) {
	local, err := signer.NewLocal(privateKeyHex)
	if err != nil {
		return nil, err
	}
	addr, _ := local.Address(context.Background())
	return &keySigner{local: local, addr: addr}, nil
}

func (s *keySigner) address() string { return s.addr }

// signMessage signs message bytes under the EIP-191 personal-message scheme.
// message is 0x-prefixed hex, or taken as UTF-8 text when not.
func (s *keySigner) signMessage(message string) (string, error) {
	var data []byte
	if strings.HasPrefix(message, "0x") {
		decoded, err := hexutil.Decode(message)
		if err != nil {
			return "", fmt.Errorf("decode message hex: %w", err)
		}
		data = decoded
	} else {
		data = []byte(message)
	}
	return s.local.SignMessage(context.Background(), data)
}

func (s *keySigner) signTypedData(req broker.SignTypedDataRequest) (string, error) {
	return s.local.SignTypedData(context.Background(), req)
}
