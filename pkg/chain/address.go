package chain

import (
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// settlement principals: c32 version char, 38-40 c32 chars, optional contract name.
var settlementPrincipal = regexp.MustCompile(`^S[PTMN][0-9A-HJKMNP-TV-Z]{38,40}(\.[a-zA-Z][a-zA-Z0-9\-]{0,127})?$`)

// ValidateAddress checks addr against the address grammar of chainID.
func ValidateAddress(chainID transfer.ChainID, addr string) error {
	if addr == "" {
		return &transfer.ValidationError{Field: "address", Reason: "empty"}
	}
	switch chainID {
	case transfer.ChainEVM:
		if !common.IsHexAddress(addr) || len(addr) != 42 {
			return &transfer.ValidationError{Field: "address", Reason: fmt.Sprintf("%q is not a 0x-prefixed EVM address", addr)}
		}
	case transfer.ChainFast:
		pk, err := solana.PublicKeyFromBase58(addr)
		if err != nil || pk.IsZero() {
			return &transfer.ValidationError{Field: "address", Reason: fmt.Sprintf("%q is not a base58 fast-chain public key", addr)}
		}
	case transfer.ChainSettlement:
		if !settlementPrincipal.MatchString(addr) {
			return &transfer.ValidationError{Field: "address", Reason: fmt.Sprintf("%q is not a settlement-chain principal", addr)}
		}
	default:
		return &transfer.ValidationError{Field: "chain", Reason: fmt.Sprintf("unknown chain %q", chainID)}
	}
	return nil
}
