package settlement

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// ClarityArg is one typed contract argument as accepted by the signing gateway.
type ClarityArg struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

// EncodeArgs types Go values for a contract call:
//
//	*big.Int, int, int32, uint64  uint (int when negative)
//	principal string              principal
//	other string                  (some buff) of its UTF-8 bytes
//	nil                           none
//	bool                          bool
func EncodeArgs(args []any) ([]ClarityArg, error) {
	out := make([]ClarityArg, 0, len(args))
	for i, arg := range args {
		a, err := encodeArg(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func encodeArg(arg any) (ClarityArg, error) {
	switch v := arg.(type) {
	case nil:
		return ClarityArg{Type: "none"}, nil
	case *big.Int:
		if v == nil {
			return ClarityArg{}, fmt.Errorf("nil integer")
		}
		if v.Sign() < 0 {
			return ClarityArg{Type: "int", Value: v.String()}, nil
		}
		return ClarityArg{Type: "uint", Value: v.String()}, nil
	case int:
		return encodeArg(big.NewInt(int64(v)))
	case int32:
		return encodeArg(big.NewInt(int64(v)))
	case uint64:
		return ClarityArg{Type: "uint", Value: strconv.FormatUint(v, 10)}, nil
	case bool:
		return ClarityArg{Type: "bool", Value: v}, nil
	case string:
		if chain.ValidateAddress(transfer.ChainSettlement, v) == nil {
			return ClarityArg{Type: "principal", Value: v}, nil
		}
		return ClarityArg{Type: "some", Value: ClarityArg{Type: "buffer", Value: hex.EncodeToString([]byte(v))}}, nil
	default:
		return ClarityArg{}, fmt.Errorf("unsupported type %T", arg)
	}
}
