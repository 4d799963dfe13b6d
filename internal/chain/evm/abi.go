package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vbonduro/lendchain/internal/domain"
)

// LendingABI is the subset of the lending contract the gateway calls.
const LendingABI = `[
	{"type":"function","name":"lend","stateMutability":"nonpayable",
	 "inputs":[{"name":"itemId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"returnItem","stateMutability":"nonpayable",
	 "inputs":[{"name":"itemId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"buy","stateMutability":"nonpayable",
	 "inputs":[{"name":"itemId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"custodyOf","stateMutability":"view",
	 "inputs":[{"name":"itemId","type":"bytes32"}],
	 "outputs":[{"name":"owner","type":"address"},{"name":"holder","type":"address"},{"name":"forSale","type":"bool"}]}
]`

var lendingABI = mustParseABI(LendingABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid lending ABI: %v", err))
	}
	return parsed
}

func methodFor(kind domain.IntentKind) (string, error) {
	switch kind {
	case domain.KindLend:
		return "lend", nil
	case domain.KindReturn:
		return "returnItem", nil
	case domain.KindBuy:
		return "buy", nil
	default:
		return "", fmt.Errorf("%w: no contract method for kind %q", domain.ErrSubmission, kind)
	}
}

// ItemKey is the bytes32 the contract indexes an item by.
func ItemKey(itemID string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(itemID)))
}
