package evm

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// ErrUnknownAccount is returned for users the keyring holds no key for.
var ErrUnknownAccount = errors.New("unknown account")

// Keyring maps application users to chain accounts and signs on their
// behalf. Key custody is the keyring's concern, not the gateway's.
type Keyring interface {
	Address(userID string) (common.Address, error)
	UserFor(addr common.Address) (string, bool)
	Sign(userID string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// FileKeyring is a development keyring holding raw private keys in memory.
type FileKeyring struct {
	keys  map[string]*ecdsa.PrivateKey
	users map[common.Address]string
}

type keyringFile struct {
	Accounts []struct {
		User       string `yaml:"user"`
		PrivateKey string `yaml:"private_key"`
	} `yaml:"accounts"`
}

// LoadKeyring reads a YAML file of the form
//
//	accounts:
//	  - user: alice
//	    private_key: 0x...
func LoadKeyring(path string) (*FileKeyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	var f keyringFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse keyring: %w", err)
	}
	keys := make(map[string]string, len(f.Accounts))
	for _, a := range f.Accounts {
		keys[a.User] = a.PrivateKey
	}
	return NewFileKeyring(keys)
}

// NewFileKeyring builds a keyring from user id to hex-encoded private key.
func NewFileKeyring(hexKeys map[string]string) (*FileKeyring, error) {
	k := &FileKeyring{
		keys:  make(map[string]*ecdsa.PrivateKey, len(hexKeys)),
		users: make(map[common.Address]string, len(hexKeys)),
	}
	for user, hexKey := range hexKeys {
		if user == "" {
			return nil, errors.New("keyring entry without user")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key for %s: %w", user, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if other, dup := k.users[addr]; dup {
			return nil, fmt.Errorf("users %s and %s share address %s", other, user, addr.Hex())
		}
		k.keys[user] = key
		k.users[addr] = user
	}
	return k, nil
}

func (k *FileKeyring) Address(userID string) (common.Address, error) {
	key, ok := k.keys[userID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (k *FileKeyring) UserFor(addr common.Address) (string, bool) {
	user, ok := k.users[addr]
	return user, ok
}

func (k *FileKeyring) Sign(userID string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	key, ok := k.keys[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
