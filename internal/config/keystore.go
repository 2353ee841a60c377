package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/keystore"

	apperrors "taskfleet/pkg/errors"
)

// ConsumerIdentity is the unlocked marketplace identity orders are placed
// under.
type ConsumerIdentity struct {
	KeyFile string
	Address string
}

// LoadConsumerIdentity picks the first key file (sorted by name) in the key
// storage directory and decrypts it to learn the consumer address.
func LoadConsumerIdentity(eth EthereumConfig) (*ConsumerIdentity, error) {
	entries, err := os.ReadDir(eth.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key storage %s: %w", eth.KeyPath, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("key storage %s does not contain any files", eth.KeyPath)
	}
	sort.Strings(names)

	keyFile := filepath.Join(eth.KeyPath, names[0])
	keyJSON, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", keyFile, err)
	}
	key, err := keystore.DecryptKey(keyJSON, eth.Password.Value())
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", keyFile, err, apperrors.ErrKeystoreLocked)
	}
	return &ConsumerIdentity{KeyFile: keyFile, Address: key.Address.Hex()}, nil
}
