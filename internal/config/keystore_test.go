package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "taskfleet/pkg/errors"
)

// writeKeyFile encrypts a fresh key into dir under the given file name and
// returns its address. Scrypt is dialed down so the tests stay fast.
func writeKeyFile(t *testing.T, dir, name, password string) string {
	t.Helper()

	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	id, err := uuid.NewRandom()
	require.NoError(t, err)

	key := &keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}
	keyJSON, err := keystore.EncryptKey(key, password, 2, 1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), keyJSON, 0o600))
	return key.Address.Hex()
}

func TestLoadConsumerIdentity(t *testing.T) {
	dir := t.TempDir()
	addr := writeKeyFile(t, dir, "UTC--2024-01-01--key", "changeme")

	identity, err := LoadConsumerIdentity(EthereumConfig{KeyPath: dir, Password: Secret("changeme")})
	require.NoError(t, err)
	assert.Equal(t, addr, identity.Address)
	assert.Equal(t, filepath.Join(dir, "UTC--2024-01-01--key"), identity.KeyFile)
}

func TestLoadConsumerIdentityPicksFirstSortedFile(t *testing.T) {
	dir := t.TempDir()
	first := writeKeyFile(t, dir, "UTC--2024-01-01--aaa", "changeme")
	writeKeyFile(t, dir, "UTC--2024-06-01--zzz", "other-password")

	identity, err := LoadConsumerIdentity(EthereumConfig{KeyPath: dir, Password: Secret("changeme")})
	require.NoError(t, err)
	assert.Equal(t, first, identity.Address)
}

func TestLoadConsumerIdentityWrongPassword(t *testing.T) {
	dir := t.TempDir()
	writeKeyFile(t, dir, "UTC--2024-01-01--key", "changeme")

	_, err := LoadConsumerIdentity(EthereumConfig{KeyPath: dir, Password: Secret("wrong")})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrKeystoreLocked)
}

func TestLoadConsumerIdentityEmptyStorage(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConsumerIdentity(EthereumConfig{KeyPath: dir, Password: Secret("changeme")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not contain any files")
}

func TestLoadConsumerIdentityMissingDir(t *testing.T) {
	_, err := LoadConsumerIdentity(EthereumConfig{KeyPath: "/no/such/dir", Password: Secret("changeme")})
	require.Error(t, err)
}
