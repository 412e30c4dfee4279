package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	require.NotEmpty(t, key)

	key2, err := GenerateMasterKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, key2)
}

func TestEncryptDecrypt(t *testing.T) {
	masterKey, err := GenerateMasterKey()
	require.NoError(t, err)

	for _, plaintext := range []string{"testing123", "Abcd1234!@#$%^&*()", "🔐 Unicode 密码", ""} {
		t.Run(plaintext, func(t *testing.T) {
			encrypted, err := Encrypt(plaintext, masterKey)
			require.NoError(t, err)
			if plaintext == "" {
				assert.Empty(t, encrypted)
				return
			}
			assert.NotEqual(t, plaintext, encrypted)

			decrypted, err := Decrypt(encrypted, masterKey)
			require.NoError(t, err)
			assert.Equal(t, plaintext, decrypted)
		})
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	masterKey, _ := GenerateMasterKey()
	a, err := Encrypt("testing123", masterKey)
	require.NoError(t, err)
	b, err := Encrypt("testing123", masterKey)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWrongKey(t *testing.T) {
	key1, _ := GenerateMasterKey()
	key2, _ := GenerateMasterKey()
	encrypted, err := Encrypt("testing123", key1)
	require.NoError(t, err)
	_, err = Decrypt(encrypted, key2)
	assert.Error(t, err)
}

func TestSealResolve(t *testing.T) {
	key, _ := GenerateMasterKey()
	t.Setenv(MasterKeyEnv, key)

	sealed, err := Seal("hunter2")
	require.NoError(t, err)
	assert.True(t, len(sealed) > len(SealedPrefix))
	assert.Equal(t, SealedPrefix, sealed[:len(SealedPrefix)])

	plain, err := Resolve(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	plain, err = Resolve("not-sealed")
	require.NoError(t, err)
	assert.Equal(t, "not-sealed", plain)
}

func TestResolveWithoutKey(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	_, err := Resolve(SealedPrefix + "abc")
	assert.ErrorIs(t, err, ErrNoMasterKey)

	_, err = Seal("x")
	assert.ErrorIs(t, err, ErrNoMasterKey)
}
