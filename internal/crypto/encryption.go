// Package crypto seals config secrets such as the call log database password.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// MasterKeyEnv names the environment variable holding the base64 master key.
const MasterKeyEnv = "CALLSIGNAL_MASTER_KEY"

// SealedPrefix marks a config value produced by Seal.
const SealedPrefix = "enc:"

var ErrNoMasterKey = errors.New(MasterKeyEnv + " is not set")

// Encrypt seals plaintext with AES-256-GCM and returns base64 of
// nonce||ciphertext.
func Encrypt(plaintext, masterKey string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func Decrypt(ciphertext, masterKey string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(masterKey string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// GenerateMasterKey returns a random base64 256-bit key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts a secret for the config file using the key from MasterKeyEnv.
func Seal(plaintext string) (string, error) {
	key := os.Getenv(MasterKeyEnv)
	if key == "" {
		return "", ErrNoMasterKey
	}
	sealed, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + sealed, nil
}

// Resolve returns value unchanged unless it carries SealedPrefix, in which
// case it is decrypted with the key from MasterKeyEnv.
func Resolve(value string) (string, error) {
	sealed, ok := strings.CutPrefix(value, SealedPrefix)
	if !ok {
		return value, nil
	}
	key := os.Getenv(MasterKeyEnv)
	if key == "" {
		return "", ErrNoMasterKey
	}
	return Decrypt(sealed, key)
}
