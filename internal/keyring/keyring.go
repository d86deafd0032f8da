// Package keyring stores provider API keys encrypted at rest. The file is
// sealed with AES-256-GCM under a key derived from a passphrase via
// argon2id; the random salt lives in the file header so the same passphrase
// re-derives the key on load.
package keyring

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

var magic = []byte("llmgate-keyring/1\n")

const saltSize = 16

// argon2id parameters: 64 MiB, one pass, four lanes.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
)

var (
	ErrBadPassphrase = errors.New("keyring: wrong passphrase or corrupt file")
	ErrMalformed     = errors.New("keyring: malformed file")
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}

// Load opens and decrypts the keyring file, returning the provider→key map.
func Load(path, passphrase string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	if !bytes.HasPrefix(data, magic) {
		return nil, ErrMalformed
	}
	data = data[len(magic):]
	if len(data) < saltSize {
		return nil, ErrMalformed
	}
	salt, sealed := data[:saltSize], data[saltSize:]

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	keys := map[string]string{}
	if err := yaml.Unmarshal(plain, &keys); err != nil {
		return nil, ErrMalformed
	}
	return keys, nil
}

// Save encrypts the provider→key map and writes it to path with 0600
// permissions. A fresh salt and nonce are generated on every save.
func Save(path, passphrase string, keys map[string]string) error {
	plain, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("keyring: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("keyring: %w", err)
	}

	out := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, gcm.Seal(nonce, nonce, plain, nil)...)

	return os.WriteFile(path, out, 0o600)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return gcm, nil
}
