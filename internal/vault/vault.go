// Package vault seals provider credentials at rest. A sealed value has the
// form "enc:v1:<base64(salt|nonce|ciphertext)>"; the AES-256-GCM key for each
// value is derived from the master key and the value's salt with argon2id.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Prefix marks a sealed credential.
const Prefix = "enc:v1:"

const (
	saltLen = 16
	keyLen  = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrLocked is returned when a sealed value is opened without a master key.
	ErrLocked = errors.New("vault locked")
	// ErrMalformed is returned for a sealed value that cannot be decoded.
	ErrMalformed = errors.New("malformed sealed value")
)

// IsSealed reports whether s carries the sealed-value prefix.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// Vault holds the master key in memory and caches derived keys per salt.
type Vault struct {
	mu     sync.RWMutex
	master []byte

	// derived keys keyed by salt; cleared on lock
	keys map[string][]byte
}

// New returns a locked vault.
func New() *Vault {
	return &Vault{keys: make(map[string][]byte)}
}

// IsLocked reports whether no master key is loaded.
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.master == nil
}

// Unlock loads the master key.
func (v *Vault) Unlock(master []byte) error {
	if len(master) < 8 {
		return errors.New("master key too short")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.master = append([]byte(nil), master...)
	v.keys = make(map[string][]byte)
	return nil
}

// Lock zeroes and drops the master key and every derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.master {
		v.master[i] = 0
	}
	v.master = nil
	for _, k := range v.keys {
		for i := range k {
			k[i] = 0
		}
	}
	v.keys = make(map[string][]byte)
}

// Seal encrypts plaintext under a fresh salt and returns the sealed form.
func (v *Vault) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	gcm, err := v.cipher(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open returns the plaintext of a sealed value. Values without the sealed
// prefix are returned unchanged.
func (v *Vault) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < saltLen {
		return "", ErrMalformed
	}
	salt, rest := raw[:saltLen], raw[saltLen:]

	gcm, err := v.cipher(salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", ErrMalformed
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) cipher(salt []byte) (cipher.AEAD, error) {
	key, err := v.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (v *Vault) deriveKey(salt []byte) ([]byte, error) {
	v.mu.RLock()
	if v.master == nil {
		v.mu.RUnlock()
		return nil, ErrLocked
	}
	if k, ok := v.keys[string(salt)]; ok {
		v.mu.RUnlock()
		return k, nil
	}
	master := v.master
	v.mu.RUnlock()

	k := argon2.IDKey(master, salt, argonTime, argonMemory, argonThreads, keyLen)

	v.mu.Lock()
	if v.master == nil {
		v.mu.Unlock()
		return nil, ErrLocked
	}
	v.keys[string(salt)] = k
	v.mu.Unlock()
	return k, nil
}
