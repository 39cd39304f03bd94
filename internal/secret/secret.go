// Package secret implements the encrypted per-configuration secret bag and
// the process.env reference expansion performed at dispatch time. The resolve
// walk is the only place secrets enter plaintext form.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// refPrefix is the textual form of a secret reference inside parameter values.
const refPrefix = "process.env."

// Cipher encrypts and decrypts secret values with AES-256-GCM using per-value
// nonces. The key is process-wide.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a hex- or base64-encoded 32-byte key.
func NewCipher(encoded string) (*Cipher, error) {
	key, err := decodeKey(encoded)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret cipher: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("secret key not configured")
	}
	if key, err := hex.DecodeString(encoded); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("secret key must decode to 32 bytes")
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secret decode: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("secret ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("secret open: %w", err)
	}
	return string(plain), nil
}

// Storer persists ciphertext per configuration. Values never round-trip
// through this interface in plaintext.
type Storer interface {
	GetSecret(ctx context.Context, configID, name string) (string, error) // returns ciphertext, "" when absent
	SetSecret(ctx context.Context, configID, name, ciphertext string) error
	ListSecretNames(ctx context.Context, configID string) ([]string, error)
	DeleteSecret(ctx context.Context, configID, name string) error
}

// Store combines the cipher with a persistence backend.
type Store struct {
	cipher *Cipher
	storer Storer
}

func NewStore(c *Cipher, s Storer) *Store {
	return &Store{cipher: c, storer: s}
}

// EncryptValue seals a value with the store's cipher without persisting it.
// Used for ciphertext kept outside the secret bag, like external DSNs.
func (s *Store) EncryptValue(plaintext string) (string, error) {
	return s.cipher.Encrypt(plaintext)
}

// DecryptValue opens ciphertext produced by EncryptValue.
func (s *Store) DecryptValue(ciphertext string) (string, error) {
	return s.cipher.Decrypt(ciphertext)
}

// Set encrypts and persists one secret.
func (s *Store) Set(ctx context.Context, configID, name, plaintext string) error {
	ct, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return s.storer.SetSecret(ctx, configID, name, ct)
}

// Names lists the secret names of a configuration (values are never listed).
func (s *Store) Names(ctx context.Context, configID string) ([]string, error) {
	return s.storer.ListSecretNames(ctx, configID)
}

// Delete removes one secret.
func (s *Store) Delete(ctx context.Context, configID, name string) error {
	return s.storer.DeleteSecret(ctx, configID, name)
}

// Lookup resolves a secret name to plaintext. The second return is false when
// the secret does not exist.
type Lookup func(ctx context.Context, name string) (string, bool, error)

// Lookup returns a Lookup bound to one configuration's bag.
func (s *Store) Lookup(configID string) Lookup {
	return func(ctx context.Context, name string) (string, bool, error) {
		ct, err := s.storer.GetSecret(ctx, configID, name)
		if err != nil {
			return "", false, err
		}
		if ct == "" {
			return "", false, nil
		}
		plain, err := s.cipher.Decrypt(ct)
		if err != nil {
			return "", false, err
		}
		return plain, true, nil
	}
}

// StaticLookup builds a Lookup over a plaintext map. Used for local-mode runs
// where the caller supplies secrets with the request.
func StaticLookup(values map[string]string) Lookup {
	return func(_ context.Context, name string) (string, bool, error) {
		v, ok := values[name]
		return v, ok, nil
	}
}

// ResolveParams walks a parameter tree and replaces every string value of the
// form "process.env.NAME" with the plaintext of NAME. Missing secrets produce
// a MissingSecretError. The input is not mutated.
func ResolveParams(ctx context.Context, params map[string]any, lookup Lookup) (map[string]any, error) {
	out, err := resolveValue(ctx, params, lookup)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(ctx context.Context, v any, lookup Lookup) (any, error) {
	switch t := v.(type) {
	case string:
		if !strings.HasPrefix(t, refPrefix) {
			return t, nil
		}
		name := strings.TrimPrefix(t, refPrefix)
		plain, ok, err := lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &service.MissingSecretError{Name: name}
		}
		return plain, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := resolveValue(ctx, val, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := resolveValue(ctx, val, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}
