// Package keystore implements envelope encryption for message bodies and
// stored credentials, plus webhook signature verification. Each room owns
// a 256-bit symmetric key; message bodies are sealed with it using an
// AEAD with a random 96-bit nonce. Room keys themselves are wrapped under
// a process-wide master key so the persistence layer only ever sees
// ciphertext. Master key rotation is supported through a declared list of
// legacy keys tried in order when unwrapping.
package keystore

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrKeystoreFailure reports that a wrapped room key could not be
	// recovered with the active master key or any declared legacy key.
	ErrKeystoreFailure = errors.New("keystore: unwrap failed with all master keys")

	// ErrDecryptFailure reports that a ciphertext failed authentication
	// under the supplied room key.
	ErrDecryptFailure = errors.New("keystore: decrypt failed")
)

// KeySize is the required byte length of master and room keys.
const KeySize = chacha20poly1305.KeySize

// Options configures a Keystore.
type Options struct {
	// MasterKey is the active 256-bit wrapping key, typically decoded
	// from the environment.
	MasterKey []byte
	// LegacyKeys are previous master keys, newest first. Unwrap falls
	// back to them so rotation never orphans stored room keys.
	LegacyKeys [][]byte
}

// Keystore performs wrap/unwrap of room keys and seal/open of payloads.
// It is safe for concurrent use.
type Keystore struct {
	wrap   cipher.AEAD
	unwrap []cipher.AEAD
}

// New validates the options and constructs a Keystore. All keys must be
// exactly KeySize bytes.
func New(opts Options) (*Keystore, error) {
	if len(opts.MasterKey) != KeySize {
		return nil, fmt.Errorf("keystore: master key must be %d bytes, got %d", KeySize, len(opts.MasterKey))
	}
	active, err := chacha20poly1305.NewX(opts.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: init master AEAD: %w", err)
	}
	unwrap := []cipher.AEAD{active}
	for i, legacy := range opts.LegacyKeys {
		if len(legacy) != KeySize {
			return nil, fmt.Errorf("keystore: legacy key %d must be %d bytes, got %d", i, KeySize, len(legacy))
		}
		aead, err := chacha20poly1305.NewX(legacy)
		if err != nil {
			return nil, fmt.Errorf("keystore: init legacy AEAD %d: %w", i, err)
		}
		unwrap = append(unwrap, aead)
	}
	return &Keystore{wrap: active, unwrap: unwrap}, nil
}

// NewRoomKey returns a fresh random 256-bit room key.
func (k *Keystore) NewRoomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keystore: generate room key: %w", err)
	}
	return key, nil
}

// WrapRoomKey seals a room key under the active master key. The result is
// base64(nonce || ciphertext) and safe to persist.
func (k *Keystore) WrapRoomKey(roomKey []byte) (string, error) {
	if len(roomKey) != KeySize {
		return "", fmt.Errorf("keystore: room key must be %d bytes, got %d", KeySize, len(roomKey))
	}
	nonce := make([]byte, k.wrap.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keystore: generate wrap nonce: %w", err)
	}
	sealed := k.wrap.Seal(nonce, nonce, roomKey, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// UnwrapRoomKey recovers a room key wrapped by WrapRoomKey. The active
// master key is tried first, then each legacy key in order; if none
// authenticates the result is ErrKeystoreFailure.
func (k *Keystore) UnwrapRoomKey(wrapped string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode wrapped key: %w", err)
	}
	for _, aead := range k.unwrap {
		ns := aead.NonceSize()
		if len(raw) < ns {
			continue
		}
		key, err := aead.Open(nil, raw[:ns], raw[ns:], nil)
		if err == nil {
			return key, nil
		}
	}
	return nil, ErrKeystoreFailure
}

// Encrypt seals plaintext under a room key with a random 96-bit nonce and
// returns the ciphertext and nonce separately, matching the persisted
// message layout.
func (k *Keystore) Encrypt(roomKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(roomKey)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: init room AEAD: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt. Authentication failure
// yields ErrDecryptFailure; callers surface the placeholder body and log
// room and sender ids only, never key material.
func (k *Keystore) Decrypt(roomKey, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(roomKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: init room AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}

// VerifyHMAC checks a webhook signature using a constant-time comparison.
// algo selects the digest ("sha256" or "sha1"); claimed is the hex-encoded
// digest from the provider header, with any "sha256=" style prefix already
// stripped by the caller.
func VerifyHMAC(algo string, secret, body []byte, claimed string) bool {
	var newHash func() hash.Hash
	switch algo {
	case "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	default:
		return false
	}
	want, err := hex.DecodeString(claimed)
	if err != nil {
		return false
	}
	mac := hmac.New(newHash, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// SignHMAC produces the hex digest VerifyHMAC expects. Used by tests and
// by outbound webhook calls that must sign their payloads.
func SignHMAC(algo string, secret, body []byte) (string, error) {
	var newHash func() hash.Hash
	switch algo {
	case "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	default:
		return "", fmt.Errorf("keystore: unsupported hmac algo %q", algo)
	}
	mac := hmac.New(newHash, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
