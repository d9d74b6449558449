// Package vault seals instance credentials at rest and owns the working
// directory the protocol runner reads them from.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
)

const sealedPrefix = "v1:"

var (
	errMalformed = errors.New("malformed ciphertext")
	errVersion   = errors.New("unsupported ciphertext version")
)

type Vault struct {
	bundles cipher.AEAD
	secrets cipher.AEAD
}

// New builds a vault from a 32-byte hex master key. Separate subkeys are
// derived for bundles and for passphrases.
func New(hexKey string) (*Vault, error) {
	master, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	if len(master) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes (64 hex chars)")
	}

	bundles, err := deriveAEAD(master, "instance-credentials")
	if err != nil {
		return nil, err
	}
	secrets, err := deriveAEAD(master, "instance-passphrase")
	if err != nil {
		return nil, err
	}
	return &Vault{bundles: bundles, secrets: secrets}, nil
}

func deriveAEAD(master []byte, label string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", label, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts b for instanceID. The ciphertext only opens for the same
// instance ID.
func (v *Vault) Seal(instanceID string, b *Bundle) (string, error) {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	return seal(v.bundles, instanceID, plaintext)
}

// Open decrypts and re-validates a sealed bundle. Any failure is reported
// as DECRYPTION_FAILED.
func (v *Vault) Open(instanceID, sealed string) (*Bundle, error) {
	plaintext, err := open(v.bundles, instanceID, sealed)
	if err != nil {
		return nil, apperrors.DecryptionFailed(err)
	}
	b, err := ParseBundle(plaintext)
	if err != nil {
		return nil, apperrors.DecryptionFailed(err)
	}
	return b, nil
}

func (v *Vault) SealSecret(instanceID, secret string) (string, error) {
	return seal(v.secrets, instanceID, []byte(secret))
}

func (v *Vault) OpenSecret(instanceID, sealed string) (string, error) {
	plaintext, err := open(v.secrets, instanceID, sealed)
	if err != nil {
		return "", apperrors.DecryptionFailed(err)
	}
	return string(plaintext), nil
}

func additionalData(instanceID string) []byte {
	return []byte("instance:" + instanceID)
}

func seal(aead cipher.AEAD, instanceID string, plaintext []byte) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nonce, nonce, plaintext, additionalData(instanceID))
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func open(aead cipher.AEAD, instanceID, sealed string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return nil, errVersion
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errMalformed
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, errMalformed
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(instanceID))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
