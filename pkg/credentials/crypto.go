package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/appos-io/appos/pkg/types"
)

// ciphertextVersion is the first byte of every ciphertext. The wire format is
// self-describing (version || nonce || sealed payload) so key rotation never
// needs an external schema.
const ciphertextVersion = 0x01

// deriveKey hashes a secret string into a 32-byte AES-256 key
func deriveKey(secret string) []byte {
	hash := sha256.Sum256([]byte(secret))
	return hash[:]
}

// canonicalJSON encodes a credential mapping with sorted keys so that equal
// mappings always produce identical plaintext bytes.
func canonicalJSON(creds types.Document) ([]byte, error) {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(creds[k])
		if err != nil {
			return nil, fmt.Errorf("credential value for %q is not encodable: %w", k, err)
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

// encryptWithKey seals plaintext with AES-256-GCM under key, producing
// version || nonce || ciphertext+tag.
func encryptWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, ciphertextVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// decryptWithKey opens a ciphertext produced by encryptWithKey. Integrity
// failures come back as SecurityError{auth_tag_mismatch}; structural decode
// failures as SecurityError{corrupt_payload}. Nothing is ever partially
// revealed.
func decryptWithKey(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, &types.SecurityError{Reason: types.ReasonCorruptPayload, Detail: "empty ciphertext"}
	}
	if ciphertext[0] != ciphertextVersion {
		return nil, &types.SecurityError{
			Reason: types.ReasonCorruptPayload,
			Detail: fmt.Sprintf("unknown ciphertext version 0x%02x", ciphertext[0]),
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	body := ciphertext[1:]
	nonceSize := gcm.NonceSize()
	if len(body) < nonceSize+gcm.Overhead() {
		return nil, &types.SecurityError{Reason: types.ReasonCorruptPayload, Detail: "ciphertext too short"}
	}

	nonce, sealed := body[:nonceSize], body[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &types.SecurityError{Reason: types.ReasonAuthTagMismatch, Detail: "decryption failed"}
	}
	return plaintext, nil
}
