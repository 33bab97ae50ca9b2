package credentials

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/appos-io/appos/pkg/audit"
	"github.com/appos-io/appos/pkg/log"
	"github.com/appos-io/appos/pkg/store"
	"github.com/appos-io/appos/pkg/types"
)

// EnvSecretKey names the environment variable holding the master secret
const EnvSecretKey = "APPOS_SECRET_KEY"

// devDefaultSecret is used only when neither the environment variable nor an
// explicit secret is provided. Production deployments must set APPOS_SECRET_KEY.
const devDefaultSecret = "appos-dev-insecure-key"

// Manager encrypts, stores and retrieves connected-system credentials, and
// derives HTTP auth headers from the stored secret. Plaintext is never cached:
// one short store transaction per operation.
type Manager struct {
	store store.Store
	sink  audit.Sink

	mu  sync.RWMutex // guards key across rotation
	key []byte
}

// NewManager creates a credential manager. The encryption key is derived with
// SHA-256 from, in order: APPOS_SECRET_KEY, the explicit secret argument, or
// a documented development default (warned about). A nil sink falls back to
// structured-log auditing.
func NewManager(st store.Store, secret string, sink audit.Sink) *Manager {
	if env := os.Getenv(EnvSecretKey); env != "" {
		secret = env
	}
	if secret == "" {
		secret = devDefaultSecret
		logger := log.WithComponent("credentials")
		logger.Warn().Msg("APPOS_SECRET_KEY not set; using insecure development key")
	}
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &Manager{store: st, sink: sink, key: deriveKey(secret)}
}

func (m *Manager) currentKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key
}

// Encrypt canonicalises the credential mapping (sorted keys, UTF-8 JSON) and
// seals it under the current key.
func (m *Manager) Encrypt(creds types.Document) ([]byte, error) {
	plaintext, err := canonicalJSON(creds)
	if err != nil {
		return nil, err
	}
	return encryptWithKey(m.currentKey(), plaintext)
}

// Decrypt opens a ciphertext produced by Encrypt
func (m *Manager) Decrypt(ciphertext []byte) (types.Document, error) {
	plaintext, err := decryptWithKey(m.currentKey(), ciphertext)
	if err != nil {
		return nil, err
	}
	var creds types.Document
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, &types.SecurityError{Reason: types.ReasonCorruptPayload, Detail: "plaintext is not a credential mapping"}
	}
	return creds, nil
}

// SetCredentials encrypts and stores the mapping for a connected system,
// replacing any existing ciphertext atomically. Fails with NotFoundError when
// the system row does not exist.
func (m *Manager) SetCredentials(name string, creds types.Document) error {
	ciphertext, err := m.Encrypt(creds)
	if err != nil {
		return err
	}
	return m.store.SetCredentialCiphertext(name, ciphertext)
}

// GetCredentials returns the decrypted mapping, or nil when the system exists
// but holds no ciphertext.
func (m *Manager) GetCredentials(name string) (types.Document, error) {
	ciphertext, err := m.store.GetCredentialCiphertext(name)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 {
		return nil, nil
	}
	return m.Decrypt(ciphertext)
}

// DeleteCredentials clears the ciphertext; the system row stays.
func (m *Manager) DeleteCredentials(name string) error {
	return m.store.DeleteCredentialCiphertext(name)
}

// HasCredentials is metadata-only; it never decrypts.
func (m *Manager) HasCredentials(name string) (bool, error) {
	return m.store.HasCredentials(name)
}

// RotateKey decrypts every stored ciphertext with the current key,
// re-encrypts under the key derived from newSecret and commits the whole set
// in one transaction. Any per-row failure aborts the rotation; the manager
// switches to the new key only after the commit.
func (m *Manager) RotateKey(newSecret string) error {
	if newSecret == "" {
		return types.NewValidationError("secret", "rotation secret cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newKey := deriveKey(newSecret)
	ciphertexts, err := m.store.AllCredentialCiphertexts()
	if err != nil {
		return fmt.Errorf("failed to load ciphertexts: %w", err)
	}

	reencrypted := make(map[string][]byte, len(ciphertexts))
	for name, ct := range ciphertexts {
		plaintext, err := decryptWithKey(m.key, ct)
		if err != nil {
			return fmt.Errorf("rotation aborted at system %q: %w", name, err)
		}
		out, err := encryptWithKey(newKey, plaintext)
		if err != nil {
			return fmt.Errorf("rotation aborted at system %q: %w", name, err)
		}
		reencrypted[name] = out
	}

	if err := m.store.ReplaceAllCredentialCiphertexts(reencrypted); err != nil {
		return fmt.Errorf("rotation commit failed: %w", err)
	}

	m.key = newKey
	m.sink.Emit(audit.Record{
		Kind:   audit.KindKeyRotated,
		Detail: map[string]string{"systems": fmt.Sprint(len(reencrypted))},
	})
	logger := log.WithComponent("credentials")
	logger.Info().
		Int("systems", len(reencrypted)).
		Msg("encryption key rotated")
	return nil
}

// AuthConfig describes how a connected system authenticates
type AuthConfig struct {
	Type   string `json:"type" yaml:"type"`
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// GetAuthHeaders derives the HTTP auth headers for a connected system from
// its stored secret and auth config. Missing secrets never raise: they
// produce empty headers plus a warning, and the downstream call surfaces the
// authentication failure in its own error channel.
func (m *Manager) GetAuthHeaders(name string, cfg AuthConfig) (map[string]string, error) {
	logger := log.WithSystem(name)

	creds, err := m.GetCredentials(name)
	if err != nil {
		if types.IsNotFound(err) {
			logger.Warn().Str("auth_type", cfg.Type).Msg("connected system not found; no auth headers")
			return map[string]string{}, nil
		}
		return nil, err
	}

	str := func(key string) string {
		if creds == nil {
			return ""
		}
		if v, ok := creds[key].(string); ok {
			return v
		}
		return ""
	}

	switch cfg.Type {
	case "", "none":
		return map[string]string{}, nil

	case "basic":
		username, password := str("username"), str("password")
		if username == "" && password == "" {
			logger.Warn().Msg("no basic credentials stored; no auth headers")
			return map[string]string{}, nil
		}
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		return map[string]string{"Authorization": "Basic " + token}, nil

	case "api_key":
		apiKey := str("api_key")
		if apiKey == "" {
			logger.Warn().Msg("no api_key stored; no auth headers")
			return map[string]string{}, nil
		}
		header := cfg.Header
		if header == "" {
			header = "Authorization"
		}
		value := apiKey
		if strings.TrimSpace(cfg.Prefix) != "" {
			value = cfg.Prefix + " " + apiKey
		}
		return map[string]string{header: value}, nil

	case "oauth2":
		token := str("access_token")
		if token == "" {
			logger.Warn().Msg("no oauth2 access token stored; no auth headers")
			return map[string]string{}, nil
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil

	case "certificate":
		// Certificate material is applied by the transport layer, not
		// through headers.
		return map[string]string{}, nil

	default:
		logger.Warn().Str("auth_type", cfg.Type).Msg("unknown auth type; no auth headers")
		return map[string]string{}, nil
	}
}
