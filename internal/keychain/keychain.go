// Package keychain stores the database password and LLM API key in the OS
// credential store so they never land in the config file.
package keychain

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/99designs/keyring"
)

// ServiceName identifies our credential store namespace.
const ServiceName = "ensembleql"

const keyLLMAPIKey = "llm_api_key"

// ErrNotFound means no secret is stored under the requested key.
var ErrNotFound = errors.New("secret not found in keychain")

// Manager is safe for concurrent use.
type Manager struct {
	mu   sync.RWMutex
	ring keyring.Keyring
}

// Open opens the platform's native credential store.
func Open() (*Manager, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:     ServiceName,
		AllowedBackends: allowedBackends(),
		PassPrefix:      ServiceName,
		WinCredPrefix:   ServiceName,
		KeychainName:    "login",
	})
	if err != nil {
		return nil, fmt.Errorf("open keychain: %w", err)
	}
	return &Manager{ring: ring}, nil
}

// NewWithRing wraps an existing keyring.
func NewWithRing(ring keyring.Keyring) *Manager {
	return &Manager{ring: ring}
}

func allowedBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend, keyring.PassBackend}
	case "windows":
		return []keyring.BackendType{keyring.WinCredBackend}
	default:
		return []keyring.BackendType{keyring.SecretServiceBackend, keyring.KWalletBackend, keyring.PassBackend, keyring.KeyCtlBackend}
	}
}

// DBPasswordKey names the entry for one database login.
func DBPasswordKey(user, host string, port int, dbname string) string {
	return fmt.Sprintf("db_password:%s@%s:%d/%s", user, host, port, dbname)
}

func (m *Manager) SaveDBPassword(key, password string) error {
	return m.set(key, password, "ensembleql database password")
}

func (m *Manager) LoadDBPassword(key string) (string, error) {
	return m.get(key)
}

func (m *Manager) DeleteDBPassword(key string) error {
	return m.remove(key)
}

func (m *Manager) SaveLLMAPIKey(apiKey string) error {
	return m.set(keyLLMAPIKey, apiKey, "ensembleql LLM API key")
}

func (m *Manager) LoadLLMAPIKey() (string, error) {
	return m.get(keyLLMAPIKey)
}

func (m *Manager) set(key, value, label string) error {
	if value == "" {
		return fmt.Errorf("refusing to store an empty secret for %s", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: label}); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (m *Manager) get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, err := m.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	if len(it.Data) == 0 {
		return "", ErrNotFound
	}
	return string(it.Data), nil
}

func (m *Manager) remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
