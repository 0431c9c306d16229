// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/yllada/vpnd/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "vpnd"

	accountTokenKey = "account-token"
	wireguardKeyKey = "wireguard-private-key"
)

// Common errors returned by keyring operations.
var (
	ErrNotFound     = common.ErrCredentialsNotFound
	ErrInvalidToken = errors.New("account token must be 16 digits")
)

// Store holds the daemon's secrets. The zero value is not usable; use Open.
type Store struct {
	mu    sync.RWMutex
	local bool
	file  string
	key   []byte
	cache map[string]string
}

// Open probes the system keyring and falls back to an encrypted file in dir
// when it is unavailable, as on headless servers without a secret service.
func Open(dir string) *Store {
	s := &Store{file: filepath.Join(dir, common.CredentialsFileName)}

	testKey := serviceName + "-test-init"
	err := keyring.Set(serviceName, testKey, "test")
	if err == nil {
		keyring.Delete(serviceName, testKey)
		return s
	}
	common.LogDebug("Keyring: System keyring unavailable, using %s: %v", s.file, err)
	s.useLocal()
	return s
}

// Local reports whether secrets are kept in the encrypted file.
func (s *Store) Local() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

func (s *Store) useLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local {
		return
	}
	s.local = true

	// Derive the encryption key from machine-specific data.
	hostname, _ := os.Hostname()
	keyData := fmt.Sprintf("%s-%s-%s-%d", serviceName, hostname, getMachineID(), os.Getuid())
	hash := sha256.Sum256([]byte(keyData))
	s.key = hash[:]

	s.cache = make(map[string]string)
	s.loadLocked()
}

func getMachineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func (s *Store) loadLocked() {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return
	}
	decrypted, err := s.decrypt(data)
	if err != nil {
		common.LogWarn("Keyring: Could not decrypt %s: %v", s.file, err)
		return
	}
	json.Unmarshal(decrypted, &s.cache)
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.cache)
	if err != nil {
		return err
	}
	encrypted, err := s.encrypt(data)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.file, encrypted, 0600)
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, common.ErrDecryption
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Set saves a secret under name.
func (s *Store) Set(name, value string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if value == "" {
		return errors.New("value cannot be empty")
	}

	if !s.Local() {
		err := keyring.Set(serviceName, name, value)
		if err == nil {
			return nil
		}
		common.LogWarn("Keyring: Falling back to local storage: %v", err)
		s.useLocal()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[name] = value
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// Get retrieves the secret stored under name.
func (s *Store) Get(name string) (string, error) {
	if name == "" {
		return "", errors.New("name cannot be empty")
	}

	if !s.Local() {
		value, err := keyring.Get(serviceName, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogWarn("Keyring: Could not read %s: %v", name, err)
		}
		return "", ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.cache[name]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Delete removes the secret stored under name. Deleting a missing secret
// is not an error.
func (s *Store) Delete(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}

	if !s.Local() {
		if err := keyring.Delete(serviceName, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, name)
	return s.saveLocked()
}

// AccountToken returns the account number used to authenticate with relays.
func (s *Store) AccountToken() (string, error) {
	return s.Get(accountTokenKey)
}

// SetAccountToken validates and stores the account number. Spaces, as in
// the grouped form "1234 5678 9012 3456", are ignored.
func (s *Store) SetAccountToken(token string) error {
	token = strings.ReplaceAll(token, " ", "")
	if len(token) != 16 || strings.Trim(token, "0123456789") != "" {
		return ErrInvalidToken
	}
	return s.Set(accountTokenKey, token)
}

// ClearAccount removes the account number and the device key.
func (s *Store) ClearAccount() error {
	return errors.Join(s.Delete(accountTokenKey), s.Delete(wireguardKeyKey))
}
