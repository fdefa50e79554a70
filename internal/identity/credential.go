package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

// CredentialSource yields the locally persisted bearer credential. An absent
// credential is reported as an empty token and a nil error.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// CredentialWriter is implemented by sources that can persist a new credential
// (login) or forget the current one (logout).
type CredentialWriter interface {
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// FileSource reads the credential from a file on disk.
type FileSource struct {
	Path string
}

func (s FileSource) Token(_ context.Context) (string, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read credential file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (s FileSource) Save(_ context.Context, token string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := os.WriteFile(s.Path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

func (s FileSource) Clear(_ context.Context) error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

// StaticSource serves a fixed token, typically taken from config or env.
type StaticSource string

func (s StaticSource) Token(_ context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// KeyringSource keeps the credential in the OS keyring.
type KeyringSource struct {
	ring keyring.Keyring
	key  string
}

// OpenKeyringSource opens the platform keyring under the given service name.
func OpenKeyringSource(service, key, fileDir string) (*KeyringSource, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringSource(ring, key), nil
}

func NewKeyringSource(ring keyring.Keyring, key string) *KeyringSource {
	return &KeyringSource{ring: ring, key: key}
}

func (s *KeyringSource) Token(_ context.Context) (string, error) {
	item, err := s.ring.Get(s.key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("getting credential %q: %w", s.key, err)
	}
	return strings.TrimSpace(string(item.Data)), nil
}

func (s *KeyringSource) Save(_ context.Context, token string) error {
	err := s.ring.Set(keyring.Item{
		Key:  s.key,
		Data: []byte(strings.TrimSpace(token)),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", s.key, err)
	}
	return nil
}

func (s *KeyringSource) Clear(_ context.Context) error {
	if err := s.ring.Remove(s.key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", s.key, err)
	}
	return nil
}
