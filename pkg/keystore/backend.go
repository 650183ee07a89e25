package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const keyFileExt = ".key"

// FileBackend stores each key as a base64 file in a directory only the
// owner can access.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir with mode 0700 if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to restrict key directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, id+keyFileExt)
}

// List implements Backend.
func (b *FileBackend) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), keyFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), keyFileExt))
	}
	return ids, nil
}

// Load implements Backend.
func (b *FileBackend) Load(id string) ([]byte, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
		}
		return nil, fmt.Errorf("failed to read key %s: %w", id, err)
	}

	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", ErrInvalidKey, id, err)
	}
	return secret, nil
}

// Save implements Backend. The file is created with mode 0600 and an
// existing key file is never replaced.
func (b *FileBackend) Save(id string, secret []byte) error {
	f, err := os.OpenFile(b.path(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}

	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(secret)); err != nil {
		_ = f.Close()
		_ = os.Remove(b.path(id))
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}

// keyIndexSuffix names the keyring entry holding the JSON list of key-IDs,
// since go-keyring cannot enumerate entries.
const keyIndexSuffix = "::key-index"

// KeyringBackend stores keys in the OS keyring through go-keyring.
type KeyringBackend struct {
	service string
}

// NewKeyringBackend returns a backend storing entries under service.
func NewKeyringBackend(service string) *KeyringBackend {
	return &KeyringBackend{service: service}
}

// List implements Backend.
func (b *KeyringBackend) List() ([]string, error) {
	raw, err := keyring.Get(b.service, b.service+keyIndexSuffix)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load key index: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode key index: %w", err)
	}
	return ids, nil
}

// Load implements Backend.
func (b *KeyringBackend) Load(id string) ([]byte, error) {
	raw, err := keyring.Get(b.service, id)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
		}
		return nil, fmt.Errorf("failed to read key %s: %w", id, err)
	}

	secret, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", ErrInvalidKey, id, err)
	}
	return secret, nil
}

// Save implements Backend.
func (b *KeyringBackend) Save(id string, secret []byte) error {
	if _, err := keyring.Get(b.service, id); err == nil {
		return fmt.Errorf("key %s already exists", id)
	}

	if err := keyring.Set(b.service, id, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return fmt.Errorf("failed to store key %s: %w", id, err)
	}

	ids, err := b.List()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}

	data, err := json.Marshal(append(ids, id))
	if err != nil {
		return fmt.Errorf("failed to encode key index: %w", err)
	}
	if err := keyring.Set(b.service, b.service+keyIndexSuffix, string(data)); err != nil {
		return fmt.Errorf("failed to save key index: %w", err)
	}
	return nil
}
