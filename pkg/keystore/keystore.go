// Package keystore manages the symmetric keys that protect stored biometric
// templates. Keys are addressed by a time-derived key-ID; exactly one key is
// current and every key ever generated stays retrievable for decryption.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// KeySize is the length of the secret material in bytes.
const KeySize = 32

// IDFormat is the UTC timestamp layout key-IDs are derived from. IDs of this
// fixed width sort chronologically as strings.
const IDFormat = "20060102150405"

// ErrKeyNotFound is returned when no key exists for a key-ID.
var ErrKeyNotFound = errors.New("key not found")

// ErrInvalidKey is returned when persisted key material is malformed.
var ErrInvalidKey = errors.New("invalid key material")

// Key is one symmetric key. Its secret is only reachable through Secret, and
// formatting a Key prints the key-ID alone.
type Key struct {
	ID        string
	CreatedAt time.Time
	secret    [KeySize]byte
}

// Secret returns a copy of the secret material.
func (k Key) Secret() *[KeySize]byte {
	s := k.secret
	return &s
}

// String implements fmt.Stringer without revealing the secret.
func (k Key) String() string {
	return "key(" + k.ID + ")"
}

// KeyInfo describes a key without its secret.
type KeyInfo struct {
	ID        string
	CreatedAt time.Time
	Current   bool
}

// Backend persists opaque key blobs by key-ID.
type Backend interface {
	// List returns all persisted key-IDs in any order.
	List() ([]string, error)
	// Load returns the secret for id, or an error wrapping ErrKeyNotFound.
	Load(id string) ([]byte, error)
	// Save persists a new key. Keys are never overwritten.
	Save(id string, secret []byte) error
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used to derive key-IDs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the key store. It is safe for concurrent use: Rotate calls are
// serialized and Current always observes a complete key.
type Store struct {
	backend Backend
	now     func() time.Time

	current  atomic.Pointer[Key]
	rotateMu sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]*Key
	ids     []string
}

// Open loads the newest persisted key as current, generating the first key
// when the backend is empty. Older keys are loaded on demand.
func Open(backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		now:     time.Now,
		cache:   make(map[string]*Key),
	}
	for _, opt := range opts {
		opt(s)
	}

	ids, err := backend.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	ids = validIDs(ids)

	if len(ids) == 0 {
		logging.Component("keystore").Info("No persisted key found, generating initial key")
		if _, err := s.Rotate(); err != nil {
			return nil, err
		}
		return s, nil
	}

	sort.Strings(ids)
	s.ids = ids

	newest, err := s.load(ids[len(ids)-1])
	if err != nil {
		return nil, err
	}
	s.current.Store(newest)

	logging.Component("keystore").Infof("Loaded %d key(s), current key %s", len(ids), newest.ID)
	return s, nil
}

// Current returns the current key.
func (s *Store) Current() Key {
	return *s.current.Load()
}

// KeyByID returns the key with the given ID.
func (s *Store) KeyByID(id string) (Key, error) {
	s.cacheMu.RLock()
	k, ok := s.cache[id]
	s.cacheMu.RUnlock()
	if ok {
		return *k, nil
	}

	k, err := s.load(id)
	if err != nil {
		return Key{}, err
	}
	return *k, nil
}

// Rotate generates a new key and makes it current. Existing keys remain
// retrievable; nothing already encrypted is touched.
func (s *Store) Rotate() (string, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	created := s.now().UTC().Truncate(time.Second)
	if cur := s.current.Load(); cur != nil && !created.After(cur.CreatedAt) {
		created = cur.CreatedAt.Add(time.Second)
	}

	k := &Key{ID: created.Format(IDFormat), CreatedAt: created}
	if _, err := rand.Read(k.secret[:]); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	if err := s.backend.Save(k.ID, k.secret[:]); err != nil {
		return "", fmt.Errorf("failed to persist key %s: %w", k.ID, err)
	}

	s.cacheMu.Lock()
	s.cache[k.ID] = k
	s.ids = append(s.ids, k.ID)
	s.cacheMu.Unlock()

	s.current.Store(k)

	logging.Component("keystore").WithField("key_id", k.ID).Info("Rotated encryption key")
	return k.ID, nil
}

// Keys lists every known key, oldest first.
func (s *Store) Keys() []KeyInfo {
	cur := s.current.Load()

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	infos := make([]KeyInfo, 0, len(s.ids))
	for _, id := range s.ids {
		created, _ := ParseID(id)
		infos = append(infos, KeyInfo{
			ID:        id,
			CreatedAt: created,
			Current:   cur != nil && cur.ID == id,
		})
	}
	return infos
}

func (s *Store) load(id string) (*Key, error) {
	created, err := ParseID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}

	raw, err := s.backend.Load(id)
	if err != nil {
		return nil, err
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: key %s has %d bytes", ErrInvalidKey, id, len(raw))
	}

	k := &Key{ID: id, CreatedAt: created}
	copy(k.secret[:], raw)

	s.cacheMu.Lock()
	if existing, ok := s.cache[id]; ok {
		k = existing
	} else {
		s.cache[id] = k
	}
	s.cacheMu.Unlock()

	logging.Component("keystore").WithField("key_id", id).Debug("Loaded key")
	return k, nil
}

// ParseID returns the creation time encoded in a key-ID.
func ParseID(id string) (time.Time, error) {
	return time.ParseInLocation(IDFormat, id, time.UTC)
}

func validIDs(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if _, err := ParseID(id); err != nil {
			logging.Component("keystore").Warnf("Ignoring malformed key-ID %q", id)
			continue
		}
		out = append(out, id)
	}
	return out
}
