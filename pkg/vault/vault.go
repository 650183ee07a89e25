// Package vault encrypts biometric templates under the key store's current key
// using NaCl secretbox. Provenance metadata travels inside the ciphertext and
// is cross-checked against the envelope on every open.
package vault

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/MrCodeEU/rollcall/pkg/keystore"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

const (
	// NonceSize is the size of the nonce prefixed to every ciphertext.
	NonceSize = 24
	// SchemaVersion is written into the metadata of new envelopes.
	SchemaVersion = "1.0"

	lengthPrefix = 4
)

var (
	// ErrIntegrity is returned when a ciphertext fails authentication or its
	// plaintext is malformed.
	ErrIntegrity = errors.New("envelope integrity check failed")
	// ErrKeyNotFound is returned when the envelope's key-ID is unknown.
	ErrKeyNotFound = errors.New("envelope key not found")
	// ErrKeyMismatch is returned when the sealed metadata names a different
	// key than the envelope.
	ErrKeyMismatch = errors.New("envelope key-ID mismatch")
	// ErrUnsupportedVersion is returned for metadata of an unknown schema.
	ErrUnsupportedVersion = errors.New("unsupported envelope schema version")
)

// Envelope is an encrypted template plus the fields needed to open it.
type Envelope struct {
	Ciphertext    []byte
	KeyID         string
	CreatedAt     time.Time
	SchemaVersion string
}

type metadata struct {
	Timestamp time.Time `json:"timestamp"`
	KeyID     string    `json:"key_id"`
	Version   string    `json:"version"`
}

// KeySource is the subset of *keystore.Store the vault needs.
type KeySource interface {
	Current() keystore.Key
	KeyByID(id string) (keystore.Key, error)
}

// Vault seals and opens envelopes.
type Vault struct {
	keys KeySource
	now  func() time.Time
}

// New returns a vault using keys.
func New(keys KeySource) *Vault {
	return &Vault{keys: keys, now: time.Now}
}

// Seal encrypts an embedding.
func (v *Vault) Seal(emb recognition.Embedding) (Envelope, error) {
	return v.SealBytes(EncodeEmbedding(emb))
}

// Open decrypts an envelope produced by Seal.
func (v *Vault) Open(env Envelope) (recognition.Embedding, error) {
	payload, err := v.OpenBytes(env)
	if err != nil {
		return nil, err
	}
	return DecodeEmbedding(payload)
}

// SealBytes encrypts payload under the current key. The plaintext is a 4-byte
// big-endian metadata length, the JSON metadata, then the payload.
func (v *Vault) SealBytes(payload []byte) (Envelope, error) {
	key := v.keys.Current()
	meta := metadata{
		Timestamp: v.now().UTC(),
		KeyID:     key.ID,
		Version:   SchemaVersion,
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode metadata: %w", err)
	}

	plaintext := make([]byte, lengthPrefix, lengthPrefix+len(metaJSON)+len(payload))
	binary.BigEndian.PutUint32(plaintext, uint32(len(metaJSON)))
	plaintext = append(plaintext, metaJSON...)
	plaintext = append(plaintext, payload...)

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Envelope{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := secretbox.Seal(nonce[:], plaintext, &nonce, key.Secret())

	logging.Component("vault").WithField("key_id", key.ID).Debug("Sealed template")
	return Envelope{
		Ciphertext:    ciphertext,
		KeyID:         key.ID,
		CreatedAt:     meta.Timestamp,
		SchemaVersion: SchemaVersion,
	}, nil
}

// OpenBytes decrypts env and returns the payload. It never returns partially
// verified data.
func (v *Vault) OpenBytes(env Envelope) ([]byte, error) {
	key, err := v.keys.KeyByID(env.KeyID)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, err)
		}
		return nil, fmt.Errorf("failed to resolve key %s: %w", env.KeyID, err)
	}

	if len(env.Ciphertext) < NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], env.Ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, env.Ciphertext[NonceSize:], &nonce, key.Secret())
	if !ok {
		logging.Component("vault").WithField("key_id", env.KeyID).Warn("Envelope failed authentication")
		return nil, ErrIntegrity
	}

	meta, payload, err := split(plaintext)
	if err != nil {
		return nil, err
	}
	if meta.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, meta.Version)
	}
	if meta.KeyID != env.KeyID {
		return nil, fmt.Errorf("%w: sealed under %s, envelope says %s", ErrKeyMismatch, meta.KeyID, env.KeyID)
	}
	return payload, nil
}

// Reseal re-encrypts env under the current key.
func (v *Vault) Reseal(env Envelope) (Envelope, error) {
	payload, err := v.OpenBytes(env)
	if err != nil {
		return Envelope{}, err
	}
	return v.SealBytes(payload)
}

func split(plaintext []byte) (metadata, []byte, error) {
	var meta metadata
	if len(plaintext) < lengthPrefix {
		return meta, nil, fmt.Errorf("%w: missing metadata length", ErrIntegrity)
	}
	n := binary.BigEndian.Uint32(plaintext[:lengthPrefix])
	rest := plaintext[lengthPrefix:]
	if uint64(n) > uint64(len(rest)) {
		return meta, nil, fmt.Errorf("%w: metadata length %d exceeds plaintext", ErrIntegrity, n)
	}
	if err := json.Unmarshal(rest[:n], &meta); err != nil {
		return meta, nil, fmt.Errorf("%w: metadata: %v", ErrIntegrity, err)
	}
	return meta, rest[n:], nil
}

// EncodeEmbedding serializes an embedding as little-endian float32 values.
func EncodeEmbedding(emb recognition.Embedding) []byte {
	buf := make([]byte, 4*len(emb))
	for i, f := range emb {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding is the inverse of EncodeEmbedding.
func DecodeEmbedding(b []byte) (recognition.Embedding, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: payload of %d bytes is not a float32 vector", ErrIntegrity, len(b))
	}
	emb := make(recognition.Embedding, len(b)/4)
	for i := range emb {
		emb[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return emb, nil
}
