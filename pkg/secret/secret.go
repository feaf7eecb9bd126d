// Package secret implements the Storage Engine's encrypted secrets table.
// Stored values are nonce(12B) || AES-256-GCM ciphertext under a 32-byte
// master key supplied by a KeyProvider. The only provider in this package
// is FileKeyProvider, a 0600 file generated on first use; no OS keystore
// provider is implemented here.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12
)

// Record is the stored shape of one secret row.
type Record struct {
	Key            string `json:"key"`
	EncryptedValue string `json:"encrypted_value"` // base64(nonce || ciphertext)
	Description    string `json:"description,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Store is the typed wrapper over the secrets table.
type Store struct {
	table *storage.Table[Record]
	key   []byte
}

// Open opens the secrets table against engine and provisions (or loads)
// the master key through keyProvider.MasterKey.
func Open(ctx context.Context, engine *storage.Engine, keyProvider KeyProvider) (*Store, error) {
	table, err := storage.NewTable[Record](ctx, engine, "secrets")
	if err != nil {
		return nil, err
	}
	key, err := keyProvider.MasterKey()
	if err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "provision master key", err)
	}
	if len(key) != keySize {
		return nil, rferrors.New(rferrors.Internal, fmt.Sprintf("master key must be %d bytes, got %d", keySize, len(key)))
	}
	return &Store{table: table, key: key}, nil
}

// KeyProvider supplies the 32-byte master key. Implementations decide
// where it lives (OS keystore, file) and whether it is generated on first
// use.
type KeyProvider interface {
	MasterKey() ([]byte, error)
}

// FileKeyProvider stores the master key as 32 random bytes in a 0600 file
// under the config directory, generating it on first use. It is the
// fallback for platforms without an OS keystore; keystore integration
// belongs to the desktop shell, so FileKeyProvider is the only
// KeyProvider implemented here.
type FileKeyProvider struct {
	Path string
}

// MasterKey returns the master key, generating and persisting one on
// first use.
func (p FileKeyProvider) MasterKey() ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if err == nil {
		if len(data) != keySize {
			return nil, fmt.Errorf("master key file %s has %d bytes, want %d", p.Path, len(data), keySize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.Path, key, 0600); err != nil {
		return nil, fmt.Errorf("persist master key: %w", err)
	}
	return key, nil
}

func (s *Store) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Store) encrypt(plaintext []byte) (string, error) {
	gcm, err := s.cipher()
	if err != nil {
		return "", rferrors.Wrap(rferrors.Internal, "init cipher", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", rferrors.Wrap(rferrors.Internal, "generate nonce", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	stored := append(nonce, sealed...)
	return base64.StdEncoding.EncodeToString(stored), nil
}

func (s *Store) decrypt(encoded string) ([]byte, error) {
	stored, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "decode ciphertext", err)
	}
	if len(stored) < nonceSize {
		return nil, rferrors.Wrap(rferrors.Internal, "ciphertext too short", rferrors.ErrDecryptionFailed)
	}
	gcm, err := s.cipher()
	if err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "init cipher", err)
	}
	nonce, ciphertext := stored[:nonceSize], stored[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Authentication failure. Never silently recovered: surface a
		// distinct, named error
		return nil, fmt.Errorf("%w: %v", rferrors.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Set encrypts value and upserts it under key.
func (s *Store) Set(ctx context.Context, key, value, description string) error {
	encrypted, err := s.encrypt([]byte(value))
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	existing, found, err := s.table.Get(ctx, key)
	if err != nil {
		return err
	}
	createdAt := now
	if found {
		createdAt = existing.CreatedAt
	}
	rec := Record{
		Key:            key,
		EncryptedValue: encrypted,
		Description:    description,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
	return s.table.Put(ctx, key, rec, nil)
}

// Get decrypts and returns the value stored under key. A decryption
// failure surfaces rferrors.ErrDecryptionFailed and must not be treated
// as "not found".
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	rec, found, err := s.table.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", rferrors.New(rferrors.NotFound, "secret "+key+" not found")
	}
	plaintext, err := s.decrypt(rec.EncryptedValue)
	if err != nil {
		if errors.Is(err, rferrors.ErrDecryptionFailed) {
			return "", err
		}
		return "", rferrors.Wrap(rferrors.Internal, "decrypt secret "+key, err)
	}
	return string(plaintext), nil
}

// Delete removes a secret.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.table.Delete(ctx, key)
}

// List returns secret metadata (never decrypted values) for every stored
// secret.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.table.List(ctx, "")
}

// Rotate re-encrypts every secret under a new master key. All rows are
// decrypted up front so a bad row aborts before anything is rewritten;
// on success the store adopts newKey for subsequent operations.
func (s *Store) Rotate(ctx context.Context, newKey []byte) error {
	if len(newKey) != keySize {
		return rferrors.New(rferrors.Internal, fmt.Sprintf("rotation key must be %d bytes", keySize))
	}
	records, err := s.table.List(ctx, "")
	if err != nil {
		return err
	}

	plaintexts := make(map[string][]byte, len(records))
	for _, rec := range records {
		pt, err := s.decrypt(rec.EncryptedValue)
		if err != nil {
			return fmt.Errorf("rotate: decrypt %s: %w", rec.Key, err)
		}
		plaintexts[rec.Key] = pt
	}

	oldKey := s.key
	s.key = newKey
	for _, rec := range records {
		encrypted, err := s.encrypt(plaintexts[rec.Key])
		if err != nil {
			s.key = oldKey
			return err
		}
		rec.EncryptedValue = encrypted
		rec.UpdatedAt = time.Now().UnixMilli()
		if err := s.table.Put(ctx, rec.Key, rec, nil); err != nil {
			s.key = oldKey
			return err
		}
	}
	return nil
}
