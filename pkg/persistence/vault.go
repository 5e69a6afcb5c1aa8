package persistence

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SecretSize is the size of a vault master secret.
const SecretSize = 32

const (
	saltSize    = 16
	vaultPrefix = "credentials:"
	vaultInfo   = "thi-tunnel credentials v1"
)

// Vault errors.
var (
	ErrInvalidSecret = errors.New("persistence: master secret must be 32 bytes")
	ErrSealedRecord  = errors.New("persistence: cannot open sealed credentials")
)

// Credentials are a username and password kept for non-interactive
// session renewal.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Vault keeps Credentials sealed in a Store. Each record is encrypted with
// XChaCha20-Poly1305 under a key derived by HKDF-SHA256 from the master
// secret and a random per-record salt. The record ID is bound as
// additional data, so a record copied to another ID does not open.
type Vault struct {
	store  Store
	secret []byte
}

// NewVault creates a vault over store using a 32-byte master secret.
func NewVault(store Store, secret []byte) (*Vault, error) {
	if len(secret) != SecretSize {
		return nil, ErrInvalidSecret
	}
	return &Vault{store: store, secret: append([]byte(nil), secret...)}, nil
}

// Read returns the credentials stored under id, or nil, nil if there are
// none.
func (v *Vault) Read(ctx context.Context, id string) (*Credentials, error) {
	sealed, err := v.store.Get(ctx, vaultPrefix+id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := v.open(id, sealed)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{}
	if err := json.Unmarshal(plaintext, creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedRecord, err)
	}
	return creds, nil
}

// Write seals creds and stores them under id.
func (v *Vault) Write(ctx context.Context, id string, creds Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := v.seal(id, plaintext)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, vaultPrefix+id, sealed)
}

// Delete removes the credentials stored under id.
func (v *Vault) Delete(ctx context.Context, id string) error {
	return v.store.Delete(ctx, vaultPrefix+id)
}

// seal returns base64(salt | nonce | ciphertext).
func (v *Vault) seal(id string, plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	aead, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := append(salt, aead.Seal(nonce, nonce, plaintext, []byte(id))...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) open(id, sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedRecord, err)
	}
	if len(data) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: record too short", ErrSealedRecord)
	}

	salt := data[:saltSize]
	aead, err := v.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := data[saltSize : saltSize+aead.NonceSize()]
	ciphertext := data[saltSize+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedRecord, err)
	}
	return plaintext, nil
}

// aead derives the record key for salt.
func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.secret, salt, []byte(vaultInfo)), key); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}
