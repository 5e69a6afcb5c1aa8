package persistence

import (
	"crypto/rand"
	"os"
	"path/filepath"
)

// LoadOrCreateSecret reads the vault master secret at path, creating a
// new random one (mode 0600) if the file does not exist.
func LoadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != SecretSize {
			return nil, ErrInvalidSecret
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	// O_EXCL: a concurrent creator wins and we read its secret instead.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if os.IsExist(err) {
		return LoadOrCreateSecret(path)
	}
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(secret); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return secret, nil
}
