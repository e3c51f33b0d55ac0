package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is set once at startup via InitEncryption. Grounded on
// server/internal/db/encrypt.go's package-level-key AES-256-GCM design.
var encryptionKey []byte

// InitEncryption installs the AES-256 key used for EncryptedString fields.
// keyHex must decode to exactly 32 bytes.
func InitEncryption(keyHex string) error {
	if keyHex == "" {
		return nil // encryption at rest is opt-in; secrets stored in plaintext otherwise
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("store: encryption key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("store: encryption key must be 32 bytes, got %d", len(key))
	}
	encryptionKey = key
	return nil
}

// EncryptedString is a GORM field type that transparently encrypts values at
// rest with AES-256-GCM, used for webhook auth secrets and protocol shared
// keys (spec.md §6 protocol.auth).
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if encryptionKey == nil {
		return string(e), nil
	}

	block, err := aes.NewCipher(encryptionKey)
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

	ciphertext := gcm.Seal(nonce, nonce, []byte(e), nil)
	return hex.EncodeToString(ciphertext), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value any) error {
	if value == nil {
		*e = ""
		return nil
	}

	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("store: EncryptedString.Scan: unsupported type %T", value)
	}
	if raw == "" {
		*e = ""
		return nil
	}
	if encryptionKey == nil {
		*e = EncryptedString(raw)
		return nil
	}

	ciphertext, err := hex.DecodeString(raw)
	if err != nil {
		// Pre-existing plaintext row written before encryption was enabled.
		*e = EncryptedString(raw)
		return nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return errors.New("store: EncryptedString.Scan: ciphertext too short")
	}

	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return fmt.Errorf("store: EncryptedString.Scan: decrypt: %w", err)
	}
	*e = EncryptedString(plaintext)
	return nil
}
