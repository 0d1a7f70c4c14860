package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks column values that were written encrypted. Values
// without the prefix are treated as plaintext, so enabling sealing on an
// existing database keeps old rows readable.
const sealedPrefix = "enc:v1:"

// sealingKey is the package-level AES-256 key used by SealedText. When nil,
// SealedText behaves as a plain string column.
var sealingKey []byte

// InitSealing sets the AES-256 key used to encrypt report XML at rest.
// key must be exactly 32 bytes. Passing an empty key disables sealing;
// values are then stored and read as plaintext.
//
// Call once during startup, before db.New.
func InitSealing(key []byte) error {
	if len(key) == 0 {
		sealingKey = nil
		return nil
	}
	if len(key) != 32 {
		return fmt.Errorf("db: sealing key must be exactly 32 bytes, got %d", len(key))
	}
	sealingKey = make([]byte, 32)
	copy(sealingKey, key)
	return nil
}

// SealedText is a string column that is encrypted with AES-256-GCM before
// being written when a sealing key is configured. Reads transparently
// decrypt prefixed values and pass plaintext through unchanged.
//
// The stored form of an encrypted value is:
//
//	enc:v1:base64(nonce + ciphertext)
//
// An empty SealedText is stored as an empty string without encryption.
type SealedText string

// Value implements driver.Valuer. Called by GORM before writing to the database.
func (t SealedText) Value() (driver.Value, error) {
	if t == "" || sealingKey == nil {
		return string(t), nil
	}

	block, err := aes.NewCipher(sealingKey)
	if err != nil {
		return nil, fmt.Errorf("db: failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: failed to create GCM: %w", err)
	}

	// A unique nonce per encryption is critical for GCM security.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(t), nil)

	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Scan implements sql.Scanner. Called by GORM after reading from the database.
func (t *SealedText) Scan(value interface{}) error {
	if value == nil {
		*t = ""
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("db: SealedText.Scan: expected string, got %T", value)
	}

	if !strings.HasPrefix(str, sealedPrefix) {
		*t = SealedText(str)
		return nil
	}
	if sealingKey == nil {
		return errors.New("db: encrypted value found but no sealing key configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(str, sealedPrefix))
	if err != nil {
		return fmt.Errorf("db: failed to decode sealed value: %w", err)
	}

	block, err := aes.NewCipher(sealingKey)
	if err != nil {
		return fmt.Errorf("db: failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("db: failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return errors.New("db: sealed value too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("db: failed to decrypt sealed value: %w", err)
	}

	*t = SealedText(plaintext)
	return nil
}
