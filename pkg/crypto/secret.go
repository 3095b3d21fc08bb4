// Package crypto - защита секретов в конфигурации: шифрование ключей биржи
// (AES-256-GCM) и хеши API токенов (bcrypt).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// SecretPrefix - признак зашифрованного значения в конфигурации: "enc:<base64>"
const SecretPrefix = "enc:"

// Ошибки шифрования
var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
	ErrNoKey              = errors.New("encrypted secret requires an encryption key")
)

// ParseKey принимает ключ как 32 байта текста или base64 от 32 байт
func ParseKey(s string) ([]byte, error) {
	if len(s) == 32 {
		return []byte(s), nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == 32 {
		return raw, nil
	}
	return nil, ErrInvalidKeyLength
}

// Encrypt шифрует plaintext с использованием AES-256-GCM.
// Результат - base64(nonce || ciphertext || tag).
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt расшифровывает результат Encrypt
func Decrypt(ciphertextBase64 string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// SealSecret шифрует значение для конфигурации, добавляя SecretPrefix
func SealSecret(plaintext string, key []byte) (string, error) {
	enc, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return SecretPrefix + enc, nil
}

// OpenSecret возвращает значение как есть, если оно без SecretPrefix,
// иначе расшифровывает его ключом key
func OpenSecret(value string, key []byte) (string, error) {
	enc, ok := strings.CutPrefix(value, SecretPrefix)
	if !ok {
		return value, nil
	}
	if len(key) == 0 {
		return "", ErrNoKey
	}
	return Decrypt(enc, key)
}

// GenerateKey генерирует случайный ключ AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
