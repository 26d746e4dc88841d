package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Format: magic(8) + salt(16) + nonce(12) + ciphertext + tag(16)
const (
	gcmMagic         = "GCM3NCR0"
	saltSize         = 16
	nonceSize        = 12
	tagSize          = 16
	pbkdf2Iterations = 100000
	keySize          = 32
)

var ErrDecrypt = errors.New("decrypt failed")

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keySize, sha256.New)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals data with a key derived from password.
func Encrypt(data []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(gcmMagic)+saltSize+nonceSize+len(data)+tagSize)
	out = append(out, gcmMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(data []byte, password string) ([]byte, error) {
	if len(data) < len(gcmMagic)+saltSize+nonceSize+tagSize {
		return nil, fmt.Errorf("%w: data too short: %d bytes", ErrDecrypt, len(data))
	}
	if string(data[:len(gcmMagic)]) != gcmMagic {
		return nil, fmt.Errorf("%w: unknown format", ErrDecrypt)
	}
	rest := data[len(gcmMagic):]
	salt := rest[:saltSize]
	nonce := rest[saltSize : saltSize+nonceSize]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, rest[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
