package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	AESKeySize   = 32
	GCMNonceSize = 12
)

// ErrShortCiphertext is returned when a sealed payload cannot even hold a nonce.
var ErrShortCiphertext = errors.New("ciphertext shorter than nonce size")

// NewGCM builds an AES-256-GCM AEAD from a raw key.
func NewGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// SealAppend encrypts plainText and appends nonce || ciphertext to dst.
func SealAppend(dst []byte, gcm cipher.AEAD, plainText, aad []byte) ([]byte, error) {
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	dst = append(dst, nonce...)
	return gcm.Seal(dst, nonce, plainText, aad), nil
}

// Open reverses SealAppend for a payload of the form nonce || ciphertext.
func Open(gcm cipher.AEAD, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrShortCiphertext
	}
	nonce, cipherText := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plainText, err := gcm.Open(nil, nonce, cipherText, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}
