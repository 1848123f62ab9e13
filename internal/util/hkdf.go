package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF expands seed into n bytes of key material bound to salt and info.
func HKDF(seed, salt, info []byte, n int) ([]byte, error) {
	if n <= 0 {
		n = HKDFKeyLength
	}
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, n)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
